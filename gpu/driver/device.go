// Package driver declares the abstraction of the underlying GPU API
// (OpenGL ES 2.0 / 3.1) that the rest of the inference engine programs
// against: shader compilation, texture binding, framebuffer management and
// driver limits. It never touches a real GL context itself — see
// gpu/sim for an in-process reference implementation and gpu for the
// single GPU-owning worker built on top of a Device.
//
// The shape of this interface is modelled on gioui.org/gpu/backend.Device,
// trimmed to the handful of verbs an inference graph actually needs
// (no vertex buffers beyond a single full-screen quad, no depth testing).
package driver

import "image"

// Device is a single GPU context. Every method must be called from the
// same goroutine the Device was created on; see gpu.Pipeline.
type Device interface {
	// Compile builds a fragment program from GLSL source targeting the
	// detected GLSL ES version, optionally paired with a SoftwareKernel
	// for backends (gpu/sim) that execute operations without a real GL
	// driver. Real backends ignore a non-nil kernel.
	Compile(source ShaderSource) (Program, error)

	// CompileCompute builds a compute program (ES 3.1+ only).
	CompileCompute(source ShaderSource) (Program, error)

	NewTexture(width, height int, format TextureFormat) (Texture, error)
	BindTexture(unit int, t Texture, filter TextureFilter)
	BindImageTexture(unit int, t Texture, access AccessBits)

	NewFramebuffer(t Texture) (Framebuffer, error)
	BindOutput(f Framebuffer)

	// SetTextureCoordinates computes the normalized sampling rectangle
	// sent to the vertex stage so fragment (x,y) of an outputSize-shaped
	// draw samples area (given in pixels of a texture sized textureSize).
	SetTextureCoordinates(area image.Rectangle, textureSize, outputSize image.Point)

	// Draw issues a full-screen-quad draw with the currently bound
	// program, input textures and output framebuffer.
	Draw(p Program) error

	// Dispatch issues a compute dispatch with the given program.
	Dispatch(p Program, groupsX, groupsY, groupsZ int) error

	GetLimit(kind Limit) int
	GLSLVersion() GLSLVersion

	// Flush is a barrier: all previously issued commands are guaranteed
	// to have completed (or at least been submitted in order) once it
	// returns.
	Flush()
}

// Limit identifies a driver capability queried through Device.GetLimit.
type Limit int

const (
	LimitFragmentUniformVectors Limit = iota
	LimitTextureImageUnits
	LimitLocalGroupsX
	LimitLocalGroupsY
	LimitLocalGroupsZ
	LimitLocalGroupsTotal
	LimitSharedMemory
)

// GLSLVersion identifies the shading language dialect targeted by the
// emitter; Conv2D and friends pick emission strategies (e.g. compute vs.
// fragment dispatch) depending on it.
type GLSLVersion int

const (
	GLSLES20 GLSLVersion = iota
	GLSLES310
)

// TextureFilter selects the sampler filtering mode.
type TextureFilter uint8

const (
	FilterNearest TextureFilter = iota
	FilterLinear
)

// TextureFormat identifies the pixel format of a texture. This engine only
// ever needs 8-bit RGBA activations and a 16-bit fixed-point / float
// single-channel format for Dense vectors on ES2.0/ES3.1 respectively.
type TextureFormat uint8

const (
	TextureFormatRGBA8 TextureFormat = iota
	TextureFormatR16F
	TextureFormatFixed16
)

// AccessBits describes how a compute shader accesses an image texture.
type AccessBits uint8

const (
	AccessRead AccessBits = 1 << iota
	AccessWrite
)

// ShaderSource is the textual GLSL produced by the shader emitter for one
// program, annotated with metadata the backend needs to bind it (uniform
// names aren't reflected dynamically; the emitter and the operation agree
// on layout up front, as in the original C++, which never queries glGetUniformLocation
// per-frame either).
type ShaderSource struct {
	// Name identifies the program for diagnostics and for program-bank
	// deduplication keying (identical source + name collapse to one
	// compiled program).
	Name string
	GLSL string

	// Kernel is the software reference implementation of this program,
	// used only by gpu/sim. Real backends (were one to be added) ignore
	// it entirely and only ever look at GLSL.
	Kernel SoftwareKernel
}

// Program is an opaque compiled (fragment or compute) program.
type Program interface {
	// SetUniforms uploads packed uniform data (the emitter and the
	// operation agree on layout; see shader.Builder.UniformLayout).
	SetUniforms(data []byte)
	Release()
}

// Texture is a single GPU-resident RGBA8 (or R16F/Fixed16) image.
type Texture interface {
	Upload(offset image.Point, size image.Point, pixels []byte)
	Download(area image.Rectangle, pixels []byte) error
	Release()
}

// Framebuffer wraps a Texture as a draw target.
type Framebuffer interface {
	Release()
}
