package driver

// SoftwareSampler gives a SoftwareKernel read access to a bound input
// texture without assuming anything about how the backend stores it.
// gpu/sim's texture type implements this directly over its own []byte
// buffer.
type SoftwareSampler interface {
	// At returns the RGBA8 texel at pixel (x, y), clamped to the texture
	// edges (matching CLAMP_TO_EDGE sampling, the only wrap mode the
	// engine's shaders use).
	At(x, y int) [4]uint8
	Size() (w, h int)
}

// SoftwareTarget gives a SoftwareKernel write access to the bound output.
type SoftwareTarget interface {
	Set(x, y int, rgba [4]uint8)
	Size() (w, h int)
}

// ExecContext is passed to a SoftwareKernel at draw/dispatch time.
type ExecContext struct {
	Inputs   []SoftwareSampler
	Images   []SoftwareTarget // image-load-store targets bound for compute
	Output   SoftwareTarget
	Uniforms []byte
	GroupID  [3]int // set only for compute dispatch
}

// SoftwareKernel is the cgo-free numeric stand-in for a compiled GLSL
// program, invoked once per output pixel (fragment kernels) or once per
// work group (compute kernels) by gpu/sim. See SPEC_FULL.md §4 for why
// this exists: it lets the shader-emission path be exercised end-to-end
// without a real OpenGL context.
type SoftwareKernel func(ctx *ExecContext, x, y int)
