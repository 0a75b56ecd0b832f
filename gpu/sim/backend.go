// Package sim implements gpu/driver.Device without a real GPU context: it
// stores textures as plain Go byte buffers and executes programs by
// invoking the driver.SoftwareKernel attached to their driver.ShaderSource
// rather than interpreting GLSL. It exists so the engine's shader
// emission and storage-reuse logic can be exercised end to end in tests
// (see gpu/headless/driver_test.go in gioui.org, the structural template
// for this package — a real but offscreen GL context there, a software
// interpreter here).
package sim

import (
	"fmt"
	"image"

	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// Backend is a single simulated GPU context. It is not safe for concurrent
// use; callers are expected to serialize access the same way a real GPU
// thread would (see gpu.Pipeline).
type Backend struct {
	limits map[driver.Limit]int
	glsl   driver.GLSLVersion

	boundProgram *program
	boundOutput  *framebuffer
	boundInputs  [maxTextureUnits]*texture
	boundImages  [maxTextureUnits]*texture
}

const maxTextureUnits = 16

// Options configures the simulated driver limits and the GLSL dialect the
// backend reports. See DefaultOptions for the values used by tests.
type Options struct {
	FragmentUniformVectors int
	TextureImageUnits      int
	LocalGroupSize         [3]int
	LocalGroupTotal        int
	SharedMemory           int
	GLSLVersion            driver.GLSLVersion
}

// DefaultOptions returns capability numbers typical of a mid-range mobile
// GPU running GLSL ES 3.1.
func DefaultOptions() Options {
	return Options{
		FragmentUniformVectors: 224,
		TextureImageUnits:      16,
		LocalGroupSize:         [3]int{256, 256, 64},
		LocalGroupTotal:        256,
		SharedMemory:           16384,
		GLSLVersion:            driver.GLSLES310,
	}
}

// New creates a simulated backend.
func New(opts Options) *Backend {
	return &Backend{
		limits: map[driver.Limit]int{
			driver.LimitFragmentUniformVectors: opts.FragmentUniformVectors,
			driver.LimitTextureImageUnits:      opts.TextureImageUnits,
			driver.LimitLocalGroupsX:           opts.LocalGroupSize[0],
			driver.LimitLocalGroupsY:           opts.LocalGroupSize[1],
			driver.LimitLocalGroupsZ:           opts.LocalGroupSize[2],
			driver.LimitLocalGroupsTotal:       opts.LocalGroupTotal,
			driver.LimitSharedMemory:           opts.SharedMemory,
		},
		glsl: opts.GLSLVersion,
	}
}

func (b *Backend) GetLimit(kind driver.Limit) int { return b.limits[kind] }
func (b *Backend) GLSLVersion() driver.GLSLVersion { return b.glsl }

func (b *Backend) Flush() {}

type program struct {
	source driver.ShaderSource
	compute bool
	uniforms []byte
}

func (p *program) SetUniforms(data []byte) { p.uniforms = append(p.uniforms[:0], data...) }
func (p *program) Release()                {}

func (b *Backend) Compile(source driver.ShaderSource) (driver.Program, error) {
	if source.GLSL == "" {
		return nil, fmt.Errorf("sim: empty shader source for %q", source.Name)
	}
	return &program{source: source}, nil
}

func (b *Backend) CompileCompute(source driver.ShaderSource) (driver.Program, error) {
	if source.GLSL == "" {
		return nil, fmt.Errorf("sim: empty compute source for %q", source.Name)
	}
	return &program{source: source, compute: true}, nil
}

type texture struct {
	w, h   int
	format driver.TextureFormat
	pix    []byte // always stored as 4 bytes/texel internally
	dirty  bool
}

func (b *Backend) NewTexture(width, height int, format driver.TextureFormat) (driver.Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("sim: invalid texture size %dx%d", width, height)
	}
	return &texture{w: width, h: height, format: format, pix: make([]byte, width*height*4), dirty: true}, nil
}

func (t *texture) Upload(offset, size image.Point, pixels []byte) {
	stride := t.w * 4
	rowBytes := size.X * 4
	for row := 0; row < size.Y; row++ {
		dst := (offset.Y+row)*stride + offset.X*4
		src := row * rowBytes
		copy(t.pix[dst:dst+rowBytes], pixels[src:src+rowBytes])
	}
	t.dirty = false
}

func (t *texture) Download(area image.Rectangle, pixels []byte) error {
	stride := t.w * 4
	w := area.Dx()
	rowBytes := w * 4
	for row := 0; row < area.Dy(); row++ {
		src := (area.Min.Y+row)*stride + area.Min.X*4
		dst := row * rowBytes
		copy(pixels[dst:dst+rowBytes], t.pix[src:src+rowBytes])
	}
	return nil
}

func (t *texture) Release() { t.pix = nil }

func (t *texture) At(x, y int) [4]uint8 {
	if x < 0 {
		x = 0
	}
	if x >= t.w {
		x = t.w - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= t.h {
		y = t.h - 1
	}
	o := (y*t.w + x) * 4
	return [4]uint8{t.pix[o], t.pix[o+1], t.pix[o+2], t.pix[o+3]}
}

func (t *texture) Set(x, y int, rgba [4]uint8) {
	o := (y*t.w + x) * 4
	t.pix[o], t.pix[o+1], t.pix[o+2], t.pix[o+3] = rgba[0], rgba[1], rgba[2], rgba[3]
}

func (t *texture) Size() (int, int) { return t.w, t.h }

type framebuffer struct {
	tex *texture
}

func (b *Backend) NewFramebuffer(t driver.Texture) (driver.Framebuffer, error) {
	tx, ok := t.(*texture)
	if !ok {
		return nil, fmt.Errorf("sim: foreign texture")
	}
	return &framebuffer{tex: tx}, nil
}

func (f *framebuffer) Release() {}

// BindOutput also clears every bound input/image texture unit: each
// operation's Execute rebinds exactly the units the upcoming Draw needs,
// so carrying over a previous draw's bindings (which may have used more
// units than this one) would leak stale textures into ctx.Inputs/Images.
func (b *Backend) BindOutput(f driver.Framebuffer) {
	b.boundOutput = f.(*framebuffer)
	for i := range b.boundInputs {
		b.boundInputs[i] = nil
		b.boundImages[i] = nil
	}
}

func (b *Backend) BindTexture(unit int, t driver.Texture, filter driver.TextureFilter) {
	b.boundInputs[unit] = t.(*texture)
}

func (b *Backend) BindImageTexture(unit int, t driver.Texture, access driver.AccessBits) {
	b.boundImages[unit] = t.(*texture)
}

func (b *Backend) SetTextureCoordinates(area image.Rectangle, textureSize, outputSize image.Point) {
	// The simulated backend samples by absolute texel coordinates inside
	// the kernel itself (via SoftwareSampler.At), so there is nothing to
	// precompute here; a real backend would turn this into normalized
	// vertex attributes (see shader.Spatial for the GLSL-side math this
	// stands in for).
}

func (b *Backend) bindProgram(p driver.Program) (*program, error) {
	pr, ok := p.(*program)
	if !ok {
		return nil, fmt.Errorf("sim: foreign program")
	}
	return pr, nil
}

func (b *Backend) Draw(p driver.Program) error {
	pr, err := b.bindProgram(p)
	if err != nil {
		return err
	}
	if pr.source.Kernel == nil {
		return fmt.Errorf("sim: program %q has no software kernel", pr.source.Name)
	}
	if b.boundOutput == nil {
		return fmt.Errorf("sim: no output bound")
	}
	ctx := &driver.ExecContext{Output: b.boundOutput.tex, Uniforms: pr.uniforms}
	for _, in := range b.boundInputs {
		if in != nil {
			ctx.Inputs = append(ctx.Inputs, in)
		}
	}
	for _, im := range b.boundImages {
		if im != nil {
			ctx.Images = append(ctx.Images, im)
		}
	}
	w, h := b.boundOutput.tex.Size()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pr.source.Kernel(ctx, x, y)
		}
	}
	return nil
}

func (b *Backend) Dispatch(p driver.Program, groupsX, groupsY, groupsZ int) error {
	pr, err := b.bindProgram(p)
	if err != nil {
		return err
	}
	if pr.source.Kernel == nil {
		return fmt.Errorf("sim: compute program %q has no software kernel", pr.source.Name)
	}
	ctx := &driver.ExecContext{Uniforms: pr.uniforms}
	for _, in := range b.boundInputs {
		if in != nil {
			ctx.Inputs = append(ctx.Inputs, in)
		}
	}
	for _, im := range b.boundImages {
		if im != nil {
			ctx.Images = append(ctx.Images, im)
		}
	}
	for gz := 0; gz < groupsZ; gz++ {
		for gy := 0; gy < groupsY; gy++ {
			for gx := 0; gx < groupsX; gx++ {
				ctx.GroupID = [3]int{gx, gy, gz}
				pr.source.Kernel(ctx, gx, gy)
			}
		}
	}
	return nil
}
