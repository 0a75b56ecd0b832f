package nnets

import (
	"fmt"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/shader"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

// ImageSampler resamples an arbitrary-size input image (e.g. camera
// preview, or an OES texture target) into a fixed-size RGB texture feeding
// the network's first Conv2D, with optional center cropping, bilinear
// interpolation and clockwise quarter-turn rotation. Grounded on
// original_source/core/nnets/image_sampler.h/.cpp. This operation produces
// a texture, not a Storage, so it is wired into the graph via its own
// OutputTexture method rather than the Storage-oriented Operation methods.
type ImageSampler struct {
	name         string
	width        int
	height       int
	centerCrop   bool
	linearInterp bool
	rotation     int // quarter turns, clockwise

	input        driver.Texture
	inputW       int
	inputH       int
	output       driver.Texture
	framebuffer  driver.Framebuffer
	program      gpu.Handle
	ready        bool
	texelFetches uint64
}

// NewImageSampler constructs an image preprocessing operation producing a
// width x height RGB image.
func NewImageSampler(name string, width, height int, centerCrop, linearInterp bool) *ImageSampler {
	return &ImageSampler{name: name, width: width, height: height, centerCrop: centerCrop, linearInterp: linearInterp}
}

func (s *ImageSampler) Name() string  { return s.name }
func (s *ImageSampler) UsesGPU() bool { return true }

func (s *ImageSampler) InputCount() int  { return 1 }
func (s *ImageSampler) OutputCount() int { return 1 }

func (s *ImageSampler) AcceptsStorageInput(index int) bool  { return false }
func (s *ImageSampler) AcceptsStorageOutput(index int) bool { return false }
func (s *ImageSampler) AcceptsTextureInput(index int) bool  { return index == 0 }

func (s *ImageSampler) OutputSize(outputIndex int) storage.Size {
	return storage.Size{W: s.width, H: s.height, D: 3}
}

func (s *ImageSampler) InputPadding(index int) int             { return 0 }
func (s *ImageSampler) SampledChannels(index int) (int, int)   { return 0, 0 }
func (s *ImageSampler) SetStorageInput(index int, v storage.View)  {}
func (s *ImageSampler) SetStorageOutput(index int, v storage.View) {}
func (s *ImageSampler) StorageOutput(index int) storage.View       { return storage.View{} }

// SetInputTexture binds the source texture to sample from, with its pixel
// dimensions (needed to compute the center-crop sampling rectangle).
func (s *ImageSampler) SetInputTexture(t driver.Texture, width, height int) {
	s.input, s.inputW, s.inputH = t, width, height
}

// SetRotation sets the number of clockwise quarter turns applied to the
// input before resampling.
func (s *ImageSampler) SetRotation(quarterTurns int) { s.rotation = ((quarterTurns % 4) + 4) % 4 }

// OutputTexture returns the resampled image texture, valid after Prepare.
func (s *ImageSampler) OutputTexture() driver.Texture { return s.output }

func (s *ImageSampler) Disconnect() { s.input = nil }

func (s *ImageSampler) Prepare(device driver.Device, bank *gpu.Bank, data ChunkSource) error {
	out, err := device.NewTexture(s.width, s.height, driver.TextureFormatRGBA8)
	if err != nil {
		return beatmuperr.NewRuntimeError("image_sampler %s: output texture: %v", s.name, err)
	}
	s.output = out
	fb, err := device.NewFramebuffer(out)
	if err != nil {
		return beatmuperr.NewRuntimeError("image_sampler %s: framebuffer: %v", s.name, err)
	}
	s.framebuffer = fb

	source := driver.ShaderSource{Name: "image_sampler:" + s.name, GLSL: s.buildProgram(), Kernel: s.makeKernel()}
	handle, err := bank.Get(device, source, false)
	if err != nil {
		return err
	}
	s.program = handle
	s.ready = true
	return nil
}

// buildProgram renders the GLSL fragment program resampling input_tex into
// the fixed output size, applying the same center-crop/rotation mapping as
// sourceCoordinates so the GPU and gpu/sim paths agree pixel for pixel.
// Grounded on original_source/core/nnets/image_sampler.cpp's varying
// texture-coordinate rotation matrix, expressed here as a uniform 2x2
// rotation applied to normalized output coordinates before the crop
// scale/offset uniforms map them into input_tex's [0,1] space.
func (s *ImageSampler) buildProgram() string {
	b := shader.NewBuilder(driver.GLSLES20)
	b.P("uniform sampler2D input_tex;\n")
	b.P("uniform vec2 uvScale;\n")
	b.P("uniform vec2 uvOffset;\n")
	b.P("uniform mat2 rotation;\n")
	b.P("varying vec2 texCoord;\n")
	b.P("void main() {\n")
	b.P("  vec2 rotated = rotation * (texCoord - vec2(0.5)) + vec2(0.5);\n")
	b.P("  vec2 uv = uvOffset + rotated * uvScale;\n")
	b.P("  gl_FragColor = texture2D(input_tex, uv);\n")
	b.P("}\n")
	return b.String()
}

func (s *ImageSampler) makeKernel() driver.SoftwareKernel {
	return func(ctx *driver.ExecContext, x, y int) {
		sx, sy := s.sourceCoordinates(x, y)
		rgba := s.sampleInput(ctx, sx, sy)
		ctx.Output.Set(x, y, rgba)
		s.texelFetches++
	}
}

// sourceCoordinates maps output pixel (x, y) back to source image pixel
// coordinates, applying center crop and rotation. Nearest-neighbor vs
// bilinear is decided in sampleInput.
func (s *ImageSampler) sourceCoordinates(x, y int) (float64, float64) {
	fx, fy := float64(x)+0.5, float64(y)+0.5
	switch s.rotation {
	case 1:
		fx, fy = fy, float64(s.width)-fx
	case 2:
		fx, fy = float64(s.width)-fx, float64(s.height)-fy
	case 3:
		fx, fy = float64(s.height)-fy, fx
	}

	outW, outH := float64(s.width), float64(s.height)
	inW, inH := float64(s.inputW), float64(s.inputH)

	var scaleX, scaleY, offX, offY float64
	if s.centerCrop {
		scale := inW / outW
		if inH/outH < scale {
			scale = inH / outH
		}
		scaleX, scaleY = scale, scale
		offX, offY = (inW-outW*scale)/2, (inH-outH*scale)/2
	} else {
		scaleX, scaleY = inW/outW, inH/outH
		offX, offY = 0, 0
	}
	return offX + fx*scaleX, offY + fy*scaleY
}

func (s *ImageSampler) sampleInput(ctx *driver.ExecContext, sx, sy float64) [4]uint8 {
	if !s.linearInterp {
		return ctx.Inputs[0].At(int(sx), int(sy))
	}
	x0, y0 := int(sx), int(sy)
	tx, ty := sx-float64(x0), sy-float64(y0)
	p00 := ctx.Inputs[0].At(x0, y0)
	p10 := ctx.Inputs[0].At(x0+1, y0)
	p01 := ctx.Inputs[0].At(x0, y0+1)
	p11 := ctx.Inputs[0].At(x0+1, y0+1)
	var out [4]uint8
	for k := 0; k < 4; k++ {
		top := float64(p00[k])*(1-tx) + float64(p10[k])*tx
		bottom := float64(p01[k])*(1-tx) + float64(p11[k])*tx
		out[k] = uint8(top*(1-ty) + bottom*ty)
	}
	return out
}

func (s *ImageSampler) Execute(device driver.Device) error {
	if !s.ready {
		return &beatmuperr.NotReady{Op: s.name}
	}
	device.BindOutput(s.framebuffer)
	filter := driver.FilterNearest
	if s.linearInterp {
		filter = driver.FilterLinear
	}
	device.BindTexture(0, s.input, filter)
	if err := device.Draw(s.program.Program); err != nil {
		return beatmuperr.NewInferenceTimeError(s.name, err)
	}
	return nil
}

func (s *ImageSampler) MultiplyAdds() uint64 { return 0 }

// TexelFetches mirrors ImageSampler::countTexelFetches.
func (s *ImageSampler) TexelFetches() uint64 { return s.texelFetches }

func (s *ImageSampler) Serialize() map[string]string {
	return map[string]string{
		"type":       "ImageSampler",
		"width":      fmt.Sprint(s.width),
		"height":     fmt.Sprint(s.height),
		"centerCrop": fmt.Sprint(s.centerCrop),
		"linear":     fmt.Sprint(s.linearInterp),
		"rotation":   fmt.Sprint(s.rotation),
	}
}
