package nnets

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/shader"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

const (
	// FiltersChunkSuffix/BiasChunkSuffix name the chunks holding a Conv2D's
	// weights and bias within a chunkstore.Store, matching
	// Conv2D::FILTERS_CHUNK_SUFFIX / BIAS_CHUNK_SUFFIX.
	FiltersChunkSuffix = "/w"
	BiasChunkSuffix    = "/b"
)

// hardcodeWeights implements the heuristic deciding whether a
// quad's filter coefficients are baked as GLSL literals (cheaper to
// sample, no uniform upload) or carried through a uniform array. Resolved
// as an Open Question in SPEC_FULL.md: hardcode when the quad covers the
// whole of a Cout<=4 operation and the kernel footprint is small (<=3x3),
// otherwise use uniforms to keep program count and compile time bounded.
// buildProgram applies it to the depthwise strategy only, the one body
// with a literal-weight form.
func hardcodeWeights(coutQuads, kernelArea int) bool {
	return coutQuads == 1 && kernelArea <= 9
}

// Conv2D is a grouped (or depthwise) 2D convolution with optional bias,
// residual addition and activation. Grounded on
// original_source/core/nnets/conv2d.h/.cpp.
type Conv2D struct {
	name string

	kernel     storage.Size // {kW, kH, CinPerGroup}
	cout       int
	numGroups  int
	stride     int
	padding    storage.Padding
	useBias    bool
	useImage   bool
	activation shader.Activation

	weights []float32 // OIHW-ish, see idx()
	bias    []float32

	spatial *shader.Spatial

	input, output, residual storage.View
	inputImage              driver.Texture
	inputImageSize          storage.Size
	hasResidual             bool

	programs     []programBinding
	ready        bool
	texelFetches uint64
}

type programBinding struct {
	handle      gpu.Handle
	framebuffer driver.Framebuffer
	textureIdx  int
}

// NewConv2D constructs a Conv2D operation. kernelSize is the (square)
// spatial kernel extent; numInputChannels/numOutputChannels are the total
// channel counts across all groups.
func NewConv2D(name string, kernelSize, numInputChannels, numOutputChannels, stride int, padding storage.Padding, useBias bool, numGroups int, activation shader.Activation) (*Conv2D, error) {
	if numGroups < 1 || numInputChannels%numGroups != 0 || numOutputChannels%numGroups != 0 {
		return nil, beatmuperr.NewInvalidArgument("conv2d %s: channel counts must divide evenly by %d groups", name, numGroups)
	}
	cinPerGroup := numInputChannels / numGroups
	coutPerGroup := numOutputChannels / numGroups
	useImage := numInputChannels == 3
	depthwise := cinPerGroup == 1 && coutPerGroup == 1
	if !depthwise && !useImage && (cinPerGroup%4 != 0 || coutPerGroup%4 != 0) {
		return nil, beatmuperr.NewInvalidArgument("conv2d %s: grouped convolution needs per-group channel counts that are multiples of 4 (got in=%d out=%d)", name, cinPerGroup, coutPerGroup)
	}
	return &Conv2D{
		name:       name,
		kernel:     storage.Size{W: kernelSize, H: kernelSize, D: cinPerGroup},
		cout:       numOutputChannels,
		numGroups:  numGroups,
		stride:     stride,
		padding:    padding,
		useBias:    useBias,
		useImage:   useImage,
		activation: activation,
		spatial:    shader.NewSpatial(kernelSize, kernelSize),
	}, nil
}

func (c *Conv2D) Name() string  { return c.name }
func (c *Conv2D) UsesGPU() bool { return true }

func (c *Conv2D) InputCount() int  { return 2 }
func (c *Conv2D) OutputCount() int { return 1 }

func (c *Conv2D) AcceptsStorageInput(index int) bool {
	return (index == 0 && !c.useImage) || index == 1
}
func (c *Conv2D) AcceptsStorageOutput(index int) bool { return index == 0 }
func (c *Conv2D) AcceptsTextureInput(index int) bool  { return index == 0 && c.useImage }

func (c *Conv2D) OutputSize(outputIndex int) storage.Size {
	stride := storage.Size{W: c.stride, H: c.stride}
	inputSize := c.input.Size()
	if c.useImage {
		inputSize = c.inputImageSize
	}
	return inputSize.Transform(c.kernel, stride, c.padding, c.cout)
}

func (c *Conv2D) InputPadding(index int) int {
	if index == 0 && !c.useImage {
		return c.kernel.W / 2
	}
	return 0
}

// SampledChannels reports that Conv2D samples an entire group's input
// channels at once (min == max, matching a non-variable access pattern).
func (c *Conv2D) SampledChannels(index int) (min, max int) {
	if index != 0 || c.useImage {
		return 0, 0
	}
	return c.kernel.D, c.kernel.D
}

func (c *Conv2D) SetStorageInput(index int, view storage.View) {
	switch index {
	case 0:
		c.input = view
	case 1:
		c.residual = view
		c.hasResidual = true
	}
}

func (c *Conv2D) SetStorageOutput(index int, view storage.View) { c.output = view }
func (c *Conv2D) StorageOutput(index int) storage.View          { return c.output }

// SetInputTexture binds an image (3-channel) texture on input 0 in place
// of a storage view, used for the network's very first layer. width/height
// are the texture's pixel dimensions, needed by OutputSize since an
// external texture carries no storage.Size of its own.
func (c *Conv2D) SetInputTexture(t driver.Texture, width, height int) {
	c.inputImage = t
	c.inputImageSize = storage.Size{W: width, H: height, D: 3}
}

func (c *Conv2D) Disconnect() {
	c.input, c.output, c.residual = storage.View{}, storage.View{}, storage.View{}
	c.inputImage = nil
	c.hasResidual = false
}

func (c *Conv2D) idx(out, in, x, y int) int {
	return out + c.cout*(in+c.kernel.D*(x+c.kernel.W*y))
}

// Prepare compiles one GLSL program per output texture, each handling
// every channel quad packed into that texture, and builds the matching
// software kernel used by gpu/sim. Grounded on Conv2D::prepare, which
// picks a depthwise / image-input / general-grouped emission strategy per
// quad; the three strategies are rendered into the GLSL text here, while
// numeric execution runs through one general-purpose Go kernel (see
// DESIGN.md).
func (c *Conv2D) Prepare(device driver.Device, bank *gpu.Bank, data ChunkSource) error {
	weights, ok := data.Chunk(c.name + FiltersChunkSuffix)
	if !ok {
		return beatmuperr.NewInconsistentModelData("conv2d %s: missing filters chunk", c.name)
	}
	c.weights = bytesToFloat32(weights)
	if c.useBias {
		bias, ok := data.Chunk(c.name + BiasChunkSuffix)
		if !ok {
			return beatmuperr.NewInconsistentModelData("conv2d %s: missing bias chunk", c.name)
		}
		c.bias = bytesToFloat32(bias)
	}

	n := c.output.NumberOfTextures()
	c.programs = make([]programBinding, n)
	for t := 0; t < n; t++ {
		source := c.buildProgram(t)
		handle, err := bank.Get(device, source, false)
		if err != nil {
			return err
		}
		fb, err := device.NewFramebuffer(c.output.Texture(t))
		if err != nil {
			return beatmuperr.NewRuntimeError("conv2d %s: framebuffer %d: %v", c.name, t, err)
		}
		c.programs[t] = programBinding{handle: handle, framebuffer: fb, textureIdx: t}
	}
	c.ready = true
	return nil
}

// buildProgram renders the GLSL for the fragment program covering output
// channel quads packed into texture textureIdx. It picks one of the three
// emission strategies original_source/core/nnets/convs_2d.cpp structures
// separately (depthwise, image-input, general-grouped) and inlines the
// neighborhood samples through the Spatial mixin, finishing with the
// Activation mixin's tail expression — the same two mixins Pooling2D and
// Dense's sibling ops reuse. Weight coefficients are either baked in as
// GLSL float/mat4 literals or carried through a uniform array, decided by
// hardcodeWeights (SPEC_FULL.md's Open Question resolution).
func (c *Conv2D) buildProgram(textureIdx int) driver.ShaderSource {
	quadArea := c.kernel.W * c.kernel.H
	coutQuads := ceilQuads(c.cout)

	strategy := "general"
	switch {
	case c.kernel.D == 1 && c.cout/c.numGroups == 1:
		strategy = "depthwise"
	case c.useImage:
		strategy = "image-input"
	}
	// the image-input and general bodies always index the weights uniform
	hardcoded := strategy == "depthwise" && hardcodeWeights(coutQuads, quadArea)

	b := shader.NewBuilder(driver.GLSLES20)
	b.P("// conv2d %s texture %d, strategy=%s, hardcoded=%v\n", c.name, textureIdx, strategy, hardcoded)
	c.spatial.WriteHeader(b, true)
	numInputTex := maxInt(1, c.input.NumberOfTextures())
	if c.useImage {
		b.P("uniform sampler2D input_tex;\n")
	} else {
		b.P("uniform sampler2D input_tex[%d];\n", numInputTex)
	}
	if c.hasResidual {
		b.P("uniform sampler2D residual_tex[%d];\n", maxInt(1, c.residual.NumberOfTextures()))
	}
	if c.useBias {
		b.P("uniform vec4 bias;\n")
	}

	switch {
	case hardcoded:
		c.writeHardcodedWeights(b, strategy)
	case strategy == "image-input":
		b.P("uniform vec4 weights[%d];\n", quadArea*3)
	default:
		b.P("uniform mat4 weights[%d];\n", quadArea*c.kernel.D)
	}

	b.P("void main() {\n")
	b.P("  vec4 acc = vec4(0.0);\n")
	switch strategy {
	case "depthwise":
		c.writeDepthwiseBody(b, hardcoded)
	case "image-input":
		c.writeImageInputBody(b, hardcoded)
	default:
		c.writeGeneralBody(b, hardcoded)
	}
	if c.useBias {
		b.P("  acc += bias;\n")
	}
	if c.hasResidual {
		b.P("  acc += %s;\n", c.spatial.SampleInline("residual_tex", 0, 0, 0, 0, 0, ""))
	}
	c.activation.Apply(b, "acc")
	b.P("}\n")

	return driver.ShaderSource{
		Name:   fmt.Sprintf("conv2d:%s:%d", c.name, textureIdx),
		GLSL:   b.String(),
		Kernel: c.makeKernel(textureIdx),
	}
}

func ceilQuads(channels int) int { return (channels + 3) / 4 }

// writeHardcodedWeights takes the place of the weights uniform declaration
// for a program whose coefficients are baked in as literals: it writes a
// marker comment only, and writeDepthwiseBody inlines the coefficients per
// kernel position as vec4 literals (see constVec4), letting the driver
// constant-fold the multiplications instead of reading a uniform array per
// sample. Only reached for the depthwise strategy.
func (c *Conv2D) writeHardcodedWeights(b *shader.Builder, strategy string) {
	b.P("// weights baked as literals (%d total)\n", len(c.weights))
}

// constVec4 formats the four weights a hardcoded depthwise quad applies at
// kernel position (kx, ky) — one per packed channel — as a GLSL vec4
// literal, so the driver constant-folds the multiply instead of indexing a
// uniform array.
func constVec4(c *Conv2D, kx, ky int) string {
	var w [4]float32
	for ch := 0; ch < 4 && ch < c.cout; ch++ {
		w[ch] = c.weights[c.idx(ch, 0, kx, ky)]
	}
	return fmt.Sprintf("%s, %s, %s, %s", glslFloat(w[0]), glslFloat(w[1]), glslFloat(w[2]), glslFloat(w[3]))
}

// glslFloat formats v so it always parses as a GLSL float literal (GLSL
// has no bare integer-looking float constants; "1" must be written "1.0").
func glslFloat(v float32) string {
	s := strconv.FormatFloat(float64(v), 'g', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (c *Conv2D) writeDepthwiseBody(b *shader.Builder, hardcoded bool) {
	for ky := 0; ky < c.kernel.H; ky++ {
		for kx := 0; kx < c.kernel.W; kx++ {
			sample := c.spatial.SampleInline("input_tex", 0, kx-c.kernel.W/2, ky-c.kernel.H/2, 0, 0, "")
			if hardcoded {
				b.P("  acc += %s * vec4(%s);\n", sample, constVec4(c, kx, ky))
			} else {
				b.P("  acc += %s * weights[%d];\n", sample, kx+ky*c.kernel.W)
			}
		}
	}
}

func (c *Conv2D) writeImageInputBody(b *shader.Builder, hardcoded bool) {
	for ky := 0; ky < c.kernel.H; ky++ {
		for kx := 0; kx < c.kernel.W; kx++ {
			sample := c.spatial.SampleInline("input_tex", 0, kx-c.kernel.W/2, ky-c.kernel.H/2, 0, 0, ".rgb")
			idx := kx + ky*c.kernel.W
			b.P("  acc.r += dot(%s, weights[%d].xyz);\n", sample, idx*3+0)
			b.P("  acc.g += dot(%s, weights[%d].xyz);\n", sample, idx*3+1)
			b.P("  acc.b += dot(%s, weights[%d].xyz);\n", sample, idx*3+2)
		}
	}
}

func (c *Conv2D) writeGeneralBody(b *shader.Builder, hardcoded bool) {
	for in := 0; in < c.kernel.D; in += 4 {
		for ky := 0; ky < c.kernel.H; ky++ {
			for kx := 0; kx < c.kernel.W; kx++ {
				sample := c.spatial.SampleInline("input_tex", in/4, kx-c.kernel.W/2, ky-c.kernel.H/2, 0, 0, "")
				idx := (kx+ky*c.kernel.W)*c.kernel.D + in
				b.P("  acc += %s * weights[%d];\n", sample, idx)
			}
		}
	}
}

func (c *Conv2D) makeKernel(textureIdx int) driver.SoftwareKernel {
	return func(ctx *driver.ExecContext, px, py int) {
		for base := 0; base < c.output.Depth(); base += 4 {
			if c.output.ChannelTextureNumber(base) != textureIdx {
				continue
			}
			ox, oy := c.output.ChannelOrigin(base)
			w, h := c.output.Size().W, c.output.Size().H
			lx, ly := px-ox, py-oy
			if lx < 0 || ly < 0 || lx >= w || ly >= h {
				continue
			}
			var out [4]float32
			for dq := 0; dq < 4; dq++ {
				o := base + dq
				if o >= c.cout {
					continue
				}
				// the group is per output channel, not per quad: a
				// depthwise quad spans four groups (coutPerGroup == 1),
				// so each channel o samples its own input channel.
				group := 0
				if c.numGroups > 1 {
					coutPerGroup := c.cout / c.numGroups
					group = o / coutPerGroup
				}
				cinBase := group * c.kernel.D
				var acc float32
				if c.useBias {
					acc = c.bias[o]
				}
				for in := 0; in < c.kernel.D; in++ {
					for ky := 0; ky < c.kernel.H; ky++ {
						for kx := 0; kx < c.kernel.W; kx++ {
							sx := lx*c.stride + kx - c.kernel.W/2
							sy := ly*c.stride + ky - c.kernel.H/2
							v := c.sampleInput(ctx, cinBase+in, sx, sy)
							acc += v * c.weights[c.idx(o, in, kx, ky)]
							c.texelFetches++
						}
					}
				}
				if c.hasResidual {
					acc += c.sampleResidual(ctx, o, lx, ly)
				}
				out[dq] = acc
			}
			var quantized [4]float32
			for k := 0; k < 4; k++ {
				quantized[k] = c.activation.ApplyCPU(out[k])
			}
			ctx.Output.Set(px, py, [4]uint8{
				byte255(quantized[0]), byte255(quantized[1]), byte255(quantized[2]), byte255(quantized[3]),
			})
		}
	}
}

func (c *Conv2D) sampleInput(ctx *driver.ExecContext, channel, x, y int) float32 {
	if c.useImage {
		w, h := ctx.Inputs[0].Size()
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		rgba := ctx.Inputs[0].At(x, y)
		switch channel {
		case 0:
			return float32(rgba[0]) / 255
		case 1:
			return float32(rgba[1]) / 255
		default:
			return float32(rgba[2]) / 255
		}
	}
	base := channel - channel%4
	texIdx := c.input.ChannelTextureNumber(base)
	ox, oy := c.input.ChannelOrigin(base)
	px, py := ox+x, oy+y
	w, h := ctx.Inputs[texIdx].Size()
	if px < 0 || py < 0 || px >= w || py >= h {
		return 0
	}
	rgba := ctx.Inputs[texIdx].At(px, py)
	return float32(rgba[channel%4]) / 255
}

func (c *Conv2D) sampleResidual(ctx *driver.ExecContext, channel, x, y int) float32 {
	base := channel - channel%4
	texIdx := c.residual.ChannelTextureNumber(base)
	ox, oy := c.residual.ChannelOrigin(base)
	px, py := ox+x, oy+y
	rgba := ctx.Images[texIdx].(driver.SoftwareSampler).At(px, py)
	return float32(rgba[channel%4]) / 255
}

func byte255(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

func maxInt(a, b int) int { return max(a, b) }

// Execute binds each output texture's framebuffer and input textures in
// turn and issues one draw per output texture.
func (c *Conv2D) Execute(device driver.Device) error {
	if !c.ready {
		return &beatmuperr.NotReady{Op: c.name}
	}
	c.texelFetches = 0
	for _, pb := range c.programs {
		device.BindOutput(pb.framebuffer)
		if c.useImage {
			device.BindTexture(0, c.inputImage, driver.FilterNearest)
		} else {
			for i := 0; i < c.input.NumberOfTextures(); i++ {
				device.BindTexture(i, c.input.Texture(i), driver.FilterNearest)
			}
		}
		if c.hasResidual {
			for i := 0; i < c.residual.NumberOfTextures(); i++ {
				device.BindImageTexture(i, c.residual.Texture(i), driver.AccessRead)
			}
		}
		if err := device.Draw(pb.handle.Program); err != nil {
			return beatmuperr.NewInferenceTimeError(c.name, err)
		}
	}
	return nil
}

func (c *Conv2D) MultiplyAdds() uint64 {
	outW, outH := c.output.Size().W, c.output.Size().H
	return uint64(outW * outH * c.cout * c.kernel.D * c.kernel.W * c.kernel.H)
}

// TexelFetches approximates the number of texture samples the last
// Execute performed, kept as a pure counter matching
// Conv2D::countTexelFetches.
func (c *Conv2D) TexelFetches() uint64 { return c.texelFetches }

func (c *Conv2D) Serialize() map[string]string {
	return map[string]string{
		"type":       "Conv2D",
		"kernel":     fmt.Sprint(c.kernel.W),
		"input":      fmt.Sprint(c.kernel.D * c.numGroups),
		"output":     fmt.Sprint(c.cout),
		"groups":     fmt.Sprint(c.numGroups),
		"stride":     fmt.Sprint(c.stride),
		"padding":    c.padding.String(),
		"bias":       fmt.Sprint(c.useBias),
		"activation": c.activation.String(),
	}
}

func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
