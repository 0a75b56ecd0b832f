package nnets

import (
	"fmt"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/shader"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

const (
	MatrixChunkSuffix = "/matrix"
	DenseBiasSuffix   = "/b"
)

// Dense computes A*x + b for a flat input feature vector x (carried as a
// single-texture, column-stacked Storage) and writes its result as another
// flat storage. Grounded on
// original_source/core/nnets/dense.h/.cpp's Dense/GL::LinearMapping; the
// mat4-loop accumulation the original renders per ES version is kept as a
// textual artifact, the actual arithmetic runs in the matching Go kernel.
type Dense struct {
	name          string
	numOutputDims int
	useBias       bool

	matrix []float32 // row-major [numOutputDims x numInputDims]
	bias   []float32

	input, output storage.View
	programs      []programBinding
	ready         bool
}

// NewDense constructs a Dense layer with numOutputDims output features.
func NewDense(name string, numOutputDims int, useBias bool) *Dense {
	return &Dense{name: name, numOutputDims: numOutputDims, useBias: useBias}
}

func (d *Dense) Name() string  { return d.name }
func (d *Dense) UsesGPU() bool { return true }

func (d *Dense) InputCount() int  { return 1 }
func (d *Dense) OutputCount() int { return 1 }

func (d *Dense) AcceptsStorageInput(index int) bool  { return index == 0 }
func (d *Dense) AcceptsStorageOutput(index int) bool { return index == 0 }
func (d *Dense) AcceptsTextureInput(index int) bool  { return false }

func (d *Dense) OutputSize(outputIndex int) storage.Size {
	return storage.Size{W: 1, H: 1, D: d.numOutputDims}
}

func (d *Dense) InputPadding(index int) int { return 0 }

func (d *Dense) SampledChannels(index int) (min, max int) {
	depth := d.input.Depth()
	return depth, depth
}

func (d *Dense) SetStorageInput(index int, view storage.View)  { d.input = view }
func (d *Dense) SetStorageOutput(index int, view storage.View) { d.output = view }
func (d *Dense) StorageOutput(index int) storage.View          { return d.output }

func (d *Dense) Disconnect() { d.input, d.output = storage.View{}, storage.View{} }

func (d *Dense) Prepare(device driver.Device, bank *gpu.Bank, data ChunkSource) error {
	matrix, ok := data.Chunk(d.name + MatrixChunkSuffix)
	if !ok {
		return beatmuperr.NewInconsistentModelData("dense %s: missing matrix chunk", d.name)
	}
	d.matrix = bytesToFloat32(matrix)
	if d.useBias {
		bias, ok := data.Chunk(d.name + DenseBiasSuffix)
		if !ok {
			return beatmuperr.NewInconsistentModelData("dense %s: missing bias chunk", d.name)
		}
		d.bias = bytesToFloat32(bias)
	}

	n := d.output.NumberOfTextures()
	d.programs = make([]programBinding, n)
	for t := 0; t < n; t++ {
		source := d.buildProgram(t)
		handle, err := bank.Get(device, source, false)
		if err != nil {
			return err
		}
		fb, err := device.NewFramebuffer(d.output.Texture(t))
		if err != nil {
			return beatmuperr.NewRuntimeError("dense %s: framebuffer %d: %v", d.name, t, err)
		}
		d.programs[t] = programBinding{handle: handle, framebuffer: fb, textureIdx: t}
	}
	d.ready = true
	return nil
}

// buildProgram renders the GLSL computing the one output channel quad
// packed into texture textureIdx, accumulating mat4 * vec4 products across
// every input texture block — the same mat4-block scheme
// original_source/core/nnets/dense.cpp generates per ES target, here
// emitted once per output quad since gpu/sim (like the real drivers)
// dispatches one compiled program per output texture.
func (d *Dense) buildProgram(textureIdx int) driver.ShaderSource {
	numInTex := maxInt(1, d.input.NumberOfTextures())
	b := shader.NewBuilder(driver.GLSLES310)
	b.P("uniform sampler2D input_tex[%d];\n", numInTex)
	b.P("uniform mat4 weights[%d];\n", numInTex)
	if d.useBias {
		b.P("uniform vec4 bias;\n")
	}
	b.P("void main() {\n")
	b.P("  vec4 acc = vec4(0.0);\n")
	for in := 0; in < numInTex; in++ {
		b.P("  acc += weights[%d] * texelFetch(input_tex[%d], ivec2(0, 0), 0);\n", in, in)
	}
	if d.useBias {
		b.P("  acc += bias;\n")
	}
	b.P("  gl_FragColor = acc;\n")
	b.P("}\n")
	return driver.ShaderSource{
		Name:   fmt.Sprintf("dense:%s:%d", d.name, textureIdx),
		GLSL:   b.String(),
		Kernel: d.makeKernel(textureIdx),
	}
}

func (d *Dense) makeKernel(textureIdx int) driver.SoftwareKernel {
	return func(ctx *driver.ExecContext, px, py int) {
		base := textureIdx * 4
		if base >= d.numOutputDims {
			return
		}
		numIn := d.input.Depth()
		var out [4]float32
		for dq := 0; dq < 4; dq++ {
			o := base + dq
			if o >= d.numOutputDims {
				break
			}
			var acc float32
			if d.useBias {
				acc = d.bias[o]
			}
			for in := 0; in < numIn; in++ {
				acc += d.sampleInput(ctx, in) * d.matrix[o*numIn+in]
			}
			out[dq] = acc
		}
		ctx.Output.Set(px, py, [4]uint8{byte255clampDense(out[0]), byte255clampDense(out[1]), byte255clampDense(out[2]), byte255clampDense(out[3])})
	}
}

func (d *Dense) sampleInput(ctx *driver.ExecContext, channel int) float32 {
	base := channel - channel%4
	texIdx := d.input.ChannelTextureNumber(base)
	ox, oy := d.input.ChannelOrigin(base)
	rgba := ctx.Inputs[texIdx].At(ox, oy)
	return float32(rgba[channel%4]) / 255
}

// byte255clampDense stores Dense's raw (un-activated) output through the
// same clamp-to-[0,1] 8-bit quantization as byte255; Dense has no
// activation mixin in the original either. A Softmax fed by Dense reads
// this quantized value back through View.Pull. Kept distinct from
// Conv2D/Pooling2D's byte255 to mark the call site where Dense's output is
// reduced to 8 bits (see DESIGN.md's Dense output-format note).
func byte255clampDense(v float32) uint8 { return byte255(v) }

func (d *Dense) Execute(device driver.Device) error {
	if !d.ready {
		return &beatmuperr.NotReady{Op: d.name}
	}
	for _, pb := range d.programs {
		device.BindOutput(pb.framebuffer)
		for i := 0; i < d.input.NumberOfTextures(); i++ {
			device.BindTexture(i, d.input.Texture(i), driver.FilterNearest)
		}
		if err := device.Draw(pb.handle.Program); err != nil {
			return beatmuperr.NewInferenceTimeError(d.name, err)
		}
	}
	return nil
}

func (d *Dense) MultiplyAdds() uint64 {
	return uint64(d.input.Depth() * d.numOutputDims)
}

func (d *Dense) Serialize() map[string]string {
	return map[string]string{
		"type":   "Dense",
		"output": fmt.Sprint(d.numOutputDims),
		"bias":   fmt.Sprint(d.useBias),
	}
}
