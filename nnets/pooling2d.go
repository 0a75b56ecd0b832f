package nnets

import (
	"fmt"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/shader"
	"github.com/lnstadrum/beatmup-sub001/storage"
)

// PoolingOperator selects max or average pooling. Grounded on
// original_source/core/nnets/pooling2d.h's Pooling2D::Operator.
type PoolingOperator int

const (
	PoolingMax PoolingOperator = iota
	PoolingAverage
)

func (op PoolingOperator) String() string {
	if op == PoolingAverage {
		return "average"
	}
	return "max"
}

// PoolingOperatorFromString parses a pooling operator name written in lower
// case, upper case or with a leading capital; other spellings are rejected.
func PoolingOperatorFromString(s string) (PoolingOperator, error) {
	switch s {
	case "max", "MAX", "Max":
		return PoolingMax, nil
	case "average", "AVERAGE", "Average":
		return PoolingAverage, nil
	default:
		return 0, beatmuperr.NewInvalidArgument("unknown pooling operator %q", s)
	}
}

// Pooling2D reduces a spatial neighborhood per channel, via max or average.
// Grounded on conv2d.h's sibling class Pooling2D. Each instance compiles
// one program, keyed by its name, operator and window size, that covers
// every output position.
type Pooling2D struct {
	name    string
	op      PoolingOperator
	size    int
	stride  int
	padding storage.Padding

	spatial *shader.Spatial

	input, output storage.View
	program       gpu.Handle
	framebuffers  []driver.Framebuffer
	ready         bool
	texelFetches  uint64
}

// NewPooling2D constructs a pooling layer; stride defaults to size when 0.
func NewPooling2D(name string, op PoolingOperator, size, stride int, padding storage.Padding) (*Pooling2D, error) {
	if size <= 0 {
		return nil, beatmuperr.NewInvalidArgument("pooling2d %s: size must be positive", name)
	}
	if stride == 0 {
		stride = size
	}
	if op == PoolingAverage && padding != storage.PaddingValid {
		return nil, beatmuperr.NewInvalidArgument("pooling2d %s: average pooling only supports valid padding", name)
	}
	return &Pooling2D{name: name, op: op, size: size, stride: stride, padding: padding, spatial: shader.NewSpatial(size, size)}, nil
}

func (p *Pooling2D) Name() string  { return p.name }
func (p *Pooling2D) UsesGPU() bool { return true }

func (p *Pooling2D) InputCount() int  { return 1 }
func (p *Pooling2D) OutputCount() int { return 1 }

func (p *Pooling2D) AcceptsStorageInput(index int) bool  { return index == 0 }
func (p *Pooling2D) AcceptsStorageOutput(index int) bool { return index == 0 }
func (p *Pooling2D) AcceptsTextureInput(index int) bool  { return false }

func (p *Pooling2D) OutputSize(outputIndex int) storage.Size {
	kernel := storage.Size{W: p.size, H: p.size}
	stride := storage.Size{W: p.stride, H: p.stride}
	return p.input.Size().Transform(kernel, stride, p.padding, 0)
}

func (p *Pooling2D) InputPadding(index int) int {
	if p.padding == storage.PaddingSame {
		return p.size / 2
	}
	return 0
}

func (p *Pooling2D) SampledChannels(index int) (min, max int) { return 4, 4 }

func (p *Pooling2D) SetStorageInput(index int, view storage.View)  { p.input = view }
func (p *Pooling2D) SetStorageOutput(index int, view storage.View) { p.output = view }
func (p *Pooling2D) StorageOutput(index int) storage.View          { return p.output }

func (p *Pooling2D) Disconnect() { p.input, p.output = storage.View{}, storage.View{} }

func (p *Pooling2D) Prepare(device driver.Device, bank *gpu.Bank, data ChunkSource) error {
	source := driver.ShaderSource{
		Name:   fmt.Sprintf("pooling2d:%s:%s:%d", p.name, p.op, p.size),
		GLSL:   p.buildProgram(),
		Kernel: p.makeKernel(),
	}
	handle, err := bank.Get(device, source, false)
	if err != nil {
		return err
	}
	p.program = handle
	n := p.output.NumberOfTextures()
	p.framebuffers = make([]driver.Framebuffer, n)
	for i := 0; i < n; i++ {
		fb, err := device.NewFramebuffer(p.output.Texture(i))
		if err != nil {
			return beatmuperr.NewRuntimeError("pooling2d %s: framebuffer %d: %v", p.name, i, err)
		}
		p.framebuffers[i] = fb
	}
	p.ready = true
	return nil
}

// buildProgram renders the window reduction over the Spatial mixin's
// neighborhood samples: a running sum divided by the window area for
// average pooling, or a chain of max() calls for max pooling. Grounded on
// Pooling2D::prepare, which likewise compiles one program shared across
// every window position rather than per-pixel unrolling; the header
// declares the delta table only, without a shift uniform.
func (p *Pooling2D) buildProgram() string {
	b := shader.NewBuilder(driver.GLSLES20)
	p.spatial.WriteHeader(b, false)
	b.P("uniform sampler2D input_tex[%d];\n", maxInt(1, p.input.NumberOfTextures()))
	b.P("void main() {\n")
	mid := (p.size - 1) / 2
	first := true
	for ky := 0; ky < p.size; ky++ {
		for kx := 0; kx < p.size; kx++ {
			sample := p.spatial.SampleInline("input_tex", 0, kx-mid, ky-mid, 0, 0, "")
			switch {
			case p.op == PoolingAverage && first:
				b.P("  vec4 acc = %s;\n", sample)
			case p.op == PoolingAverage:
				b.P("  acc += %s;\n", sample)
			case first:
				b.P("  vec4 acc = %s;\n", sample)
			default:
				b.P("  acc = max(acc, %s);\n", sample)
			}
			first = false
		}
	}
	if p.op == PoolingAverage {
		b.P("  gl_FragColor = acc / float(%d);\n", p.size*p.size)
	} else {
		b.P("  gl_FragColor = acc;\n")
	}
	b.P("}\n")
	return b.String()
}

func (p *Pooling2D) makeKernel() driver.SoftwareKernel {
	return func(ctx *driver.ExecContext, px, py int) {
		for base := 0; base < p.output.Depth(); base += 4 {
			if texIdx := p.output.ChannelTextureNumber(base); texIdx != p.currentTextureIndex(ctx) {
				continue
			}
			ox, oy := p.output.ChannelOrigin(base)
			lx, ly := px-ox, py-oy
			w, h := p.output.Size().W, p.output.Size().H
			if lx < 0 || ly < 0 || lx >= w || ly >= h {
				continue
			}
			mid := (p.size - 1) / 2
			var out [4]float32
			for dq := 0; dq < 4; dq++ {
				if p.op == PoolingAverage {
					var sum float32
					count := 0
					for ky := 0; ky < p.size; ky++ {
						for kx := 0; kx < p.size; kx++ {
							sx := lx*p.stride + kx - mid
							sy := ly*p.stride + ky - mid
							sum += p.sampleInput(ctx, base+dq, sx, sy)
							count++
							p.texelFetches++
						}
					}
					out[dq] = sum / float32(count)
				} else {
					var m float32
					for ky := 0; ky < p.size; ky++ {
						for kx := 0; kx < p.size; kx++ {
							sx := lx*p.stride + kx - mid
							sy := ly*p.stride + ky - mid
							v := p.sampleInput(ctx, base+dq, sx, sy)
							if ky == 0 && kx == 0 || v > m {
								m = v
							}
							p.texelFetches++
						}
					}
					out[dq] = m
				}
			}
			ctx.Output.Set(px, py, [4]uint8{byte255(out[0]), byte255(out[1]), byte255(out[2]), byte255(out[3])})
		}
	}
}

// currentTextureIndex identifies which of the output's packed textures the
// kernel is currently writing into by comparing ctx.Output with each
// output texture (all of a storage's textures share a size, so neither the
// size nor the pixel content can tell them apart); -1 when none matches.
func (p *Pooling2D) currentTextureIndex(ctx *driver.ExecContext) int {
	for i := 0; i < p.output.NumberOfTextures(); i++ {
		if sameTexture(p.output.Texture(i), ctx.Output) {
			return i
		}
	}
	return -1
}

func (p *Pooling2D) sampleInput(ctx *driver.ExecContext, channel, x, y int) float32 {
	base := channel - channel%4
	texIdx := p.input.ChannelTextureNumber(base)
	ox, oy := p.input.ChannelOrigin(base)
	px, py := ox+x, oy+y
	w, h := ctx.Inputs[texIdx].Size()
	if px < 0 || py < 0 || px >= w || py >= h {
		return 0
	}
	rgba := ctx.Inputs[texIdx].At(px, py)
	return float32(rgba[channel%4]) / 255
}

func (p *Pooling2D) Execute(device driver.Device) error {
	if !p.ready {
		return &beatmuperr.NotReady{Op: p.name}
	}
	for _, fb := range p.framebuffers {
		device.BindOutput(fb)
		for t := 0; t < p.input.NumberOfTextures(); t++ {
			device.BindTexture(t, p.input.Texture(t), driver.FilterNearest)
		}
		if err := device.Draw(p.program.Program); err != nil {
			return beatmuperr.NewInferenceTimeError(p.name, err)
		}
	}
	return nil
}

func (p *Pooling2D) MultiplyAdds() uint64 { return 0 }

// TexelFetches mirrors Pooling2D::countTexelFetches.
func (p *Pooling2D) TexelFetches() uint64 { return p.texelFetches }

func (p *Pooling2D) Serialize() map[string]string {
	return map[string]string{
		"type":    "Pooling2D",
		"op":      p.op.String(),
		"size":    fmt.Sprint(p.size),
		"stride":  fmt.Sprint(p.stride),
		"padding": p.padding.String(),
	}
}

func sameTexture(a driver.Texture, b driver.SoftwareTarget) bool { return any(a) == any(b) }
