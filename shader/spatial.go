package shader

import (
	"fmt"

	"github.com/lnstadrum/beatmup-sub001/storage"
)

// sampleIDPrefix names the per-neighbor-sample GLSL variables declared by
// Declare, matching operation.h's SAMPLE_ID_PREFIX.
const sampleIDPrefix = "nb"

// Spatial renders the GLSL fragment-shader boilerplate for sampling a
// nbW x nbH neighborhood of texels around the current fragment, used by
// every spatial operation (Conv2D, Pooling2D). Grounded on operation.h's
// SpatialFilteringMixin; the numeric sampling itself, for the software
// reference backend, is performed directly in Go against a storage.View
// rather than by interpreting the generated GLSL (see gpu/sim).
type Spatial struct {
	nbW, nbH int
}

// NewSpatial describes a neighborhood of nbW x nbH input samples.
func NewSpatial(nbW, nbH int) *Spatial {
	return &Spatial{nbW: nbW, nbH: nbH}
}

// DeltasCount is the number of 2D offset uniforms needed to address the
// neighborhood from a dynamically shiftable origin.
func (s *Spatial) DeltasCount() int {
	n := s.nbW
	if s.nbH > n {
		n = s.nbH
	}
	if n < 2 {
		return 1
	}
	return n / 2
}

// WriteHeader declares the uniforms the neighborhood sampling needs:
// a dynamic shift (when useUniformShift) and the delta table.
func (s *Spatial) WriteHeader(b *Builder, useUniformShift bool) {
	if useUniformShift {
		b.P("uniform vec2 shift;").NL()
	}
	b.P("uniform vec2 delta[%d];", s.DeltasCount()).NL()
}

// Declare emits one GLSL variable per neighbor sample, unless
// inlineSampling is set (in which case only SampleInline may be used).
func (s *Spatial) Declare(b *Builder, datatype string, inlineSampling bool) {
	if inlineSampling {
		return
	}
	for y := 0; y < s.nbH; y++ {
		for x := 0; x < s.nbW; x++ {
			b.P("%s %s;", datatype, s.sampleVar(x, y)).NL()
		}
	}
}

func (s *Spatial) sampleVar(x, y int) string {
	return fmt.Sprintf("%s_%d_%d", sampleIDPrefix, x, y)
}

// Sample renders a declared neighbor sample's assignment, reading
// inputName[inputIndex] at the fragment position offset by (x, y) within
// the neighborhood, further shifted by shiftX/shiftY texels.
func (s *Spatial) Sample(b *Builder, inputName string, inputIndex, x, y int, shiftX, shiftY float64, suffix string) {
	b.P("%s = texture2D(%s[%d], vTexCoord + vec2(float(%d), float(%d)) * texelSize + vec2(%g, %g) * texelSize)%s;",
		s.sampleVar(x, y), inputName, inputIndex, x, y, shiftX, shiftY, suffix).NL()
}

// SampleInline is Sample's expression-only counterpart, used where the
// result feeds directly into a larger expression instead of a declared
// variable (inlineSampling mode).
func (s *Spatial) SampleInline(inputName string, inputIndex, x, y int, shiftX, shiftY float64, suffix string) string {
	return fmt.Sprintf("texture2D(%s[%d], vTexCoord + vec2(float(%d), float(%d)) * texelSize + vec2(%g, %g) * texelSize)%s",
		inputName, inputIndex, x, y, shiftX, shiftY, suffix)
}

// InputSamplingPos names the GLSL expression pointing at the center of
// the neighborhood, after Declare/WriteHeader have run.
func (s *Spatial) InputSamplingPos() string {
	return "vTexCoord"
}

// SamplingArea returns, in input pixels, the rectangle the nbW x nbH
// kernel visits to produce output pixel (0, 0), given stride and padding.
// Ported from SpatialFilteringMixin::getSamplingArea.
func (s *Spatial) SamplingArea(inputSize storage.Size, stride storage.Size, padding storage.Padding) (x0, y0, x1, y1 int) {
	ox, oy := inputSize.Origin(storage.Size{W: s.nbW, H: s.nbH}, stride, padding)
	midX, midY := (s.nbW-1)/2, (s.nbH-1)/2
	return ox - midX, oy - midY, ox + s.nbW - midX - 1, oy + s.nbH - midY - 1
}
