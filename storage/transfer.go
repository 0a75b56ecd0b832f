package storage

import (
	"image"
	"math"

	"github.com/lnstadrum/beatmup-sub001/beatmuperr"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
)

// quantize maps an activation value to its RGBA8 texel representation.
// Values are assumed normalized to [0, 1], matching the range the
// Activation mixin's BRELU6/SIGMOID_LIKE outputs are scaled into before
// being written to a texture (package shader); anything outside the range
// is clamped rather than wrapped.
func quantize(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(math.Round(float64(v) * 255))
}

func dequantize(b byte) float32 {
	return float32(b) / 255
}

// Push writes hwc — row-major (H, W, C) float32 activation data — into the
// storage's GPU textures, quantizing into RGBA8 texels according to each
// channel's quad placement (ChannelTextureNumber/ChannelOrigin). Matches
// original_source's Storage::push(gpu, hwcData, numSamples) for the
// numSamples == 1 case; this engine does not batch.
func (s *Storage) Push(device driver.Device, hwc []float32) error {
	if len(s.textures) == 0 {
		return beatmuperr.NewRuntimeError("storage: push before AllocateGPU")
	}
	if len(hwc) != s.size.Volume() {
		return beatmuperr.NewInvalidArgument("storage: push expects %d values, got %d", s.size.Volume(), len(hwc))
	}

	tw, th := s.TextureWidth(), s.TextureHeight()
	buffers := make([][]byte, len(s.textures))
	for i := range buffers {
		buffers[i] = make([]byte, tw*th*4)
	}

	for base := 0; base < s.size.D; base += 4 {
		texIdx := s.ChannelTextureNumber(base)
		origin := s.ChannelOrigin(base)
		buf := buffers[texIdx]
		for y := 0; y < s.size.H; y++ {
			for x := 0; x < s.size.W; x++ {
				px, py := origin.X+x, origin.Y+y
				idx := (py*tw + px) * 4
				for k := 0; k < 4; k++ {
					ch := base + k
					var v float32
					if ch < s.size.D {
						v = hwc[(y*s.size.W+x)*s.size.D+ch]
					}
					buf[idx+k] = quantize(v)
				}
			}
		}
	}

	for i, buf := range buffers {
		s.textures[i].handle.Upload(image.Pt(0, 0), image.Pt(tw, th), buf)
		s.textures[i].dirty = false
	}
	return nil
}

// Pull reads the storage's GPU textures back into a freshly allocated
// row-major (H, W, C) float32 slice, the inverse of Push.
func (s *Storage) Pull(device driver.Device) ([]float32, error) {
	if len(s.textures) == 0 {
		return nil, beatmuperr.NewRuntimeError("storage: pull before AllocateGPU")
	}
	tw, th := s.TextureWidth(), s.TextureHeight()
	out := make([]float32, s.size.Volume())

	for base := 0; base < s.size.D; base += 4 {
		texIdx := s.ChannelTextureNumber(base)
		origin := s.ChannelOrigin(base)
		buf := make([]byte, tw*th*4)
		if err := s.textures[texIdx].handle.Download(image.Rect(0, 0, tw, th), buf); err != nil {
			return nil, beatmuperr.NewRuntimeError("storage: pull texture %d: %v", texIdx, err)
		}
		for y := 0; y < s.size.H; y++ {
			for x := 0; x < s.size.W; x++ {
				px, py := origin.X+x, origin.Y+y
				idx := (py*tw + px) * 4
				for k := 0; k < 4; k++ {
					ch := base + k
					if ch >= s.size.D {
						break
					}
					out[(y*s.size.W+x)*s.size.D+ch] = dequantize(buf[idx+k])
				}
			}
		}
	}
	return out, nil
}
