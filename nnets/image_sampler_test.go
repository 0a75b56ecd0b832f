package nnets_test

import (
	"image"
	"testing"

	"github.com/lnstadrum/beatmup-sub001/gpu"
	"github.com/lnstadrum/beatmup-sub001/gpu/driver"
	"github.com/lnstadrum/beatmup-sub001/gpu/sim"
	"github.com/lnstadrum/beatmup-sub001/nnets"
)

// TestImageSamplerIdentityPassesThroughUnchanged checks that sampling a
// same-size image with no crop and no rotation reproduces it exactly.
func TestImageSamplerIdentityPassesThroughUnchanged(t *testing.T) {
	device := sim.New(sim.DefaultOptions())
	bank := gpu.NewBank()

	inTex, err := device.NewTexture(4, 4, driver.TextureFormatRGBA8)
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	pixels := make([]byte, 4*4*4)
	for i := range pixels {
		pixels[i] = byte(i * 3)
	}
	inTex.Upload(image.Pt(0, 0), image.Pt(4, 4), pixels)

	s := nnets.NewImageSampler("sample", 4, 4, false, false)
	s.SetInputTexture(inTex, 4, 4)
	if err := s.Prepare(device, bank, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Execute(device); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := make([]byte, 4*4*4)
	if err := s.OutputTexture().Download(image.Rect(0, 0, 4, 4), got); err != nil {
		t.Fatalf("Download: %v", err)
	}
	for i := range pixels {
		if got[i] != pixels[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], pixels[i])
		}
	}
}

// TestImageSamplerCenterCropPicksMiddleColumns center-crops a wide image
// down to a square, which must keep the middle columns and drop the outer
// ones rather than stretching or sampling out of range.
func TestImageSamplerCenterCropPicksMiddleColumns(t *testing.T) {
	device := sim.New(sim.DefaultOptions())
	bank := gpu.NewBank()

	const inW, inH = 4, 2
	inTex, err := device.NewTexture(inW, inH, driver.TextureFormatRGBA8)
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	colR := []byte{0, 85, 170, 255}
	pixels := make([]byte, inW*inH*4)
	for y := 0; y < inH; y++ {
		for x := 0; x < inW; x++ {
			base := (y*inW + x) * 4
			pixels[base+0] = colR[x]
			pixels[base+1] = 10
			pixels[base+2] = 20
			pixels[base+3] = 255
		}
	}
	inTex.Upload(image.Pt(0, 0), image.Pt(inW, inH), pixels)

	s := nnets.NewImageSampler("crop", 2, 2, true, false)
	s.SetInputTexture(inTex, inW, inH)
	if err := s.Prepare(device, bank, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Execute(device); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got := make([]byte, 2*2*4)
	if err := s.OutputTexture().Download(image.Rect(0, 0, 2, 2), got); err != nil {
		t.Fatalf("Download: %v", err)
	}
	// input columns 0 and 3 are the cropped-away margins; the center crop
	// should keep columns 1 and 2.
	wantCol := []byte{colR[1], colR[2]}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			r := got[(y*2+x)*4+0]
			if r != wantCol[x] {
				t.Errorf("pixel (%d,%d) red = %d, want %d", x, y, r, wantCol[x])
			}
		}
	}
}

func TestImageSamplerSetRotationWrapsModulo(t *testing.T) {
	s := nnets.NewImageSampler("rot", 4, 4, false, false)
	s.SetRotation(5)
	if got := s.Serialize()["rotation"]; got != "1" {
		t.Errorf("rotation after SetRotation(5) = %q, want %q", got, "1")
	}
	s.SetRotation(-1)
	if got := s.Serialize()["rotation"]; got != "3" {
		t.Errorf("rotation after SetRotation(-1) = %q, want %q", got, "3")
	}
}

func TestImageSamplerOutputSizeMatchesConstructor(t *testing.T) {
	s := nnets.NewImageSampler("sz", 224, 160, true, true)
	size := s.OutputSize(0)
	if size.W != 224 || size.H != 160 || size.D != 3 {
		t.Errorf("OutputSize(0) = %+v, want {224 160 3}", size)
	}
}
