// Package storage implements the activation container of the inference
// engine: Size (the 3D tensor shape), Storage (a set of RGBA8 textures
// packing a tensor with spatial padding and channel packing) and View (a
// channel-quad remapping over a Storage). Grounded on
// original_source/core/nnets/storage.h and storage.cpp.
package storage

import "github.com/lnstadrum/beatmup-sub001/beatmuperr"

// Padding is the zero-padding policy of an operation.
type Padding int

const (
	// PaddingSame preserves spatial size for unit strides by zero-padding
	// the input.
	PaddingSame Padding = iota
	// PaddingValid applies no padding, shrinking the output.
	PaddingValid
)

func (p Padding) String() string {
	if p == PaddingSame {
		return "same"
	}
	return "valid"
}

// PaddingFromString parses a padding name written in lower case, upper case
// or with a leading capital (other spellings are rejected), matching
// original_source's Size::Padding paddingFromString.
func PaddingFromString(s string) (Padding, error) {
	switch s {
	case "same", "SAME", "Same":
		return PaddingSame, nil
	case "valid", "VALID", "Valid":
		return PaddingValid, nil
	default:
		return 0, beatmuperr.NewInvalidArgument("unknown padding %q", s)
	}
}

// Size is a (width, height, depth) integer triple describing an
// operation's input or output. Depth represents feature channels.
type Size struct {
	W, H, D int
}

// Empty is the zero size.
var Empty = Size{}

// Volume returns W*H*D.
func (s Size) Volume() int { return s.W * s.H * s.D }

// Zero reports whether any dimension is zero.
func (s Size) Zero() bool { return s.W == 0 || s.H == 0 || s.D == 0 }

// ceilDiv is ceili() in the original: ceil(a/b) for positive integers.
func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Transform computes an operation's output size given its kernel, stride
// and padding policy, assuming s is the input size. depth, if nonzero,
// overrides the input depth in the result (e.g. Conv2D's Cout).
func (s Size) Transform(kernel, stride Size, padding Padding, depth int) Size {
	if depth == 0 {
		depth = s.D
	}
	result := Size{W: s.W, H: s.H, D: depth}
	if padding == PaddingSame {
		result.W = ceilDiv(s.W, stride.W)
		result.H = ceilDiv(s.H, stride.H)
	} else {
		result.W = ceilDiv(s.W-kernel.W+1, stride.W)
		result.H = ceilDiv(s.H-kernel.H+1, stride.H)
	}
	return result
}

// Origin computes the (x, y) offset of the first input pixel sampled by
// the kernel centered over output pixel (0, 0), assuming s is the input
// size. Used by the padding helper (package shader) to align fragment
// coordinates with input texture coordinates.
func (s Size) Origin(kernel, stride Size, padding Padding) (x, y int) {
	if padding == PaddingSame {
		x = kernel.W/2 - (kernel.W-((s.W-1)%stride.W)-1)/2
		y = kernel.H/2 - (kernel.H-((s.H-1)%stride.H)-1)/2
		return
	}
	return 0, 0
}
