package shader

import "github.com/lnstadrum/beatmup-sub001/beatmuperr"

// Activation selects the nonlinearity an operation applies before writing
// its result to an RGBA8 texture, which can only hold values in [0, 1].
// Grounded on operation.h's ActivationFunction enum.
type Activation int

const (
	// ActivationDefault clips the input to [0, 1] with no rescaling.
	ActivationDefault Activation = iota
	// ActivationBRelu6 scales by 1/6 before clipping to [0, 1], the
	// classic ReLU6 range remapped into the texture's storable range.
	ActivationBRelu6
	// ActivationSigmoidLike is a piecewise-linear sigmoid approximation.
	ActivationSigmoidLike
)

func (a Activation) String() string {
	switch a {
	case ActivationBRelu6:
		return "brelu6"
	case ActivationSigmoidLike:
		return "sigmoid_like"
	default:
		return "default"
	}
}

// ActivationFromString parses an activation name in its lower-case or
// upper-case spelling (plus "Default" and "sigmoidLike"); other spellings
// are rejected.
func ActivationFromString(s string) (Activation, error) {
	switch s {
	case "default", "DEFAULT", "Default":
		return ActivationDefault, nil
	case "brelu6", "BRELU6":
		return ActivationBRelu6, nil
	case "sigmoid_like", "SIGMOID_LIKE", "sigmoidLike":
		return ActivationSigmoidLike, nil
	default:
		return 0, beatmuperr.NewInvalidArgument("unknown activation function %q", s)
	}
}

// Apply renders the GLSL statement clamping variable into [0, 1] and
// assigning it to gl_FragColor, according to a.
func (a Activation) Apply(b *Builder, variable string) {
	switch a {
	case ActivationBRelu6:
		b.P("gl_FragColor = clamp(0.16666667 * (%s), 0.0, 1.0);", variable).NL()
	case ActivationSigmoidLike:
		b.P("gl_FragColor = clamp(0.2 * (%s) + 0.5, 0.0, 1.0);", variable).NL()
	default:
		b.P("gl_FragColor = clamp(%s, 0.0, 1.0);", variable).NL()
	}
}

// ApplyCPU computes the same activation in Go, for the software kernels
// that back gpu/sim and for CPU-side operations (Softmax feeds off
// already-activated storages, but intermediate host-side reference
// paths reuse this).
func (a Activation) ApplyCPU(v float32) float32 {
	clamp := func(x float32) float32 {
		if x < 0 {
			return 0
		}
		if x > 1 {
			return 1
		}
		return x
	}
	switch a {
	case ActivationBRelu6:
		return clamp(0.16666667 * v)
	case ActivationSigmoidLike:
		return clamp(0.2*v + 0.5)
	default:
		return clamp(v)
	}
}
