package ops

import (
	"fmt"
	"math"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// Activation is an element-wise nonlinearity.
type Activation func(float32) float32

// SiLU is x * sigmoid(x).
func SiLU(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// GELU is the exact (erf) formulation.
func GELU(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// ELU uses alpha = 1.
func ELU(x float32) float32 {
	if x > 0 {
		return x
	}

	return float32(math.Expm1(float64(x)))
}

// ActivationByName resolves the names used in model configs.
func ActivationByName(name string) (Activation, error) {
	switch name {
	case "silu":
		return SiLU, nil
	case "gelu":
		return GELU, nil
	case "elu":
		return ELU, nil
	default:
		return nil, fmt.Errorf("ops: unknown activation %q", name)
	}
}

// Apply returns act(x) element-wise.
func Apply(x *tensor.Tensor, act Activation) *tensor.Tensor {
	return tensor.Map(x, act)
}
