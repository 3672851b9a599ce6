package ops

import (
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// MLP computes linear2(act(linear1(x))).
func MLP(x, w1, b1, w2, b2 *tensor.Tensor, act Activation) (*tensor.Tensor, error) {
	h, err := tensor.Linear(x, w1, b1)
	if err != nil {
		return nil, fmt.Errorf("ops: mlp first linear: %w", err)
	}

	out, err := tensor.Linear(Apply(h, act), w2, b2)
	if err != nil {
		return nil, fmt.Errorf("ops: mlp second linear: %w", err)
	}

	return out, nil
}

// GatedMLP computes linearOut(act(h[..., :hidden]) * h[..., hidden:]) where
// h = linearIn(x) has width 2*hidden.
func GatedMLP(x, linearIn, linearOut *tensor.Tensor, act Activation) (*tensor.Tensor, error) {
	h, err := tensor.Linear(x, linearIn, nil)
	if err != nil {
		return nil, fmt.Errorf("ops: gated mlp input linear: %w", err)
	}

	width := int(h.Dim(-1))
	if width%2 != 0 {
		return nil, fmt.Errorf("ops: gated mlp projection width %d is odd", width)
	}

	hidden := width / 2
	rows := h.ElemCount() / max(width, 1)
	hd := h.RawData()
	gated := make([]float32, rows*hidden)

	for r := range rows {
		src := hd[r*width : (r+1)*width]
		dst := gated[r*hidden : (r+1)*hidden]

		for i := range dst {
			dst[i] = act(src[i]) * src[hidden+i]
		}
	}

	shape := h.Shape()
	shape[len(shape)-1] = int64(hidden)

	g, err := tensor.FromOwned(gated, shape)
	if err != nil {
		return nil, err
	}

	out, err := tensor.Linear(g, linearOut, nil)
	if err != nil {
		return nil, fmt.Errorf("ops: gated mlp output linear: %w", err)
	}

	return out, nil
}
