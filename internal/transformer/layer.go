package transformer

import (
	"fmt"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/runtime/ops"
	"github.com/example/go-moshi/internal/runtime/tensor"
)

type attention struct {
	inProj  *nn.Linear
	outProj *nn.Linear
	heads   int
	headDim int
	rope    bool
	period  float64
}

// forward runs self-attention on x [T, D] against cache.
func (a *attention) forward(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	steps := int(x.Dim(0))
	pos := int64(cache.Offset())

	qkv, err := a.inProj.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("in_proj: %w", err)
	}

	q, k, v, err := splitHeads(qkv, steps, a.heads, a.headDim)
	if err != nil {
		return nil, err
	}

	if a.rope {
		if q, err = ops.RoPE(q, pos, a.period); err != nil {
			return nil, err
		}

		if k, err = ops.RoPE(k, pos, a.period); err != nil {
			return nil, err
		}
	}

	keys, values, err := cache.Append(k, v)
	if err != nil {
		return nil, err
	}

	out, err := ops.Attention(q, keys, values, true, keys.Dim(1)-int64(steps))
	if err != nil {
		return nil, err
	}

	merged, err := mergeHeads(out, steps, a.heads, a.headDim)
	if err != nil {
		return nil, err
	}

	return a.outProj.Forward(merged)
}

// splitHeads turns [T, 3*H*Dh] into q, k, v each [H, T, Dh].
func splitHeads(qkv *tensor.Tensor, steps, heads, headDim int) (q, k, v *tensor.Tensor, err error) {
	d := heads * headDim
	if int(qkv.Dim(-1)) != 3*d {
		return nil, nil, nil, fmt.Errorf("in_proj width %d, want %d", qkv.Dim(-1), 3*d)
	}

	src := qkv.RawData()
	parts := [3][]float32{}

	for p := range parts {
		parts[p] = make([]float32, heads*steps*headDim)
	}

	for t := range steps {
		row := src[t*3*d : (t+1)*3*d]

		for p := range parts {
			for h := range heads {
				dst := parts[p][(h*steps+t)*headDim : (h*steps+t+1)*headDim]
				copy(dst, row[p*d+h*headDim:p*d+(h+1)*headDim])
			}
		}
	}

	shape := []int64{int64(heads), int64(steps), int64(headDim)}

	if q, err = tensor.FromOwned(parts[0], shape); err != nil {
		return nil, nil, nil, err
	}

	if k, err = tensor.FromOwned(parts[1], shape); err != nil {
		return nil, nil, nil, err
	}

	if v, err = tensor.FromOwned(parts[2], shape); err != nil {
		return nil, nil, nil, err
	}

	return q, k, v, nil
}

// mergeHeads turns [H, T, Dh] back into [T, H*Dh].
func mergeHeads(x *tensor.Tensor, steps, heads, headDim int) (*tensor.Tensor, error) {
	d := heads * headDim
	src := x.RawData()
	out := make([]float32, steps*d)

	for h := range heads {
		for t := range steps {
			copy(out[t*d+h*headDim:t*d+(h+1)*headDim], src[(h*steps+t)*headDim:(h*steps+t+1)*headDim])
		}
	}

	return tensor.FromOwned(out, []int64{int64(steps), int64(d)})
}

type feedForward interface {
	forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// gatedFF is linear_out(silu(a) * b) with [a, b] = linear_in(x).
type gatedFF struct {
	linearIn  *nn.Linear
	linearOut *nn.Linear
}

func (f *gatedFF) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.GatedMLP(x, f.linearIn.Weight, f.linearOut.Weight, ops.SiLU)
}

type plainFF struct {
	linear1 *nn.Linear
	linear2 *nn.Linear
}

func (f *plainFF) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.MLP(x, f.linear1.Weight, f.linear1.Bias, f.linear2.Weight, f.linear2.Bias, ops.GELU)
}

type layer struct {
	norm1 nn.Norm
	norm2 nn.Norm
	attn  *attention
	ff    feedForward
	// optional per-channel scales on the two residual branches
	scale1 *tensor.Tensor
	scale2 *tensor.Tensor
}

func (l *layer) forward(x *tensor.Tensor, cache *KVCache) (*tensor.Tensor, error) {
	h, err := l.norm1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("norm1: %w", err)
	}

	if h, err = l.attn.forward(h, cache); err != nil {
		return nil, fmt.Errorf("self_attn: %w", err)
	}

	if x, err = residualAdd(x, h, l.scale1); err != nil {
		return nil, err
	}

	if h, err = l.norm2.Forward(x); err != nil {
		return nil, fmt.Errorf("norm2: %w", err)
	}

	if h, err = l.ff.forward(h); err != nil {
		return nil, fmt.Errorf("feed forward: %w", err)
	}

	return residualAdd(x, h, l.scale2)
}

// residualAdd returns x + scale*h, scale broadcast over the last dim.
func residualAdd(x, h, scale *tensor.Tensor) (*tensor.Tensor, error) {
	if scale != nil {
		var err error
		if h, err = tensor.BroadcastMul(h, scale); err != nil {
			return nil, err
		}
	}

	return tensor.BroadcastAdd(x, h)
}
