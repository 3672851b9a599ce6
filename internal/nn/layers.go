package nn

import (
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// Linear is y = x W^T + b.
type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]
}

// LoadLinear loads name.weight with shape [out, in] and, when withBias is
// set, an optional name.bias.
func LoadLinear(vb *VarBuilder, name string, in, out int64, withBias bool) (*Linear, error) {
	w, err := vb.Tensor(name+".weight", out, in)
	if err != nil {
		return nil, err
	}

	l := &Linear{Weight: w}

	if withBias {
		b, _, err := vb.TensorMaybe(name+".bias", out)
		if err != nil {
			return nil, err
		}

		l.Bias = b
	}

	return l, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.Weight, l.Bias)
}

// InFeatures returns the input width.
func (l *Linear) InFeatures() int64 { return l.Weight.Dim(1) }

// OutFeatures returns the output width.
func (l *Linear) OutFeatures() int64 { return l.Weight.Dim(0) }

// Norm normalizes the last dimension.
type Norm interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func LoadLayerNorm(vb *VarBuilder, name string, dim int64, eps float32) (*LayerNorm, error) {
	w, err := vb.Tensor(name+".weight", dim)
	if err != nil {
		return nil, err
	}

	b, err := vb.Tensor(name+".bias", dim)
	if err != nil {
		return nil, err
	}

	return &LayerNorm{Weight: w, Bias: b, Eps: eps}, nil
}

func (n *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNorm(x, n.Weight, n.Bias, n.Eps)
}

type RMSNorm struct {
	Alpha *tensor.Tensor
	Eps   float32
}

// LoadRMSNorm accepts either name.weight or the legacy name.alpha, which
// older checkpoints store as [1, 1, dim].
func LoadRMSNorm(vb *VarBuilder, name string, dim int64, eps float32) (*RMSNorm, error) {
	if vb.Has(name + ".weight") {
		w, err := vb.Tensor(name+".weight", dim)
		if err != nil {
			return nil, err
		}

		return &RMSNorm{Alpha: w, Eps: eps}, nil
	}

	a, err := vb.Tensor(name + ".alpha")
	if err != nil {
		return nil, err
	}

	if int64(a.ElemCount()) != dim {
		return nil, fmt.Errorf("nn: rms norm %q alpha has %d elements, want %d", vb.resolve(name), a.ElemCount(), dim)
	}

	a, err = a.Reshape([]int64{dim})
	if err != nil {
		return nil, err
	}

	return &RMSNorm{Alpha: a, Eps: eps}, nil
}

func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.RMSNorm(x, n.Alpha, n.Eps)
}

// Embedding is a lookup table [vocab, dim].
type Embedding struct {
	Weight *tensor.Tensor
}

func LoadEmbedding(vb *VarBuilder, name string, vocab, dim int64) (*Embedding, error) {
	w, err := vb.Tensor(name+".weight", vocab, dim)
	if err != nil {
		return nil, err
	}

	return &Embedding{Weight: w}, nil
}

func (e *Embedding) Vocab() int { return int(e.Weight.Dim(0)) }

func (e *Embedding) Dim() int { return int(e.Weight.Dim(1)) }

// Row returns the embedding of id without copying.
func (e *Embedding) Row(id int) ([]float32, error) {
	if id < 0 || id >= e.Vocab() {
		return nil, fmt.Errorf("nn: embedding id %d out of range [0, %d)", id, e.Vocab())
	}

	d := e.Dim()

	return e.Weight.RawData()[id*d : (id+1)*d], nil
}

// AddRow accumulates row id into dst.
func (e *Embedding) AddRow(dst []float32, id int) error {
	row, err := e.Row(id)
	if err != nil {
		return err
	}

	tensor.Axpy(dst, 1, row)

	return nil
}
