// Package nn maps checkpoint tensors onto module trees. Builders walk a
// VarBuilder with dotted paths the same way the PyTorch modules are nested,
// so the module layout in Go mirrors the checkpoint key layout.
package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/safetensors"
)

// ErrMissingTensor reports a tensor a builder required but the source lacks.
var ErrMissingTensor = errors.New("nn: missing tensor")

// Layout names the on-disk layout of convolution kernels.
type Layout int

const (
	// LayoutPyTorch stores conv kernels as [out, in/groups, k] and transposed
	// conv kernels as [in, out/groups, k].
	LayoutPyTorch Layout = iota
	// LayoutMLX stores conv kernels as [out, k, in/groups] and transposed conv
	// kernels as [out/groups, k, in].
	LayoutMLX
)

// VarBuilder provides hierarchical tensor lookup.
type VarBuilder struct {
	src    TensorSource
	prefix string
	layout Layout
}

// OpenVarBuilder opens a checkpoint with the Moshi key normalization applied.
func OpenVarBuilder(path string, layout Layout) (*VarBuilder, func() error, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{
		KeyMapper: safetensors.MoshiKeyMapper,
		RemapMode: safetensors.RemapLenient,
	})
	if err != nil {
		return nil, nil, err
	}

	return &VarBuilder{src: StoreSource{Store: store}, layout: layout}, store.Close, nil
}

func NewVarBuilder(src TensorSource, layout Layout) *VarBuilder {
	return &VarBuilder{src: src, layout: layout}
}

// Path returns a builder rooted at prefix.parts.
func (vb *VarBuilder) Path(parts ...any) *VarBuilder {
	prefix := vb.prefix

	for _, p := range parts {
		part := strings.TrimSpace(fmt.Sprint(p))
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{src: vb.src, prefix: prefix, layout: vb.layout}
}

// Prefix returns the dotted path of this builder.
func (vb *VarBuilder) Prefix() string { return vb.prefix }

func (vb *VarBuilder) Layout() Layout { return vb.layout }

func (vb *VarBuilder) Has(name string) bool {
	return vb.src != nil && vb.src.Has(vb.resolve(name))
}

// Tensor loads name and, when wantShape is given, checks its shape.
func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb.src == nil {
		return nil, errors.New("nn: varbuilder has no source")
	}

	full := vb.resolve(name)
	if !vb.src.Has(full) {
		return nil, fmt.Errorf("%w: %q", ErrMissingTensor, full)
	}

	if len(wantShape) > 0 {
		got, _ := vb.src.Shape(full)
		if !equalShape(got, wantShape) {
			return nil, fmt.Errorf("nn: tensor %q shape %v does not match expected %v", full, got, wantShape)
		}
	}

	t, err := vb.src.Tensor(full)
	if err != nil {
		return nil, fmt.Errorf("nn: tensor %q: %w", full, err)
	}

	return t, nil
}

// TensorMaybe is Tensor for optional parameters.
func (vb *VarBuilder) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err := vb.Tensor(name, wantShape...)

	return t, true, err
}

// ConvWeight loads a conv kernel and returns it as [out, in/groups, k].
func (vb *VarBuilder) ConvWeight(name string, out, inPerGroup, k int64) (*tensor.Tensor, error) {
	if vb.layout == LayoutMLX {
		w, err := vb.Tensor(name, out, k, inPerGroup)
		if err != nil {
			return nil, err
		}

		return w.Transpose(1, 2)
	}

	return vb.Tensor(name, out, inPerGroup, k)
}

// ConvTransposeWeight loads a transposed conv kernel and returns it as
// [in, out/groups, k].
func (vb *VarBuilder) ConvTransposeWeight(name string, in, outPerGroup, k int64) (*tensor.Tensor, error) {
	if vb.layout == LayoutMLX {
		w, err := vb.Tensor(name, outPerGroup, k, in)
		if err != nil {
			return nil, err
		}

		// [outPG, k, in] -> [in, k, outPG] -> [in, outPG, k]
		w, err = w.Transpose(0, 2)
		if err != nil {
			return nil, err
		}

		return w.Transpose(1, 2)
	}

	return vb.Tensor(name, in, outPerGroup, k)
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)

	switch {
	case vb.prefix == "":
		return name
	case name == "":
		return vb.prefix
	default:
		return vb.prefix + "." + name
	}
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
