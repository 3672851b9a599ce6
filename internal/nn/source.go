package nn

import (
	"fmt"
	"sort"

	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/safetensors"
)

// TensorSource is anything that can hand out named tensors: a checkpoint on
// disk or an in-memory map built by tests and converters.
type TensorSource interface {
	Has(name string) bool
	Shape(name string) ([]int64, bool)
	Tensor(name string) (*tensor.Tensor, error)
	Names() []string
}

// StoreSource adapts a safetensors store.
type StoreSource struct {
	Store *safetensors.Store
}

func (s StoreSource) Has(name string) bool { return s.Store.Has(name) }

func (s StoreSource) Shape(name string) ([]int64, bool) { return s.Store.Shape(name) }

func (s StoreSource) Names() []string { return s.Store.Names() }

func (s StoreSource) Tensor(name string) (*tensor.Tensor, error) {
	st, err := s.Store.Tensor(name)
	if err != nil {
		return nil, err
	}

	return tensor.FromOwned(st.Data, st.Shape)
}

// MapSource is an in-memory TensorSource.
type MapSource map[string]*tensor.Tensor

func (m MapSource) Has(name string) bool {
	_, ok := m[name]
	return ok
}

func (m MapSource) Shape(name string) ([]int64, bool) {
	t, ok := m[name]
	if !ok {
		return nil, false
	}

	return t.Shape(), true
}

func (m MapSource) Tensor(name string) (*tensor.Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingTensor, name)
	}

	return t, nil
}

func (m MapSource) Names() []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}
