package transformer

import (
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// Transformer is a stack of causal layers with one KV cache per layer.
type Transformer struct {
	cfg    Config
	layers []*layer
	caches []*KVCache
}

// Config returns the configuration the transformer was built with.
func (t *Transformer) Config() Config { return t.cfg }

// NumLayers returns the layer count.
func (t *Transformer) NumLayers() int { return len(t.layers) }

// Cache returns the KV cache of layer i.
func (t *Transformer) Cache(i int) *KVCache { return t.caches[i] }

// Offset returns the number of steps processed since the last Reset.
func (t *Transformer) Offset() int {
	if len(t.caches) == 0 {
		return 0
	}

	return t.caches[0].Offset()
}

// Reset clears every layer cache.
func (t *Transformer) Reset() {
	for _, c := range t.caches {
		c.Reset()
	}
}

// NewCaches allocates one empty cache per layer of a cfg-shaped stack.
func NewCaches(cfg Config) []*KVCache {
	caches := make([]*KVCache, cfg.NumLayers)
	for i := range caches {
		caches[i] = NewKVCache(cfg.NumHeads, cfg.HeadDim(), cfg.Context, cfg.MaxSeqLen)
	}

	return caches
}

// Step advances the stack by x [1, T, D] (or [T, D]) and returns the output
// with the same shape.
func (t *Transformer) Step(x *tensor.Tensor) (*tensor.Tensor, error) {
	return t.StepWith(x, t.caches)
}

// StepWith is Step against caller-owned caches. Stacks with different
// weights may share caches as long as their shapes agree; the depth
// transformer uses this to let each slice attend to the slices before it.
func (t *Transformer) StepWith(x *tensor.Tensor, caches []*KVCache) (*tensor.Tensor, error) {
	if len(caches) != len(t.layers) {
		return nil, fmt.Errorf("transformer: %d caches for %d layers", len(caches), len(t.layers))
	}

	shape := x.Shape()

	switch {
	case len(shape) == 3 && shape[0] == 1:
	case len(shape) == 2:
	default:
		return nil, fmt.Errorf("transformer: step expects [1, T, D], got %v", shape)
	}

	if int(shape[len(shape)-1]) != t.cfg.DModel {
		return nil, fmt.Errorf("transformer: input width %d, want %d", shape[len(shape)-1], t.cfg.DModel)
	}

	h, err := x.Reshape([]int64{shape[len(shape)-2], shape[len(shape)-1]})
	if err != nil {
		return nil, err
	}

	if h.Dim(0) == 0 {
		return x.Clone(), nil
	}

	for i, l := range t.layers {
		if h, err = l.forward(h, caches[i]); err != nil {
			return nil, fmt.Errorf("transformer: layer %d: %w", i, err)
		}
	}

	return h.Reshape(shape)
}
