package transformer

import (
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// KVCache stores per-head keys and values for one attention layer. Storage
// never holds more than context entries between calls; Offset counts every
// position ever appended and drives rotary positions.
type KVCache struct {
	heads   int
	headDim int
	context int

	keys   [][]float32 // per head, len*headDim
	values [][]float32
	length int
	offset int
}

// NewKVCache returns an empty cache. capacity is an allocation hint in steps.
func NewKVCache(heads, headDim, context, capacity int) *KVCache {
	c := &KVCache{heads: heads, headDim: headDim, context: context}
	c.keys = make([][]float32, heads)
	c.values = make([][]float32, heads)

	capacity = min(max(capacity, 0), context) + 1
	for h := range heads {
		c.keys[h] = make([]float32, 0, capacity*headDim)
		c.values[h] = make([]float32, 0, capacity*headDim)
	}

	return c
}

// Len returns the number of stored steps.
func (c *KVCache) Len() int { return c.length }

// Offset returns the absolute position of the next appended step.
func (c *KVCache) Offset() int { return c.offset }

// Context returns the window size.
func (c *KVCache) Context() int { return c.context }

// Reset drops all entries and rewinds the position counter.
func (c *KVCache) Reset() {
	for h := range c.heads {
		c.keys[h] = c.keys[h][:0]
		c.values[h] = c.values[h][:0]
	}

	c.length = 0
	c.offset = 0
}

// Append adds k, v [H, T, Dh] and returns the attention window: the new T
// steps preceded by at most context older ones.
func (c *KVCache) Append(k, v *tensor.Tensor) (keys, values *tensor.Tensor, err error) {
	if k.Rank() != 3 || int(k.Dim(0)) != c.heads || int(k.Dim(2)) != c.headDim {
		return nil, nil, fmt.Errorf("transformer: kv cache expects [%d, T, %d], got %v", c.heads, c.headDim, k.Shape())
	}

	if !sameShape(k.Shape(), v.Shape()) {
		return nil, nil, fmt.Errorf("transformer: key shape %v does not match value shape %v", k.Shape(), v.Shape())
	}

	steps := int(k.Dim(1))
	kd, vd := k.RawData(), v.RawData()
	span := steps * c.headDim

	for h := range c.heads {
		c.keys[h] = append(c.keys[h], kd[h*span:(h+1)*span]...)
		c.values[h] = append(c.values[h], vd[h*span:(h+1)*span]...)
	}

	c.length += steps
	c.offset += steps

	window := steps + min(c.context, c.length-steps)
	keys, err = c.gather(c.keys, window)
	if err != nil {
		return nil, nil, err
	}

	values, err = c.gather(c.values, window)
	if err != nil {
		return nil, nil, err
	}

	c.trim()

	return keys, values, nil
}

// gather copies the last window steps of every head into [H, window, Dh].
func (c *KVCache) gather(src [][]float32, window int) (*tensor.Tensor, error) {
	span := window * c.headDim
	out := make([]float32, c.heads*span)

	for h, buf := range src {
		copy(out[h*span:(h+1)*span], buf[len(buf)-span:])
	}

	return tensor.FromOwned(out, []int64{int64(c.heads), int64(window), int64(c.headDim)})
}

// trim drops the oldest entries so at most context steps remain.
func (c *KVCache) trim() {
	drop := c.length - c.context
	if drop <= 0 {
		return
	}

	n := drop * c.headDim
	for h := range c.heads {
		c.keys[h] = append(c.keys[h][:0], c.keys[h][n:]...)
		c.values[h] = append(c.values[h][:0], c.values[h][n:]...)
	}

	c.length = c.context
}

func sameShape(a, b []int64) bool {
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
