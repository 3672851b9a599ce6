package lm

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/example/go-moshi/internal/runtime/tensor"
)

// Sampler draws tokens from logits. A Temperature at or below zero picks the
// argmax; a TopP in (0, 1) restricts the draw to the smallest set of tokens
// whose probability mass reaches TopP. The random source is seeded so runs
// with equal seeds draw equal tokens.
type Sampler struct {
	Temperature float64
	TopP        float64

	rng   *rand.Rand
	probs []float64
	order []int
}

func NewSampler(temperature, topP float64, seed uint64) *Sampler {
	return &Sampler{
		Temperature: temperature,
		TopP:        topP,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Sample returns an index into logits; -1 for empty logits.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		return -1
	}

	if s.Temperature <= 0 {
		return tensor.Argmax(logits)
	}

	probs := s.softmax(logits)

	if s.TopP > 0 && s.TopP < 1 {
		return s.sampleTopP(probs)
	}

	return s.draw(probs, nil)
}

func (s *Sampler) softmax(logits []float32) []float64 {
	if cap(s.probs) < len(logits) {
		s.probs = make([]float64, len(logits))
	}

	probs := s.probs[:len(logits)]
	inv := 1 / s.Temperature
	maxV := math.Inf(-1)

	for i, v := range logits {
		probs[i] = float64(v) * inv
		maxV = math.Max(maxV, probs[i])
	}

	var sum float64

	for i, v := range probs {
		probs[i] = math.Exp(v - maxV)
		sum += probs[i]
	}

	for i := range probs {
		probs[i] /= sum
	}

	return probs
}

func (s *Sampler) sampleTopP(probs []float64) int {
	if cap(s.order) < len(probs) {
		s.order = make([]int, len(probs))
	}

	order := s.order[:len(probs)]
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	var mass float64

	keep := len(order)

	for i, idx := range order {
		mass += probs[idx]
		if mass >= s.TopP {
			keep = i + 1
			break
		}
	}

	return s.draw(probs, order[:keep])
}

// draw samples from probs restricted to subset (all indices when nil).
func (s *Sampler) draw(probs []float64, subset []int) int {
	var total float64

	if subset == nil {
		for _, p := range probs {
			total += p
		}
	} else {
		for _, idx := range subset {
			total += probs[idx]
		}
	}

	u := s.rng.Float64() * total
	last := -1

	visit := func(idx int) bool {
		if probs[idx] <= 0 {
			return false
		}

		last = idx
		u -= probs[idx]

		return u < 0
	}

	if subset == nil {
		for i := range probs {
			if visit(i) {
				return i
			}
		}
	} else {
		for _, idx := range subset {
			if visit(idx) {
				return idx
			}
		}
	}

	if last < 0 {
		return 0
	}

	return last
}
