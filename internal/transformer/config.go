// Package transformer implements the causal streaming transformer shared by
// the codec and the language model. Each layer keeps a key/value cache that
// is bounded by the configured context window.
package transformer

import (
	"errors"
	"fmt"
)

// NormKind selects the per-layer normalization.
type NormKind int

const (
	NormLayer NormKind = iota
	NormRMS
)

func (k NormKind) String() string {
	switch k {
	case NormLayer:
		return "layer_norm"
	case NormRMS:
		return "rms_norm"
	default:
		return fmt.Sprintf("NormKind(%d)", int(k))
	}
}

// Positional selects the positional embedding applied to queries and keys.
type Positional int

const (
	PositionalNone Positional = iota
	PositionalRoPE
)

const (
	layerNormEps = 1e-5
	rmsNormEps   = 1e-8
)

// Config describes one transformer stack.
type Config struct {
	DModel         int
	NumHeads       int
	NumLayers      int
	Norm           NormKind
	Gating         bool
	DimFeedForward int
	Positional     Positional
	// Context bounds the number of past steps attended to.
	Context   int
	MaxPeriod float64
	// MaxSeqLen sizes the initial cache allocation.
	MaxSeqLen  int
	LayerScale bool
	BiasAttn   bool
	BiasFF     bool
}

// HeadDim returns DModel / NumHeads.
func (c Config) HeadDim() int { return c.DModel / c.NumHeads }

// GatedHidden returns the hidden width of the gated feed-forward block.
func (c Config) GatedHidden() int {
	if c.DimFeedForward == 4*c.DModel {
		return 11 * c.DModel / 4
	}

	return 2 * c.DimFeedForward / 3
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch {
	case c.DModel <= 0 || c.NumHeads <= 0 || c.NumLayers <= 0:
		return fmt.Errorf("transformer: d_model, num_heads and num_layers must be positive, got %d/%d/%d", c.DModel, c.NumHeads, c.NumLayers)
	case c.DModel%c.NumHeads != 0:
		return fmt.Errorf("transformer: d_model %d not divisible by num_heads %d", c.DModel, c.NumHeads)
	case c.Positional == PositionalRoPE && c.HeadDim()%2 != 0:
		return fmt.Errorf("transformer: rope needs an even head dim, got %d", c.HeadDim())
	case c.Positional == PositionalRoPE && c.MaxPeriod <= 0:
		return errors.New("transformer: rope max period must be positive")
	case c.Context <= 0:
		return fmt.Errorf("transformer: context must be positive, got %d", c.Context)
	case c.DimFeedForward <= 0:
		return fmt.Errorf("transformer: dim_feedforward must be positive, got %d", c.DimFeedForward)
	}

	return nil
}

func (c Config) normEps() float32 {
	if c.Norm == NormRMS {
		return rmsNormEps
	}

	return layerNormEps
}
