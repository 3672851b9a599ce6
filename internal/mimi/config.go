// Package mimi implements the Mimi neural audio codec in streaming form:
// 24 kHz mono PCM in, 12.5 Hz frames of residual-quantized codes out, and
// back.
package mimi

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/transformer"
)

// SeanetConfig sizes the convolutional encoder and decoder.
type SeanetConfig struct {
	Dimension          int
	Channels           int
	Causal             bool
	NFilters           int
	NResidualLayers    int
	Ratios             []int
	KernelSize         int
	ResidualKernelSize int
	LastKernelSize     int
	DilationBase       int
	TrueSkip           bool
	Compress           int
}

// HopLength is the product of the ratios.
func (c SeanetConfig) HopLength() int {
	hop := 1
	for _, r := range c.Ratios {
		hop *= r
	}

	return hop
}

// Config describes a Mimi codec.
type Config struct {
	Channels    int
	SampleRate  int
	FrameRate   float64
	Seanet      SeanetConfig
	Transformer transformer.Config
	// NumCodebooks is the number of codebooks produced per frame.
	NumCodebooks int
	// MaxCodebooks is the number stored in the checkpoint.
	MaxCodebooks   int
	QuantizerBins  int
	QuantizerDim   int
	ResampleStride int
}

// DefaultConfig returns the v0.1 configuration used by the released
// checkpoints.
func DefaultConfig() Config {
	seanet := SeanetConfig{
		Dimension:          512,
		Channels:           1,
		Causal:             true,
		NFilters:           64,
		NResidualLayers:    1,
		Ratios:             []int{8, 6, 5, 4},
		KernelSize:         7,
		ResidualKernelSize: 3,
		LastKernelSize:     3,
		DilationBase:       2,
		TrueSkip:           true,
		Compress:           2,
	}

	return Config{
		Channels:   1,
		SampleRate: 24000,
		FrameRate:  12.5,
		Seanet:     seanet,
		Transformer: transformer.Config{
			DModel:         seanet.Dimension,
			NumHeads:       8,
			NumLayers:      8,
			Norm:           transformer.NormLayer,
			DimFeedForward: 2048,
			Positional:     transformer.PositionalRoPE,
			Context:        250,
			MaxPeriod:      10000,
			MaxSeqLen:      8192,
			LayerScale:     true,
		},
		NumCodebooks:   16,
		MaxCodebooks:   32,
		QuantizerBins:  2048,
		QuantizerDim:   256,
		ResampleStride: 2,
	}
}

// WithCodebooks returns a copy of c using n codebooks.
func (c Config) WithCodebooks(n int) Config {
	c.NumCodebooks = n
	return c
}

// FrameSize is the number of PCM samples per code frame.
func (c Config) FrameSize() int { return c.Seanet.HopLength() * c.ResampleStride }

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	s := c.Seanet

	switch {
	case len(s.Ratios) == 0:
		return errors.New("mimi: seanet needs at least one ratio")
	case s.Compress <= 0 || s.NFilters <= 0 || s.Dimension <= 0:
		return fmt.Errorf("mimi: invalid seanet sizes filters=%d dim=%d compress=%d", s.NFilters, s.Dimension, s.Compress)
	case !s.Causal:
		return fmt.Errorf("%w: seanet must be causal", ErrNonStreaming)
	case !s.TrueSkip:
		return errors.New("mimi: conv shortcuts in residual blocks are not supported")
	case c.Transformer.DModel != s.Dimension:
		return fmt.Errorf("mimi: transformer width %d does not match seanet dimension %d", c.Transformer.DModel, s.Dimension)
	case c.NumCodebooks < 1 || c.NumCodebooks > c.MaxCodebooks:
		return fmt.Errorf("mimi: num codebooks %d outside [1, %d]", c.NumCodebooks, c.MaxCodebooks)
	case c.ResampleStride < 1:
		return fmt.Errorf("mimi: resample stride must be positive, got %d", c.ResampleStride)
	}

	return c.Transformer.Validate()
}
