// Package lm runs the Moshi language model: a temporal transformer that
// consumes one multi-stream frame per step, a depth transformer that samples
// the generated audio codebooks of that step, and the generation loop that
// keeps the per-codebook delays aligned.
package lm

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/transformer"
)

// Config describes the temporal and depth transformers and the token layout.
type Config struct {
	Transformer transformer.Config
	Depformer   transformer.Config

	// DepformerSlices is the number of codebooks the depth transformer
	// generates per step. Zero disables it (speech-to-text checkpoints).
	DepformerSlices int

	TextInVocab    int
	TextOutVocab   int
	AudioVocab     int
	AudioCodebooks int
	AudioDelays    []int
}

// ConfigV01 is the 7B conversational checkpoint.
func ConfigV01() Config {
	return Config{
		Transformer: transformer.Config{
			DModel:         4096,
			NumHeads:       32,
			NumLayers:      32,
			Norm:           transformer.NormRMS,
			Gating:         true,
			DimFeedForward: 4096 * 4,
			Positional:     transformer.PositionalRoPE,
			Context:        3000,
			MaxPeriod:      10000,
			MaxSeqLen:      4096,
		},
		Depformer: transformer.Config{
			DModel:         1024,
			NumHeads:       16,
			NumLayers:      6,
			Norm:           transformer.NormRMS,
			Gating:         true,
			DimFeedForward: 1024 * 4,
			Positional:     transformer.PositionalNone,
			Context:        8,
			MaxPeriod:      10000,
			MaxSeqLen:      4096,
		},
		DepformerSlices: 8,
		TextInVocab:     32001,
		TextOutVocab:    32000,
		AudioVocab:      2048 + 1,
		AudioCodebooks:  16,
		AudioDelays:     []int{0, 1, 1, 1, 1, 1, 1, 1, 0, 1, 1, 1, 1, 1, 1, 1},
	}
}

// ConfigASR1B is the 1B speech-to-text checkpoint. It has no depth
// transformer; every codebook is an input stream.
func ConfigASR1B() Config {
	return Config{
		Transformer: transformer.Config{
			DModel:         2048,
			NumHeads:       16,
			NumLayers:      16,
			Norm:           transformer.NormRMS,
			Gating:         true,
			DimFeedForward: 2048 * 4,
			Positional:     transformer.PositionalRoPE,
			Context:        750,
			MaxPeriod:      100000,
			MaxSeqLen:      4096,
		},
		TextInVocab:    48001,
		TextOutVocab:   48000,
		AudioVocab:     2048 + 1,
		AudioCodebooks: 8,
		AudioDelays:    make([]int, 8),
	}
}

func (c Config) AudioPadToken() int { return c.AudioVocab - 1 }

func (c Config) AudioEOSToken() int { return c.AudioVocab - 2 }

func (c Config) TextInitToken() int { return c.TextInVocab - 1 }

// GeneratedCodebooks is the number of leading codebooks sampled by the depth
// transformer; the remaining codebooks carry the user's audio.
func (c Config) GeneratedCodebooks() int { return c.DepformerSlices }

func (c Config) UserCodebooks() int { return c.AudioCodebooks - c.DepformerSlices }

// WithAudioDelay returns a copy whose delayed codebooks (those with a
// non-zero delay) all use delay d. Undelayed codebooks keep zero.
func (c Config) WithAudioDelay(d int) Config {
	delays := make([]int, len(c.AudioDelays))
	for i, old := range c.AudioDelays {
		if old > 0 {
			delays[i] = d
		}
	}

	c.AudioDelays = delays

	return c
}

// MaxDelay is the largest per-codebook delay in steps.
func (c Config) MaxDelay() int {
	m := 0
	for _, d := range c.AudioDelays {
		m = max(m, d)
	}

	return m
}

func (c Config) Validate() error {
	if err := c.Transformer.Validate(); err != nil {
		return fmt.Errorf("lm: transformer: %w", err)
	}

	if c.TextInVocab <= 0 || c.TextOutVocab <= 0 || c.TextOutVocab > c.TextInVocab {
		return fmt.Errorf("lm: bad text vocab in=%d out=%d", c.TextInVocab, c.TextOutVocab)
	}

	if c.AudioVocab < 3 {
		return fmt.Errorf("lm: audio vocab %d too small", c.AudioVocab)
	}

	if c.AudioCodebooks <= 0 {
		return errors.New("lm: at least one audio codebook is required")
	}

	if len(c.AudioDelays) != c.AudioCodebooks {
		return fmt.Errorf("lm: %d delays for %d codebooks", len(c.AudioDelays), c.AudioCodebooks)
	}

	for i, d := range c.AudioDelays {
		if d < 0 {
			return fmt.Errorf("lm: codebook %d has negative delay %d", i, d)
		}
	}

	if c.DepformerSlices < 0 || c.DepformerSlices > c.AudioCodebooks {
		return fmt.Errorf("lm: %d depformer slices for %d codebooks", c.DepformerSlices, c.AudioCodebooks)
	}

	if c.DepformerSlices > 0 {
		if err := c.Depformer.Validate(); err != nil {
			return fmt.Errorf("lm: depformer: %w", err)
		}
	}

	return nil
}

// Preset names accepted by Preset.
const (
	PresetV01   = "v0.1"
	PresetASR1B = "asr-1b"
)

// Preset returns the configuration registered under name.
func Preset(name string) (Config, error) {
	switch name {
	case PresetV01, "":
		return ConfigV01(), nil
	case PresetASR1B:
		return ConfigASR1B(), nil
	default:
		return Config{}, fmt.Errorf("lm: unknown preset %q (expected %s|%s)", name, PresetV01, PresetASR1B)
	}
}
