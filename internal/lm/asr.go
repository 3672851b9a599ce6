package lm

import (
	"fmt"

	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/stream"
)

// DefaultASRDelay is the text delay, in frames, of the speech-to-text
// checkpoints.
const DefaultASRDelay = 25

// Encoder turns PCM into code frames; *mimi.Mimi implements it.
type Encoder interface {
	EncodeStep(pcm stream.Chunk) ([][]int, error)
	ResetState()
}

// ASR transcribes a PCM stream. Every encoded frame advances the generator
// once and the text tokens it reports are mapped through the vocabulary.
type ASR struct {
	codec Encoder
	gen   *Generator
	vocab Vocab
}

// NewASR wires a codec and a text-only model. cfg.TextDelay is usually
// DefaultASRDelay.
func NewASR(codec Encoder, m *LM, vocab Vocab, cfg GenConfig) (*ASR, error) {
	if m.Config().GeneratedCodebooks() != 0 {
		return nil, fmt.Errorf("lm: asr needs a text-only model, got %d generated codebooks", m.Config().GeneratedCodebooks())
	}

	a := &ASR{codec: codec, gen: NewGenerator(m, cfg), vocab: vocab}
	if err := a.Reset(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *ASR) Generator() *Generator { return a.gen }

// Reset clears the codec and model state and runs the warm-up frame.
func (a *ASR) Reset() error {
	a.codec.ResetState()
	return a.gen.Reset()
}

// OnPCM feeds mono 24 kHz samples and returns the text pieces completed by
// the frames they finish. Samples that do not complete a frame are kept
// for the next call.
func (a *ASR) OnPCM(pcm []float32) ([]string, error) {
	if len(pcm) == 0 {
		return nil, nil
	}

	x, err := tensor.New(pcm, []int64{1, 1, int64(len(pcm))})
	if err != nil {
		return nil, err
	}

	frames, err := a.codec.EncodeStep(stream.Present(x))
	if err != nil {
		return nil, err
	}

	need := a.gen.lm.Config().UserCodebooks()

	var out []string

	for _, frame := range frames {
		if len(frame) < need {
			return out, fmt.Errorf("lm: codec frame has %d codebooks, model needs %d", len(frame), need)
		}

		tok, ok, err := a.gen.Step(frame[:need])
		if err != nil {
			return out, err
		}

		if !ok {
			continue
		}

		if piece, found := a.vocab.Text(tok); found {
			out = append(out, piece)
		}
	}

	return out, nil
}
