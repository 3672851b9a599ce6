package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/config"
	"github.com/example/go-moshi/internal/lm"
	"github.com/example/go-moshi/internal/mimi"
	"github.com/example/go-moshi/internal/perf"
	"github.com/example/go-moshi/internal/runtime/tensor"
)

// swapHook forwards stage events to whichever hook is currently installed,
// so models built once can be traced per run.
type swapHook struct {
	cur atomic.Pointer[perf.Hook]
}

func (s *swapHook) Set(h perf.Hook) { s.cur.Store(&h) }

func (s *swapHook) Hook() perf.Hook {
	return func(k perf.EventKind) {
		if h := s.cur.Load(); h != nil {
			h.Emit(k)
		}
	}
}

// stack is the loaded codec and language model for one command.
type stack struct {
	cfg     config.Config
	codec   *mimi.Mimi
	model   *lm.LM
	vocab   lm.Vocab
	hook    swapHook
	closers []func() error
}

func mimiConfig(cfg config.Config) mimi.Config {
	return mimi.DefaultConfig().WithCodebooks(cfg.Mimi.NumCodebooks)
}

// genConfig maps the lm config section onto the generation loop. Text-only
// presets get the ASR text delay unless one is configured.
func genConfig(cfg config.Config, lmCfg lm.Config) lm.GenConfig {
	g := lm.GenConfig{
		TextDelay:        cfg.LM.TextDelay,
		TextTemperature:  cfg.LM.TextTemperature,
		TextTopP:         cfg.LM.TextTopP,
		AudioTemperature: cfg.LM.AudioTemperature,
		AudioTopP:        cfg.LM.AudioTopP,
		Seed:             cfg.LM.Seed,
	}
	if g.TextDelay == 0 && lmCfg.GeneratedCodebooks() == 0 {
		g.TextDelay = lm.DefaultASRDelay
	}
	return g
}

// lmConfig resolves the preset and applies lm.audio_delay.
func lmConfig(cfg config.Config) (lm.Config, error) {
	lmCfg, err := lm.Preset(cfg.LM.Preset)
	if err != nil {
		return lm.Config{}, err
	}

	if cfg.LM.AudioDelay > 0 {
		lmCfg = lmCfg.WithAudioDelay(cfg.LM.AudioDelay)
	}

	return lmCfg, nil
}

// loadCodec opens only the Mimi checkpoint.
func loadCodec(cfg config.Config) (*stack, error) {
	s := &stack{cfg: cfg}

	codec, closeFn, err := mimi.Load(cfg.Paths.MimiWeights, mimiConfig(cfg), mimi.WithHook(s.hook.Hook()))
	if err != nil {
		return nil, err
	}
	s.codec = codec
	s.closers = append(s.closers, closeFn)

	slog.Info("mimi loaded", "path", cfg.Paths.MimiWeights, "codebooks", codec.NumCodebooks(), "cpu", tensor.CPUSummary())

	return s, nil
}

// loadStack opens Mimi, the language model and, when configured, the vocab.
func loadStack(cfg config.Config) (*stack, error) {
	s, err := loadCodec(cfg)
	if err != nil {
		return nil, err
	}

	lmCfg, err := lmConfig(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	if need := lmCfg.UserCodebooks(); s.codec.NumCodebooks() < need {
		_ = s.Close()
		return nil, fmt.Errorf("mimi has %d codebooks, lm preset %q needs %d", s.codec.NumCodebooks(), cfg.LM.Preset, need)
	}

	model, closeFn, err := lm.Load(cfg.Paths.LMWeights, lmCfg, lm.WithHook(s.hook.Hook()))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.model = model
	s.closers = append(s.closers, closeFn)

	if cfg.Paths.Vocab != "" {
		if s.vocab, err = lm.LoadVocab(cfg.Paths.Vocab); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	slog.Info("lm loaded", "path", cfg.Paths.LMWeights, "preset", cfg.LM.Preset, "vocab", len(s.vocab))

	return s, nil
}

func (s *stack) newGenerator() *lm.Generator {
	g := lm.NewGenerator(s.model, genConfig(s.cfg, s.model.Config()))
	g.SetHook(s.hook.Hook())
	return g
}

func (s *stack) Close() error {
	var errs []error
	for _, c := range s.closers {
		if c != nil {
			errs = append(errs, c())
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// readInputWAV decodes any PCM WAV into 24 kHz mono samples, keeping input
// channel ch (negative averages); "-" reads stdin.
func readInputWAV(path string, ch int, stdin io.Reader) ([]float32, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	return audio.LoadChannel(data, ch)
}

// writeOutputWAV encodes samples as a 24 kHz WAV; "-" writes to stdout.
func writeOutputWAV(path string, samples []float32, stdout io.Writer) error {
	wavData, err := audio.EncodeWAV(samples)
	if err != nil {
		return err
	}
	if path == "-" {
		if stdout == nil {
			return fmt.Errorf("stdout writer is nil")
		}
		_, err := stdout.Write(wavData)
		return err
	}
	return os.WriteFile(path, wavData, 0o644)
}

// chunks splits pcm into pieces of at most size samples.
func chunks(pcm []float32, size int) [][]float32 {
	if size <= 0 {
		size = len(pcm)
	}
	var out [][]float32
	for start := 0; start < len(pcm); start += size {
		end := min(start+size, len(pcm))
		out = append(out, pcm[start:end])
	}
	return out
}
