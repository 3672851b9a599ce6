package lm

import (
	"errors"
	"fmt"

	"github.com/example/go-moshi/internal/perf"
)

var (
	// ErrNotWarmed is returned by Step before the first Reset.
	ErrNotWarmed = errors.New("lm: generator not warmed up")
	// ErrStopped is returned by Step after Stop.
	ErrStopped = errors.New("lm: generator stopped")
)

// State is the lifecycle stage of a Generator.
type State int

const (
	StateIdle State = iota
	StateWarmed
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWarmed:
		return "warmed"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Text tokens that carry no transcript.
const (
	textPadToken  = 0
	textSkipToken = 3
)

// GenConfig holds the sampling parameters of a Generator.
type GenConfig struct {
	// TextDelay holds the text stream back: no text token is fed while
	// cnt <= TextDelay and no text is reported while cnt < TextDelay.
	// Zero disables it.
	TextDelay int

	TextTemperature  float64
	TextTopP         float64
	AudioTemperature float64
	AudioTopP        float64
	Seed             uint64
}

func DefaultGenConfig() GenConfig {
	return GenConfig{
		TextTemperature:  0.7,
		TextTopP:         0.95,
		AudioTemperature: 0.8,
		AudioTopP:        0.95,
		Seed:             299792458,
	}
}

// Generator drives one conversation through the model, one frame per Step.
// It is single-threaded; callers serialize Reset, Step and Stop.
type Generator struct {
	lm   *LM
	cfg  GenConfig
	line *DelayLine

	textSampler  *Sampler
	audioSampler *Sampler
	hook         perf.Hook

	state    State
	cnt      int
	prevText int

	// observe, when set, sees every committed step: the per-codebook
	// inputs the model consumed and the tokens the depformer sampled.
	observe func(cnt int, inputs, generated []int)
}

func NewGenerator(m *LM, cfg GenConfig) *Generator {
	mc := m.Config()

	return &Generator{
		lm:   m,
		cfg:  cfg,
		line: NewDelayLine(mc.AudioDelays, mc.AudioPadToken()),
	}
}

func (g *Generator) State() State { return g.state }

// Count is the number of steps taken since the last Reset.
func (g *Generator) Count() int { return g.cnt }

func (g *Generator) Config() GenConfig { return g.cfg }

// UserCodebooks is the number of tokens Step expects per frame.
func (g *Generator) UserCodebooks() int { return g.lm.Config().UserCodebooks() }

// SetHook installs a perf hook receiving BeginStep/EndStep around every
// Step that reaches the model.
func (g *Generator) SetHook(h perf.Hook) { g.hook = h }

// Reset clears the model state and runs the warm-up frame: the text init
// token with every codebook padded. The warm-up sample becomes the first
// text input.
func (g *Generator) Reset() error {
	mc := g.lm.Config()

	g.lm.ResetState()
	g.line.Reset()
	g.cnt = 0
	g.textSampler = NewSampler(g.cfg.TextTemperature, g.cfg.TextTopP, g.cfg.Seed)
	g.audioSampler = NewSampler(g.cfg.AudioTemperature, g.cfg.AudioTopP, g.cfg.Seed+1)

	pad := make([]int, mc.AudioCodebooks)
	for i := range pad {
		pad[i] = mc.AudioPadToken()
	}

	initTok := mc.TextInitToken()

	_, logits, err := g.lm.StepMain(&initTok, pad)
	if err != nil {
		g.state = StateIdle
		return fmt.Errorf("lm: warm-up: %w", err)
	}

	g.prevText = g.textSampler.Sample(logits)
	g.state = StateWarmed

	return nil
}

// Stop ends generation; Step fails with ErrStopped until the next Reset.
func (g *Generator) Stop() { g.state = StateStopped }

// Step consumes the user's tokens for this frame and returns the text token
// the model produced. ok is false for padding tokens and while the text
// stream is still held back.
func (g *Generator) Step(userAudio []int) (int, bool, error) {
	switch g.state {
	case StateIdle:
		return 0, false, ErrNotWarmed
	case StateStopped:
		return 0, false, ErrStopped
	}

	mc := g.lm.Config()
	gen := mc.GeneratedCodebooks()

	if len(userAudio) != mc.UserCodebooks() {
		return 0, false, fmt.Errorf("lm: %d user tokens, want %d", len(userAudio), mc.UserCodebooks())
	}

	g.hook.Emit(perf.BeginStep)
	defer g.hook.Emit(perf.EndStep)

	cnt := g.cnt

	inputs := g.line.Inputs(cnt)
	for j, tok := range userAudio {
		if mc.AudioDelays[gen+j] == 0 {
			inputs[gen+j] = tok
		}
	}

	var text *int
	if g.cfg.TextDelay == 0 || cnt > g.cfg.TextDelay {
		text = &g.prevText
	}

	mainOut, logits, err := g.lm.StepMain(text, inputs)
	if err != nil {
		return 0, false, err
	}

	tok := g.textSampler.Sample(logits)

	var generated []int
	if dep := g.lm.Depformer(); dep != nil {
		if generated, err = dep.Sample(mainOut, tok, cnt, g.audioSampler); err != nil {
			return 0, false, err
		}
	}

	// Commit only once every fallible call has succeeded.
	for j, ut := range userAudio {
		if err := g.line.Set(gen+j, cnt, ut); err != nil {
			return 0, false, err
		}
	}

	for i, at := range generated {
		if t := cnt + 1 - mc.AudioDelays[i]; t >= 0 {
			if err := g.line.Set(i, t, at); err != nil {
				return 0, false, err
			}
		}
	}

	if g.observe != nil {
		g.observe(cnt, inputs, generated)
	}

	g.prevText = tok
	g.cnt++
	g.state = StateRunning
	g.line.Trim(g.cnt - mc.MaxDelay())

	ok := tok != textPadToken && tok != textSkipToken && cnt >= g.cfg.TextDelay

	return tok, ok, nil
}

// LastAudioTokens returns the generated codebooks of the newest frame whose
// delayed tokens have all been produced. ok is false until such a frame
// exists or when it still holds padding.
func (g *Generator) LastAudioTokens() ([]int, bool) {
	mc := g.lm.Config()
	if mc.GeneratedCodebooks() == 0 || g.cnt == 0 {
		return nil, false
	}

	t := g.cnt - mc.MaxDelay()
	if t < 0 {
		return nil, false
	}

	return g.line.Aligned(t, mc.GeneratedCodebooks())
}
