package lm

import (
	"errors"
	"testing"

	"github.com/example/go-moshi/internal/nn"
	"github.com/example/go-moshi/internal/perf"
)

func runGenerator(t *testing.T, g *Generator, frames [][]int) (texts []int, audio [][]int) {
	t.Helper()

	for i, f := range frames {
		tok, _, err := g.Step(f)
		if err != nil {
			t.Fatalf("Step(%d): %v", i, err)
		}

		texts = append(texts, tok)

		if a, ok := g.LastAudioTokens(); ok {
			audio = append(audio, a)
		}
	}

	return texts, audio
}

func TestGeneratorStateMachine(t *testing.T) {
	cfg := tinyConfig()
	g := NewGenerator(buildTiny(t, cfg), DefaultGenConfig())

	if g.State() != StateIdle {
		t.Fatalf("State() = %v, want idle", g.State())
	}

	if _, _, err := g.Step([]int{0, 0}); !errors.Is(err, ErrNotWarmed) {
		t.Fatalf("Step before Reset = %v, want ErrNotWarmed", err)
	}

	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if g.State() != StateWarmed || g.Count() != 0 {
		t.Fatalf("after Reset state=%v count=%d, want warmed/0", g.State(), g.Count())
	}

	if _, _, err := g.Step([]int{0}); err == nil {
		t.Fatal("expected error for wrong user codebook count")
	}

	if g.Count() != 0 {
		t.Fatal("failed Step advanced the counter")
	}

	if _, _, err := g.Step([]int{1, 2}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if g.State() != StateRunning || g.Count() != 1 {
		t.Fatalf("after Step state=%v count=%d, want running/1", g.State(), g.Count())
	}

	g.Stop()

	if _, _, err := g.Step([]int{1, 2}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Step after Stop = %v, want ErrStopped", err)
	}

	if err := g.Reset(); err != nil {
		t.Fatalf("Reset after Stop: %v", err)
	}

	if g.State() != StateWarmed {
		t.Fatalf("State() = %v, want warmed", g.State())
	}
}

func TestGeneratorDeterministic(t *testing.T) {
	cfg := tinyConfig()
	frames := userFrames(12, cfg.UserCodebooks(), cfg.AudioVocab)

	run := func(g *Generator) ([]int, [][]int) {
		if err := g.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}

		return runGenerator(t, g, frames)
	}

	g1 := NewGenerator(buildTiny(t, cfg), DefaultGenConfig())
	g2 := NewGenerator(buildTiny(t, cfg), DefaultGenConfig())

	text1, audio1 := run(g1)
	text2, audio2 := run(g2)
	text3, audio3 := run(g1)

	for i := range text1 {
		if text1[i] != text2[i] || text1[i] != text3[i] {
			t.Fatalf("text step %d = %d/%d/%d, want equal", i, text1[i], text2[i], text3[i])
		}
	}

	if len(audio1) != len(audio2) || len(audio1) != len(audio3) {
		t.Fatalf("audio frames = %d/%d/%d, want equal", len(audio1), len(audio2), len(audio3))
	}

	for i := range audio1 {
		for j := range audio1[i] {
			if audio1[i][j] != audio2[i][j] || audio1[i][j] != audio3[i][j] {
				t.Fatalf("audio frame %d = %v/%v/%v, want equal", i, audio1[i], audio2[i], audio3[i])
			}
		}
	}
}

func TestGeneratorLastAudioTokens(t *testing.T) {
	cfg := tinyConfig()
	g := NewGenerator(buildTiny(t, cfg), DefaultGenConfig())

	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, ok := g.LastAudioTokens(); ok {
		t.Fatal("LastAudioTokens before any step reported ok")
	}

	frames := userFrames(6, cfg.UserCodebooks(), cfg.AudioVocab)

	if _, _, err := g.Step(frames[0]); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// Frame 0 of the undelayed codebook is never generated.
	if _, ok := g.LastAudioTokens(); ok {
		t.Fatal("LastAudioTokens after one step reported ok")
	}

	for i := 1; i < len(frames); i++ {
		if _, _, err := g.Step(frames[i]); err != nil {
			t.Fatalf("Step(%d): %v", i, err)
		}

		got, ok := g.LastAudioTokens()
		if !ok {
			t.Fatalf("step %d: LastAudioTokens not ready", i)
		}

		if len(got) != cfg.GeneratedCodebooks() {
			t.Fatalf("len = %d, want %d", len(got), cfg.GeneratedCodebooks())
		}

		for _, tok := range got {
			if tok == cfg.AudioPadToken() {
				t.Fatalf("step %d: padding in aligned frame %v", i, got)
			}
		}
	}
}

func TestGeneratorTextDelay(t *testing.T) {
	cfg := tinyConfig()
	gc := DefaultGenConfig()
	gc.TextDelay = 3
	gc.TextTemperature = 0

	g := NewGenerator(buildTiny(t, cfg), gc)
	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	for i, f := range userFrames(6, cfg.UserCodebooks(), cfg.AudioVocab) {
		tok, ok, err := g.Step(f)
		if err != nil {
			t.Fatalf("Step(%d): %v", i, err)
		}

		if i < gc.TextDelay && ok {
			t.Fatalf("step %d reported text %d inside the delay", i, tok)
		}

		if ok && (tok == textPadToken || tok == textSkipToken) {
			t.Fatalf("step %d reported filler token %d", i, tok)
		}
	}
}

func TestGeneratorFillerTokensNotReported(t *testing.T) {
	cfg := tinyConfig()
	w := tinyWeights(t, cfg)
	w.Fill("text_linear.weight", 0, int64(cfg.TextOutVocab), int64(cfg.Transformer.DModel))

	m, err := New(w.Builder(nn.LayoutMLX), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	gc := DefaultGenConfig()
	gc.TextTemperature = 0

	g := NewGenerator(m, gc)
	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	for i, f := range userFrames(4, cfg.UserCodebooks(), cfg.AudioVocab) {
		tok, ok, err := g.Step(f)
		if err != nil {
			t.Fatalf("Step(%d): %v", i, err)
		}

		if tok != textPadToken || ok {
			t.Fatalf("Step(%d) = %d, %v; want pad token, not ok", i, tok, ok)
		}
	}
}

func TestGeneratorStepHook(t *testing.T) {
	cfg := tinyConfig()
	rec := perf.NewRecorder()
	m := buildTiny(t, cfg, WithHook(rec.Hook()))

	g := NewGenerator(m, DefaultGenConfig())
	g.SetHook(rec.Hook())

	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, _, err := g.Step([]int{0, 1}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := []perf.EventKind{perf.BeginStep, perf.BeginDepformer, perf.EndDepformer, perf.EndStep}

	events := rec.Events()
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}

	for i, e := range events {
		if e.Kind != want[i] {
			t.Fatalf("event %d = %v, want %v", i, e.Kind, want[i])
		}
	}
}

func TestGeneratorDelayLineAlignment(t *testing.T) {
	cfg := tinyConfig()
	cfg.AudioVocab = 64
	cfg.AudioDelays = []int{0, 2, 1, 0}

	g := NewGenerator(buildTiny(t, cfg), DefaultGenConfig())
	gen := cfg.GeneratedCodebooks()
	pad := cfg.AudioPadToken()

	// committed[t][cb] is the token stored for frame t; -1 means none.
	var committed [][]int
	at := func(t int) []int {
		for len(committed) <= t {
			f := make([]int, cfg.AudioCodebooks)
			for i := range f {
				f[i] = -1
			}

			committed = append(committed, f)
		}

		return committed[t]
	}

	var inputs [][]int

	g.observe = func(cnt int, in, generated []int) {
		inputs = append(inputs, append([]int(nil), in...))

		for i, tok := range generated {
			if t := cnt + 1 - cfg.AudioDelays[i]; t >= 0 {
				at(t)[i] = tok
			}
		}
	}

	if err := g.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	const steps = 8

	for cnt := range steps {
		user := []int{(cnt*7 + 1) % pad, (cnt*11 + 5) % pad}
		for j, tok := range user {
			at(cnt)[gen+j] = tok
		}

		if _, _, err := g.Step(user); err != nil {
			t.Fatalf("Step(%d): %v", cnt, err)
		}
	}

	if len(inputs) != steps {
		t.Fatalf("observed %d steps, want %d", len(inputs), steps)
	}

	for cnt, in := range inputs {
		for cb, d := range cfg.AudioDelays {
			want := pad
			if cnt >= d {
				if tok := at(cnt - d)[cb]; tok >= 0 {
					want = tok
				} else if cb >= gen || cnt > 0 {
					t.Fatalf("step %d codebook %d: frame %d was never committed", cnt, cb, cnt-d)
				}
			}

			if in[cb] != want {
				t.Fatalf("step %d codebook %d (delay %d) input = %d, want %d", cnt, cb, d, in[cb], want)
			}
		}
	}
}
