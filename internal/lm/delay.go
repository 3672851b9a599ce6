package lm

import "fmt"

const unset = -1

// DelayLine holds tokens by audio frame for every codebook. Codebook i is
// read d_i frames late: at step cnt the model consumes frame cnt-d_i, or the
// padding token while that frame does not exist yet. Frames are kept until
// Trim drops them, so memory stays bounded by the largest delay.
type DelayLine struct {
	delays []int
	pad    int
	base   int
	frames [][]int
}

func NewDelayLine(delays []int, pad int) *DelayLine {
	return &DelayLine{delays: append([]int(nil), delays...), pad: pad}
}

func (d *DelayLine) Codebooks() int { return len(d.delays) }

func (d *DelayLine) Pad() int { return d.pad }

// Reset drops every frame.
func (d *DelayLine) Reset() {
	d.base = 0
	d.frames = d.frames[:0]
}

func (d *DelayLine) frame(t int, grow bool) []int {
	if t < d.base {
		return nil
	}

	idx := t - d.base
	for grow && idx >= len(d.frames) {
		f := make([]int, len(d.delays))
		for i := range f {
			f[i] = unset
		}

		d.frames = append(d.frames, f)
	}

	if idx >= len(d.frames) {
		return nil
	}

	return d.frames[idx]
}

// Set stores tok for codebook cb at frame t.
func (d *DelayLine) Set(cb, t, tok int) error {
	if cb < 0 || cb >= len(d.delays) {
		return fmt.Errorf("lm: codebook %d out of range [0, %d)", cb, len(d.delays))
	}

	f := d.frame(t, true)
	if f == nil {
		return fmt.Errorf("lm: frame %d already trimmed (base %d)", t, d.base)
	}

	f[cb] = tok

	return nil
}

// Commit stores a whole frame; negative entries are left untouched.
func (d *DelayLine) Commit(t int, frame []int) error {
	if len(frame) != len(d.delays) {
		return fmt.Errorf("lm: frame has %d codebooks, want %d", len(frame), len(d.delays))
	}

	for cb, tok := range frame {
		if tok < 0 {
			continue
		}

		if err := d.Set(cb, t, tok); err != nil {
			return err
		}
	}

	return nil
}

// Input returns the token codebook cb contributes at step cnt.
func (d *DelayLine) Input(cb, cnt int) int {
	t := cnt - d.delays[cb]
	if t < 0 {
		return d.pad
	}

	f := d.frame(t, false)
	if f == nil || f[cb] == unset {
		return d.pad
	}

	return f[cb]
}

// Inputs returns Input for every codebook.
func (d *DelayLine) Inputs(cnt int) []int {
	out := make([]int, len(d.delays))
	for cb := range out {
		out[cb] = d.Input(cb, cnt)
	}

	return out
}

// Aligned returns the first n codebooks of frame t, undelayed. ok is false
// when any of them is missing or padding.
func (d *DelayLine) Aligned(t, n int) ([]int, bool) {
	n = min(n, len(d.delays))

	f := d.frame(t, false)
	if f == nil {
		return nil, false
	}

	out := append([]int(nil), f[:n]...)
	for _, tok := range out {
		if tok == unset || tok == d.pad {
			return nil, false
		}
	}

	return out, true
}

// Trim drops frames before t.
func (d *DelayLine) Trim(t int) {
	drop := min(t-d.base, len(d.frames))
	if drop <= 0 {
		return
	}

	n := copy(d.frames, d.frames[drop:])
	clear(d.frames[n:])
	d.frames = d.frames[:n]
	d.base += drop

	if len(d.frames) == 0 {
		d.base = t
	}
}
