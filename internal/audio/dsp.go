package audio

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// Downmix averages interleaved channels into mono. Mono input is returned
// as is; a trailing partial frame is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}

	out := make([]float32, len(samples)/channels)
	inv := 1 / float32(channels)

	for i := range out {
		var acc float32
		for c := range channels {
			acc += samples[i*channels+c]
		}

		out[i] = acc * inv
	}

	return out
}

// SelectChannel extracts channel ch from interleaved samples. A negative ch
// averages all channels like Downmix.
func SelectChannel(samples []float32, channels, ch int) ([]float32, error) {
	if ch < 0 {
		return Downmix(samples, channels), nil
	}

	if ch >= max(channels, 1) {
		return nil, fmt.Errorf("audio: channel %d out of range for %d channel(s)", ch, channels)
	}

	if channels <= 1 {
		return samples, nil
	}

	out := make([]float32, len(samples)/channels)
	for i := range out {
		out[i] = samples[i*channels+ch]
	}

	return out, nil
}

// Resampler is a streaming band-limited sample-rate converter backed by a
// polyphase FIR. Equal rates pass samples through untouched.
type Resampler struct {
	from, to int
	fir      *resample.Resampler
	in       []float64
}

// NewResampler converts mono audio from one rate to another.
func NewResampler(from, to int) (*Resampler, error) {
	r := &Resampler{from: from, to: to}
	if from == to && from > 0 {
		return r, nil
	}

	fir, err := resample.NewForRates(float64(from), float64(to))
	if err != nil {
		return nil, fmt.Errorf("audio: resampler %d->%d Hz: %w", from, to, err)
	}

	r.fir = fir

	return r, nil
}

// Process converts the next piece of the stream. The filter carries its
// history across calls, so feeding a signal in pieces gives the same output
// as feeding it whole.
func (r *Resampler) Process(in []float32) []float32 {
	if r.fir == nil {
		return in
	}

	if len(in) == 0 {
		return nil
	}

	r.in = r.in[:0]
	for _, v := range in {
		r.in = append(r.in, float64(v))
	}

	y := r.fir.Process(r.in)
	out := make([]float32, len(y))

	for i, v := range y {
		out[i] = float32(v)
	}

	return out
}

// Delay is the filter's group delay in output samples.
func (r *Resampler) Delay() int {
	if r.fir == nil {
		return 0
	}

	_, down := r.fir.Ratio()

	return (len(r.fir.Prototype()) - 1) / (2 * down)
}

// Reset forgets the filter history.
func (r *Resampler) Reset() {
	if r.fir != nil {
		r.fir.Reset()
	}
}

// Resample converts a whole mono signal. The filter delay is compensated, so
// output sample i lines up with input time i*from/to.
func Resample(samples []float32, from, to int) ([]float32, error) {
	r, err := NewResampler(from, to)
	if err != nil {
		return nil, err
	}

	if r.fir == nil || len(samples) == 0 {
		return samples, nil
	}

	want := r.fir.PredictOutputLen(len(samples))
	out := r.Process(samples)

	delay := r.Delay()
	if delay == 0 {
		return out, nil
	}

	up, down := r.fir.Ratio()
	out = append(out, r.Process(make([]float32, (delay*down+up-1)/up+1))...)

	return out[delay:min(delay+want, len(out))], nil
}
