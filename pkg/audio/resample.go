package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrInvalidFormat is returned by [NewResampler] for a non-positive sample
// rate or channel count.
var ErrInvalidFormat = errors.New("audio: invalid format")

// Resampler converts chunks from one fixed source format to [TargetRate] Hz
// mono. Multi-channel input is downmixed by averaging channels, then the rate
// is converted by linear interpolation.
//
// The conversion is pure apart from a small rolling tail: the final source
// samples of each chunk are carried into the next call so interpolation is
// continuous across chunk boundaries and the output sample count tracks the
// input duration exactly over a stream (no per-chunk truncation drift).
//
// Create one Resampler per source; not safe for concurrent use.
type Resampler struct {
	srcRate  int
	channels int
	step     float64 // source samples consumed per output sample

	tail []float32 // mono source samples not yet fully consumed
	pos  float64   // fractional read position into tail + next input

	warnedRagged sync.Once
}

// NewResampler creates a Resampler for a source producing srcRate Hz audio
// with the given interleaved channel count.
func NewResampler(srcRate, channels int) (*Resampler, error) {
	if srcRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, srcRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidFormat, channels)
	}
	return &Resampler{
		srcRate:  srcRate,
		channels: channels,
		step:     float64(srcRate) / float64(TargetRate),
	}, nil
}

// Process converts one chunk to 16 kHz mono. The returned chunk keeps the
// input's CapturedAt. The output may be empty when the input is too short to
// produce a full output sample; the remainder is carried into the next call.
func (r *Resampler) Process(in Chunk) Chunk {
	mono := r.downmix(in.Samples)

	out := Chunk{
		Rate:       TargetRate,
		Channels:   TargetChannels,
		CapturedAt: in.CapturedAt,
	}

	if r.srcRate == TargetRate {
		out.Samples = clamp(mono)
		return out
	}

	buf := mono
	if len(r.tail) > 0 {
		buf = make([]float32, 0, len(r.tail)+len(mono))
		buf = append(buf, r.tail...)
		buf = append(buf, mono...)
	}

	// Emit while both interpolation neighbours exist. The final source
	// sample waits for its successor in the next chunk.
	samples := make([]float32, 0, int(float64(len(buf))/r.step)+1)
	for int(r.pos)+1 < len(buf) {
		idx := int(r.pos)
		frac := float32(r.pos - float64(idx))
		s := buf[idx]*(1-frac) + buf[idx+1]*frac
		samples = append(samples, clampSample(s))
		r.pos += r.step
	}

	// Carry the unconsumed suffix; rebase pos onto the carried slice.
	idx := int(r.pos)
	if idx > len(buf) {
		idx = len(buf)
	}
	r.tail = append(r.tail[:0], buf[idx:]...)
	r.pos -= float64(idx)

	out.Samples = samples
	return out
}

// Flush emits the carried tail using last-sample hold and resets the rolling
// state. Call once when the source ends; the result is at most a few samples.
func (r *Resampler) Flush() Chunk {
	out := Chunk{Rate: TargetRate, Channels: TargetChannels, CapturedAt: time.Now()}
	if r.srcRate == TargetRate || len(r.tail) == 0 {
		r.reset()
		return out
	}

	buf := r.tail
	last := buf[len(buf)-1]
	var samples []float32
	for r.pos < float64(len(buf)) {
		idx := int(r.pos)
		frac := float32(r.pos - float64(idx))
		s1 := last
		if idx+1 < len(buf) {
			s1 = buf[idx+1]
		}
		s := buf[idx]*(1-frac) + s1*frac
		samples = append(samples, clampSample(s))
		r.pos += r.step
	}

	r.reset()
	out.Samples = samples
	return out
}

func (r *Resampler) reset() {
	r.tail = nil
	r.pos = 0
}

// downmix averages interleaved channels into mono. Ragged trailing samples
// (input not divisible by the channel count) are dropped with a one-time
// warning.
func (r *Resampler) downmix(samples []float32) []float32 {
	if r.channels == 1 {
		return samples
	}
	if rem := len(samples) % r.channels; rem != 0 {
		r.warnedRagged.Do(func() {
			slog.Warn("resampler: dropping ragged trailing samples",
				"samples", len(samples),
				"channels", r.channels,
			)
		})
		samples = samples[:len(samples)-rem]
	}

	frames := len(samples) / r.channels
	mono := make([]float32, frames)
	inv := 1 / float32(r.channels)
	for i := range frames {
		var sum float32
		for ch := range r.channels {
			sum += samples[i*r.channels+ch]
		}
		mono[i] = sum * inv
	}
	return mono
}

func clamp(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = clampSample(s)
	}
	return out
}

func clampSample(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
