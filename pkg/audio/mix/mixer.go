// Package mix combines up to two normalized audio streams into the single
// stream the inference engine consumes.
//
// Each stream is levelled independently against its own running RMS over a
// short trailing window before summing — a quiet microphone is never driven
// down by a loud system stream (and vice versa). The sum passes through a
// soft-knee limiter so simultaneously loud sources cannot clip.
package mix

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/loquax/pkg/audio"
)

// ErrMisaligned is returned by [Mixer.Mix] when the two input chunks are
// further apart in capture time than the configured tolerance. The streams
// are desynchronized; the session must abort rather than mix unrelated audio.
var ErrMisaligned = errors.New("mix: chunks misaligned beyond tolerance")

// Defaults applied by [NewMixer] for zero-valued config fields.
const (
	// DefaultTargetRMS is the level each stream is normalised to before
	// summing. 0.1 ≈ -20 dBFS: loud enough for the engine with headroom.
	DefaultTargetRMS = 0.1

	// DefaultNoiseFloor is the RMS below which a stream is treated as
	// silence and passed through with unit gain, so the noise floor is
	// never amplified toward the target level.
	DefaultNoiseFloor = 1e-4

	// DefaultRMSWindow is the trailing window the per-stream RMS estimate
	// covers.
	DefaultRMSWindow = 2 * time.Second

	// DefaultMaxSkew is the capture-time skew tolerated between the two
	// streams of one time slice.
	DefaultMaxSkew = 200 * time.Millisecond

	// DefaultLimiterKnee is the amplitude where the output limiter starts
	// compressing. Samples below the knee pass through unchanged.
	DefaultLimiterKnee = 0.8
)

// Config tunes a [Mixer]. Zero values take the package defaults.
type Config struct {
	TargetRMS   float64
	NoiseFloor  float64
	RMSWindow   time.Duration
	MaxSkew     time.Duration
	LimiterKnee float64
}

func (c Config) withDefaults() Config {
	if c.TargetRMS == 0 {
		c.TargetRMS = DefaultTargetRMS
	}
	if c.NoiseFloor == 0 {
		c.NoiseFloor = DefaultNoiseFloor
	}
	if c.RMSWindow == 0 {
		c.RMSWindow = DefaultRMSWindow
	}
	if c.MaxSkew == 0 {
		c.MaxSkew = DefaultMaxSkew
	}
	if c.LimiterKnee == 0 {
		c.LimiterKnee = DefaultLimiterKnee
	}
	return c
}

// Mixer levels and combines the chunks of one session. It carries the two
// per-stream RMS estimators, so create one Mixer per session and feed it
// aligned time slices in capture order. Not safe for concurrent use.
type Mixer struct {
	cfg Config
	a   *leveler
	b   *leveler
}

// NewMixer creates a Mixer with the given config; zero fields take defaults.
func NewMixer(cfg Config) *Mixer {
	cfg = cfg.withDefaults()
	windowSamples := int(cfg.RMSWindow.Seconds() * float64(audio.TargetRate))
	return &Mixer{
		cfg: cfg,
		a:   newLeveler(cfg, windowSamples),
		b:   newLeveler(cfg, windowSamples),
	}
}

// Mix combines two chunks covering the same time slice. The shorter buffer is
// zero-padded to the longer one. Returns [ErrMisaligned] when the chunks'
// capture times diverge beyond the configured tolerance; the caller must not
// retry with the same pair.
func (m *Mixer) Mix(a, b audio.Chunk) (audio.Chunk, error) {
	skew := a.CapturedAt.Sub(b.CapturedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > m.cfg.MaxSkew {
		return audio.Chunk{}, fmt.Errorf("%w: skew %s exceeds %s",
			ErrMisaligned, skew, m.cfg.MaxSkew)
	}

	n := len(a.Samples)
	if len(b.Samples) > n {
		n = len(b.Samples)
	}

	gainA := m.a.observe(a.Samples)
	gainB := m.b.observe(b.Samples)

	out := audio.Chunk{
		Samples:    make([]float32, n),
		Rate:       audio.TargetRate,
		Channels:   audio.TargetChannels,
		CapturedAt: later(a.CapturedAt, b.CapturedAt),
	}
	for i := range out.Samples {
		var s float64
		if i < len(a.Samples) {
			s += float64(a.Samples[i]) * gainA
		}
		if i < len(b.Samples) {
			s += float64(b.Samples[i]) * gainB
		}
		out.Samples[i] = m.limit(s)
	}
	return out, nil
}

// MixOne is the single-source path: normalization and limiting still apply,
// so session loudness does not depend on how many sources are configured.
func (m *Mixer) MixOne(a audio.Chunk) audio.Chunk {
	gain := m.a.observe(a.Samples)
	out := audio.Chunk{
		Samples:    make([]float32, len(a.Samples)),
		Rate:       audio.TargetRate,
		Channels:   audio.TargetChannels,
		CapturedAt: a.CapturedAt,
	}
	for i, s := range a.Samples {
		out.Samples[i] = m.limit(float64(s) * gain)
	}
	return out
}

// limit applies a soft-knee limiter: linear below the knee, tanh compression
// above it, bounded by ±1.
func (m *Mixer) limit(s float64) float32 {
	knee := m.cfg.LimiterKnee
	abs := math.Abs(s)
	if abs <= knee {
		return float32(s)
	}
	compressed := knee + (1-knee)*math.Tanh((abs-knee)/(1-knee))
	return float32(math.Copysign(compressed, s))
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// leveler tracks one stream's RMS over a trailing sample window and derives
// the gain that brings it to the target level.
type leveler struct {
	target     float64
	noiseFloor float64
	maxSamples int

	entries []rmsEntry // oldest first
	sumSq   float64
	samples int
}

type rmsEntry struct {
	sumSq float64
	n     int
}

func newLeveler(cfg Config, windowSamples int) *leveler {
	return &leveler{
		target:     cfg.TargetRMS,
		noiseFloor: cfg.NoiseFloor,
		maxSamples: windowSamples,
	}
}

// observe folds the chunk into the trailing window and returns the gain to
// apply to it. Streams at or below the noise floor get unit gain.
func (l *leveler) observe(samples []float32) float64 {
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	l.entries = append(l.entries, rmsEntry{sumSq: sumSq, n: len(samples)})
	l.sumSq += sumSq
	l.samples += len(samples)

	// Evict whole chunks that no longer fit the window, always keeping the
	// newest entry.
	for len(l.entries) > 1 && l.samples-l.entries[0].n >= l.maxSamples {
		l.sumSq -= l.entries[0].sumSq
		l.samples -= l.entries[0].n
		l.entries = l.entries[1:]
	}
	if l.sumSq < 0 {
		// Float drift from repeated subtraction.
		l.sumSq = 0
	}

	if l.samples == 0 {
		return 1
	}
	rms := math.Sqrt(l.sumSq / float64(l.samples))
	if rms <= l.noiseFloor {
		return 1
	}
	return l.target / rms
}
