// Package audio provides the PCM building blocks of the capture pipeline:
// the [Chunk] transport type and the rate/channel [Resampler] that converts
// arbitrary device formats to the 16 kHz mono float32 the inference engine
// expects.
package audio

import "time"

// Target format every stream is converted to before mixing and inference.
// Whisper-family models consume 16 kHz mono.
const (
	TargetRate     = 16000
	TargetChannels = 1
)

// Chunk is one contiguous run of PCM samples flowing through the pipeline.
// Multi-channel data is interleaved (frame = one sample per channel). A chunk
// is immutable once created; each stage consumes its input and produces a new
// chunk rather than mutating shared buffers.
type Chunk struct {
	// Samples holds interleaved float32 PCM in [-1, 1].
	Samples []float32

	// Rate is the sample rate in Hz.
	Rate int

	// Channels is the interleaved channel count (1 = mono).
	Channels int

	// CapturedAt is the wall-clock time the first frame was read from the
	// device. Used by the mixer to detect source desynchronization.
	CapturedAt time.Time
}

// Frames returns the number of sample frames (samples per channel).
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.Rate <= 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.Rate)
}

// Drain reads from ch until the channel is closed, discarding all values.
// Teardown uses this to release producers blocked on a full channel without
// processing the remaining audio.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
