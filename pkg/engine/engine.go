// Package engine defines the inference boundary of the transcription
// pipeline.
//
// An Engine is a blocking batch function: 16 kHz mono float32 audio in,
// ordered timed segments out. It retains no state across calls beyond the
// loaded model — session offset accounting is the pipeline's job. Backends
// live in subpackages (engine/whisper for the whisper.cpp bindings,
// engine/openai for the hosted API, engine/mock for tests); [Fallback]
// chains two backends.
package engine

import (
	"context"

	"github.com/MrWong99/loquax/pkg/types"
)

// Engine transcribes one audio window per call.
//
// Implementations must be safe for sequential reuse across sessions; the
// pipeline serializes calls (one window in flight at a time), so
// implementations need not support concurrent Transcribe invocations.
type Engine interface {
	// Transcribe runs blocking batch inference over a 16 kHz mono float32
	// window and returns its segments in order. Segment offsets are
	// relative to the start of the window. An empty window or a window
	// without speech yields an empty slice and no error.
	Transcribe(ctx context.Context, samples []float32) ([]types.Segment, error)

	// Close releases the backend's resources (model memory, connections).
	Close() error
}
