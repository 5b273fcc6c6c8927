package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/loquax/pkg/types"
)

// ErrAllFailed is returned when every backend in a [Fallback] chain fails
// on the same window.
var ErrAllFailed = errors.New("all engines failed")

// entry pairs a backend with the name it is reported under.
type entry struct {
	name   string
	engine Engine
}

// Fallback implements [Engine] with ordered failover across backends. Each
// Transcribe call tries the primary first and walks the chain until one
// backend succeeds, so a single flaky window only surfaces an error when
// every backend failed on it.
type Fallback struct {
	entries []entry
}

// Compile-time interface assertion.
var _ Engine = (*Fallback)(nil)

// NewFallback creates a [Fallback] with primary as the preferred backend.
func NewFallback(primaryName string, primary Engine) *Fallback {
	return &Fallback{
		entries: []entry{{name: primaryName, engine: primary}},
	}
}

// AddFallback registers an additional backend. Fallbacks are tried in the
// order they are added, after the primary.
func (f *Fallback) AddFallback(name string, e Engine) {
	f.entries = append(f.entries, entry{name: name, engine: e})
}

// Transcribe tries each backend in order until one succeeds. A cancelled
// context stops the walk; failing over would re-run inference against a
// dead context.
func (f *Fallback) Transcribe(ctx context.Context, samples []float32) ([]types.Segment, error) {
	var lastErr error
	for i, e := range f.entries {
		segs, err := e.engine.Transcribe(ctx, samples)
		if err == nil {
			return segs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(f.entries) {
			slog.Warn("engine failed, trying next",
				"engine", e.name, "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// Close closes every backend in the chain and joins their errors.
func (f *Fallback) Close() error {
	var errs []error
	for _, e := range f.entries {
		if err := e.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}
