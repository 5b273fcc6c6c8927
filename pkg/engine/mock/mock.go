// Package mock provides a test double for the engine.Engine interface.
//
// Use Engine to return pre-canned segments without a loaded model and to
// verify which windows were submitted for inference.
//
// Example:
//
//	e := &mock.Engine{
//	    Result: []types.Segment{{End: time.Second, Text: "hello"}},
//	}
//	segs, _ := e.Transcribe(ctx, window)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/loquax/pkg/engine"
	"github.com/MrWong99/loquax/pkg/types"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Samples is a copy of the window passed to Transcribe.
	Samples []float32
}

// Response is one scripted Transcribe outcome.
type Response struct {
	Segments []types.Segment
	Err      error
}

// Engine is a mock implementation of engine.Engine.
type Engine struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Queue is consumed one Response per Transcribe call, in order. Once
	// drained, Result and Err apply.
	Queue []Response

	// Result is returned by Transcribe when Queue is empty.
	Result []types.Segment

	// Err, if non-nil, is returned as the error from Transcribe when Queue
	// is empty.
	Err error

	// Delay, if positive, makes each Transcribe call block that long or
	// until its context expires. Lets tests exercise queue backpressure.
	Delay time.Duration

	// CloseErr is returned by Close.
	CloseErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the next scripted Response, or
// Result and Err once the queue is drained. A context expiring during a
// configured Delay returns the context's error.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) ([]types.Segment, error) {
	e.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	e.TranscribeCalls = append(e.TranscribeCalls, TranscribeCall{Ctx: ctx, Samples: cp})

	resp := Response{Segments: e.Result, Err: e.Err}
	if len(e.Queue) > 0 {
		resp = e.Queue[0]
		e.Queue = e.Queue[1:]
	}
	delay := e.Delay
	e.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Segments, nil
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// Calls returns a snapshot of the recorded Transcribe calls. Thread-safe.
func (e *Engine) Calls() []TranscribeCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TranscribeCall, len(e.TranscribeCalls))
	copy(out, e.TranscribeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TranscribeCalls = nil
	e.CloseCallCount = 0
}

// Ensure Engine implements engine.Engine at compile time.
var _ engine.Engine = (*Engine)(nil)
