package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/audio/capture"
)

// workerChanDepth bounds each worker's output channel. Device periods are
// tens of milliseconds, so a handful of buffered chunks absorbs scheduling
// jitter while keeping backpressure tight.
const workerChanDepth = 8

// worker runs the blocking read loop for one capture source and resamples
// every chunk to 16 kHz mono before handing it to the mix loop.
//
// Lifecycle: the controller creates the worker around an open source, runs
// run on a fresh goroutine, and later calls requestStop followed by join.
// The out channel closes when the loop exits; err reports why when the exit
// was not requested.
type worker struct {
	kind      capture.Kind
	source    capture.Source
	resampler *audio.Resampler
	metrics   *observe.Metrics

	out  chan audio.Chunk
	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	readErr error
}

// newWorker wraps an open source. It fails only when the source reports a
// format the resampler rejects.
func newWorker(kind capture.Kind, source capture.Source, metrics *observe.Metrics) (*worker, error) {
	rate, channels := source.Format()
	rs, err := audio.NewResampler(rate, channels)
	if err != nil {
		return nil, err
	}
	return &worker{
		kind:      kind,
		source:    source,
		resampler: rs,
		metrics:   metrics,
		out:       make(chan audio.Chunk, workerChanDepth),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// run reads from the device until stopped, the source closes, or a read
// fails. Overflows are not fatal: the lost period is counted and logged as a
// gap and the loop keeps reading.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.out)
	defer w.source.Close()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		chunk, err := w.source.Read()
		switch {
		case err == nil:
			res := w.resampler.Process(chunk)
			if len(res.Samples) == 0 {
				continue
			}
			select {
			case w.out <- res:
			case <-w.stop:
				return
			}
		case errors.Is(err, capture.ErrOverflow):
			w.metrics.RecordOverflow(ctx, w.kind.String())
			slog.Warn("session: capture overflow, audio period lost",
				"source", w.kind.String())
		case errors.Is(err, capture.ErrClosed):
			return
		default:
			w.setErr(err)
			return
		}
	}
}

// requestStop asks the loop to exit. The source is closed here too so a read
// blocked on a quiet device returns instead of waiting for its next period.
// Idempotent.
func (w *worker) requestStop() {
	w.once.Do(func() {
		close(w.stop)
		w.source.Close()
	})
}

// join blocks until the read loop has fully exited.
func (w *worker) join() {
	<-w.done
}

// err returns the read error that killed the loop, or nil for a requested
// stop. Settled once out is closed.
func (w *worker) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readErr
}

func (w *worker) setErr(err error) {
	w.mu.Lock()
	w.readErr = err
	w.mu.Unlock()
}
