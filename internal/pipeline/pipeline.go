// Package pipeline feeds mixed capture audio through the inference engine in
// fixed windows and hands the resulting segments on with session-relative
// offsets.
//
// Audio accumulates into windows of window_seconds, with overlap_seconds of
// audio repeated between consecutive windows so words cut at a boundary are
// recoverable by the dedup stage. A bounded queue decouples capture from
// inference; when inference falls behind, the full queue blocks [Pipeline.Push]
// and the backpressure propagates to the mixer and capture workers. One
// goroutine transcribes windows strictly in order, so offsets are monotonic
// and dedup always compares adjacent windows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/internal/transcript"
	"github.com/MrWong99/loquax/pkg/audio"
	"github.com/MrWong99/loquax/pkg/engine"
	"github.com/MrWong99/loquax/pkg/types"
)

// maxConsecutiveFailures is how many windows may fail inference in a row
// before the session is declared dead. A single failure only costs that
// window's audio.
const maxConsecutiveFailures = 3

// flushThreshold is the minimum partial-window length worth transcribing at
// session stop. A shorter remainder is mostly the carried overlap, which the
// previous window already covered.
const flushThreshold = time.Second

// Defaults for zero [Config] fields, matching whisper's 30 s native context.
const (
	DefaultWindow     = 30 * time.Second
	DefaultOverlap    = time.Second
	DefaultQueueDepth = 4
)

// EmitFunc receives each window's deduplicated segments, offsets relative to
// session start. Called from the inference goroutine, one batch at a time.
// A non-nil error is fatal to the session.
type EmitFunc func(segments []types.Segment) error

// Config configures a [Pipeline].
type Config struct {
	// Engine runs inference. Required.
	Engine engine.Engine

	// EngineName labels the engine in metrics and logs.
	EngineName string

	// Emit receives each window's segments. Required.
	Emit EmitFunc

	// OnFatal is called at most once when the pipeline gives up: three
	// consecutive window failures, or an Emit error. It runs on the
	// inference goroutine and must only signal (the controller's fail
	// path) and return; the teardown it triggers calls [Pipeline.Flush]
	// from another goroutine.
	OnFatal func(error)

	// Window and Overlap control window slicing. Window must exceed
	// Overlap.
	Window  time.Duration
	Overlap time.Duration

	// QueueDepth bounds the number of windows awaiting inference.
	QueueDepth int

	// Metrics overrides the default instrument set. Tests inject one
	// backed by a manual reader.
	Metrics *observe.Metrics
}

// queuedWindow is one window awaiting inference.
type queuedWindow struct {
	index   int
	samples []float32
}

// Pipeline is the window accumulator plus the ordered inference loop.
//
// Push and Flush must be called from a single goroutine: the session's mix
// loop owns Push, and teardown calls Flush after that loop has exited. The
// inference loop runs on its own goroutine between [Pipeline.Start] and the
// return of [Pipeline.Flush].
type Pipeline struct {
	engine     engine.Engine
	engineName string
	emit       EmitFunc
	onFatal    func(error)
	metrics    *observe.Metrics
	deduper    *transcript.Deduper

	window         time.Duration
	step           time.Duration
	winSamples     int
	overlapSamples int
	minFlush       int

	queue chan queuedWindow
	ctx   context.Context
	wg    sync.WaitGroup

	// Accumulator state, owned by the Push/Flush goroutine.
	buf       []float32
	nextIndex int
	flushOnce sync.Once

	// Inference-goroutine state.
	consecutive int
	failed      bool
	fatalOnce   sync.Once
}

// New validates cfg, applies defaults and returns a pipeline ready for
// [Pipeline.Start].
func New(cfg Config) (*Pipeline, error) {
	if cfg.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if cfg.Emit == nil {
		return nil, errors.New("pipeline: emit func is required")
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Window <= cfg.Overlap {
		return nil, fmt.Errorf("pipeline: window %v must exceed overlap %v", cfg.Window, cfg.Overlap)
	}
	if cfg.QueueDepth < 1 {
		return nil, fmt.Errorf("pipeline: queue depth %d must be at least 1", cfg.QueueDepth)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	return &Pipeline{
		engine:         cfg.Engine,
		engineName:     cfg.EngineName,
		emit:           cfg.Emit,
		onFatal:        cfg.OnFatal,
		metrics:        cfg.Metrics,
		deduper:        transcript.NewDeduper(),
		window:         cfg.Window,
		step:           cfg.Window - cfg.Overlap,
		winSamples:     int(cfg.Window * audio.TargetRate / time.Second),
		overlapSamples: int(cfg.Overlap * audio.TargetRate / time.Second),
		minFlush:       int(flushThreshold * audio.TargetRate / time.Second),
		queue:          make(chan queuedWindow, cfg.QueueDepth),
		ctx:            context.Background(),
	}, nil
}

// Start launches the inference goroutine. ctx bounds in-flight Transcribe
// calls; cancel it only to abandon transcription outright. A graceful stop
// goes through [Pipeline.Flush] so queued audio still gets transcribed.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx = ctx
	p.wg.Add(1)
	go p.run()
}

// Push adds a mixed 16 kHz mono chunk to the current window and enqueues
// every full window it completes. When the queue is full, Push blocks until
// inference catches up.
func (p *Pipeline) Push(chunk audio.Chunk) {
	p.buf = append(p.buf, chunk.Samples...)
	for len(p.buf) >= p.winSamples {
		w := make([]float32, p.winSamples)
		copy(w, p.buf[:p.winSamples])
		p.enqueue(queuedWindow{index: p.nextIndex, samples: w})
		p.nextIndex++

		// Carry the window's trailing overlap into the next buffer so
		// consecutive windows share overlap_seconds of audio.
		rest := p.buf[p.winSamples:]
		carried := make([]float32, 0, p.overlapSamples+len(rest))
		carried = append(carried, p.buf[p.winSamples-p.overlapSamples:p.winSamples]...)
		carried = append(carried, rest...)
		p.buf = carried
	}
}

// Flush transcribes the remaining partial window when it holds more than a
// second of audio, waits for every queued window to finish, and stops the
// inference goroutine. Idempotent; Push must not be called afterwards.
func (p *Pipeline) Flush() {
	p.flushOnce.Do(func() {
		if len(p.buf) > p.minFlush {
			w := make([]float32, len(p.buf))
			copy(w, p.buf)
			p.enqueue(queuedWindow{index: p.nextIndex, samples: w})
			p.nextIndex++
		}
		p.buf = nil
		close(p.queue)
		p.wg.Wait()
	})
}

func (p *Pipeline) enqueue(w queuedWindow) {
	p.queue <- w
	p.metrics.QueuedWindows.Add(p.ctx, 1)
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for w := range p.queue {
		p.metrics.QueuedWindows.Add(p.ctx, -1)
		p.process(w)
	}
}

func (p *Pipeline) process(w queuedWindow) {
	if p.failed {
		slog.Debug("pipeline: dropping window after fatal error", "window", w.index)
		return
	}

	// Each window advances the session clock by window-overlap, so its
	// absolute start is index*step regardless of inference timing.
	windowStart := time.Duration(w.index) * p.step

	ctx, span := observe.StartSpan(p.ctx, "pipeline.window",
		trace.WithAttributes(
			attribute.Int("window.index", w.index),
			attribute.String("engine", p.engineName),
		),
	)
	defer span.End()

	start := time.Now()
	segments, err := p.engine.Transcribe(ctx, w.samples)
	p.metrics.RecordWindow(ctx, p.engineName, time.Since(start).Seconds())
	if err != nil {
		p.windowFailed(ctx, w.index, windowStart, err)
		return
	}
	p.consecutive = 0

	for i := range segments {
		segments[i].Start += windowStart
		segments[i].End += windowStart
	}

	segments = p.deduper.Apply(segments)
	if len(segments) == 0 {
		return
	}
	p.metrics.RecordSegments(p.ctx, len(segments))

	if err := p.emit(segments); err != nil {
		p.fatal(fmt.Errorf("pipeline: emit segments: %w", err))
	}
}

func (p *Pipeline) windowFailed(ctx context.Context, index int, windowStart time.Duration, err error) {
	p.consecutive++
	p.metrics.RecordWindowFailure(ctx, p.engineName)
	observe.Logger(ctx).Warn("pipeline: window inference failed, audio dropped",
		"window", index,
		"start", windowStart,
		"length", p.window,
		"consecutive", p.consecutive,
		"err", err)

	// The dropped window leaves a hole in the transcript, so the stored
	// dedup tail no longer borders the next window's audio.
	p.deduper.Reset()

	if p.consecutive >= maxConsecutiveFailures {
		p.fatal(fmt.Errorf("pipeline: %d consecutive windows failed: %w", p.consecutive, err))
	}
}

// fatal marks the pipeline dead and notifies the controller once. Later
// windows are dequeued and dropped so Flush never blocks on a dead session.
func (p *Pipeline) fatal(err error) {
	p.failed = true
	p.fatalOnce.Do(func() {
		slog.Error("pipeline: giving up", "err", err)
		if p.onFatal != nil {
			p.onFatal(err)
		}
	})
}
