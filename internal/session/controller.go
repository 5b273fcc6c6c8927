// Package session owns the lifecycle of a recording session: device capture
// workers, the mix loop joining their streams, and the inference pipeline
// feeding the transcript sink.
//
// The Controller serializes sessions through a small state machine
// (Idle, Starting, Active, Stopping, Failed). At most one session's
// resources exist at any time; a Start that arrives while the previous
// session is still tearing down waits on the state condition until Idle is
// reached instead of failing or racing the teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/internal/pipeline"
	"github.com/MrWong99/loquax/internal/transcript"
	"github.com/MrWong99/loquax/internal/transcript/archive"
	"github.com/MrWong99/loquax/pkg/audio/capture"
	"github.com/MrWong99/loquax/pkg/audio/mix"
	"github.com/MrWong99/loquax/pkg/engine"
	"github.com/MrWong99/loquax/pkg/types"
)

// ErrSessionActive is returned by Start while another session is running.
var ErrSessionActive = errors.New("session: a session is already active")

// Sink persists a session's transcript.
type Sink interface {
	Begin(start time.Time) error
	Append(segments []types.Segment) error
	End(endedAt time.Time) error
	Path() string
}

// Broadcaster distributes live transcript events to subscribers. Calls must
// never block on slow consumers.
type Broadcaster interface {
	SessionStarted(info types.SessionInfo)
	Segments(segments []types.Segment)
	SessionEnded(info types.SessionInfo)
}

// Archiver mirrors sessions into long-term storage. The controller logs and
// swallows its errors; the markdown transcript stays the authoritative
// record.
type Archiver interface {
	BeginSession(ctx context.Context, id string, mode types.SourceMode, startedAt time.Time, transcriptPath string) error
	SaveSegments(ctx context.Context, sessionID string, segments []types.Segment) error
	EndSession(ctx context.Context, id string, endedAt time.Time) error
}

// Compile-time checks for the concrete implementations the app wires in.
var (
	_ Sink     = (*transcript.Sink)(nil)
	_ Archiver = (*archive.Archive)(nil)
)

// Settings are the per-session tunables. A session snapshots them at start;
// [Controller.UpdateSettings] changes what the next session uses.
type Settings struct {
	// SystemDevice and MicDevice select capture devices by backend ID;
	// empty picks the backend default.
	SystemDevice string
	MicDevice    string

	// Mix tunes the per-session normalizer and limiter.
	Mix mix.Config

	// Window, Overlap and QueueDepth configure the inference pipeline.
	// Zero values take the pipeline defaults.
	Window     time.Duration
	Overlap    time.Duration
	QueueDepth int
}

// device returns the configured device for a capture kind.
func (s Settings) device(kind capture.Kind) string {
	switch kind {
	case capture.KindSystem:
		return s.SystemDevice
	case capture.KindMic:
		return s.MicDevice
	}
	return ""
}

// Config holds a Controller's dependencies and session settings.
type Config struct {
	// Opener acquires capture devices. Required.
	Opener capture.Opener

	// Engine transcribes windows. The controller never closes it; the
	// application owns the engine and shares it across sessions. Required.
	Engine engine.Engine

	// EngineName labels the engine in metrics and logs.
	EngineName string

	// Sink persists the transcript. Required.
	Sink Sink

	// Feed broadcasts live segments. Optional.
	Feed Broadcaster

	// Archive mirrors segments to long-term storage. Optional.
	Archive Archiver

	// SystemDevice and MicDevice select capture devices by backend ID;
	// empty picks the backend default.
	SystemDevice string
	MicDevice    string

	// Mix tunes the per-session normalizer and limiter.
	Mix mix.Config

	// Window, Overlap and QueueDepth configure the inference pipeline.
	// Zero values take the pipeline defaults.
	Window     time.Duration
	Overlap    time.Duration
	QueueDepth int

	// Metrics overrides the default instrument set.
	Metrics *observe.Metrics
}

// active bundles one session's resources for handoff to teardown.
type active struct {
	id      string
	workers []*worker
	pl      *pipeline.Pipeline
	mixDone chan struct{}
	cancel  context.CancelFunc
}

// Controller runs at most one recording session at a time.
// All exported methods are safe for concurrent use.
type Controller struct {
	opener     capture.Opener
	engine     engine.Engine
	engineName string
	sink       Sink
	feed       Broadcaster
	archive    Archiver
	metrics    *observe.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	settings Settings
	state    types.SessionState
	info     types.SessionInfo
	cur      *active
}

// New creates an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Opener == nil {
		return nil, errors.New("session: opener is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("session: engine is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session: sink is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	c := &Controller{
		opener:     cfg.Opener,
		engine:     cfg.Engine,
		engineName: cfg.EngineName,
		sink:       cfg.Sink,
		feed:       cfg.Feed,
		archive:    cfg.Archive,
		metrics:    cfg.Metrics,
		settings: Settings{
			SystemDevice: cfg.SystemDevice,
			MicDevice:    cfg.MicDevice,
			Mix:          cfg.Mix,
			Window:       cfg.Window,
			Overlap:      cfg.Overlap,
			QueueDepth:   cfg.QueueDepth,
		},
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// UpdateSettings replaces the tunables used by the next session start. A
// running session keeps the snapshot it started with.
func (c *Controller) UpdateSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// Start begins a session capturing the mode's sources. Legal only from Idle;
// while a previous session is still stopping or failing, Start waits for the
// teardown to finish and then proceeds. A Start during an active session
// returns [ErrSessionActive].
//
// ctx covers the start itself; the session's own lifetime is controlled by
// [Controller.Stop].
func (c *Controller) Start(ctx context.Context, mode types.SourceMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("session: invalid source mode %q", mode)
	}

	c.mu.Lock()
	for c.state == types.StateStopping || c.state == types.StateFailed {
		c.cond.Wait()
	}
	if c.state != types.StateIdle {
		id := c.info.ID
		c.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	c.state = types.StateStarting
	st := c.settings
	c.mu.Unlock()

	if err := c.open(ctx, mode, st); err != nil {
		c.mu.Lock()
		c.state = types.StateIdle
		c.cond.Broadcast()
		c.mu.Unlock()
		return err
	}
	return nil
}

// open acquires devices and brings the session to Active. Any failure tears
// down whatever was already acquired and leaves nothing behind.
func (c *Controller) open(ctx context.Context, mode types.SourceMode, st Settings) error {
	var workers []*worker
	closePartial := func() {
		for _, w := range workers {
			w.source.Close()
		}
	}

	for _, kind := range capture.KindsFor(mode) {
		src, err := c.opener.Open(kind, st.device(kind))
		if err != nil {
			closePartial()
			return fmt.Errorf("session: %w", err)
		}
		w, err := newWorker(kind, src, c.metrics)
		if err != nil {
			src.Close()
			closePartial()
			return fmt.Errorf("session: %s source: %w", kind, err)
		}
		workers = append(workers, w)
	}

	id := uuid.NewString()
	started := time.Now()
	sessionCtx, cancel := context.WithCancel(context.Background())

	emit := func(segments []types.Segment) error {
		if err := c.sink.Append(segments); err != nil {
			return err
		}
		if c.feed != nil {
			c.feed.Segments(segments)
		}
		if c.archive != nil {
			if err := c.archive.SaveSegments(sessionCtx, id, segments); err != nil {
				slog.Warn("session: archive write failed", "session_id", id, "err", err)
			}
		}
		return nil
	}

	pl, err := pipeline.New(pipeline.Config{
		Engine:     c.engine,
		EngineName: c.engineName,
		Emit:       emit,
		OnFatal:    c.fail,
		Window:     st.Window,
		Overlap:    st.Overlap,
		QueueDepth: st.QueueDepth,
		Metrics:    c.metrics,
	})
	if err != nil {
		cancel()
		closePartial()
		return err
	}

	if err := c.sink.Begin(started); err != nil {
		cancel()
		closePartial()
		return fmt.Errorf("session: open transcript: %w", err)
	}

	cur := &active{
		id:      id,
		workers: workers,
		pl:      pl,
		mixDone: make(chan struct{}),
		cancel:  cancel,
	}

	c.mu.Lock()
	c.cur = cur
	c.info = types.SessionInfo{ID: id, Mode: mode, StartedAt: started}
	c.mu.Unlock()

	pl.Start(sessionCtx)
	for _, w := range workers {
		go w.run(sessionCtx)
	}
	go c.mixLoop(cur, mix.NewMixer(st.Mix))

	c.mu.Lock()
	started2Active := c.state == types.StateStarting
	if started2Active {
		c.state = types.StateActive
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	if !started2Active {
		// A fatal error beat the transition; teardown is already running.
		return nil
	}

	if c.archive != nil {
		if err := c.archive.BeginSession(sessionCtx, id, mode, started, c.sink.Path()); err != nil {
			slog.Warn("session: archive session insert failed", "session_id", id, "err", err)
		}
	}
	if c.feed != nil {
		c.feed.SessionStarted(c.Info())
	}
	c.metrics.RecordSessionStart(ctx, string(mode))
	slog.Info("session: started",
		"session_id", id,
		"mode", mode,
		"transcript", c.sink.Path(),
	)
	return nil
}

// Stop ends the active session. It is idempotent: a Stop from Idle is a
// no-op and a Stop while a teardown is already running returns immediately.
// A Stop during Starting waits for the start to settle first. The teardown
// itself runs on a background goroutine; use [Controller.Close] to wait for
// it.
func (c *Controller) Stop() error {
	c.mu.Lock()
	for c.state == types.StateStarting {
		c.cond.Wait()
	}
	if c.state != types.StateActive {
		c.mu.Unlock()
		return nil
	}
	c.state = types.StateStopping
	cur := c.cur
	c.cond.Broadcast()
	c.mu.Unlock()

	slog.Info("session: stopping", "session_id", cur.id)
	go c.teardown(cur, "stopped", nil)
	return nil
}

// fail moves a Starting or Active session to Failed and begins teardown.
// Called from the pipeline and mix goroutines; it only signals and spawns,
// so callers are never blocked on the teardown they triggered.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.state != types.StateStarting && c.state != types.StateActive {
		c.mu.Unlock()
		return
	}
	c.state = types.StateFailed
	c.info.Err = err
	cur := c.cur
	c.cond.Broadcast()
	c.mu.Unlock()

	slog.Error("session: fatal error, tearing down", "session_id", cur.id, "err", err)
	go c.teardown(cur, "failed", err)
}

// teardown returns the controller to Idle: workers stopped and joined, mix
// loop drained, pipeline flushed (a partial window over a second long is
// still transcribed), session marker written, bookkeeping last. Text already
// in the transcript is preserved on every path, including Failed.
func (c *Controller) teardown(cur *active, outcome string, cause error) {
	g := new(errgroup.Group)
	for _, w := range cur.workers {
		g.Go(func() error {
			w.requestStop()
			w.join()
			return w.err()
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("session: capture worker exited with error", "session_id", cur.id, "err", err)
	}

	<-cur.mixDone
	cur.pl.Flush()

	endedAt := time.Now()
	if err := c.sink.End(endedAt); err != nil {
		slog.Warn("session: finalize transcript", "session_id", cur.id, "err", err)
	}
	if c.archive != nil {
		if err := c.archive.EndSession(context.Background(), cur.id, endedAt); err != nil {
			slog.Warn("session: archive end failed", "session_id", cur.id, "err", err)
		}
	}

	cur.cancel()

	c.mu.Lock()
	c.info.EndedAt = endedAt
	if cause != nil && c.info.Err == nil {
		c.info.Err = cause
	}
	info := c.info
	c.cur = nil
	c.state = types.StateIdle
	c.cond.Broadcast()
	c.mu.Unlock()

	if c.feed != nil {
		c.feed.SessionEnded(info)
	}
	c.metrics.RecordSessionEnd(context.Background(), outcome)
	slog.Info("session: ended",
		"session_id", cur.id,
		"outcome", outcome,
		"duration", info.Duration(),
	)
}

// mixLoop joins the worker streams, levels them, and pushes mixed chunks
// into the pipeline until every stream has ended.
func (c *Controller) mixLoop(cur *active, mixer *mix.Mixer) {
	defer close(cur.mixDone)

	if len(cur.workers) == 1 {
		w := cur.workers[0]
		for chunk := range w.out {
			cur.pl.Push(mixer.MixOne(chunk))
		}
		if err := w.err(); err != nil {
			c.fail(fmt.Errorf("session: %s capture died: %w", w.kind, err))
		}
		return
	}

	a, b := cur.workers[0], cur.workers[1]
	for {
		ca, okA := <-a.out
		cb, okB := <-b.out
		if okA && okB {
			mixed, err := mixer.Mix(ca, cb)
			if err != nil {
				c.fail(fmt.Errorf("session: mix streams: %w", err))
				return
			}
			cur.pl.Push(mixed)
			continue
		}

		// At least one stream ended. A worker that died rather than being
		// stopped fails the session; teardown then stops the survivor,
		// whose remaining chunks drain below through the single-source
		// path.
		if err := deadWorkerErr(a, okA, b, okB); err != nil {
			c.fail(err)
		}
		if okA {
			cur.pl.Push(mixer.MixOne(ca))
		}
		if okB {
			cur.pl.Push(mixer.MixOne(cb))
		}
		for chunk := range a.out {
			cur.pl.Push(mixer.MixOne(chunk))
		}
		for chunk := range b.out {
			cur.pl.Push(mixer.MixOne(chunk))
		}
		return
	}
}

// deadWorkerErr collects the read errors of workers whose stream has closed.
func deadWorkerErr(a *worker, okA bool, b *worker, okB bool) error {
	var errs []error
	if !okA {
		if err := a.err(); err != nil {
			errs = append(errs, fmt.Errorf("%s capture died: %w", a.kind, err))
		}
	}
	if !okB {
		if err := b.err(); err != nil {
			errs = append(errs, fmt.Errorf("%s capture died: %w", b.kind, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("session: %w", errors.Join(errs...))
}

// State returns the current lifecycle state.
func (c *Controller) State() types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the current session's metadata, or the last session's once
// it has ended (EndedAt set).
func (c *Controller) Info() types.SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Close stops any running session and blocks until the controller is Idle.
func (c *Controller) Close() error {
	_ = c.Stop()
	c.mu.Lock()
	for c.state != types.StateIdle {
		c.cond.Wait()
	}
	c.mu.Unlock()
	return nil
}
