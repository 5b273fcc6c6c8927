// Package app assembles the service from its subsystems and owns their
// lifecycle.
//
// New builds every component from the configuration (capture backend,
// transcription engine, transcript sink, optional archive, live feed and
// the session controller) and wires them together. Run serves the control
// API until the context is cancelled; Shutdown tears everything down in
// dependency order. Components can be swapped for test doubles through
// functional options.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/loquax/internal/config"
	"github.com/MrWong99/loquax/internal/feed"
	"github.com/MrWong99/loquax/internal/health"
	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/internal/session"
	"github.com/MrWong99/loquax/internal/transcript"
	"github.com/MrWong99/loquax/internal/transcript/archive"
	"github.com/MrWong99/loquax/pkg/audio/capture"
	"github.com/MrWong99/loquax/pkg/audio/capture/miniaudio"
	"github.com/MrWong99/loquax/pkg/audio/mix"
	"github.com/MrWong99/loquax/pkg/engine"
	"github.com/MrWong99/loquax/pkg/engine/openai"
	"github.com/MrWong99/loquax/pkg/engine/whisper"
	"github.com/MrWong99/loquax/pkg/types"
)

// Option overrides one of the components New would otherwise build from
// the configuration. Intended for tests and for embedding the app.
type Option func(*App)

// WithOpener injects a capture backend. The app will not close an
// injected opener.
func WithOpener(o capture.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithEngine injects a transcription engine under the given name. The
// name shows up in logs and metric labels. The app will not close an
// injected engine.
func WithEngine(name string, e engine.Engine) Option {
	return func(a *App) {
		a.eng = e
		a.engineName = name
	}
}

// WithSink injects a transcript sink in place of the markdown writer.
func WithSink(s session.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithArchiver injects a segment archive in place of the Postgres one.
func WithArchiver(ar session.Archiver) Option {
	return func(a *App) { a.arch = ar }
}

// WithLogLevel hands the app the process log level so configuration
// reloads can adjust verbosity without a restart.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// App is the assembled service.
type App struct {
	metrics *observe.Metrics

	opener     capture.Opener
	eng        engine.Engine
	engineName string
	sink       session.Sink
	arch       session.Archiver
	hub        *feed.Hub
	controller *session.Controller
	checks     *health.Handler
	logLevel   *slog.LevelVar

	// mdSink and pgArchive are set when the app built these itself, so it
	// can retarget the sink on config reload and health-check the pool.
	mdSink    *transcript.Sink
	pgArchive *archive.Archive

	cfgMu sync.RWMutex
	cfg   *config.Config

	srv *http.Server

	// closers run front to back during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// New builds the app from cfg. The configuration must already be
// validated. On error nothing needs to be cleaned up: the failed
// constructor releases its own resources and earlier components are
// closed before returning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// Capture backend, engine and storage come up first, the controller
	// that uses them last. A failure in step N closes steps 1..N-1.

	// ── 1. Transcription engine ─────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 2. Capture backend ──────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 3. Transcript sink and archive ──────────────────────────────────
	a.initSink()
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 4. Live feed ────────────────────────────────────────────────────
	a.hub = feed.NewHub(a.metrics)

	// ── 5. Session controller ───────────────────────────────────────────
	ctrl, err := session.New(session.Config{
		Opener:     a.opener,
		Engine:     a.eng,
		EngineName: a.engineName,
		Sink:       a.sink,
		Feed:       a.hub,
		Archive:    a.arch,
		Metrics:    a.metrics,
	})
	if err != nil {
		a.hub.Close()
		a.closeAll()
		return nil, fmt.Errorf("app: init controller: %w", err)
	}
	ctrl.UpdateSettings(sessionSettings(cfg))
	a.controller = ctrl

	// ── 6. Health checks ────────────────────────────────────────────────
	a.initHealth()

	// Shutdown order: end the session so the transcript is finalized,
	// disconnect feed clients, then release resources in reverse creation
	// order (archive, capture backend, engine).
	closers := []func() error{a.controller.Close, a.hub.Close}
	for i := len(a.closers) - 1; i >= 0; i-- {
		closers = append(closers, a.closers[i])
	}
	a.closers = closers

	return a, nil
}

// initEngine builds the configured engine backend, chaining a fallback
// engine behind it when one is configured.
func (a *App) initEngine() error {
	if a.eng != nil {
		if a.engineName == "" {
			a.engineName = "custom"
		}
		return nil
	}
	eng, name, err := buildEngine(a.cfg.Engine)
	if err != nil {
		return err
	}
	a.eng = eng
	a.engineName = name
	a.closers = append(a.closers, eng.Close)
	slog.Info("app: engine ready", "engine", name)
	return nil
}

// buildEngine builds the primary backend and, when configured, wraps it
// with the fallback chain. The returned name is the primary's.
func buildEngine(cfg config.EngineConfig) (engine.Engine, string, error) {
	primary, name, err := buildBackend(cfg)
	if err != nil {
		return nil, "", err
	}
	if cfg.Fallback == nil {
		return primary, name, nil
	}
	second, secondName, err := buildBackend(*cfg.Fallback)
	if err != nil {
		_ = primary.Close()
		return nil, "", fmt.Errorf("fallback: %w", err)
	}
	chain := engine.NewFallback(name, primary)
	chain.AddFallback(secondName, second)
	slog.Info("app: engine fallback configured", "primary", name, "fallback", secondName)
	return chain, name, nil
}

func buildBackend(cfg config.EngineConfig) (engine.Engine, string, error) {
	switch cfg.Backend {
	case config.BackendWhisper:
		if cfg.Model != "" {
			if _, ok := whisper.LookupModel(cfg.Model); !ok {
				slog.Warn("app: engine.model is not a published whisper variant", "model", cfg.Model)
			}
		}
		var opts []whisper.Option
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		if cfg.Threads > 0 {
			opts = append(opts, whisper.WithThreads(uint(cfg.Threads)))
		}
		eng, err := whisper.New(cfg.ModelPath, opts...)
		if err != nil {
			return nil, "", err
		}
		return eng, "whisper", nil

	case config.BackendOpenAI:
		var opts []openai.Option
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Language != "" {
			opts = append(opts, openai.WithLanguage(cfg.Language))
		}
		eng, err := openai.New(cfg.APIKey, opts...)
		if err != nil {
			return nil, "", err
		}
		return eng, "openai", nil

	default:
		return nil, "", fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

func (a *App) initCapture() error {
	if a.opener != nil {
		return nil
	}
	backend, err := miniaudio.NewBackend()
	if err != nil {
		return err
	}
	a.opener = backend
	a.closers = append(a.closers, backend.Close)
	return nil
}

func (a *App) initSink() {
	if a.sink != nil {
		return
	}
	md := transcript.NewSink(a.cfg.Output.Dir)
	a.sink = md
	a.mdSink = md
}

func (a *App) initArchive(ctx context.Context) error {
	if a.arch != nil {
		return nil
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		// Archive disabled; the markdown transcript is the only record.
		return nil
	}
	ar, err := archive.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.arch = ar
	a.pgArchive = ar
	a.closers = append(a.closers, func() error {
		ar.Close()
		return nil
	})
	slog.Info("app: segment archive connected")
	return nil
}

func (a *App) initHealth() {
	var checkers []health.Checker
	if a.cfg.Engine.Backend == config.BackendWhisper && a.cfg.Engine.ModelPath != "" {
		checkers = append(checkers, health.FileExists("model", a.cfg.Engine.ModelPath))
	}
	if a.mdSink != nil {
		checkers = append(checkers, health.DirWritable("output", a.cfg.Output.Dir))
	}
	if a.pgArchive != nil {
		checkers = append(checkers, health.Ping("archive", a.pgArchive))
	}
	a.checks = health.New(checkers...)
}

// closeAll runs the closers collected so far. Only used on New failure;
// Shutdown handles the happy path.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("app: cleanup after failed init", "err", err)
		}
	}
}

// sessionSettings maps config tunables onto controller settings.
func sessionSettings(cfg *config.Config) session.Settings {
	return session.Settings{
		SystemDevice: cfg.Audio.SystemDevice,
		MicDevice:    cfg.Audio.MicDevice,
		Mix: mix.Config{
			TargetRMS:   cfg.Mix.TargetRMS,
			NoiseFloor:  cfg.Mix.NoiseFloor,
			RMSWindow:   cfg.Mix.RMSWindow(),
			MaxSkew:     cfg.Mix.MaxSkew(),
			LimiterKnee: cfg.Mix.LimiterKnee,
		},
		Window:     cfg.Pipeline.Window(),
		Overlap:    cfg.Pipeline.Overlap(),
		QueueDepth: cfg.Pipeline.QueueDepth,
	}
}

// Controller exposes the session controller for programmatic control,
// such as autostarting a session from the command line.
func (a *App) Controller() *session.Controller { return a.controller }

// Handler returns the control API: health and metrics endpoints, the
// websocket feed and the session endpoints, wrapped in the request
// middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /feed", a.hub)
	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("GET /session", a.handleSession)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	mode := a.currentConfig().Audio.Mode
	if q := r.URL.Query().Get("mode"); q != "" {
		m, err := types.ParseSourceMode(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = m
	}
	if err := a.controller.Start(r.Context(), mode); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionActive) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	a.writeSessionStatus(w, http.StatusCreated)
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Teardown may still be draining; the body reflects the state at
	// response time.
	a.writeSessionStatus(w, http.StatusAccepted)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	a.writeSessionStatus(w, http.StatusOK)
}

type sessionStatus struct {
	State      string  `json:"state"`
	ID         string  `json:"id,omitempty"`
	Mode       string  `json:"mode,omitempty"`
	StartedAt  string  `json:"started_at,omitempty"`
	EndedAt    string  `json:"ended_at,omitempty"`
	DurationS  float64 `json:"duration_seconds,omitempty"`
	Error      string  `json:"error,omitempty"`
	Transcript string  `json:"transcript,omitempty"`
}

func (a *App) writeSessionStatus(w http.ResponseWriter, status int) {
	info := a.controller.Info()
	resp := sessionStatus{State: a.controller.State().String()}
	if info.ID != "" {
		resp.ID = info.ID
		resp.Mode = string(info.Mode)
		resp.StartedAt = info.StartedAt.UTC().Format(time.RFC3339)
		resp.DurationS = info.Duration().Seconds()
		resp.Transcript = a.sink.Path()
		if !info.EndedAt.IsZero() {
			resp.EndedAt = info.EndedAt.UTC().Format(time.RFC3339)
		}
		if info.Err != nil {
			resp.Error = info.Err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("app: write session status", "err", err)
	}
}

// Run serves the control API until ctx is cancelled or the server fails.
// It does not start a recording session on its own; use POST
// /session/start or [App.Controller].
func (a *App) Run(ctx context.Context) error {
	cfg := a.currentConfig()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.srv = srv

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	slog.Info("app: control server listening",
		"addr", cfg.Server.ListenAddr,
		"tls", cfg.Server.TLS != nil,
		"engine", a.engineName)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the HTTP server and closes all components. Safe to call
// more than once. When ctx expires mid-way the remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down")
		if a.srv != nil {
			if err := a.srv.Shutdown(ctx); err != nil {
				slog.Warn("app: http server shutdown", "err", err)
			}
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: close component", "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ApplyConfig reacts to a configuration change: the log level applies
// immediately, session tunables apply to the next session start, and
// sections that need a restart are logged so the operator knows the
// running process ignores them.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.Level())
			slog.Info("app: log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("app: log level changed but no level handle is wired")
		}
	}

	if d.SessionChanged {
		a.controller.UpdateSettings(sessionSettings(next))
		if a.mdSink != nil {
			a.mdSink.SetDir(next.Output.Dir)
		}
		slog.Info("app: session settings updated, take effect at next start")
	}

	for _, section := range d.RestartRequired {
		slog.Warn("app: config change requires restart", "section", section)
	}

	a.cfgMu.Lock()
	a.cfg = next
	a.cfgMu.Unlock()
}

func (a *App) currentConfig() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}
