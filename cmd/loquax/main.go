// Command loquax is the main entry point for the Loquax transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/loquax/internal/app"
	"github.com/MrWong99/loquax/internal/config"
	"github.com/MrWong99/loquax/internal/observe"
	"github.com/MrWong99/loquax/pkg/audio/capture"
	"github.com/MrWong99/loquax/pkg/audio/capture/miniaudio"
	"github.com/MrWong99/loquax/pkg/engine/whisper"
	"github.com/MrWong99/loquax/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	outputDir := flag.String("output", "", "override the configured transcript output directory")
	mode := flag.String("mode", "", "start a session immediately (system, microphone, both)")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	listModels := flag.Bool("list-models", false, "list known whisper model variants and exit")
	printConfig := flag.Bool("print-config", false, "print a starter configuration to stdout and exit")
	flag.Parse()

	if *printConfig {
		return doPrintConfig()
	}
	if *listModels {
		return doListModels()
	}
	if *listDevices {
		return doListDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loquax: config file %q not found — run with -print-config > config.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "loquax: %v\n", err)
		}
		return 1
	}

	// CLI overrides beat the file.
	if *logLevel != "" {
		lv := config.LogLevel(*logLevel)
		if !lv.IsValid() {
			fmt.Fprintf(os.Stderr, "loquax: -log-level %q is invalid; valid values: debug, info, warn, error\n", *logLevel)
			return 1
		}
		cfg.Server.LogLevel = lv
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	var startMode types.SourceMode
	if *mode != "" {
		startMode, err = types.ParseSourceMode(*mode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loquax: -mode: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("loquax starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must run before the first DefaultMetrics call so the instruments bind to
	// the Prometheus-backed provider.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config file watcher ───────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Autostart (optional) ──────────────────────────────────────────────────
	if startMode != "" {
		if err := application.Controller().Start(ctx, startMode); err != nil {
			slog.Error("failed to start session", "mode", startMode, "err", err)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = application.Shutdown(shutdownCtx)
			return 1
		}
		slog.Info("session autostarted", "mode", startMode)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Inspection commands ───────────────────────────────────────────────────────

func doPrintConfig() int {
	out, err := yaml.Marshal(config.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "loquax: %v\n", err)
		return 1
	}
	fmt.Println("# Loquax configuration. engine.model_path must point at a ggml model")
	fmt.Println("# file; run with -list-models to see the published variants.")
	os.Stdout.Write(out)
	return 0
}

func doListModels() int {
	fmt.Println("Known whisper model variants (ggml files):")
	for _, m := range whisper.KnownModels() {
		marker := " "
		if m.Name == whisper.DefaultModel {
			marker = "*"
		}
		lang := "multilingual"
		if m.EnglishOnly {
			lang = "English only"
		}
		fmt.Printf("  %s %-10s  %6s params  ~%d GB VRAM  %s  (%s)\n",
			marker, m.Name, m.Parameters, m.VRAMGB, lang, whisper.ModelFileName(m.Name))
	}
	fmt.Println("\n* default")
	return 0
}

func doListDevices() int {
	backend, err := miniaudio.NewBackend()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loquax: init audio backend: %v\n", err)
		return 1
	}
	defer backend.Close()

	for _, kind := range []capture.Kind{capture.KindSystem, capture.KindMic} {
		label := "System output devices (captured via loopback)"
		if kind == capture.KindMic {
			label = "Microphone devices"
		}
		fmt.Println(label + ":")

		devices, err := backend.Devices(kind)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loquax: enumerate %s devices: %v\n", kind, err)
			return 1
		}
		if len(devices) == 0 {
			fmt.Println("  (none found)")
			continue
		}
		for _, d := range devices {
			marker := " "
			if d.Default {
				marker = "*"
			}
			fmt.Printf("  %s %s  (%d Hz, %d ch)\n      id: %s\n", marker, d.Name, d.Rate, d.Channels, d.ID)
		}
	}
	fmt.Println("\n* default device")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	engine := string(cfg.Engine.Backend)
	if cfg.Engine.Model != "" {
		engine += " / " + cfg.Engine.Model
	}
	if cfg.Engine.Fallback != nil {
		engine += " (+fallback)"
	}
	archive := "(disabled)"
	if cfg.Archive.PostgresDSN != "" {
		archive = "postgres"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Loquax — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", engine)
	printRow("Capture mode", string(cfg.Audio.Mode))
	printRow("Window", fmt.Sprintf("%ds (overlap %ds)", cfg.Pipeline.WindowSeconds, cfg.Pipeline.OverlapSeconds))
	printRow("Output dir", cfg.Output.Dir)
	printRow("Archive", archive)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
