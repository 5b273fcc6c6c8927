package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/loquax/pkg/types"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Fields absent from the document keep their defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty document is a valid config: it selects every default.
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Audio
	if cfg.Audio.Mode != "" && !cfg.Audio.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.mode %q is invalid; valid values: system, microphone, both", cfg.Audio.Mode))
	}
	if cfg.Audio.Mode == types.SystemOnly && cfg.Audio.MicDevice != "" {
		slog.Warn("audio.mic_device is set but audio.mode does not include the microphone")
	}
	if cfg.Audio.Mode == types.MicOnly && cfg.Audio.SystemDevice != "" {
		slog.Warn("audio.system_device is set but audio.mode does not include system output")
	}

	// Engine (and its optional fallback)
	errs = append(errs, validateEngine("engine", &cfg.Engine, true)...)

	// Pipeline
	if cfg.Pipeline.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.window_seconds %d must be positive", cfg.Pipeline.WindowSeconds))
	}
	if cfg.Pipeline.OverlapSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.overlap_seconds %d must not be negative", cfg.Pipeline.OverlapSeconds))
	}
	if cfg.Pipeline.WindowSeconds > 0 && cfg.Pipeline.OverlapSeconds >= cfg.Pipeline.WindowSeconds {
		errs = append(errs, fmt.Errorf("pipeline.overlap_seconds %d must be smaller than window_seconds %d", cfg.Pipeline.OverlapSeconds, cfg.Pipeline.WindowSeconds))
	}
	if cfg.Pipeline.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_depth %d must be at least 1", cfg.Pipeline.QueueDepth))
	}

	// Mix
	if cfg.Mix.TargetRMS <= 0 || cfg.Mix.TargetRMS > 1 {
		errs = append(errs, fmt.Errorf("mix.target_rms %g is out of range (0, 1]", cfg.Mix.TargetRMS))
	}
	if cfg.Mix.NoiseFloor < 0 {
		errs = append(errs, fmt.Errorf("mix.noise_floor %g must not be negative", cfg.Mix.NoiseFloor))
	}
	if cfg.Mix.NoiseFloor >= cfg.Mix.TargetRMS && cfg.Mix.TargetRMS > 0 {
		errs = append(errs, fmt.Errorf("mix.noise_floor %g must be below target_rms %g", cfg.Mix.NoiseFloor, cfg.Mix.TargetRMS))
	}
	if cfg.Mix.RMSWindowMs <= 0 {
		errs = append(errs, fmt.Errorf("mix.rms_window_ms %d must be positive", cfg.Mix.RMSWindowMs))
	}
	if cfg.Mix.MaxSkewMs <= 0 {
		errs = append(errs, fmt.Errorf("mix.max_skew_ms %d must be positive", cfg.Mix.MaxSkewMs))
	}
	if cfg.Mix.LimiterKnee <= 0 || cfg.Mix.LimiterKnee >= 1 {
		errs = append(errs, fmt.Errorf("mix.limiter_knee %g is out of range (0, 1)", cfg.Mix.LimiterKnee))
	}

	// Output
	if cfg.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}

	return errors.Join(errs...)
}

// validateEngine checks one engine block. Fallback blocks are validated with
// the same rules except that they must not nest further.
func validateEngine(prefix string, e *EngineConfig, allowFallback bool) []error {
	var errs []error

	if e.Backend != "" && !e.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("%s.backend %q is invalid; valid values: whisper, openai", prefix, e.Backend))
		return errs
	}

	switch e.Backend {
	case BackendWhisper:
		if e.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required when %s.backend is whisper", prefix, prefix))
		}
		if e.APIKey != "" {
			slog.Warn("api_key is set but the whisper backend does not use it", "engine", prefix)
		}
	case BackendOpenAI:
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required when %s.backend is openai", prefix, prefix))
		}
		if e.ModelPath != "" {
			slog.Warn("model_path is set but the openai backend does not use it", "engine", prefix)
		}
	}
	if e.Threads < 0 {
		errs = append(errs, fmt.Errorf("%s.threads %d must not be negative", prefix, e.Threads))
	}

	if e.Fallback != nil {
		if !allowFallback {
			errs = append(errs, fmt.Errorf("%s.fallback: only one fallback level is supported", prefix))
		} else {
			errs = append(errs, validateEngine(prefix+".fallback", e.Fallback, false)...)
		}
	}
	return errs
}
