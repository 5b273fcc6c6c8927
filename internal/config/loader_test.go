package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/loquax/internal/config"
	"github.com/MrWong99/loquax/pkg/types"
)

const minimalYAML = `
engine:
  backend: whisper
  model_path: /models/ggml-small.en.bin
`

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	// Absent fields keep their defaults.
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Audio.Mode != types.Both {
		t.Errorf("Audio.Mode = %q, want %q", cfg.Audio.Mode, types.Both)
	}
	if cfg.Pipeline.WindowSeconds != 30 || cfg.Pipeline.OverlapSeconds != 1 {
		t.Errorf("Pipeline = %+v, want window 30s overlap 1s", cfg.Pipeline)
	}
	if cfg.Pipeline.QueueDepth != 4 {
		t.Errorf("QueueDepth = %d, want 4", cfg.Pipeline.QueueDepth)
	}
	if cfg.Engine.ModelPath != "/models/ggml-small.en.bin" {
		t.Errorf("ModelPath = %q", cfg.Engine.ModelPath)
	}
	if cfg.Output.Dir != "transcripts" {
		t.Errorf("Output.Dir = %q, want %q", cfg.Output.Dir, "transcripts")
	}
}

func TestLoadFromReader_FullOverride(t *testing.T) {
	t.Parallel()

	yml := `
server:
  listen_addr: "127.0.0.1:9090"
  log_level: debug
audio:
  mode: microphone
  mic_device: "USB Microphone"
engine:
  backend: openai
  api_key: sk-test
  model: whisper-1
  language: de
pipeline:
  window_seconds: 20
  overlap_seconds: 2
  queue_depth: 8
mix:
  target_rms: 0.2
  noise_floor: 0.001
  rms_window_ms: 1000
  max_skew_ms: 100
  limiter_knee: 0.7
output:
  dir: /var/lib/loquax
`
	cfg, err := config.LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Audio.Mode != types.MicOnly || cfg.Audio.MicDevice != "USB Microphone" {
		t.Errorf("Audio = %+v", cfg.Audio)
	}
	if cfg.Engine.Backend != config.BackendOpenAI || cfg.Engine.Language != "de" {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Pipeline.Window().Seconds() != 20 || cfg.Pipeline.Overlap().Seconds() != 2 {
		t.Errorf("Pipeline durations = %v/%v", cfg.Pipeline.Window(), cfg.Pipeline.Overlap())
	}
	if cfg.Mix.MaxSkew().Milliseconds() != 100 {
		t.Errorf("MaxSkew = %v", cfg.Mix.MaxSkew())
	}
	if cfg.Output.Dir != "/var/lib/loquax" {
		t.Errorf("Output.Dir = %q", cfg.Output.Dir)
	}
}

func TestLoadFromReader_EmptyDocument(t *testing.T) {
	t.Parallel()

	// An empty file selects every default, which then fails validation
	// because the whisper backend has no model path to load.
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("LoadFromReader() expected error for empty document")
	}
	if !strings.Contains(err.Error(), "model_path") {
		t.Errorf("error %q should mention model_path", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	yml := `
engine:
  backend: whisper
  model_path: /m.bin
  temperature: 0.7
`
	_, err := config.LoadFromReader(strings.NewReader(yml))
	if err == nil {
		t.Fatal("LoadFromReader() expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error %q should name the unknown field", err)
	}
}

func TestLoadFromReader_InvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("engine: [unclosed"))
	if err == nil {
		t.Fatal("LoadFromReader() expected error for malformed YAML")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Backend != config.BackendWhisper {
		t.Errorf("Backend = %q, want %q", cfg.Engine.Backend, config.BackendWhisper)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantSub: "log_level",
		},
		{
			name:    "invalid audio mode",
			mutate:  func(c *config.Config) { c.Audio.Mode = "headphones" },
			wantSub: "audio.mode",
		},
		{
			name:    "invalid backend",
			mutate:  func(c *config.Config) { c.Engine.Backend = "azure" },
			wantSub: "backend",
		},
		{
			name: "whisper without model path",
			mutate: func(c *config.Config) {
				c.Engine.Backend = config.BackendWhisper
				c.Engine.ModelPath = ""
			},
			wantSub: "model_path",
		},
		{
			name: "openai without api key",
			mutate: func(c *config.Config) {
				c.Engine.Backend = config.BackendOpenAI
				c.Engine.ModelPath = ""
				c.Engine.APIKey = ""
			},
			wantSub: "api_key",
		},
		{
			name:    "zero window",
			mutate:  func(c *config.Config) { c.Pipeline.WindowSeconds = 0 },
			wantSub: "window_seconds",
		},
		{
			name: "overlap not smaller than window",
			mutate: func(c *config.Config) {
				c.Pipeline.WindowSeconds = 5
				c.Pipeline.OverlapSeconds = 5
			},
			wantSub: "overlap_seconds",
		},
		{
			name:    "queue depth below one",
			mutate:  func(c *config.Config) { c.Pipeline.QueueDepth = 0 },
			wantSub: "queue_depth",
		},
		{
			name:    "target rms out of range",
			mutate:  func(c *config.Config) { c.Mix.TargetRMS = 1.5 },
			wantSub: "target_rms",
		},
		{
			name: "noise floor above target",
			mutate: func(c *config.Config) {
				c.Mix.TargetRMS = 0.1
				c.Mix.NoiseFloor = 0.2
			},
			wantSub: "noise_floor",
		},
		{
			name:    "limiter knee out of range",
			mutate:  func(c *config.Config) { c.Mix.LimiterKnee = 1.2 },
			wantSub: "limiter_knee",
		},
		{
			name:    "empty output dir",
			mutate:  func(c *config.Config) { c.Output.Dir = "" },
			wantSub: "output.dir",
		},
		{
			name: "tls without key file",
			mutate: func(c *config.Config) {
				c.Server.TLS = &config.TLSConfig{CertFile: "cert.pem"}
			},
			wantSub: "key_file",
		},
		{
			name: "nested fallback",
			mutate: func(c *config.Config) {
				c.Engine.Fallback = &config.EngineConfig{
					Backend: config.BackendOpenAI,
					APIKey:  "sk-test",
					Fallback: &config.EngineConfig{
						Backend:   config.BackendWhisper,
						ModelPath: "/m.bin",
					},
				}
			},
			wantSub: "one fallback level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			cfg.Engine.ModelPath = "/models/ggml-small.en.bin"
			tt.mutate(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Engine.ModelPath = ""
	cfg.Output.Dir = ""
	cfg.Pipeline.QueueDepth = 0

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, sub := range []string{"model_path", "output.dir", "queue_depth"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error %q should contain %q", err, sub)
		}
	}
}

func TestValidate_FallbackValidated(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Engine.ModelPath = "/m.bin"
	cfg.Engine.Fallback = &config.EngineConfig{Backend: config.BackendOpenAI}

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("Validate() expected error for fallback without api key")
	}
	if !strings.Contains(err.Error(), "engine.fallback") {
		t.Errorf("error %q should point at the fallback block", err)
	}
}
