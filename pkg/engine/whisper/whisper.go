// Package whisper implements engine.Engine on top of the whisper.cpp Go
// bindings (CGO). The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The ggml model is loaded once and shared across sessions; each Transcribe
// call creates a fresh whisper context because contexts are single-use per
// inference and not safe for concurrent reuse.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/loquax/pkg/engine"
	"github.com/MrWong99/loquax/pkg/types"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

const defaultLanguage = "en"

// ModelInfo describes one ggml model variant from the published whisper
// model family.
type ModelInfo struct {
	// Name is the model identifier, e.g. "small.en" or "turbo".
	Name string
	// Parameters is the human-readable parameter count, e.g. "244M".
	Parameters string
	// VRAMGB is the approximate VRAM required to run the model on a GPU.
	VRAMGB int
	// EnglishOnly reports whether the model transcribes English only.
	EnglishOnly bool
}

// modelTable lists the known variants smallest to largest. "turbo" is the
// recommended GPU model, "small.en" the recommended CPU model.
var modelTable = []ModelInfo{
	{Name: "tiny", Parameters: "39M", VRAMGB: 1},
	{Name: "tiny.en", Parameters: "39M", VRAMGB: 1, EnglishOnly: true},
	{Name: "base", Parameters: "74M", VRAMGB: 1},
	{Name: "base.en", Parameters: "74M", VRAMGB: 1, EnglishOnly: true},
	{Name: "small", Parameters: "244M", VRAMGB: 2},
	{Name: "small.en", Parameters: "244M", VRAMGB: 2, EnglishOnly: true},
	{Name: "medium", Parameters: "769M", VRAMGB: 5},
	{Name: "medium.en", Parameters: "769M", VRAMGB: 5, EnglishOnly: true},
	{Name: "large-v3", Parameters: "1550M", VRAMGB: 10},
	{Name: "turbo", Parameters: "809M", VRAMGB: 6},
}

// DefaultModel is the model used when the configuration names none. It is
// the smallest variant that holds up for meeting audio on CPU-only hosts.
const DefaultModel = "small.en"

// KnownModels returns the model table smallest to largest.
func KnownModels() []ModelInfo {
	out := make([]ModelInfo, len(modelTable))
	copy(out, modelTable)
	return out
}

// LookupModel returns the table entry for name, or false if name is not a
// known variant.
func LookupModel(name string) (ModelInfo, bool) {
	for _, m := range modelTable {
		if m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// ModelFileName returns the conventional ggml file name for a model
// variant, e.g. "ggml-small.en.bin".
func ModelFileName(name string) string {
	return "ggml-" + name + ".bin"
}

// Engine runs batch inference through the whisper.cpp bindings. The model
// is shared; a mutex serializes inference because whisper contexts must not
// run concurrently against one model.
type Engine struct {
	model    whisperlib.Model
	language string
	threads  uint

	mu       sync.Mutex
	langWarn sync.Once
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de", "fr"). Defaults to "en". English-only models ignore it.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithThreads sets the number of CPU threads whisper.cpp may use per
// inference. Zero leaves the bindings' default in place.
func WithThreads(n uint) Option {
	return func(e *Engine) { e.threads = n }
}

// New loads the ggml model from modelPath and returns an Engine backed by
// it. The caller must call Close when the engine is no longer needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Transcribe runs one blocking inference over a 16 kHz mono window and
// returns its segments with offsets relative to the window start. The
// underlying Process call is CGO and cannot be interrupted, so ctx is only
// honored before inference begins.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) ([]types.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: transcribe: %w", err)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: new context: %w", err)
	}
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			// English-only models reject language hints; the model default
			// is still usable, so log once and carry on.
			e.langWarn.Do(func() {
				slog.Warn("whisper: set language failed, using model default",
					slog.String("language", e.language),
					slog.String("error", err.Error()))
			})
		}
	}
	if e.threads > 0 {
		wctx.SetThreads(e.threads)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process window: %w", err)
	}

	var segs []types.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segs = append(segs, types.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  text,
		})
	}
	return segs, nil
}

// Close releases the whisper model. Must be called when the engine is no
// longer needed.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}
