// This file contains the whisper.cpp batch backend using the CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.

package asr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperBackend runs whole-utterance transcription through whisper.cpp.
// The model is loaded once; each Transcribe call creates a fresh context
// because contexts are not safe for reuse across goroutines.
type WhisperBackend struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
}

// NewWhisperBackend loads the model from modelPath. language may be empty,
// in which case the bindings' default applies.
func NewWhisperBackend(modelPath, language string) (*WhisperBackend, error) {
	if modelPath == "" {
		return nil, errors.New("whisper model path not configured")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q: %w", modelPath, err)
	}
	return &WhisperBackend{model: model, language: language}, nil
}

// Transcribe runs inference over the accumulated utterance.
func (b *WhisperBackend) Transcribe(samples []float32) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wctx, err := b.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if b.language != "" {
		if err := wctx.SetLanguage(b.language); err != nil {
			return "", fmt.Errorf("set whisper language %q: %w", b.language, err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper inference: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read whisper segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the loaded model.
func (b *WhisperBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model != nil {
		err := b.model.Close()
		b.model = nil
		return err
	}
	return nil
}
