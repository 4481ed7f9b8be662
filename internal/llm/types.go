package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// FromConfig builds the generator named by the polish configuration.
func FromConfig(cfg config.CleanConfig, log *slog.Logger) (Generator, error) {
	switch cfg.PolishMode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown polish mode %q", cfg.PolishMode)
	}
}
