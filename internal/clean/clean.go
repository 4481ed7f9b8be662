// Package clean normalizes raw dictation transcripts. Fast cleanup is a
// pure text pipeline; polish routes through a language model and falls back
// to fast cleanup when the model is unavailable.
package clean

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/llm"
)

// Mode selects the cleanup tier applied to finalized transcripts.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeFast   Mode = "fast"
	ModePolish Mode = "polish"
	ModeCloud  Mode = "cloud"
)

// ParseMode validates a tier name.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeOff, ModeFast, ModePolish, ModeCloud:
		return Mode(raw), nil
	case "":
		return ModeFast, nil
	}
	return "", fmt.Errorf("unknown clean mode %q", raw)
}

var (
	fillerPattern     = regexp.MustCompile(`\b(um|uh|like|you know)\b[, ]*`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

const polishSystemPrompt = "You are a dictation cleanup assistant. Rewrite the transcript with correct punctuation, capitalization, and spacing. Remove filler words. Preserve the speaker's wording otherwise. Reply with the cleaned text only."

// Cleaner applies the configured tier to finalized transcripts.
type Cleaner struct {
	mode      Mode
	generator llm.Generator
	cfg       config.CleanConfig
	log       *slog.Logger
}

// New builds a cleaner. The generator is only consulted for the polish and
// cloud tiers and may be nil otherwise.
func New(cfg config.CleanConfig, generator llm.Generator, log *slog.Logger) (*Cleaner, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Cleaner{
		mode:      mode,
		generator: generator,
		cfg:       cfg,
		log:       log.With(slog.String("component", "clean")),
	}, nil
}

// Mode reports the active tier.
func (c *Cleaner) Mode() Mode {
	return c.mode
}

// Apply cleans one finalized transcript according to the active tier.
func (c *Cleaner) Apply(ctx context.Context, text string) string {
	switch c.mode {
	case ModeOff:
		return text
	case ModeFast:
		return Fast(text)
	case ModePolish, ModeCloud:
		return c.polish(ctx, text)
	}
	return Fast(text)
}

func (c *Cleaner) polish(ctx context.Context, text string) string {
	if c.generator == nil {
		return Fast(text)
	}

	var out strings.Builder
	err := c.generator.Generate(ctx, llm.Request{
		Prompt:      text,
		System:      polishSystemPrompt,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}, func(chunk llm.Chunk) error {
		out.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		c.log.Warn("polish cleanup failed, using fast tier", slog.String("error", err.Error()))
		return Fast(text)
	}

	polished := strings.TrimSpace(out.String())
	if polished == "" {
		return Fast(text)
	}
	return polished
}

// Fast strips filler words, collapses whitespace, capitalizes the first
// letter, and guarantees terminal punctuation. It is idempotent.
func Fast(text string) string {
	cleaned := fillerPattern.ReplaceAllString(text, "")
	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}

	runes := []rune(cleaned)
	runes[0] = unicode.ToUpper(runes[0])
	cleaned = string(runes)

	if !strings.HasSuffix(cleaned, ".") && !strings.HasSuffix(cleaned, "!") && !strings.HasSuffix(cleaned, "?") {
		cleaned += "."
	}
	return cleaned
}
