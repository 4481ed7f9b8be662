package clean

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFastRemovesFillersAndNormalizes(t *testing.T) {
	got := Fast(" um hello  world  ")
	if got != "Hello world." {
		t.Fatalf("expected %q, got %q", "Hello world.", got)
	}
}

func TestFastIsIdempotent(t *testing.T) {
	once := Fast("you know this is, uh fine")
	twice := Fast(once)
	if once != twice {
		t.Fatalf("fast cleanup not idempotent: %q vs %q", once, twice)
	}
}

func TestFastKeepsExistingPunctuation(t *testing.T) {
	if got := Fast("is this working?"); got != "Is this working?" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestFastEmptyAfterFillerRemoval(t *testing.T) {
	if got := Fast("um, uh "); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestOffTierIsIdentity(t *testing.T) {
	c, err := New(config.CleanConfig{Mode: "off"}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	raw := " um hello "
	if got := c.Apply(context.Background(), raw); got != raw {
		t.Fatalf("off tier must not modify text, got %q", got)
	}
}

func TestParseModeRejectsUnknown(t *testing.T) {
	if _, err := ParseMode("aggressive"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	mode, err := ParseMode("")
	if err != nil || mode != ModeFast {
		t.Fatalf("expected empty mode to default to fast, got %v %v", mode, err)
	}
}

type fixedGenerator struct {
	content string
	err     error
}

func (g fixedGenerator) Generate(_ context.Context, _ llm.Request, consumer func(llm.Chunk) error) error {
	if g.err != nil {
		return g.err
	}
	return consumer(llm.Chunk{Content: g.content})
}

func TestPolishUsesGenerator(t *testing.T) {
	c, err := New(config.CleanConfig{Mode: "polish"}, fixedGenerator{content: "Hello, world."}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Apply(context.Background(), "hello world"); got != "Hello, world." {
		t.Fatalf("unexpected polish output %q", got)
	}
}

func TestPolishFallsBackToFastOnError(t *testing.T) {
	c, err := New(config.CleanConfig{Mode: "polish"}, fixedGenerator{err: errors.New("model offline")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Apply(context.Background(), " um hello  world  "); got != "Hello world." {
		t.Fatalf("expected fast fallback, got %q", got)
	}
}

func TestPolishFallsBackWithoutGenerator(t *testing.T) {
	c, err := New(config.CleanConfig{Mode: "polish"}, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Apply(context.Background(), "hello"); got != "Hello." {
		t.Fatalf("expected fast fallback, got %q", got)
	}
}
