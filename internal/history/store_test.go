package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralWritesNothing(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	hs, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	if err := hs.AppendTranscript(ctx, Transcript{SessionID: "s", Text: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	out, err := hs.ListTranscripts(ctx, "s", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 0 {
		t.Fatal("ephemeral store must not retain transcripts")
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	sessionID := "session-123"
	if err := hs.StartSession(context.Background(), sessionID, "device-1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := hs.AppendTranscript(context.Background(), Transcript{SessionID: sessionID, Text: "Hello world.", CleanMode: "fast", LatencyMS: 650}); err != nil {
		t.Fatalf("append transcript: %v", err)
	}
	if err := hs.EndSession(context.Background(), sessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	out, err := hs.ListTranscripts(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(out))
	}
	if out[0].Text != "Hello world." || out[0].CleanMode != "fast" {
		t.Fatalf("unexpected transcript %+v", out[0])
	}
}

func TestPerformanceEventsRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	if err := hs.AppendPerformanceEvent(context.Background(), PerformanceRecord{Kind: "degraded", LatencyMS: 2500, CPUPercent: 80}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := hs.AppendPerformanceEvent(context.Background(), PerformanceRecord{Kind: "recovered", LatencyMS: 500, CPUPercent: 30}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	out, err := hs.ListPerformanceEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out))
	}
	if out[0].Kind != "degraded" && out[1].Kind != "degraded" {
		t.Fatalf("missing degraded event in %+v", out)
	}
}

func TestDebugTranscriptsRequireOptIn(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	if err := hs.StartSession(context.Background(), "s", ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := hs.AppendTranscript(context.Background(), Transcript{SessionID: "s", Text: "raw hypothesis", Debug: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	out, err := hs.ListTranscripts(context.Background(), "s", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 0 {
		t.Fatal("debug transcript stored without opt-in")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	hs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := hs.StartSession(context.Background(), "old-session", ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := hs.AppendTranscript(context.Background(), Transcript{SessionID: "old-session", Text: "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	hs.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := hs.StartSession(context.Background(), "new-session", ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := hs.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	out, err := hs.ListTranscripts(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 0 {
		t.Fatal("expected old session transcripts pruned")
	}
}

func TestDebugTranscriptsExpireEarly(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", DebugTranscripts: true}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	hs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := hs.StartSession(context.Background(), "s", ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := hs.AppendTranscript(context.Background(), Transcript{SessionID: "s", Text: "raw", Debug: true}); err != nil {
		t.Fatalf("append: %v", err)
	}

	hs.clock = func() time.Time { return time.Date(2025, 1, 2, 1, 0, 0, 0, time.UTC) }
	if err := hs.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	out, err := hs.ListTranscripts(context.Background(), "s", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 0 {
		t.Fatal("expected debug transcript expired after TTL")
	}
}
