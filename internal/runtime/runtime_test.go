package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/history"
	"github.com/murmurlabs/murmur-core/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRuntime assembles a runtime with a live pipeline but no HTTP
// server or message bus.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.History.RetentionMode = "ephemeral"
	cfg.Models.Directory = t.TempDir()
	cfg.Perf.SampleIntervalMS = 10

	r := New(cfg, "", testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.baseCtx = ctx

	var err error
	r.store, err = history.Open(ctx, cfg.History, r.logger)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = r.store.Close() })

	r.models, err = models.New(cfg.Models, r.logger)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}

	orch, sampler, err := r.newPipeline(cfg)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	r.orchestrator, r.sampler = orch, sampler
	t.Cleanup(r.teardownPipeline)
	return r
}

func TestStatusUnavailableBeforeFirstPipeline(t *testing.T) {
	r := New(config.Default(), "", testLogger())

	rec := httptest.NewRecorder()
	r.handleStatus(rec, httptest.NewRequest("GET", "/v1/status", nil))

	if rec.Code != 503 {
		t.Fatalf("expected 503 before the pipeline exists, got %d", rec.Code)
	}
}

func TestReconfigureOutlivesCallerContext(t *testing.T) {
	r := newTestRuntime(t)
	if r.sampler == nil {
		t.Skip("cpu sampling unavailable on this host")
	}

	next := r.cfg
	next.VAD.HangoverMS = 300

	// A reload request's context is cancelled the moment the handler
	// returns; the rebuilt sampler must not die with it.
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Reconfigure(reqCtx, next); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.pipeline().Perf().Snapshot().AverageCPUPercent > 0 {
			return
		}
	}
	t.Fatal("cpu sampler stopped feeding the controller after reconfiguration")
}

func TestReconfigureKeepsPipelineOnBuildFailure(t *testing.T) {
	r := newTestRuntime(t)
	before := r.pipeline()

	next := r.cfg
	next.Clean.Mode = "polish"
	next.Clean.PolishMode = "exec"
	next.Clean.Command = "'"

	if err := r.Reconfigure(context.Background(), next); err == nil {
		t.Fatal("expected an unbuildable snapshot to be rejected")
	}
	if r.pipeline() != before {
		t.Fatal("running pipeline must survive a failed reconfiguration")
	}
	if r.cfg.Clean.Mode != "fast" {
		t.Fatalf("configuration must stay unchanged, got clean mode %q", r.cfg.Clean.Mode)
	}
}

func TestStatusServedDuringReconfigure(t *testing.T) {
	r := newTestRuntime(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			orch := r.pipeline()
			if orch == nil {
				t.Error("pipeline handle was nil mid-reload")
				return
			}
			orch.CurrentStatus()
		}
	}()

	next := r.cfg
	next.VAD.HangoverMS = 300
	if err := r.Reconfigure(context.Background(), next); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	<-done

	if got := r.cfg.VAD.HangoverMS; got != 300 {
		t.Fatalf("expected new configuration applied, got hangover %d", got)
	}
}
