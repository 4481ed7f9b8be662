// Package runtime assembles the dictation daemon: telemetry, the message
// bus, persistence, model discovery, the audio pipeline, and the HTTP
// control surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/clean"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/history"
	"github.com/murmurlabs/murmur-core/internal/llm"
	"github.com/murmurlabs/murmur-core/internal/models"
	"github.com/murmurlabs/murmur-core/internal/natsserver"
	"github.com/murmurlabs/murmur-core/internal/output"
	"github.com/murmurlabs/murmur-core/internal/perf"
	"github.com/murmurlabs/murmur-core/internal/pipeline"
	"github.com/murmurlabs/murmur-core/internal/vad"
)

// devSimPhrases feed the development simulator when no microphone or model
// is available.
var devSimPhrases = []string{
	"um this is a simulated dictation phrase",
	"the quick brown fox you know jumps over the lazy dog",
	"uh testing the cleanup pipeline end to end",
}

type Runtime struct {
	mu         sync.Mutex
	cfg        config.Config
	configPath string
	logger     *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	// baseCtx bounds the lifetime of background workers spawned for the
	// pipeline. It must outlive any single HTTP request.
	baseCtx context.Context

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *history.Store
	models   *models.Manager

	orchestrator *pipeline.Orchestrator
	sampler      *perf.CPUSampler
	simCancel    context.CancelFunc
}

func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.baseCtx = ctx

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}

	r.store, err = history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}

	r.models, err = models.New(r.cfg.Models, r.logger)
	if err != nil {
		return fmt.Errorf("scan model assets: %w", err)
	}

	orch, sampler, err := r.newPipeline(r.cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.orchestrator, r.sampler = orch, sampler
	r.mu.Unlock()

	if r.cfg.DevSim.Enabled {
		r.startDevSimulator(ctx)
	}

	r.startHTTP(metricsHandler)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.httpServer.Addr),
		slog.String("asr_mode", orch.CurrentStatus().ASRMode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.simCancel != nil {
		r.simCancel()
	}
	r.teardownPipeline()
	r.bus.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("history close error", slog.String("error", err.Error()))
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("connect to bus: %w", err)
	}
	return nil
}

// newPipeline constructs the audio path from a config snapshot. Background
// workers are bound to the runtime's own context, never a caller's; a
// request-scoped context would stop the CPU sampler as soon as the request
// finished.
func (r *Runtime) newPipeline(cfg config.Config) (*pipeline.Orchestrator, *perf.CPUSampler, error) {
	mode := r.models.ResolveMode(cfg.ASR.Mode)
	engine := asr.FromConfig(cfg.ASR, mode, r.logger)

	var generator llm.Generator
	if cfg.Clean.Mode == string(clean.ModePolish) || cfg.Clean.Mode == string(clean.ModeCloud) {
		var err error
		generator, err = llm.FromConfig(cfg.Clean, r.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("build polish generator: %w", err)
		}
	}
	cleaner, err := clean.New(cfg.Clean, generator, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build cleaner: %w", err)
	}

	injector, err := output.New(cfg.Output, r.bus, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build output injector: %w", err)
	}

	orch := pipeline.New(cfg, pipeline.Deps{
		Source:    audio.Spawn(cfg.Audio, r.logger),
		Pre:       audio.NewPreprocessor(audio.ParseProcessingMode(cfg.Audio.ProcessingMode), nil, nil, r.logger),
		Detector:  vad.New(cfg.VAD, nil),
		Engine:    engine,
		Cleaner:   cleaner,
		Injector:  injector,
		History:   r.store,
		Publisher: r.bus,
	}, r.logger)

	sampler, err := perf.NewCPUSampler(orch.Perf(),
		time.Duration(cfg.Perf.SampleIntervalMS)*time.Millisecond, r.logger)
	if err != nil {
		r.logger.Warn("cpu sampling unavailable", slog.String("error", err.Error()))
		sampler = nil
	} else {
		baseCtx := r.baseCtx
		if baseCtx == nil {
			baseCtx = context.Background()
		}
		sampler.Start(baseCtx)
	}

	return orch, sampler, nil
}

// pipeline returns the live orchestrator. It is nil only before Start has
// assembled the first pipeline.
func (r *Runtime) pipeline() *pipeline.Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orchestrator
}

func (r *Runtime) teardownPipeline() {
	r.mu.Lock()
	orch, sampler := r.orchestrator, r.sampler
	r.orchestrator, r.sampler = nil, nil
	r.mu.Unlock()

	if sampler != nil {
		sampler.Stop()
	}
	if orch != nil {
		orch.Close()
	}
}

// Reconfigure applies a validated config snapshot. A snapshot that fails
// validation or whose pipeline cannot be built is rejected and the running
// pipeline stays in place; the replacement is fully assembled before the old
// one is torn down. A bare processing-mode preference change is applied hot.
func (r *Runtime) Reconfigure(ctx context.Context, next config.Config) error {
	if err := config.Validate(next); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.cfg

	if onlyProcessingModeChanged(prev, next) {
		r.cfg = next
		if r.orchestrator != nil {
			r.orchestrator.SetProcessingMode(audio.ParseProcessingMode(next.Audio.ProcessingMode))
		}
		r.logger.Info("processing mode updated", slog.String("mode", next.Audio.ProcessingMode))
		return nil
	}

	if pipelineSectionsEqual(prev, next) {
		r.cfg = next
		return nil
	}

	r.logger.Info("rebuilding audio pipeline for new configuration")
	orch, sampler, err := r.newPipeline(next)
	if err != nil {
		return fmt.Errorf("apply new pipeline: %w", err)
	}

	oldOrch, oldSampler := r.orchestrator, r.sampler
	r.orchestrator, r.sampler = orch, sampler
	r.cfg = next

	if oldSampler != nil {
		oldSampler.Stop()
	}
	if oldOrch != nil {
		oldOrch.Close()
	}
	return nil
}

func onlyProcessingModeChanged(prev, next config.Config) bool {
	prevAudio := prev.Audio
	nextAudio := next.Audio
	prevAudio.ProcessingMode = ""
	nextAudio.ProcessingMode = ""
	return prev.Audio.ProcessingMode != next.Audio.ProcessingMode &&
		prevAudio == nextAudio &&
		prev.VAD == next.VAD && prev.ASR == next.ASR &&
		prev.Clean == next.Clean && prev.Output == next.Output &&
		prev.Perf == next.Perf
}

func pipelineSectionsEqual(prev, next config.Config) bool {
	return reflect.DeepEqual(prev.Audio, next.Audio) &&
		prev.VAD == next.VAD && prev.ASR == next.ASR &&
		prev.Clean == next.Clean && prev.Output == next.Output &&
		prev.Perf == next.Perf
}

func (r *Runtime) startDevSimulator(ctx context.Context) {
	ctx, r.simCancel = context.WithCancel(ctx)
	interval := time.Duration(r.cfg.DevSim.IntervalMS) * time.Millisecond
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orch := r.pipeline()
				if orch == nil {
					continue
				}
				orch.ProcessTranscription(ctx, devSimPhrases[i%len(devSimPhrases)], 450*time.Millisecond, 0.3)
				i++
			}
		}
	}()
	r.logger.Info("development transcription simulator enabled", slog.Duration("interval", interval))
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/session/start", r.handleSessionStart)
	mux.HandleFunc("/v1/session/stop", r.handleSessionStop)
	mux.HandleFunc("/v1/status", r.handleStatus)
	mux.HandleFunc("/v1/devices", r.handleDevices)
	mux.HandleFunc("/v1/models", r.handleModels)
	mux.HandleFunc("/v1/metrics/engine", r.handleEngineMetrics)
	mux.HandleFunc("/v1/simulate/transcription", r.handleSimulateTranscription)
	mux.HandleFunc("/v1/simulate/performance", r.handleSimulatePerformance)
	mux.HandleFunc("/v1/config/reload", r.handleConfigReload)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orch := r.pipeline()
	if orch == nil {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}
	sessionID := orch.StartListening(req.Context())
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

func (r *Runtime) handleSessionStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orch := r.pipeline()
	if orch == nil {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}
	orch.StopListening(req.Context())
	writeJSON(w, http.StatusOK, orch.CurrentStatus())
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	orch := r.pipeline()
	if orch == nil {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, orch.CurrentStatus())
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	audioCfg := r.cfg.Audio
	r.mu.Unlock()
	devices := audio.ListDevices(audioCfg, r.logger)
	if devices == nil {
		devices = []audio.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (r *Runtime) handleModels(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodPost {
		if err := r.models.Rescan(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, r.models.Assets())
}

func (r *Runtime) handleEngineMetrics(w http.ResponseWriter, _ *http.Request) {
	orch := r.pipeline()
	if orch == nil {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, orch.Perf().Snapshot())
}

func (r *Runtime) handleSimulateTranscription(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Text      string  `json:"text"`
		LatencyMS int64   `json:"latency_ms"`
		CPU       float64 `json:"cpu"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	orch := r.pipeline()
	if orch == nil {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}
	orch.ProcessTranscription(req.Context(), body.Text,
		time.Duration(body.LatencyMS)*time.Millisecond, body.CPU)
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleSimulatePerformance(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		LatencyMS int64   `json:"latency_ms"`
		CPU       float64 `json:"cpu"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	orch := r.pipeline()
	if orch == nil {
		http.Error(w, "pipeline not ready", http.StatusServiceUnavailable)
		return
	}
	orch.SimulatePerformance(time.Duration(body.LatencyMS)*time.Millisecond, body.CPU)
	writeJSON(w, http.StatusOK, orch.Perf().Snapshot())
}

func (r *Runtime) handleConfigReload(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	next, err := config.Load(r.configPath)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := r.Reconfigure(req.Context(), next); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
