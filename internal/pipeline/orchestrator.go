// Package pipeline wires capture, preprocessing, voice activity gating,
// recognition, and delivery into one dictation loop.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/clean"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/history"
	"github.com/murmurlabs/murmur-core/internal/output"
	"github.com/murmurlabs/murmur-core/internal/perf"
	"github.com/murmurlabs/murmur-core/internal/protocol"
	"github.com/murmurlabs/murmur-core/internal/vad"
)

// Session states broadcast on the bus.
const (
	StateIdle       = "idle"
	StateListening  = "listening"
	StateProcessing = "processing"
)

// simulatedSessionID groups transcripts injected outside a live session.
const simulatedSessionID = "simulated"

// Publisher is the broadcast surface the orchestrator emits events on.
type Publisher interface {
	PublishJSON(subject string, payload any)
}

// Deps collects the components the orchestrator coordinates.
type Deps struct {
	Source    *audio.Source
	Pre       *audio.Preprocessor
	Detector  *vad.Detector
	Engine    *asr.Engine
	Cleaner   *clean.Cleaner
	Injector  *output.Injector
	History   *history.Store
	Publisher Publisher
}

// Orchestrator runs the dictation loop: frames flow in continuously, are
// preprocessed and gated, and recognized audio accumulates until the session
// stops, at which point the transcript is cleaned and delivered.
type Orchestrator struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger
	perf *perf.Controller

	listening atomic.Bool

	mu          sync.Mutex
	sessionID   string
	state       string
	lastPartial string

	// procMu guards the preprocessor, which is also touched by performance
	// transitions arriving from other goroutines.
	procMu sync.Mutex

	shutdown chan struct{}
	wg       sync.WaitGroup

	framesProcessed   metric.Int64Counter
	framesGated       metric.Int64Counter
	transcriptsOutput metric.Int64Counter
}

// New builds the orchestrator and its performance controller and starts the
// frame loop.
func New(cfg config.Config, deps Deps, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      log.With(slog.String("component", "pipeline")),
		state:    StateIdle,
		shutdown: make(chan struct{}),
	}
	o.perf = perf.New(cfg.Perf, o, log)
	o.initMetrics()

	o.wg.Add(1)
	go o.frameLoop()

	return o
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter("github.com/murmurlabs/murmur-core/internal/pipeline")
	var err error
	if o.framesProcessed, err = meter.Int64Counter("murmur.frames.processed"); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if o.framesGated, err = meter.Int64Counter("murmur.frames.speech"); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if o.transcriptsOutput, err = meter.Int64Counter("murmur.transcripts.delivered"); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Perf exposes the performance controller for the CPU sampler and hooks.
func (o *Orchestrator) Perf() *perf.Controller {
	return o.perf
}

func (o *Orchestrator) frameLoop() {
	defer o.wg.Done()

	frames := o.deps.Source.Subscribe()
	for {
		select {
		case <-o.shutdown:
			return
		case ev, ok := <-frames:
			if !ok {
				return
			}
			if ev.Stopped {
				o.log.Warn("capture device stopped mid-stream")
				o.StopListening(context.Background())
				continue
			}
			if !o.listening.Load() {
				continue
			}
			o.handleFrame(ev.Frame)
		}
	}
}

func (o *Orchestrator) handleFrame(frame []float32) {
	ctx := context.Background()
	if o.framesProcessed != nil {
		o.framesProcessed.Add(ctx, 1)
	}

	o.procMu.Lock()
	o.deps.Pre.Process(frame)
	o.procMu.Unlock()

	if o.deps.Detector.Evaluate(frame) != vad.Active {
		return
	}
	if o.framesGated != nil {
		o.framesGated.Add(ctx, 1)
	}

	res := o.deps.Engine.Recognize(frame)
	// Only completed recognitions count as latency samples; pending partials
	// are progress reports and leave the slow counter untouched.
	if res.Latency > 0 && !res.Pending {
		o.perf.Observe(res.Latency)
	}
	if res.Text != "" {
		o.publishPartial(res.Text)
	}
}

func (o *Orchestrator) publishPartial(text string) {
	o.mu.Lock()
	if text == o.lastPartial {
		o.mu.Unlock()
		return
	}
	o.lastPartial = text
	sessionID := o.sessionID
	o.mu.Unlock()

	o.deps.Publisher.PublishJSON(protocol.SubjectTranscriptionPartial, protocol.TranscriptionPartial{
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// StartListening opens a new dictation session. Starting while already
// listening returns the current session ID.
func (o *Orchestrator) StartListening(ctx context.Context) string {
	o.mu.Lock()
	if o.listening.Load() {
		id := o.sessionID
		o.mu.Unlock()
		return id
	}
	o.sessionID = uuid.NewString()
	o.lastPartial = ""
	sessionID := o.sessionID
	o.mu.Unlock()

	o.deps.Engine.Reset()
	if err := o.deps.History.StartSession(ctx, sessionID, o.deps.Source.DeviceID()); err != nil {
		o.log.Warn("failed to record session start", slog.String("error", err.Error()))
	}

	o.setState(sessionID, StateListening)
	o.listening.Store(true)
	o.log.Info("dictation session started", slog.String("session_id", sessionID))
	return sessionID
}

// StopListening ends the session: the engine is finalized, the transcript
// cleaned and delivered, and the session closed out. Stopping while idle is
// a no-op.
func (o *Orchestrator) StopListening(ctx context.Context) {
	if !o.listening.CompareAndSwap(true, false) {
		return
	}

	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	o.setState(sessionID, StateProcessing)

	if res, ok := o.deps.Engine.Finalize(); ok {
		o.perf.Observe(res.Latency)
		o.deliver(ctx, sessionID, res)
	}

	if err := o.deps.History.EndSession(ctx, sessionID); err != nil {
		o.log.Warn("failed to record session end", slog.String("error", err.Error()))
	}

	o.setState(sessionID, StateIdle)
	o.log.Info("dictation session ended", slog.String("session_id", sessionID))
}

func (o *Orchestrator) deliver(ctx context.Context, sessionID string, res asr.Result) {
	cleaned := o.deps.Cleaner.Apply(ctx, res.Text)
	if cleaned == "" {
		return
	}

	out := protocol.TranscriptionOutput{
		SessionID: sessionID,
		Text:      cleaned,
		CleanMode: string(o.deps.Cleaner.Mode()),
		LatencyMS: res.Latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	o.deps.Injector.Deliver(out)
	if o.transcriptsOutput != nil {
		o.transcriptsOutput.Add(ctx, 1)
	}

	if err := o.deps.History.AppendTranscript(ctx, history.Transcript{
		SessionID: sessionID,
		Text:      cleaned,
		CleanMode: out.CleanMode,
		LatencyMS: out.LatencyMS,
	}); err != nil {
		o.log.Warn("failed to record transcript", slog.String("error", err.Error()))
	}
	if o.cfg.History.DebugTranscripts && res.Text != cleaned {
		if err := o.deps.History.AppendTranscript(ctx, history.Transcript{
			SessionID: sessionID,
			Text:      res.Text,
			CleanMode: "raw",
			LatencyMS: out.LatencyMS,
			Debug:     true,
		}); err != nil {
			o.log.Warn("failed to record debug transcript", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) setState(sessionID, state string) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	o.deps.Publisher.PublishJSON(protocol.SubjectSessionState, protocol.SessionStateChange{
		SessionID: sessionID,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

// ProcessTranscription pushes text through the same metrics, cleanup, and
// delivery path as live audio, bypassing capture. Used by the development
// simulator and the simulation endpoint.
func (o *Orchestrator) ProcessTranscription(ctx context.Context, text string, latency time.Duration, cpu float64) {
	if cpu > 0 {
		o.perf.RecordCPU(cpu)
	}
	if latency > 0 {
		o.perf.Observe(latency)
	}

	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	if sessionID == "" {
		// No live session; transcripts reference a synthetic one so the
		// history foreign key holds.
		sessionID = simulatedSessionID
		if err := o.deps.History.StartSession(ctx, sessionID, "simulator"); err != nil {
			o.log.Warn("failed to record simulated session", slog.String("error", err.Error()))
		}
	}
	o.deliver(ctx, sessionID, asr.Result{Text: text, Latency: latency})
}

// SimulatePerformance feeds synthetic latency and CPU samples through the
// real degradation triggers.
func (o *Orchestrator) SimulatePerformance(latency time.Duration, cpu float64) {
	o.perf.RecordCPU(cpu)
	o.perf.Observe(latency)
}

// SetProcessingMode updates the preferred preprocessing mode at runtime.
func (o *Orchestrator) SetProcessingMode(mode audio.ProcessingMode) {
	o.procMu.Lock()
	o.deps.Pre.SetPreferredMode(mode)
	effective := o.deps.Pre.EffectiveMode()
	o.procMu.Unlock()
	o.publishModeChange(mode, effective, "preference")
}

func (o *Orchestrator) publishModeChange(preferred, effective audio.ProcessingMode, reason string) {
	o.deps.Publisher.PublishJSON(protocol.SubjectProcessingMode, protocol.ProcessingModeChange{
		Preferred: string(preferred),
		Effective: string(effective),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// Status is the live pipeline view exposed over HTTP.
type Status struct {
	State          string                   `json:"state"`
	SessionID      string                   `json:"session_id,omitempty"`
	Listening      bool                     `json:"listening"`
	SyntheticAudio bool                     `json:"synthetic_audio"`
	PreferredMode  string                   `json:"preferred_mode"`
	EffectiveMode  string                   `json:"effective_mode"`
	ASRMode        string                   `json:"asr_mode"`
	Metrics        protocol.MetricsSnapshot `json:"metrics"`
}

// CurrentStatus reports the live pipeline state.
func (o *Orchestrator) CurrentStatus() Status {
	o.mu.Lock()
	state := o.state
	sessionID := o.sessionID
	o.mu.Unlock()

	o.procMu.Lock()
	preferred := o.deps.Pre.PreferredMode()
	effective := o.deps.Pre.EffectiveMode()
	o.procMu.Unlock()

	return Status{
		State:          state,
		SessionID:      sessionID,
		Listening:      o.listening.Load(),
		SyntheticAudio: o.deps.Source.Synthetic(),
		PreferredMode:  string(preferred),
		EffectiveMode:  string(effective),
		ASRMode:        string(o.deps.Engine.Mode()),
		Metrics:        o.perf.Snapshot(),
	}
}

// Close stops the frame loop and the audio source. Sessions in flight are
// finalized first so buffered speech is not lost.
func (o *Orchestrator) Close() {
	o.StopListening(context.Background())
	close(o.shutdown)
	o.deps.Source.Close()
	o.wg.Wait()
}

// MetricsUpdated re-broadcasts every metrics mutation.
func (o *Orchestrator) MetricsUpdated(snapshot protocol.MetricsSnapshot) {
	o.deps.Publisher.PublishJSON(protocol.SubjectMetrics, snapshot)
}

// PerformanceDegraded forces standard processing and a shorter hangover so
// the pipeline sheds load, then broadcasts the warning.
func (o *Orchestrator) PerformanceDegraded(snapshot protocol.MetricsSnapshot) {
	o.procMu.Lock()
	o.deps.Pre.SetPerformanceOverride(true)
	preferred := o.deps.Pre.PreferredMode()
	effective := o.deps.Pre.EffectiveMode()
	o.procMu.Unlock()

	shrunk := o.cfg.VAD.HangoverMS
	if o.cfg.Perf.MinHangoverMS < shrunk {
		shrunk = o.cfg.Perf.MinHangoverMS
	}
	o.deps.Detector.SetHangover(time.Duration(shrunk) * time.Millisecond)

	o.publishModeChange(preferred, effective, "performance")
	o.deps.Publisher.PublishJSON(protocol.SubjectPerformanceWarning, protocol.PerformanceEvent{
		Metrics:   snapshot,
		Timestamp: time.Now().UTC(),
	})
	o.recordPerformanceEvent("degraded", snapshot)
}

// PerformanceRecovered restores the preferred processing mode and the
// configured hangover, then broadcasts the recovery.
func (o *Orchestrator) PerformanceRecovered(snapshot protocol.MetricsSnapshot) {
	o.procMu.Lock()
	o.deps.Pre.SetPerformanceOverride(false)
	preferred := o.deps.Pre.PreferredMode()
	effective := o.deps.Pre.EffectiveMode()
	o.procMu.Unlock()

	o.deps.Detector.SetHangover(time.Duration(o.cfg.VAD.HangoverMS) * time.Millisecond)

	o.publishModeChange(preferred, effective, "recovered")
	o.deps.Publisher.PublishJSON(protocol.SubjectPerformanceRecovered, protocol.PerformanceEvent{
		Metrics:   snapshot,
		Timestamp: time.Now().UTC(),
	})
	o.recordPerformanceEvent("recovered", snapshot)
}

func (o *Orchestrator) recordPerformanceEvent(kind string, snapshot protocol.MetricsSnapshot) {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()

	err := o.deps.History.AppendPerformanceEvent(context.Background(), history.PerformanceRecord{
		SessionID:  sessionID,
		Kind:       kind,
		LatencyMS:  snapshot.LastLatencyMS,
		CPUPercent: snapshot.AverageCPUPercent,
	})
	if err != nil {
		o.log.Warn("recording performance event failed", slog.String("error", err.Error()))
	}
}
