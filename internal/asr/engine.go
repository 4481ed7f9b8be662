package asr

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/murmurlabs/murmur-core/internal/config"
)

// maxBufferedSamples caps the rolling buffer at roughly 2 minutes of
// 16 kHz audio; older samples are dropped FIFO.
const maxBufferedSamples = 16000 * 120

// Engine wraps a pluggable recognition backend behind deterministic
// fallback behavior: with no backend configured both Recognize and Finalize
// degrade to fixed simulated outputs so the pipeline stays testable.
type Engine struct {
	cfg     Config
	backend Backend
	batch   BatchBackend
	log     *slog.Logger

	mu    sync.Mutex
	state streamingState
}

// Config captures the recognition settings fixed at construction.
type Config struct {
	Mode               Mode
	Language           string
	AutoDetectLanguage bool
}

type streamingState struct {
	buffer   []float32
	lastText string
	stream   Stream
	// failed disables the backend for the remainder of the utterance;
	// cleared on Finalize and Reset.
	failed bool
}

// NewEngine builds an engine with explicit backends; either may be nil.
func NewEngine(cfg Config, backend Backend, batch BatchBackend, log *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		backend: backend,
		batch:   batch,
		log:     log.With(slog.String("component", "asr-engine")),
	}
}

// FromConfig selects backends from configuration. Backend construction
// failures are logged and degrade to the simulated path, never fatal.
func FromConfig(asrCfg config.ASRConfig, mode Mode, log *slog.Logger) *Engine {
	cfg := Config{
		Mode:               mode,
		Language:           asrCfg.Language,
		AutoDetectLanguage: asrCfg.AutoDetectLanguage,
	}

	var backend Backend
	var batch BatchBackend
	switch asrCfg.Backend {
	case "stream-exec":
		if mode == ModeStreaming {
			b, err := NewStreamExecBackend(asrCfg.Command)
			if err != nil {
				log.Warn("failed to init streaming recognizer backend", slog.String("error", err.Error()))
			} else {
				backend = b
			}
		}
	case "whisper-native":
		b, err := NewWhisperBackend(asrCfg.ModelPath, asrCfg.Language)
		if err != nil {
			log.Warn("failed to init whisper backend", slog.String("error", err.Error()))
		} else {
			batch = b
		}
	case "exec":
		b, err := NewBatchExecBackend(asrCfg)
		if err != nil {
			log.Warn("failed to init exec recognizer backend", slog.String("error", err.Error()))
		} else {
			batch = b
		}
	}

	return NewEngine(cfg, backend, batch, log)
}

// Mode reports the recognition strategy fixed at construction.
func (e *Engine) Mode() Mode {
	return e.cfg.Mode
}

// Recognize consumes one gated chunk of audio while listening. In streaming
// mode it returns completed results only on endpoints; everything else is
// pending. In whisper mode audio just accumulates for Finalize.
func (e *Engine) Recognize(frames []float32) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.buffer = append(e.state.buffer, frames...)
	e.truncateBuffer()

	if e.cfg.Mode == ModeStreaming {
		return e.recognizeStreaming(frames)
	}

	// Batch mode: nothing to decode yet, report the nominal batch cost so
	// the performance controller sees representative numbers.
	return Result{Text: simulatedWhisperOutput, Latency: latencySimulatedWhisper}
}

func (e *Engine) recognizeStreaming(frames []float32) Result {
	if e.backend != nil && !e.state.failed {
		if res, handled := e.recognizeWithBackend(frames); handled {
			return res
		}
	}

	if e.state.lastText == "" {
		e.state.lastText = simulatedStreamingOutput
	}
	return Result{Text: e.state.lastText, Latency: latencySimulatedStream}
}

// recognizeWithBackend drives the streaming decoder handle. It returns
// handled=false when the backend is unusable for the remainder of the
// utterance and the caller should fall back.
func (e *Engine) recognizeWithBackend(frames []float32) (Result, bool) {
	st := &e.state

	if st.stream == nil {
		stream, err := e.backend.OpenStream()
		if err != nil {
			e.log.Warn("failed to open recognizer stream", slog.String("error", err.Error()))
			st.failed = true
			return Result{}, false
		}
		st.stream = stream
	}

	if err := st.stream.Accept(frames); err != nil {
		e.log.Warn("recognizer accept failed", slog.String("error", err.Error()))
		e.failStream()
		return Result{}, false
	}

	decoded, err := st.stream.Decode()
	if err != nil {
		e.log.Warn("recognizer decode failed", slog.String("error", err.Error()))
		e.failStream()
		return Result{}, false
	}

	endpoint := st.stream.Endpoint()
	trimmed := strings.TrimSpace(decoded)

	if trimmed == "" {
		if endpoint && st.lastText != "" {
			final, err := st.stream.Finish()
			if err != nil {
				e.log.Warn("recognizer finalize failed", slog.String("error", err.Error()))
				final = ""
			}
			if t := strings.TrimSpace(final); t != "" {
				st.lastText = t
			}
			st.stream.Close()
			st.stream = nil
			return Result{Text: st.lastText, Latency: latencyStreamingFinal}, true
		}
		return Result{Pending: true}, true
	}

	if trimmed != st.lastText {
		st.lastText = trimmed
	}

	if endpoint {
		final, err := st.stream.Finish()
		if err != nil {
			e.log.Warn("recognizer finalize failed", slog.String("error", err.Error()))
			final = st.lastText
		}
		if t := strings.TrimSpace(final); t != "" {
			st.lastText = t
		}
		st.stream.Close()
		st.stream = nil
		return Result{Text: st.lastText, Latency: latencyEndpoint}, true
	}

	return Result{Text: st.lastText, Latency: latencyPartial, Pending: true}, true
}

func (e *Engine) failStream() {
	if e.state.stream != nil {
		e.state.stream.Close()
		e.state.stream = nil
	}
	e.state.failed = true
}

// Finalize drains any open stream with a best-effort final transcript,
// clears all buffered audio and text, and resets the failure flag. It
// returns ok=false when no non-empty text was produced.
func (e *Engine) Finalize() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.Mode == ModeWhisper {
		return e.finalizeWhisper()
	}
	return e.finalizeStreaming()
}

func (e *Engine) finalizeStreaming() (Result, bool) {
	st := &e.state

	if e.backend != nil && !st.failed {
		if res, ok := e.finalizeWithBackend(); ok {
			e.clearState()
			return res, true
		}
	}

	text := strings.TrimSpace(st.lastText)
	e.clearState()
	if text == "" {
		return Result{}, false
	}
	return Result{Text: text, Latency: latencyStreamingFinal}, true
}

func (e *Engine) finalizeWithBackend() (Result, bool) {
	st := &e.state

	if st.stream != nil {
		stream := st.stream
		st.stream = nil
		final, err := stream.Finish()
		stream.Close()
		if err != nil {
			e.log.Warn("recognizer finalize failed", slog.String("error", err.Error()))
			st.failed = true
			return Result{}, false
		}
		trimmed := strings.TrimSpace(final)
		if trimmed == "" && strings.TrimSpace(st.lastText) == "" {
			return Result{}, false
		}
		if trimmed != "" {
			st.lastText = trimmed
		}
		return Result{Text: st.lastText, Latency: latencyEndpoint}, true
	}

	if strings.TrimSpace(st.lastText) == "" {
		return Result{}, false
	}
	return Result{Text: st.lastText, Latency: latencyEndpoint}, true
}

func (e *Engine) finalizeWhisper() (Result, bool) {
	st := &e.state

	text := strings.TrimSpace(st.lastText)
	if e.batch != nil && len(st.buffer) > 0 && !st.failed {
		transcribed, err := e.batch.Transcribe(st.buffer)
		if err != nil {
			e.log.Warn("batch transcription failed", slog.String("error", err.Error()))
		} else if t := strings.TrimSpace(transcribed); t != "" {
			text = t
		}
	}

	e.clearState()
	if text == "" {
		return Result{}, false
	}
	return Result{Text: text, Latency: latencySimulatedWhisper}, true
}

// Reset discards buffered audio, last text, and any open backend stream
// without attempting a finalize.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearState()
}

func (e *Engine) clearState() {
	if e.state.stream != nil {
		e.state.stream.Close()
		e.state.stream = nil
	}
	e.state.buffer = nil
	e.state.lastText = ""
	e.state.failed = false
}

// BufferedSamples reports the rolling buffer size.
func (e *Engine) BufferedSamples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state.buffer)
}

func (e *Engine) truncateBuffer() {
	if overflow := len(e.state.buffer) - maxBufferedSamples; overflow > 0 {
		e.state.buffer = e.state.buffer[overflow:]
	}
}
