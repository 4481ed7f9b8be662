package protocol

import "time"

// MetricsSnapshot is the engine metrics payload re-broadcast on every
// metrics mutation so observers always see fresh numbers.
type MetricsSnapshot struct {
	LastLatencyMS     int64   `json:"last_latency_ms"`
	AverageCPUPercent float64 `json:"average_cpu_percent"`
	ConsecutiveSlow   int     `json:"consecutive_slow"`
	PerformanceMode   bool    `json:"performance_mode"`
}

// TranscriptionOutput carries finished, cleaned text for delivery.
type TranscriptionOutput struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	CleanMode string    `json:"clean_mode"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingModeChange reports the preferred and actually-applied audio
// processing mode whenever either changes.
type ProcessingModeChange struct {
	Preferred string    `json:"preferred"`
	Effective string    `json:"effective"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStateChange tracks the dictation session state machine.
type SessionStateChange struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// PerformanceEvent wraps a metrics snapshot for warning/recovered broadcasts.
type PerformanceEvent struct {
	Metrics   MetricsSnapshot `json:"metrics"`
	Timestamp time.Time       `json:"timestamp"`
}

// TranscriptionPartial carries an interim hypothesis while a session is
// still listening. Partials are display-only and may be revised.
type TranscriptionPartial struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptionOutput  = "dictation.transcription.output"
	SubjectTranscriptionPartial = "dictation.transcription.partial"
	SubjectMetrics              = "dictation.metrics"
	SubjectPerformanceWarning   = "dictation.performance.warning"
	SubjectPerformanceRecovered = "dictation.performance.recovered"
	SubjectProcessingMode       = "dictation.audio.mode"
	SubjectSessionState         = "dictation.session.state"
)
