// Package history persists dictation sessions and their transcript events
// in SQLite. Ephemeral retention keeps everything in-process and writes
// nothing to disk.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
	_ "modernc.org/sqlite"
)

// Transcript is one recorded dictation result.
type Transcript struct {
	ID        int64
	SessionID string
	Text      string
	CleanMode string
	LatencyMS int64
	Debug     bool
	CreatedAt time.Time
}

// Session is one recorded dictation session.
type Session struct {
	SessionID string
	DeviceID  string
	StartedAt time.Time
	EndedAt   sql.NullTime
}

// PerformanceRecord is one degradation or recovery transition.
type PerformanceRecord struct {
	ID         int64
	SessionID  string
	Kind       string
	LatencyMS  int64
	CPUPercent float64
	CreatedAt  time.Time
}

// debugTranscriptTTL bounds how long raw debug transcripts survive,
// regardless of the general retention policy.
const debugTranscriptTTL = 24 * time.Hour

// Store wraps a SQLite-backed session history.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    device_id TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    clean_mode TEXT,
    latency_ms INTEGER,
    debug INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created ON transcripts(session_id, created_at);
CREATE TABLE IF NOT EXISTS performance_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    kind TEXT NOT NULL,
    latency_ms INTEGER,
    cpu_percent REAL,
    created_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new session row.
func (s *Store) StartSession(ctx context.Context, sessionID, deviceID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, device_id, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET device_id=excluded.device_id`,
		sessionID, deviceID, s.clock().UTC())
	return err
}

// EndSession stamps the session end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		s.clock().UTC(), sessionID)
	return err
}

// AppendTranscript writes one dictation result. Debug transcripts are only
// recorded when the debug_transcripts flag is on.
func (s *Store) AppendTranscript(ctx context.Context, t Transcript) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if t.Debug && !s.cfg.DebugTranscripts {
		return nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, text, clean_mode, latency_ms, debug, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Text, t.CleanMode, t.LatencyMS, t.Debug, t.CreatedAt)
	return err
}

// AppendPerformanceEvent records a degradation or recovery transition.
// Events are not tied to a live session; session_id may be empty.
func (s *Store) AppendPerformanceEvent(ctx context.Context, r PerformanceRecord) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO performance_events(session_id, kind, latency_ms, cpu_percent, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		r.SessionID, r.Kind, r.LatencyMS, r.CPUPercent, r.CreatedAt)
	return err
}

// ListPerformanceEvents retrieves the most recent transitions, newest first.
func (s *Store) ListPerformanceEvents(ctx context.Context, limit int) ([]PerformanceRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, latency_ms, cpu_percent, created_at
		 FROM performance_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PerformanceRecord
	for rows.Next() {
		var r PerformanceRecord
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.LatencyMS, &r.CPUPercent, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTranscripts retrieves up to limit transcripts for a session ordered
// ascending by time.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, clean_mode, latency_ms, debug, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		var created string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Text, &t.CleanMode, &t.LatencyMS, &t.Debug, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune applies configured retention. Debug transcripts are dropped after a
// fixed short TTL independent of the general policy.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	debugCutoff := s.clock().Add(-debugTranscriptTTL)
	if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE debug = 1 AND created_at < ?`, debugCutoff.UTC()); err != nil {
		return err
	}

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM performance_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
