package calllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"callrelay/core"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by GetCall for an unknown stream.
var ErrNotFound = errors.New("calllog: call not found")

type Config struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
	MaxCalls      int    `json:"max_calls" yaml:"max_calls"`
	// QueueSize bounds the Recorder's pending writes.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Path:          "./data/calls.db",
		RetentionDays: 30,
		MaxCalls:      10000,
		QueueSize:     1024,
	}
}

// Call is one row of the calls table.
type Call struct {
	StreamSid      string
	CallSid        string
	AccountSid     string
	StartedAt      time.Time
	EndedAt        time.Time
	EndReason      string
	InboundFrames  int64
	OutboundChunks int64
	BargeIns       int64
	Turns          int64
}

// Event is one timeline entry of a call.
type Event struct {
	ID        int64
	StreamSid string
	Type      string
	Detail    string
	CreatedAt time.Time
}

// Store is a SQLite call history.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *core.Logger
	clock  func() time.Time
}

// Open creates the database file and schema if needed and applies retention.
func Open(ctx context.Context, cfg Config, logger *core.Logger) (*Store, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	logger = logger.With(map[string]interface{}{"component": "calllog"})

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, logger: logger, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		logger.Warn("call log prune on start failed", "error", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS calls (
    stream_sid TEXT PRIMARY KEY,
    call_sid TEXT,
    account_sid TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    end_reason TEXT,
    inbound_frames INTEGER NOT NULL DEFAULT 0,
    outbound_chunks INTEGER NOT NULL DEFAULT 0,
    barge_ins INTEGER NOT NULL DEFAULT 0,
    turns INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS call_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_sid TEXT NOT NULL,
    event_type TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(stream_sid) REFERENCES calls(stream_sid) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_call_events_stream_created ON call_events(stream_sid, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartCall inserts the call row, replacing one left by an earlier attempt
// with the same stream id.
func (s *Store) StartCall(ctx context.Context, call Call) error {
	if call.StartedAt.IsZero() {
		call.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls(stream_sid, call_sid, account_sid, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(stream_sid) DO UPDATE SET call_sid=excluded.call_sid, account_sid=excluded.account_sid, started_at=excluded.started_at`,
		call.StreamSid, call.CallSid, call.AccountSid, call.StartedAt.UnixMilli())
	return err
}

// EndCall stores the end reason and final counters.
func (s *Store) EndCall(ctx context.Context, call Call) error {
	if call.EndedAt.IsZero() {
		call.EndedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET ended_at=?, end_reason=?, inbound_frames=?, outbound_chunks=?, barge_ins=?, turns=?
		 WHERE stream_sid=?`,
		call.EndedAt.UnixMilli(), call.EndReason, call.InboundFrames, call.OutboundChunks, call.BargeIns, call.Turns,
		call.StreamSid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_events(stream_sid, event_type, detail, created_at) VALUES(?, ?, ?, ?)`,
		evt.StreamSid, evt.Type, evt.Detail, evt.CreatedAt.UnixMilli())
	return err
}

func (s *Store) GetCall(ctx context.Context, streamSid string) (Call, error) {
	var (
		c         Call
		started   int64
		ended     sql.NullInt64
		endReason sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_sid, call_sid, account_sid, started_at, ended_at, end_reason,
		        inbound_frames, outbound_chunks, barge_ins, turns
		 FROM calls WHERE stream_sid = ?`, streamSid).
		Scan(&c.StreamSid, &c.CallSid, &c.AccountSid, &started, &ended, &endReason,
			&c.InboundFrames, &c.OutboundChunks, &c.BargeIns, &c.Turns)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, err
	}
	c.StartedAt = time.UnixMilli(started)
	if ended.Valid {
		c.EndedAt = time.UnixMilli(ended.Int64)
	}
	c.EndReason = endReason.String
	return c, nil
}

// ListCallEvents returns up to limit events of a call, oldest first.
func (s *Store) ListCallEvents(ctx context.Context, streamSid string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_sid, event_type, detail, created_at
		 FROM call_events WHERE stream_sid = ? ORDER BY created_at ASC, id ASC LIMIT ?`, streamSid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.StreamSid, &e.Type, &detail, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = time.UnixMilli(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops calls older than RetentionDays and keeps at most MaxCalls of
// the newest. Events go with their call.
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxCalls > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM calls WHERE stream_sid IN (
			SELECT stream_sid FROM calls ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxCalls)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
