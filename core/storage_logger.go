package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

type sessionLoggerKey struct{}

// ContextWithSessionLogger returns a new context carrying the call logger.
func ContextWithSessionLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, sessionLoggerKey{}, logger)
}

// SessionLoggerFromContext extracts the call logger from the context, or nil.
func SessionLoggerFromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(sessionLoggerKey{}).(*Logger); ok {
		return l
	}
	return nil
}

// CallMetadata is the first JSON line in each call log file.
type CallMetadata struct {
	StreamSid string `json:"stream_sid"`
	CallSid   string `json:"call_sid,omitempty"`
	StartedAt string `json:"started_at"`
}

// LogEntry is a single JSON log line.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// LogWriter abstracts the destination for call log entries.
type LogWriter interface {
	Write(level Level, msg string, attrs map[string]interface{})
	Close()
}

// CallLogWriter writes structured log lines to <dir>/<streamSid>.jsonl.
// While the call is live a <streamSid>.active marker sits next to it.
type CallLogWriter struct {
	mu        sync.Mutex
	file      *os.File
	logDir    string
	streamSid string
}

func NewCallLogWriter(logDir, streamSid, callSid string) (*CallLogWriter, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("call log: mkdir %q: %w", logDir, err)
	}

	path := filepath.Join(logDir, streamSid+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("call log: create %q: %w", path, err)
	}

	meta, _ := sonic.Marshal(CallMetadata{
		StreamSid: streamSid,
		CallSid:   callSid,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	})
	f.Write(append(meta, '\n'))

	if af, err := os.Create(filepath.Join(logDir, streamSid+".active")); err == nil {
		af.Close()
	}

	return &CallLogWriter{
		file:      f,
		logDir:    logDir,
		streamSid: streamSid,
	}, nil
}

func (w *CallLogWriter) Write(level Level, msg string, attrs map[string]interface{}) {
	data, err := sonic.Marshal(LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Attrs:     stringifyErrors(attrs),
	})
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Write(append(data, '\n'))
	}
}

// Close closes the file and removes the .active marker. Safe to call twice.
func (w *CallLogWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(filepath.Join(w.logDir, w.streamSid+".active"))
}

// NewSessionLogger tees every entry to base and to writer. Child loggers
// created with With inherit the tee.
func NewSessionLogger(base *Logger, writer LogWriter) *Logger {
	handler := func(level Level, msg string, attrs map[string]interface{}) {
		if base.handlerFunc != nil && level >= base.minLevel {
			base.handlerFunc(level, msg, attrs)
		}
		writer.Write(level, msg, attrs)
	}

	l := NewLogger(handler, LevelDebug)
	for k, v := range base.attrs {
		l.attrs[k] = v
	}
	return l
}
