package core

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

var loggerInstance Logger = *NewDevelopmentLogger(LevelDebug) // default to development logger

// SetLogger sets the global logger instance
func SetLogger(logger Logger) {
	loggerInstance = logger
}

// GetLogger retrieves the global logger instance
func GetLogger() *Logger {
	return &loggerInstance
}

// Level orders log severities. Entries below a logger's level are dropped.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelPanic
)

var levelNames = map[Level]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
	LevelPanic: "PANIC",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a config string such as "info" or "WARN" to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// HandlerFunc receives every entry that passes the level filter.
type HandlerFunc func(level Level, msg string, attrs map[string]interface{})

type Logger struct {
	handlerFunc HandlerFunc
	minLevel    Level
	attrs       map[string]interface{}
}

func NewLogger(handler HandlerFunc, minLevel Level) *Logger {
	return &Logger{
		handlerFunc: handler,
		minLevel:    minLevel,
		attrs:       make(map[string]interface{}),
	}
}

// NewDevelopmentLogger creates a logger with human readable console output.
func NewDevelopmentLogger(minLevel Level) *Logger {
	return NewLogger(consoleHandler(os.Stdout, os.Stderr), minLevel)
}

// NewJSONLogger writes one JSON object per line to w.
func NewJSONLogger(w io.Writer, minLevel Level) *Logger {
	var mu sync.Mutex
	handler := func(level Level, msg string, attrs map[string]interface{}) {
		entry := LogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Level:     level.String(),
			Message:   msg,
			Attrs:     stringifyErrors(attrs),
		}
		data, err := sonic.Marshal(entry)
		if err != nil {
			return
		}
		mu.Lock()
		w.Write(append(data, '\n'))
		mu.Unlock()
		exitOnFatal(level, msg)
	}
	return NewLogger(handler, minLevel)
}

// NewDiscardLogger drops everything. Useful in tests.
func NewDiscardLogger() *Logger {
	return NewLogger(func(Level, string, map[string]interface{}) {}, LevelPanic+1)
}

func consoleHandler(out, errOut io.Writer) HandlerFunc {
	return func(level Level, msg string, attrs map[string]interface{}) {
		timestamp := time.Now().Format(time.RFC3339)
		var b strings.Builder
		fmt.Fprintf(&b, "%s [%s] %s", timestamp, level, msg)
		if len(attrs) > 0 {
			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString(" |")
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, attrs[k])
			}
		}
		b.WriteByte('\n')
		if level >= LevelError {
			fmt.Fprint(errOut, b.String())
		} else {
			fmt.Fprint(out, b.String())
		}
		exitOnFatal(level, msg)
	}
}

func exitOnFatal(level Level, msg string) {
	switch level {
	case LevelFatal:
		os.Exit(1)
	case LevelPanic:
		panic(msg)
	}
}

// stringifyErrors replaces error values with their message so they survive
// JSON encoding.
func stringifyErrors(attrs map[string]interface{}) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if l.handlerFunc == nil || level < l.minLevel {
		return
	}
	if len(args) > 0 {
		// slog-style key-value pairs: even count, string keys.
		if isKeyValuePairs(args) {
			attrs := make(map[string]interface{}, len(l.attrs)+len(args)/2)
			for k, v := range l.attrs {
				attrs[k] = v
			}
			for i := 0; i < len(args)-1; i += 2 {
				key, _ := args[i].(string)
				attrs[key] = args[i+1]
			}
			l.handlerFunc(level, msg, attrs)
			return
		}
		msg = fmt.Sprintf(msg, args...)
	}
	l.handlerFunc(level, msg, l.attrs)
}

func isKeyValuePairs(args []interface{}) bool {
	if len(args)%2 != 0 {
		return false
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return false
		}
	}
	return true
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(LevelDebug, msg, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(LevelInfo, msg, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(LevelWarn, msg, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(LevelError, msg, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(LevelFatal, msg, args...)
}

func (l *Logger) Trace(msg string, args ...interface{}) {
	l.log(LevelTrace, msg, args...)
}

// With returns a child logger carrying attrs in addition to the parent's.
func (l *Logger) With(attrs map[string]interface{}) *Logger {
	combined := make(map[string]interface{}, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		combined[k] = v
	}
	for k, v := range attrs {
		combined[k] = v
	}
	return &Logger{
		handlerFunc: l.handlerFunc,
		minLevel:    l.minLevel,
		attrs:       combined,
	}
}

// Enabled reports whether entries at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return l.handlerFunc != nil && level >= l.minLevel
}
