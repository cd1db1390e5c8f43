package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// String returns string representation of log level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "off":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger is a leveled, printf-style logger. Component loggers derived with
// WithPrefix share the parent's sink and level.
type Logger struct {
	sink   *sink
	prefix string
}

// sink is the shared state behind a family of prefixed loggers.
type sink struct {
	mu     sync.RWMutex
	level  Level
	out    *log.Logger
	closer io.Closer
	now    func() time.Time
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// New creates a Logger writing to w. A nil writer or LevelNone yields a
// logger that discards everything.
func New(level Level, w io.Writer) *Logger {
	if w == nil || level == LevelNone {
		w = io.Discard
	}
	return &Logger{sink: &sink{
		level: level,
		out:   log.New(w, "", 0),
		now:   time.Now,
	}}
}

// Open creates a Logger appending to the file at logPath, creating parent
// directories as needed. An empty path or LevelNone returns a discarding logger.
func Open(level Level, logPath string) (*Logger, error) {
	if level == LevelNone || strings.TrimSpace(logPath) == "" {
		return New(LevelNone, nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := New(level, file)
	l.sink.closer = file
	return l, nil
}

// Init opens the global logger. Calling it again replaces the previous
// global logger and closes its file.
func Init(level Level, logPath string) error {
	l, err := Open(level, logPath)
	if err != nil {
		return err
	}

	globalMu.Lock()
	prev := globalLogger
	globalLogger = l
	globalMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// SetGlobal installs l as the global logger. Mostly useful in tests.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger instance, a discarding logger if Init was
// never called.
func Global() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = New(LevelNone, nil)
	}
	return globalLogger
}

// WithPrefix creates a logger whose lines carry an additional component prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}
	return &Logger{sink: l.sink, prefix: newPrefix}
}

// SetLevel sets the logging level for this logger and every logger sharing its sink.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return level != LevelNone && level >= l.sink.level && l.sink.level != LevelNone
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()

	prefix := ""
	if l.prefix != "" {
		prefix = "[" + l.prefix + "] "
	}

	timestamp := l.sink.now().Format("2006-01-02 15:04:05.000")
	l.sink.out.Printf("%s [%s] %s%s", timestamp, level.String(), prefix, fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.closer == nil {
		return nil
	}
	err := l.sink.closer.Close()
	l.sink.closer = nil
	l.sink.out.SetOutput(io.Discard)
	return err
}

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

// Info logs an informational message using the global logger
func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
