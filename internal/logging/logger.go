// Package logging provides leveled key/value logging for the ic server.
// Loggers carry contextual fields (typically the instance and operation
// being dispatched) so every line of a dispatch or driver can be correlated
// without repeating the ids at each call site.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level tag as it appears in log lines.
func (lv LogLevel) String() string {
	switch lv {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel maps a level name to a LogLevel. Unknown names map to Info.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Logger writes timestamped, leveled key/value lines. A logger may carry
// preset fields (see With); lines are emitted as
//
//	2006/01/02 15:04:05 [LEVEL] message preset=... arg=...
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	level    LogLevel
	colorize bool
	fields   []any
}

// NewLogger creates a new logger. Level tags are colorized when the output
// is a terminal.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	colorize := false
	if f, ok := out.(*os.File); ok {
		colorize = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{
		out:      out,
		level:    config.Level,
		colorize: colorize,
	}
}

// With returns a logger whose lines all carry the given key/value pairs,
// e.g. With("instance", id) for a per-instance driver.
func (l *Logger) With(args ...any) *Logger {
	fields := make([]any, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{
		out:      l.out,
		level:    l.level,
		colorize: l.colorize,
		fields:   fields,
	}
}

var defaultLogger atomic.Pointer[Logger]

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := NewLogger(nil)
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	return defaultLogger.Load()
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	defaultLogger.Store(logger)
}

var levelColors = map[LogLevel]*color.Color{
	LevelDebug: color.New(color.FgCyan),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed),
}

// appendFields renders key/value pairs. A trailing key without a value is
// dropped.
func appendFields(b *strings.Builder, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(b, " %v=%v", args[i], args[i+1])
	}
}

// emit assembles and writes one line: timestamp, level tag, message, the
// logger's preset fields, then the call's fields.
func (l *Logger) emit(level LogLevel, msg string, args []any) {
	if level < l.level {
		return
	}

	tag := "[" + level.String() + "]"
	if l.colorize {
		tag = levelColors[level].Sprint(tag)
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006/01/02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(msg)
	appendFields(&b, l.fields)
	appendFields(&b, args)
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}

func (l *Logger) Debug(msg string, args ...any) {
	l.emit(LevelDebug, msg, args)
}

func (l *Logger) Info(msg string, args ...any) {
	l.emit(LevelInfo, msg, args)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.emit(LevelWarn, msg, args)
}

func (l *Logger) Error(msg string, args ...any) {
	l.emit(LevelError, msg, args)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.emit(LevelDebug, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(format string, args ...any) {
	l.emit(LevelInfo, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.emit(LevelWarn, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LevelError, fmt.Sprintf(format, args...), nil)
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
