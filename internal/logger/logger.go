// Package logger wraps zerolog with key/value helpers shared by every loramerge component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Setup replaces it.
var Log = New(os.Stderr, "info", "console")

// Logger is a thin key/value front end over zerolog.
type Logger struct {
	z zerolog.Logger
}

// ParseLevel maps a level name to a zerolog level. Unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger writing to w. format "json" emits one JSON object per line; anything else
// uses the human-readable console writer.
func New(w io.Writer, level, format string) *Logger {
	if !strings.EqualFold(format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	z := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
	return &Logger{z: z}
}

// Setup configures the global logger on stderr.
func Setup(level, format string) {
	Log = New(os.Stderr, level, format)
}

// With returns a child logger that attaches the given key/value pairs to every event.
func (l *Logger) With(args ...any) *Logger {
	c := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		c = c.Interface(keyString(args[i]), args[i+1])
	}
	return &Logger{z: c.Logger()}
}

// Enabled reports whether events at level would be written.
func (l *Logger) Enabled(level zerolog.Level) bool {
	return l.z.GetLevel() <= level && zerolog.GlobalLevel() <= level
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...any) {
	l.emit(l.z.Debug(), msg, args)
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...any) {
	l.emit(l.z.Info(), msg, args)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...any) {
	l.emit(l.z.Warn(), msg, args)
}

// Error logs at Error level. A trailing error may be passed under the "error" key.
func (l *Logger) Error(msg string, args ...any) {
	l.emit(l.z.Error(), msg, args)
}

func (l *Logger) emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key := keyString(args[i])
		if err, ok := args[i+1].(error); ok {
			e.AnErr(key, err)
			continue
		}
		e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}

func keyString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}
