// Package obslog provides the leveled logger threaded through every module
// of the fabric. It generalizes the internet package's private logger type
// (log/slog plus a custom trace level below debug) into an exported type,
// and adds a colorized terminal handler via github.com/lmittmann/tint so a
// developer running finsd interactively gets readable output while a
// supervised deployment still gets plain structured logs.
package obslog

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/finswire/fins/internal"
	"github.com/lmittmann/tint"
)

// Format selects the on-disk/terminal representation of log records.
type Format string

const (
	FormatAuto Format = "auto" // tint when w is a terminal, text otherwise
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatTint Format = "tint"
)

// Logger wraps a *slog.Logger with the five-level convention (error, warn,
// info, debug, trace) every module in this repo logs through, matching the
// shape of the teacher's internet.logger but exported for reuse outside the
// internet package.
type Logger struct {
	log *slog.Logger
}

// New builds a Logger writing to w at format, filtering out records below
// level. level may be internal.LevelTrace to see everything.
func New(w io.Writer, level slog.Level, format Format) *Logger {
	if format == FormatAuto {
		format = FormatText
		if f, ok := w.(*os.File); ok && isTerminal(f) {
			format = FormatTint
		}
	}
	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatTint:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return &Logger{log: slog.New(handler)}
}

// NewDiscard returns a Logger that drops every record; useful as a zero-cost
// default in tests and library code that wants logging off by default.
func NewDiscard() *Logger {
	return &Logger{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a Logger that appends args to every subsequent record,
// mirroring slog.Logger.With.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{log: l.log.With(args...)}
}

func (l *Logger) Error(msg string, attrs ...any) { l.logAttrs(slog.LevelError, msg, attrs...) }
func (l *Logger) Warn(msg string, attrs ...any)  { l.logAttrs(slog.LevelWarn, msg, attrs...) }
func (l *Logger) Info(msg string, attrs ...any)  { l.logAttrs(slog.LevelInfo, msg, attrs...) }
func (l *Logger) Debug(msg string, attrs ...any) { l.logAttrs(slog.LevelDebug, msg, attrs...) }
func (l *Logger) Trace(msg string, attrs ...any) { l.logAttrs(internal.LevelTrace, msg, attrs...) }

func (l *Logger) logAttrs(level slog.Level, msg string, args ...any) {
	if l == nil || l.log == nil {
		return
	}
	if !internal.LogEnabled(l.log, level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	internal.LogAttrs(l.log, level, msg, attrs...)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
