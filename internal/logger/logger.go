// Package logger provides the default zerolog-backed logging capability and
// the redaction layer every logger, default or custom, sits behind.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lattiq/dualmailer/internal/core"
)

const timeFormat = "02-01-2006 15:04:05"

// Redacted replaces secret values in log metadata.
const Redacted = "[REDACTED]"

var secretKeys = []string{
	"password",
	"pass",
	"api_key",
	"apikey",
	"secret",
	"token",
	"authorization",
}

// New constructs the default logger. Development mode writes human readable
// console lines; otherwise JSON is emitted for ingestion. w defaults to stdout.
func New(development bool, w io.Writer) core.Logger {
	if w == nil {
		w = os.Stdout
	}

	output := w
	if development {
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
		output = cw
	}

	zl := zerolog.New(output).With().Timestamp().Str("component", "dualmailer").Logger()
	return FromZerolog(zl)
}

// FromZerolog adapts an existing zerolog.Logger.
func FromZerolog(zl zerolog.Logger) core.Logger {
	return func(level core.Level, msg string, meta map[string]any) {
		var ev *zerolog.Event
		switch level {
		case core.LevelError:
			ev = zl.Error()
		case core.LevelWarn:
			ev = zl.Warn()
		default:
			ev = zl.Info()
		}
		ev.Fields(meta).Msg(msg)
	}
}

// FromSlog adapts a *slog.Logger.
func FromSlog(l *slog.Logger) core.Logger {
	return func(level core.Level, msg string, meta map[string]any) {
		attrs := make([]any, 0, len(meta))
		for k, v := range meta {
			attrs = append(attrs, slog.Any(k, v))
		}
		switch level {
		case core.LevelError:
			l.Error(msg, attrs...)
		case core.LevelWarn:
			l.Warn(msg, attrs...)
		default:
			l.Info(msg, attrs...)
		}
	}
}

// Nop returns a logger that discards everything.
func Nop() core.Logger {
	return func(core.Level, string, map[string]any) {}
}

// Safe wraps next so that metadata is redacted before it is handed over and
// a panicking logger never propagates into the caller.
func Safe(next core.Logger) core.Logger {
	if next == nil {
		return Nop()
	}
	return func(level core.Level, msg string, meta map[string]any) {
		defer func() {
			_ = recover()
		}()
		next(level, msg, Redact(meta))
	}
}

// Redact returns a copy of meta with secret values replaced. Nested maps are
// redacted as well; the input is never modified.
func Redact(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isSecret(k) {
			out[k] = Redacted
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = Redact(nested)
		case map[string]string:
			m := make(map[string]any, len(nested))
			for nk, nv := range nested {
				m[nk] = nv
			}
			out[k] = Redact(m)
		default:
			out[k] = v
		}
	}
	return out
}

func isSecret(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	for _, s := range secretKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}
