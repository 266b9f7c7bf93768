// Package log is the structured logger used across the service. Call sites
// depend on the Logger interface, the slog-backed implementation adds trace
// ids, stacks and error chains on the way out.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger takes alternating key/value pairs after the message.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Level   slog.Level
	// StackLevel is the lowest level that gets a "stack" attribute.
	// nil means error.
	StackLevel slog.Leveler
	JSON       bool
	// ErrorLinks caps the per-wrap "error_links" entries. 0 leaves them out.
	ErrorLinks int
	// Writer defaults to stdout.
	Writer io.Writer
}

// New returns a slog-backed Logger.
func New(opts Options) (Logger, error) { return newSlogLogger(opts), nil }

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", s)
}
