package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type slogLogger struct {
	h          slog.Handler
	attrs      []slog.Attr
	errorLinks int
}

func newSlogLogger(opts Options) *slogLogger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	stackLevel := slog.LevelError
	if opts.StackLevel != nil {
		stackLevel = opts.StackLevel.Level()
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}

	base := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		base = append(base, slog.String("version", opts.Version))
	}
	return &slogLogger{
		h:          enrichHandler{next: h, stackLevel: stackLevel},
		attrs:      base,
		errorLinks: opts.ErrorLinks,
	}
}

func (l *slogLogger) With(kv ...any) Logger {
	// fresh slice so siblings derived from the same parent never share storage
	attrs := make([]slog.Attr, len(l.attrs), len(l.attrs)+len(kv)/2)
	copy(attrs, l.attrs)
	return &slogLogger{
		h:          l.h,
		attrs:      appendPairs(attrs, kv),
		errorLinks: l.errorLinks,
	}
}

func (l *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	l.emit(ctx, slog.LevelDebug, msg, kv)
}

func (l *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	l.emit(ctx, slog.LevelInfo, msg, kv)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	l.emit(ctx, slog.LevelWarn, msg, kv)
}

func (l *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, errorFields(err, l.errorLinks)...)
	}
	l.emit(ctx, slog.LevelError, msg, kv)
}

func (l *slogLogger) Sync() error { return nil }

// emit must be called directly from the level methods: the source frame is
// found by skipping a fixed number of frames.
func (l *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !l.h.Enabled(ctx, lvl) {
		return
	}
	var pc [1]uintptr
	// runtime.Callers, emit, the level method
	runtime.Callers(3, pc[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(l.attrs...)
	r.AddAttrs(appendPairs(nil, kv)...)
	_ = l.h.Handle(ctx, r)
}

// appendPairs converts key/value pairs to attrs. Non-string keys and a
// trailing key with no value are dropped.
func appendPairs(dst []slog.Attr, kv []any) []slog.Attr {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			dst = append(dst, slog.Any(k, kv[i+1]))
		}
	}
	return dst
}
