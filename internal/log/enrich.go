package log

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// enrichHandler adds trace_id and span_id from the active span and, at or
// above stackLevel, a "stack" attribute. The stack comes from the logged
// error when it carries one, otherwise from the logging call site.
type enrichHandler struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enrichHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enrichHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackLevel {
		pcs := errorStack(r)
		if pcs == nil {
			pcs = make([]uintptr, 64)
			// runtime.Callers and Handle
			pcs = pcs[:runtime.Callers(2, pcs)]
		}
		r.AddAttrs(slog.String("stack", formatStack(pcs)))
	}
	return h.next.Handle(ctx, r)
}

func (h enrichHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enrichHandler{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enrichHandler) WithGroup(name string) slog.Handler {
	return enrichHandler{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

// errorStack returns the stack of the record's "err" attribute, if any.
func errorStack(r slog.Record) []uintptr {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if s, ok := a.Value.Any().(xerrors.Stacked); ok {
			pcs = s.StackPCs()
		}
		return false
	})
	return pcs
}

// internalFrame reports frames that only show how the log line was built.
func internalFrame(fn string, skipXerrors bool) bool {
	switch {
	case strings.HasPrefix(fn, "log/slog."), strings.Contains(fn, "/internal/log."):
		return true
	case skipXerrors && strings.Contains(fn, "/internal/xerrors."):
		return true
	}
	return false
}

// formatStack renders one "func\n\tfile:line" entry per frame, starting at
// the first frame outside the logging code and stopping at the runtime.
func formatStack(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if !started && !internalFrame(fr.Function, false) {
			started = true
		}
		if started {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

// callSite returns the first frame outside logging and xerrors code.
func callSite(pcs []uintptr) (runtime.Frame, bool) {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") && !internalFrame(fr.Function, true) {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}
