package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/paf-admin/internal/log"
)

const tracerName = "pafadmin/httpmw"

// WithLogger stores a request-scoped logger in the context carrying the
// request id, the resolved client address, the socket peer and the method
// and path. Handlers pick it up with log.FromContext. The same fields go on
// the active span.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			fields := requestFields(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				attrs := make([]attribute.KeyValue, 0, len(fields)/2)
				for i := 0; i+1 < len(fields); i += 2 {
					attrs = append(attrs, attribute.String(fields[i].(string), fields[i+1].(string)))
				}
				span.SetAttributes(attrs...)
			}

			ctx = log.WithContext(ctx, base.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestFields returns string-valued pairs only. The query string is left
// out: nothing this API accepts belongs there.
func requestFields(r *http.Request) []any {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	client := ClientIPFromContext(r.Context())
	if client == "" {
		client = peer
	}
	return []any{
		"request_id", RequestIDFromContext(r.Context()),
		"client.address", client,
		"network.peer.address", peer,
		"server.address", r.Host,
		"http.request.method", r.Method,
		"url.path", r.URL.Path,
		"url.scheme", requestScheme(r),
	}
}

// requestScheme trusts X-Forwarded-Proto because ClientIPWithOptions has
// already deleted it on requests that did not come through a trusted proxy.
func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		first, _, _ := strings.Cut(proto, ",")
		switch p := strings.ToLower(strings.TrimSpace(first)); p {
		case "http", "https":
			return p
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// AccessLog writes one "http request" line per request through the
// request-scoped logger, after the handler returns. Health probes are not
// logged. A "response.write" child span covers the time spent writing.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &recordingWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(rec, r)
			rec.endWriteSpan()

			if isProbePath(r.URL.Path) {
				return
			}
			ctx := r.Context()
			log.FromContext(ctx).Info(ctx, "http request",
				"http.route", routePattern(r),
				"http.response.status_code", rec.statusOrOK(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.request.body.size", max(r.ContentLength, 0),
				"http.response.body.size", rec.written,
			)
		})
	}
}

func isProbePath(p string) bool {
	return p == "/-/healthy" || p == "/-/ready"
}

// routePattern is chi's matched pattern, or the raw path when nothing matched.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// recordingWriter keeps the status and byte count for the access log and
// times the write path in a child span of the request.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written int64

	ctx     context.Context
	start   time.Time
	span    trace.Span
	begun   bool
	blocked time.Duration
	err     error
}

func (w *recordingWriter) statusOrOK() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *recordingWriter) beginWrite() {
	if w.begun {
		return
	}
	w.begun = true
	if !trace.SpanFromContext(w.ctx).IsRecording() {
		return
	}
	_, w.span = otel.Tracer(tracerName).Start(w.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(w.start).Seconds())))
}

func (w *recordingWriter) endWriteSpan() {
	if w.span == nil {
		return
	}
	w.span.SetAttributes(
		attribute.Int("http.response.status_code", w.statusOrOK()),
		attribute.Int64("http.response.body.size", w.written),
		attribute.Float64("http.server.write.block_seconds", w.blocked.Seconds()),
	)
	if w.err != nil {
		w.span.RecordError(w.err)
		w.span.SetStatus(codes.Error, w.err.Error())
	}
	w.span.End()
}

func (w *recordingWriter) WriteHeader(code int) {
	w.beginWrite()
	if w.status == 0 {
		w.status = code
	}
	t := time.Now()
	w.ResponseWriter.WriteHeader(code)
	w.blocked += time.Since(t)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.beginWrite()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	t := time.Now()
	n, err := w.ResponseWriter.Write(b)
	w.blocked += time.Since(t)
	w.written += int64(n)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (w *recordingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *recordingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("httpmw: response writer cannot hijack")
}

func (w *recordingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
