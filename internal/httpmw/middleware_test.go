package httpmw

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var noContent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"none", "", false},
		{"uuid", "3f8e2a9c-1b7d-4e0f-9a6b-2c5d8e1f0a3b", true},
		{"alb trace", "Root=1-67891233-abcdef012345678912345678", true},
		{"newline", "abc\ndef", false},
		{"quote", `abc"def`, false},
		{"too long", strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodPost, "/api/v1/validate/cidr", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
				t.Fatalf("context id %q, response header %q", seen, rec.Header().Get(RequestIDHeader))
			}
			if (seen == tt.incoming) != tt.keep {
				t.Fatalf("id = %q, keep incoming = %v", seen, tt.keep)
			}
		})
	}
}

func TestTraceResponseHeaders(t *testing.T) {
	h := TraceResponseHeaders("", "")(noContent)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/limits", nil))
	if rec.Header().Get("X-Trace-Id") != "" {
		t.Fatal("untraced request got a trace header")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0xab, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		SpanID:  trace.SpanID{0xcd, 1, 2, 3, 4, 5, 6, 7},
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/limits", nil)
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Trace-Id") != sc.TraceID().String() || rec.Header().Get("X-Span-Id") != sc.SpanID().String() {
		t.Fatalf("headers = %v", rec.Header())
	}
}

func TestAnnotateHTTPRoute(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/addresses/check", noContent)
	})

	ctx, span := tp.Tracer("test").Start(context.Background(), "POST /api/v1/addresses/check")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/addresses/check", nil).WithContext(ctx)
	r.ServeHTTP(httptest.NewRecorder(), req)
	span.End()

	got := sr.Ended()[0]
	if got.Name() != "POST /api/v1/addresses/check" {
		t.Fatalf("span name = %q", got.Name())
	}
	var route string
	for _, a := range got.Attributes() {
		if a.Key == "http.route" {
			route = a.Value.AsString()
		}
	}
	if route != "/api/v1/addresses/check" {
		t.Fatalf("http.route = %q", route)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	for _, kv := range apiSecurityHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS header should never be set")
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/validate/cidr", strings.NewReader(`{"cidr":"1/8"}`)))
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}

	big := bytes.Repeat([]byte("a"), 17)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/addresses/batch", bytes.NewReader(big)))
	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) || mbe.Limit != 16 {
		t.Fatalf("oversized body err = %v", readErr)
	}
}

func TestRecover(t *testing.T) {
	base, buf := jsonLogger(t)
	var panics int
	h := Recover(base, func() { panics++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("nil settings snapshot"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))

	if rec.Code != http.StatusInternalServerError || rec.Body.String() != `{"error":"internal server error"}` {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
	if panics != 1 {
		t.Fatalf("onPanic called %d times", panics)
	}
	m := logLines(t, buf)[0]
	if m["level"] != "ERROR" || m["http_path"] != "/api/v1/settings" {
		t.Fatalf("log = %v", m)
	}
	if !strings.Contains(m["err"].(string), "nil settings snapshot") {
		t.Fatalf("err = %v", m["err"])
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
