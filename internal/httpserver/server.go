// Package httpserver assembles and runs the public listener: the admin API
// behind the allowlist plus the health probes, wrapped in the httpmw stack.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/paf-admin/internal/health"
	"github.com/keithlinneman/paf-admin/internal/httpmw"
	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// DefaultMaxBodyBytes caps request bodies on the public listener.
const DefaultMaxBodyBytes int64 = 64 << 10

// DefaultPort is used when Options.Port is 0.
const DefaultPort = 8080

// Timeouts shared with opshttp. Batch checks are CPU only, so the write
// timeout has plenty of headroom.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

// ShutdownTimeout bounds Shutdown inside stop, on top of the caller's ctx.
const ShutdownTimeout = 5 * time.Second

type middlewareFunc = func(http.Handler) http.Handler

// NewHandler returns the full public handler. The caller owns the
// *http.Server so it can drain on shutdown.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	// outermost first, nil entries are skipped
	stack := []middlewareFunc{
		httpmw.SecurityHeaders,
		optional(opts.UseRecoverMW, httpmw.Recover(opts.Logger, opts.OnPanic)),
		httpmw.RequestID(httpmw.RequestIDHeader),
		// everything below keys on the resolved client address
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.RateLimitMW,
		tracing(),
		settingsHeaders(opts.SettingsInfo),
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
	}
	return wrap(newRouter(opts), stack)
}

func newRouter(opts *Options) chi.Router {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	// batch results compress well
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		r.Group(func(r chi.Router) {
			if opts.AllowlistMW != nil {
				r.Use(opts.AllowlistMW)
			}
			opts.APIRoutes(r)
		})
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func wrap(h http.Handler, stack []middlewareFunc) http.Handler {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] != nil {
			h = stack[i](h)
		}
	}
	return h
}

func optional(on bool, mw middlewareFunc) middlewareFunc {
	if !on {
		return nil
	}
	return mw
}

func settingsHeaders(info httpmw.SettingsInfo) middlewareFunc {
	if info == nil {
		return nil
	}
	return httpmw.SettingsHeaders(info)
}

// tracing starts a server span for /api/ requests only. Probes and 404
// noise are left untraced. AnnotateHTTPRoute renames the span to the
// matched pattern.
func tracing() middlewareFunc {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return strings.HasPrefix(r.URL.Path, "/api/")
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
		)
	}
}

// NewServer applies the listener timeouts to handler.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves in the background. The returned stop
// shuts the server down gracefully. Only the first call does any work.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)
	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	L := opts.Logger
	go func() {
		L.Info(ctx, "http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	stop := func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, ShutdownTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}
	return stop, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
