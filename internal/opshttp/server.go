// Package opshttp serves the internal listener: Prometheus metrics, the
// health probes and optionally pprof. It only answers non-public peers.
package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/keithlinneman/paf-admin/internal/health"
	"github.com/keithlinneman/paf-admin/internal/httpmw"
	"github.com/keithlinneman/paf-admin/internal/httpserver"
	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// DefaultPort is used when Options.Port is 0.
const DefaultPort = 9000

// NewHandler builds the ops mux behind the network guard.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()

	live := health.HealthzHandler(opts.Health)
	ready := health.ReadyzHandler(opts.Readiness)
	// /healthz and /readyz for orchestrators that expect them
	for _, p := range []string{"/-/healthy", "/healthz"} {
		mux.Handle(p, live)
	}
	for _, p := range []string{"/-/ready", "/readyz"} {
		mux.Handle(p, ready)
	}

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}

	h := requireNonPublicNetwork(L, mux)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start serves NewHandler on opts.Port in the background and returns a
// stop func for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)
	srv := httpserver.NewServer(addr, NewHandler(L, opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen for ops on %s", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, httpserver.ShutdownTimeout)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
