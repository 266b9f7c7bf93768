package opshttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/paf-admin/internal/health"
	"github.com/keithlinneman/paf-admin/internal/log"
)

func opsRequest(h http.Handler, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_Routes(t *testing.T) {
	gate := &health.ShutdownGate{}
	h := NewHandler(nil, &Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "paf_admin_ratelimit_denied_total 3\n")
		}),
		Readiness: gate.Probe(),
	})

	tests := []struct {
		path string
		want int
		body string
	}{
		{"/-/healthy", http.StatusOK, "ok"},
		{"/healthz", http.StatusOK, "ok"},
		{"/-/ready", http.StatusOK, "ready"},
		{"/readyz", http.StatusOK, "ready"},
		{"/metrics", http.StatusOK, "paf_admin_ratelimit_denied_total"},
		{"/debug/pprof/", http.StatusNotFound, ""},
		{"/debug/pprof/heap", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := opsRequest(h, tt.path, "127.0.0.1:40000")
			if rec.Code != tt.want || !strings.Contains(rec.Body.String(), tt.body) {
				t.Fatalf("%d %q, want %d containing %q", rec.Code, rec.Body.String(), tt.want, tt.body)
			}
		})
	}

	gate.Set("draining")
	for _, p := range []string{"/-/ready", "/readyz"} {
		if rec := opsRequest(h, p, "127.0.0.1:40000"); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s while draining: %d", p, rec.Code)
		}
	}
	if rec := opsRequest(h, "/-/healthy", "127.0.0.1:40000"); rec.Code != http.StatusOK {
		t.Fatalf("liveness while draining: %d", rec.Code)
	}
}

func TestNewHandler_PprofEnabled(t *testing.T) {
	h := NewHandler(nil, &Options{EnablePprof: true})
	if rec := opsRequest(h, "/debug/pprof/", "10.0.3.7:40000"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", rec.Code)
	}
	if rec := opsRequest(h, "/metrics", "10.0.3.7:40000"); rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics without a handler: %d", rec.Code)
	}
}

func TestInternalPeer(t *testing.T) {
	tests := []struct {
		remote string
		want   bool
	}{
		{"127.0.0.1:1234", true},
		{"[::1]:1234", true},
		{"10.0.3.7:1234", true},
		{"172.20.1.1:1234", true},
		{"192.168.1.5:1234", true},
		{"169.254.169.254:1234", true},
		{"[fe80::1]:1234", true},
		{"[fd00::5]:1234", true},
		{"[::ffff:10.0.0.9]:1234", true},
		{"203.0.113.9:1234", false},
		{"[::ffff:203.0.113.9]:1234", false},
		{"[2001:db8::1]:1234", false},
		{"10.0.3.7", false},
		{"", false},
		{"not-an-ip:80", false},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			if _, got := internalPeer(tt.remote); got != tt.want {
				t.Fatalf("internalPeer(%q) = %v, want %v", tt.remote, got, tt.want)
			}
		})
	}
}

func TestNewHandler_RejectsPublicPeer(t *testing.T) {
	h := NewHandler(nil, &Options{Metrics: http.NotFoundHandler()})
	for _, p := range []string{"/metrics", "/-/ready", "/debug/pprof/"} {
		if rec := opsRequest(h, p, "203.0.113.9:40000"); rec.Code != http.StatusForbidden {
			t.Fatalf("%s from public peer: %d", p, rec.Code)
		}
	}
}

func TestNewHandler_RecoversPanics(t *testing.T) {
	var panics int
	h := NewHandler(nil, &Options{
		Metrics:      http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("gather failed") }),
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
	})
	if rec := opsRequest(h, "/metrics", "127.0.0.1:40000"); rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status %d, panics %d", rec.Code, panics)
	}
}

func TestStart_Lifecycle(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), &Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// a second listener on the same port must fail
	_, err = Start(ctx, log.Nop(), &Options{Port: port})
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("Start on a busy port: err = %v, want a wrapped *net.OpError", err)
	}

	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
