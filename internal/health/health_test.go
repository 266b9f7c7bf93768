package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAll(t *testing.T) {
	redisDown := CheckFunc(func(context.Context) error { return errors.New("redis: connection refused") })
	tests := []struct {
		name   string
		probes []Probe
		want   string
	}{
		{"empty", nil, ""},
		{"nil probes skipped", []Probe{nil, Fixed(true, ""), nil}, ""},
		{"first failure wins", []Probe{Fixed(true, ""), redisDown, Fixed(false, "settings missing")}, "redis: connection refused"},
		{"default reason", []Probe{Fixed(false, "")}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := All(tt.probes...).Check(context.Background())
			got := ""
			if err != nil {
				got = err.Error()
			}
			if got != tt.want {
				t.Fatalf("All = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	ready := All(g.Probe(), Fixed(true, ""))
	ctx := context.Background()

	if err := ready.Check(ctx); err != nil {
		t.Fatalf("zero gate: %v", err)
	}
	g.Set("")
	if err := ready.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("after Set: %v", err)
	}
	g.Set("sigterm")
	if err := ready.Check(ctx); err == nil || err.Error() != "sigterm" {
		t.Fatalf("after second Set: %v", err)
	}
	g.Clear()
	if err := ready.Check(ctx); err != nil {
		t.Fatalf("after Clear: %v", err)
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name   string
		h      http.HandlerFunc
		status int
		body   string
	}{
		{"live nil probe", HealthzHandler(nil), http.StatusOK, "ok\n"},
		{"ready nil probe", ReadyzHandler(nil), http.StatusOK, "ready\n"},
		{"ready passing", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready\n"},
		{"ready draining", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining\n"},
		{"live failing", HealthzHandler(Fixed(false, "")), http.StatusServiceUnavailable, "unhealthy\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
			if rec.Code != tt.status || rec.Body.String() != tt.body {
				t.Fatalf("got %d %q, want %d %q", rec.Code, rec.Body.String(), tt.status, tt.body)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe response must not be cached")
			}
		})
	}
}
