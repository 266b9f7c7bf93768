package health

import (
	"net/http"
)

// HealthzHandler serves liveness. A nil probe is always healthy.
func HealthzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ok") }

// ReadyzHandler serves readiness. A nil probe is always ready.
func ReadyzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ready") }

// probeHandler answers in plain text so curl and the ALB both read it.
func probeHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		status, body := http.StatusOK, okBody
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				status, body = http.StatusServiceUnavailable, err.Error()
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body + "\n"))
	}
}
