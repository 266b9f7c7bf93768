package adminhttp

import (
	"net/http"
	"time"

	"github.com/keithlinneman/paf-admin/internal/httpmw"
)

type limitStatus struct {
	Feature      string `json:"feature"`
	MaxCalls     int    `json:"max_calls,omitempty"`
	WindowMs     int64  `json:"window_ms,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms"`
	// Error is set when the backend could not be asked
	Error string `json:"error,omitempty"`
}

type limitsResponse struct {
	Limits []limitStatus `json:"limits"`
}

// HandleLimits reports, for the caller, how long each limited feature is
// blocked. It does not consume any quota.
func (api *API) HandleLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := httpmw.ClientIPFromContext(ctx)

	out := limitsResponse{Limits: make([]limitStatus, 0, len(api.limiters))}
	for _, nl := range api.limiters {
		st := limitStatus{Feature: nl.feature}
		if lim, ok := nl.l.(interface {
			Limit() (int, time.Duration)
		}); ok {
			n, win := lim.Limit()
			st.MaxCalls = n
			st.WindowMs = win.Milliseconds()
		}
		d, err := nl.l.RetryAfter(ctx, key)
		if err != nil {
			api.logger.Warn(ctx, "rate limiter status unavailable", "feature", nl.feature, "error", err)
			st.Error = "unavailable"
		}
		st.RetryAfterMs = durationMs(d)
		out.Limits = append(out.Limits, st)
	}
	api.writeJSON(ctx, w, http.StatusOK, out)
}
