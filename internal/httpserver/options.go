package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/paf-admin/internal/health"
	"github.com/keithlinneman/paf-admin/internal/httpmw"
	"github.com/keithlinneman/paf-admin/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers the JSON API on the router
	APIRoutes func(chi.Router)

	// RateLimitMW is the coarse per-IP limiter, runs on every request
	RateLimitMW func(http.Handler) http.Handler

	// AllowlistMW guards APIRoutes only, health endpoints stay reachable
	AllowlistMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	// SettingsInfo adds X-Settings-Revision headers when set
	SettingsInfo httpmw.SettingsInfo

	// MaxBodyBytes caps request bodies, DefaultMaxBodyBytes if 0
	MaxBodyBytes int64
}
