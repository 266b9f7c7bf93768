// Package metrics owns the service's private Prometheus registry. Labels are
// limited to fixed sets (method, chi route pattern, status, feature names)
// so nothing a caller sends can grow the series count.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/paf-admin/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	serverErr *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	respSize  *prometheus.HistogramVec
	panics    prometheus.Counter

	// admin api
	rateLimited     *prometheus.CounterVec
	limiterFull     *prometheus.CounterVec
	allowlistDenied prometheus.Counter
	validations     *prometheus.CounterVec
	settingsWrites  *prometheus.CounterVec
	settingsRev     prometheus.Gauge

	// settings watcher
	watchPolls   prometheus.Counter
	watchSwaps   prometheus.Counter
	watchErrors  *prometheus.CounterVec
	watchLastOK  prometheus.Gauge
	watchIsStale prometheus.Gauge

	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

func boolGauge(g prometheus.Gauge, on bool) {
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}

// New builds the registry with the Go and process collectors plus every
// service metric.
func New() *ServerMetrics {
	m := &ServerMetrics{
		inflight: gauge("http_inflight_requests", "Requests currently being served"),
		requests: counterVec("http_requests_total",
			"HTTP requests by method, route and status", "method", "route", "status"),
		serverErr: counterVec("http_errors_total",
			"HTTP 5xx responses by method and route", "method", "route"),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		respSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_response_size_bytes",
			Help: "HTTP response body size by method and route",
			// single checks are tiny, a full 100 line batch is a few KB
			Buckets: prometheus.ExponentialBuckets(64, 4, 7),
		}, []string{"method", "route"}),
		panics: counter("http_panic_total", "Handler panics recovered"),

		rateLimited: counterVec("http_requests_rate_limited_total",
			"Requests answered 429, by limiter feature", "feature"),
		limiterFull: counterVec("http_requests_rate_limited_capacity_total",
			"Times a limiter hit its tracked key cap", "feature"),
		allowlistDenied: counter("http_requests_allowlist_denied_total",
			"Requests answered 403 because the client IP is outside the allowlist"),
		validations: counterVec("pafadmin_validations_total",
			"Validation calls by kind and result", "kind", "result"),
		settingsWrites: counterVec("pafadmin_settings_updates_total",
			"Settings update attempts by result", "result"),
		settingsRev: gauge("pafadmin_settings_updated_timestamp_seconds",
			"updated_at of the active settings, 0 before the first save"),

		watchPolls:   counter("settings_watcher_polls_total", "Settings watcher poll cycles"),
		watchSwaps:   counter("settings_watcher_swaps_total", "Settings revisions applied from SSM"),
		watchErrors:  counterVec("settings_watcher_errors_total", "Settings watcher errors by type", "type"),
		watchLastOK:  gauge("settings_watcher_last_success_timestamp_seconds", "Unix time of the last successful SSM poll"),
		watchIsStale: gauge("settings_watcher_stale", "1 while the settings watcher is stale"),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profiling: gauge("profiling_active", "1 while continuous profiling is running"),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight, m.requests, m.serverErr, m.latency, m.respSize, m.panics,
		m.rateLimited, m.limiterFull, m.allowlistDenied, m.validations, m.settingsWrites, m.settingsRev,
		m.watchPolls, m.watchSwaps, m.watchErrors, m.watchLastOK, m.watchIsStale,
		m.buildInfo, m.profiling,
	)
	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

// Handler serves the registry in Prometheus or OpenMetrics format.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncPanic() { m.panics.Inc() }

// SetBuildInfoFromVersion publishes the build_info series. Call once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) { boolGauge(m.profiling, active) }

// IncRateLimitDenied counts a 429. feature is "ip" for the listener-wide
// limiter or an API feature name.
func (m *ServerMetrics) IncRateLimitDenied(feature string) {
	m.rateLimited.WithLabelValues(feature).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity(feature string) {
	m.limiterFull.WithLabelValues(feature).Inc()
}

func (m *ServerMetrics) IncAllowlistDenied() { m.allowlistDenied.Inc() }

// IncValidation counts one validation outcome. kind comes from a fixed set
// of handler names, never from the request.
func (m *ServerMetrics) IncValidation(kind string, valid bool) {
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.validations.WithLabelValues(kind, result).Inc()
}

func (m *ServerMetrics) IncSettingsUpdate(result string) {
	m.settingsWrites.WithLabelValues(result).Inc()
}

// SetSettingsUpdatedAt exposes the active revision. The zero time reads as 0.
func (m *ServerMetrics) SetSettingsUpdatedAt(t time.Time) {
	if t.IsZero() {
		m.settingsRev.Set(0)
		return
	}
	m.settingsRev.Set(float64(t.Unix()))
}

func (m *ServerMetrics) IncWatcherPolls() { m.watchPolls.Inc() }
func (m *ServerMetrics) IncWatcherSwaps() { m.watchSwaps.Inc() }

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watchErrors.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) { m.watchLastOK.Set(unixSeconds) }
func (m *ServerMetrics) SetWatcherStale(stale bool)                { boolGauge(m.watchIsStale, stale) }
