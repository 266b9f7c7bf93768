// Package adminhttp serves the admin console JSON API: field validators,
// address checks with per-client rate limits, and the settings document.
package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/paf-admin/internal/address"
	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/ratelimit"
	"github.com/keithlinneman/paf-admin/internal/settings"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// DefaultMaxBodyBytes caps request bodies. A full batch of 100 addresses at
// the 500 character limit stays well below it.
const DefaultMaxBodyBytes int64 = 64 << 10

// Rate limited feature names, used in 429 bodies, logs and metric labels.
const (
	FeatureAddressCheck = "address_check"
	FeatureAddressBatch = "address_batch"
)

// BatchSource checks a batch stored outside the request, see address.S3Source.
type BatchSource interface {
	CheckObject(ctx context.Context, key string) ([]address.Result, error)
}

// Metrics receives API counters. *metrics.ServerMetrics implements it.
type Metrics interface {
	IncValidation(kind string, valid bool)
	IncRateLimitDenied(feature string)
	IncSettingsUpdate(result string)
}

type nopMetrics struct{}

func (nopMetrics) IncValidation(string, bool) {}
func (nopMetrics) IncRateLimitDenied(string)  {}
func (nopMetrics) IncSettingsUpdate(string)   {}

type Options struct {
	Logger   log.Logger
	Settings *settings.Store

	// optional
	Batches      BatchSource
	CheckLimiter ratelimit.KeyedLimiter
	BatchLimiter ratelimit.KeyedLimiter
	Metrics      Metrics
	MaxBodyBytes int64
}

// API implements the /api/v1 endpoints.
type API struct {
	logger   log.Logger
	settings *settings.Store
	batches  BatchSource
	limiters []namedLimiter
	metrics  Metrics
	maxBody  int64
}

type namedLimiter struct {
	feature string
	l       ratelimit.KeyedLimiter
}

// New validates opts and returns an API.
func New(opts Options) (*API, error) {
	if opts.Settings == nil {
		return nil, xerrors.New("settings store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	api := &API{
		logger:   opts.Logger,
		settings: opts.Settings,
		batches:  opts.Batches,
		metrics:  opts.Metrics,
		maxBody:  opts.MaxBodyBytes,
	}
	if opts.CheckLimiter != nil {
		api.limiters = append(api.limiters, namedLimiter{FeatureAddressCheck, opts.CheckLimiter})
	}
	if opts.BatchLimiter != nil {
		api.limiters = append(api.limiters, namedLimiter{FeatureAddressBatch, opts.BatchLimiter})
	}
	return api, nil
}

// RegisterRoutes attaches the API to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/validate/sanitize", api.HandleSanitize)
		r.Post("/validate/address", api.HandleAddressPlausible)
		r.Post("/validate/cidr", api.HandleCIDR)
		r.Post("/validate/session-timeout", api.HandleSessionTimeout)
		r.Post("/validate/endpoint", api.HandleEndpoint)

		r.With(api.limit(FeatureAddressCheck)).Post("/addresses/check", api.HandleAddressCheck)
		r.Group(func(r chi.Router) {
			r.Use(api.limit(FeatureAddressBatch))
			r.Post("/addresses/batch", api.HandleAddressBatch)
			// unmounted without a bucket so a 404 costs no batch quota
			if api.batches != nil {
				r.Post("/addresses/batch/s3", api.HandleAddressBatchS3)
			}
		})

		r.Get("/settings", api.HandleGetSettings)
		r.Put("/settings", api.HandlePutSettings)

		r.Get("/limits", api.HandleLimits)
	})
}

// limit returns the rate limit middleware for feature, or a passthrough when
// no limiter is configured for it.
func (api *API) limit(feature string) func(http.Handler) http.Handler {
	for _, nl := range api.limiters {
		if nl.feature != feature {
			continue
		}
		return ratelimit.Middleware(nl.l, ratelimit.MiddlewareOptions{
			Feature: feature,
			OnDenied: func(string) {
				api.metrics.IncRateLimitDenied(feature)
			},
			OnError: func(ctx context.Context, err error) {
				api.logger.Error(ctx, err, "rate limiter backend failed, allowing request", "feature", feature)
			},
		})
	}
	return func(next http.Handler) http.Handler { return next }
}

type errorResponse struct {
	Error string `json:"error"`
}

// errBodyTooLarge and errMalformed are the two decode failures handlers map
// to status codes.
var (
	errBodyTooLarge = errors.New("request body too large")
	errMalformed    = errors.New("malformed JSON")
)

// decode reads one JSON value from the capped body into v. Numbers decode as
// json.Number so validators see what the client sent.
func (api *API) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, api.maxBody)
	dec := json.NewDecoder(body)
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errBodyTooLarge
		}
		return xerrors.Wrap(errMalformed, err.Error())
	}
	// trailing data after the value is malformed too
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errBodyTooLarge
		}
		return xerrors.Wrap(errMalformed, "unexpected data after JSON value")
	}
	return nil
}

// decodeOrReject decodes the body and writes the 400/413 response on failure.
// Returns false if the handler should stop.
func (api *API) decodeOrReject(w http.ResponseWriter, r *http.Request, v any) bool {
	err := api.decode(w, r, v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBodyTooLarge):
		api.writeJSON(r.Context(), w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
	default:
		api.logger.Debug(r.Context(), "rejected request body", "error", err)
		api.writeJSON(r.Context(), w, http.StatusBadRequest, errorResponse{Error: "malformed JSON"})
	}
	return false
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func durationMs(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}
