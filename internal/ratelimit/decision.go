package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/paf-admin/internal/httpmw"
	"github.com/keithlinneman/paf-admin/internal/log"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long the caller should back off, 0 when allowed
	RetryAfter time.Duration
}

// KeyedLimiter admits events per key (client IP, session id).
type KeyedLimiter interface {
	Decide(ctx context.Context, key string) (Decision, error)
	RetryAfter(ctx context.Context, key string) (time.Duration, error)
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions struct {
	// Feature names the limited endpoint group in logs
	Feature string
	// KeyFunc picks the key for a request, defaults to the resolved client IP
	KeyFunc func(*http.Request) string
	// OnDenied is called on every rejected request, used for prometheus counters
	OnDenied func(key string)
	// OnError is called when the limiter backend fails. The request is let
	// through, a broken limiter must not take the API down with it.
	OnError func(ctx context.Context, err error)
}

type tooManyRequests struct {
	Error        string `json:"error"`
	Feature      string `json:"feature,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// Middleware rejects requests over the limit with 429, a Retry-After header
// in whole seconds and the precise backoff in the JSON body.
func Middleware(l KeyedLimiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	keyFn := opts.KeyFunc
	if keyFn == nil {
		keyFn = func(r *http.Request) string { return httpmw.ClientIPFromContext(r.Context()) }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := keyFn(r)

			d, err := l.Decide(ctx, key)
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(ctx, err)
				} else {
					log.FromContext(ctx).Error(ctx, err, "rate limiter backend failed, allowing request", "feature", opts.Feature)
				}
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				if opts.OnDenied != nil {
					opts.OnDenied(key)
				}
				WriteTooManyRequests(w, opts.Feature, d.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteTooManyRequests writes the 429 response body and headers.
func WriteTooManyRequests(w http.ResponseWriter, feature string, retryAfter time.Duration) {
	secs := (ceilMillis(retryAfter) + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(tooManyRequests{
		Error:        "too many requests",
		Feature:      feature,
		RetryAfterMs: ceilMillis(retryAfter),
	})
}
