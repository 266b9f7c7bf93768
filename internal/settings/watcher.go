package settings

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for changes.
	DefaultPollInterval = 30 * time.Second

	// DefaultStaleThreshold is how long without a successful poll before the
	// watcher reports the active settings as stale.
	DefaultStaleThreshold = 30 * time.Minute

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

// Source is the read side of SSMLoader.
type Source interface {
	Load(ctx context.Context) (Settings, bool, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherSwaps()
	IncWatcherError(errType string)
	SetWatcherLastSuccess(unixSeconds float64)
	SetWatcherStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Source       Source
	Store        *Store
	PollInterval time.Duration

	// optional
	Metrics        WatcherMetrics
	StaleThreshold time.Duration
}

// Watcher polls the source so that updates saved by another instance become
// active here too.
type Watcher struct {
	source   Source
	store    *Store
	logger   log.Logger
	interval time.Duration
	metrics  WatcherMetrics

	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount int64
	swapCount int64
}

type pollResult int

const (
	pollNoChange pollResult = iota
	pollSwapped
	pollSourceError
	pollRejected
)

// NewWatcher creates a settings watcher. Call Run to start the poll loop.
func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	return &Watcher{
		source:         opts.Source,
		store:          opts.Store,
		logger:         opts.Logger,
		interval:       opts.PollInterval,
		metrics:        opts.Metrics,
		staleThreshold: opts.StaleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "settings watcher starting", "poll_interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "settings watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollSourceError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "settings watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "settings watcher: recovered", "had_consecutive_errors", w.consecutiveErrs)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}

			w.trackStaleness(ctx, result)
		}
	}
}

// trackStaleness logs once on entering and once on leaving the stale state.
func (w *Watcher) trackStaleness(ctx context.Context, result pollResult) {
	if result != pollSourceError {
		if w.staleLogged {
			w.logger.Info(ctx, "settings watcher: staleness recovered")
			w.staleLogged = false
			w.setStale(false)
		}
		return
	}
	if w.staleLogged || time.Since(w.lastSuccessAt) <= w.staleThreshold {
		return
	}
	w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
		"settings watcher: settings are stale, changes from other instances are not applied",
	)
	w.staleLogged = true
	w.setStale(true)
}

func (w *Watcher) setStale(stale bool) {
	if w.metrics != nil {
		w.metrics.SetWatcherStale(stale)
	}
}

// checkOnce swaps in the stored settings if they are newer than the active ones.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	stored, found, err := w.source.Load(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "settings watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("ssm")
		}
		return pollSourceError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(now.Unix()))
	}

	if !found {
		return pollNoChange
	}
	if !stored.UpdatedAt.After(w.store.Get().UpdatedAt) {
		return pollNoChange
	}
	if err := w.store.Set(stored); err != nil {
		w.logger.Error(ctx, xerrors.Wrap(err, "apply stored settings"), "settings watcher: stored settings rejected, keeping current")
		if w.metrics != nil {
			w.metrics.IncWatcherError("validation")
		}
		return pollRejected
	}

	w.swapCount++
	if w.metrics != nil {
		w.metrics.IncWatcherSwaps()
	}
	w.logger.Info(ctx, "settings watcher: applied settings from SSM",
		"updated_at", stored.UpdatedAt.Format(time.RFC3339),
	)
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
