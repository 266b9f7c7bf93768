package ratelimit

import (
	"sync"
	"time"

	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Window is a sliding-window limiter: at any instant at most maxCalls
// timestamps newer than now-window are recorded.
//
// Timestamps live in a ring buffer sized to maxCalls, oldest first. Each
// operation reads the clock exactly once.
type Window struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	now      Clock

	buf  []time.Time
	head int
	n    int
}

type WindowOption func(*Window)

// WithClock replaces time.Now as the window's time source.
func WithClock(c Clock) WindowOption {
	return func(w *Window) {
		if c != nil {
			w.now = c
		}
	}
}

// NewWindow returns a limiter admitting maxCalls events per window.
func NewWindow(maxCalls int, window time.Duration, opts ...WindowOption) (*Window, error) {
	if maxCalls <= 0 {
		return nil, xerrors.Newf("maxCalls must be > 0 (got %d)", maxCalls)
	}
	if window <= 0 {
		return nil, xerrors.Newf("window must be > 0 (got %s)", window)
	}
	w := &Window{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		buf:      make([]time.Time, maxCalls),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// evict drops timestamps at or before now-window from the front.
// caller holds w.mu
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	for w.n > 0 && !w.buf[w.head].After(cutoff) {
		w.buf[w.head] = time.Time{}
		w.head = (w.head + 1) % len(w.buf)
		w.n--
	}
}

// TryAcquire records an event and returns true if the window has room,
// otherwise it records nothing and returns false.
func (w *Window) TryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)
	if w.n >= w.maxCalls {
		return false
	}
	w.buf[(w.head+w.n)%len(w.buf)] = now
	w.n++
	return true
}

// RetryAfter returns 0 while the window has room, otherwise the time until
// the oldest recorded event leaves the window and frees a slot.
func (w *Window) RetryAfter() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)
	return w.retryAfterLocked(now)
}

func (w *Window) retryAfterLocked(now time.Time) time.Duration {
	if w.n < w.maxCalls {
		return 0
	}
	d := w.buf[w.head].Add(w.window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// RetryAfterMs is RetryAfter in whole milliseconds, rounded up so a
// limited window never reports 0.
func (w *Window) RetryAfterMs() int64 {
	return ceilMillis(w.RetryAfter())
}

// Remaining returns how many events the window would admit right now.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(w.now())
	return w.maxCalls - w.n
}

// Reset forgets every recorded event, restoring full capacity.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	clear(w.buf)
	w.head = 0
	w.n = 0
}

// Limit returns the configured capacity and window length.
func (w *Window) Limit() (maxCalls int, window time.Duration) {
	return w.maxCalls, w.window
}

// decide is TryAcquire plus the retry hint on denial, under one clock read.
func (w *Window) decide() Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evict(now)
	if w.n >= w.maxCalls {
		return Decision{Allowed: false, RetryAfter: w.retryAfterLocked(now)}
	}
	w.buf[(w.head+w.n)%len(w.buf)] = now
	w.n++
	return Decision{Allowed: true}
}

func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}
