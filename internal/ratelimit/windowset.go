package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// keyed tracks one client's window and last activity
type keyed struct {
	w        *Window
	lastSeen time.Time
	// logged tracks whether the first-denial hook already fired,
	// resets when the entry is evicted and re-created
	logged bool
}

// WindowSet holds one sliding Window per key with background eviction of
// idle keys. It implements KeyedLimiter and never returns an error.
type WindowSet struct {
	mu      sync.Mutex
	entries map[string]*keyed

	maxCalls int
	window   time.Duration
	now      Clock

	// ttl controls how long an idle key stays before cleanup evicts it,
	// never shorter than window so eviction cannot hand back capacity early
	ttl time.Duration

	// maxKeys caps tracked keys, new keys are denied once reached. 0 disables the cap
	maxKeys    int
	atCapacity bool

	onFirstDenied func(key string)
	onCapacity    func()
}

type SetOption func(*WindowSet)

// WithIdleTTL sets how long an idle key is kept.
func WithIdleTTL(d time.Duration) SetOption {
	return func(s *WindowSet) { s.ttl = d }
}

// WithMaxKeys caps the number of tracked keys.
func WithMaxKeys(n int) SetOption {
	return func(s *WindowSet) { s.maxKeys = n }
}

// WithSetClock replaces time.Now for the set and every window it creates.
func WithSetClock(c Clock) SetOption {
	return func(s *WindowSet) {
		if c != nil {
			s.now = c
		}
	}
}

// WithFirstDenied sets a hook called once per key when it is first limited.
// Used for logging, so a noisy client produces one line, not thousands.
func WithFirstDenied(fn func(key string)) SetOption {
	return func(s *WindowSet) { s.onFirstDenied = fn }
}

// WithCapacityReached sets a hook called once when the set fills up. It fires
// again only after idle eviction has freed room.
func WithCapacityReached(fn func()) SetOption {
	return func(s *WindowSet) { s.onCapacity = fn }
}

// NewWindowSet creates a WindowSet and starts its cleanup goroutine, which
// stops when ctx is cancelled.
func NewWindowSet(ctx context.Context, maxCalls int, window time.Duration, opts ...SetOption) (*WindowSet, error) {
	if maxCalls <= 0 {
		return nil, xerrors.Newf("maxCalls must be > 0 (got %d)", maxCalls)
	}
	if window <= 0 {
		return nil, xerrors.Newf("window must be > 0 (got %s)", window)
	}
	s := &WindowSet{
		entries:  make(map[string]*keyed),
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		ttl:      5 * time.Minute,
		maxKeys:  10000,
	}
	for _, o := range opts {
		o(s)
	}
	if s.ttl < window {
		s.ttl = window
	}
	go s.cleanup(ctx)
	return s, nil
}

// Decide admits or rejects one event for key.
func (s *WindowSet) Decide(_ context.Context, key string) (Decision, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		if s.maxKeys > 0 && len(s.entries) >= s.maxKeys {
			fire := !s.atCapacity
			s.atCapacity = true
			s.mu.Unlock()
			if fire && s.onCapacity != nil {
				s.onCapacity()
			}
			return Decision{Allowed: false, RetryAfter: s.window}, nil
		}
		// arguments already validated in NewWindowSet
		w, _ := NewWindow(s.maxCalls, s.window, WithClock(s.now))
		e = &keyed{w: w}
		s.entries[key] = e
	}
	e.lastSeen = s.now()
	d := e.w.decide()

	fireFirst := !d.Allowed && !e.logged
	if fireFirst {
		e.logged = true
	}
	// release before calling hooks, they may do slow work
	s.mu.Unlock()

	if fireFirst && s.onFirstDenied != nil {
		s.onFirstDenied(key)
	}
	return d, nil
}

// RetryAfter reports the backoff for key without recording an event.
func (s *WindowSet) RetryAfter(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return 0, nil
	}
	return e.w.RetryAfter(), nil
}

// Reset clears the window for key.
func (s *WindowSet) Reset(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if ok {
		e.w.Reset()
	}
}

// Len returns the number of tracked keys.
func (s *WindowSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Limit returns the per-key capacity and window length.
func (s *WindowSet) Limit() (maxCalls int, window time.Duration) {
	return s.maxCalls, s.window
}

// minSweep bounds how often the janitors wake up. time.NewTicker panics on
// a non-positive interval, which ttl/2 becomes for a 1ns ttl.
const minSweep = time.Millisecond

func sweepInterval(ttl time.Duration) time.Duration {
	return max(ttl/2, minSweep)
}

// cleanup evicts keys idle for longer than ttl, every ttl/2.
func (s *WindowSet) cleanup(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval(s.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle(s.now())
		}
	}
}

func (s *WindowSet) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.Sub(e.lastSeen) > s.ttl {
			delete(s.entries, k)
		}
	}
	if s.maxKeys <= 0 || len(s.entries) < s.maxKeys {
		s.atCapacity = false
	}
}
