package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor tracks a single IPs token bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// IPLimiter is a per-IP token bucket guarding the whole API against a single
// client flooding it. It sits in front of the per-feature sliding windows
// and implements KeyedLimiter.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// maxVisitors caps the map, new IPs are denied once reached. 0 disables the cap
	maxVisitors int
	// atCapacity suppresses repeat OnCapacity calls until eviction frees room
	atCapacity bool

	now Clock

	// OnFirstDenied is called once per visitor when they first get rate limited
	OnFirstDenied func(ip string)

	// OnCapacity is called once when the map first fills up
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the bucket size and refill rate.
// WithRate(10, 50) allows 50 requests at once, then refills at 10 per second
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps the number of tracked IPs
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

// WithIPClock replaces time.Now, for tests
func WithIPClock(c Clock) Option {
	return func(l *IPLimiter) {
		if c != nil {
			l.now = c
		}
	}
}

// WithOnFirstDenied sets a callback for the first denial per visitor, used for logging.
// Every denial is reported through the middleware's OnDenied instead.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

// WithOnCapacity sets a callback for IPs rejected because the map is full
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// NewIPLimiter creates an IPLimiter and starts the background cleanup goroutine,
// which exits when ctx is cancelled
func NewIPLimiter(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 10000,
		now:         time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Decide takes one token for ip. On denial RetryAfter is the time until a
// token is available again.
func (l *IPLimiter) Decide(_ context.Context, ip string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			fire := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if fire && l.OnCapacity != nil {
				l.OnCapacity()
			}
			return Decision{Allowed: false, RetryAfter: l.ttl}, nil
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	d := Decision{Allowed: true}
	if !res.OK() {
		d = Decision{Allowed: false, RetryAfter: l.ttl}
	} else if delay := res.DelayFrom(now); delay > 0 {
		// hand the token back, a rejected request must not consume budget
		res.CancelAt(now)
		d = Decision{Allowed: false, RetryAfter: delay}
	}

	fireFirst := !d.Allowed && !v.logged
	if fireFirst {
		v.logged = true
	}
	// release lock before calling hooks, they may do slow work
	l.mu.Unlock()

	if fireFirst && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	return d, nil
}

// RetryAfter reports how long ip must wait for a token without taking one.
func (l *IPLimiter) RetryAfter(_ context.Context, ip string) (time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[ip]
	if !ok {
		return 0, nil
	}
	if v.limiter.TokensAt(now) >= 1 {
		return 0, nil
	}
	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return l.ttl, nil
	}
	delay := res.DelayFrom(now)
	res.CancelAt(now)
	return delay, nil
}

// Len returns the number of tracked IPs.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// cleanup evicts visitors not seen within the TTL.
func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval(l.ttl))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(l.now())
		}
	}
}

func (l *IPLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
		l.atCapacity = false
	}
}
