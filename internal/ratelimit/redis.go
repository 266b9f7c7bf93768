package ratelimit

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

//go:embed sliding_window.lua
var slidingWindowSource string

var slidingWindowScript = redis.NewScript(slidingWindowSource)

// RedisWindow is the sliding window shared between replicas. Each key is a
// sorted set of event timestamps, evicted and counted atomically in Lua.
type RedisWindow struct {
	client   redis.Cmdable
	prefix   string
	maxCalls int
	window   time.Duration
	now      Clock
}

type RedisOption func(*RedisWindow)

// WithKeyPrefix sets the namespace for limiter keys, default "pafadmin:rl:".
func WithKeyPrefix(p string) RedisOption {
	return func(r *RedisWindow) { r.prefix = p }
}

// WithRedisClock replaces time.Now. Timestamps come from the caller, not the
// redis server, so replicas must keep their clocks in sync.
func WithRedisClock(c Clock) RedisOption {
	return func(r *RedisWindow) {
		if c != nil {
			r.now = c
		}
	}
}

// NewRedisWindow returns a KeyedLimiter backed by redis.
func NewRedisWindow(client redis.Cmdable, maxCalls int, window time.Duration, opts ...RedisOption) (*RedisWindow, error) {
	if client == nil {
		return nil, xerrors.New("redis client is nil")
	}
	if maxCalls <= 0 {
		return nil, xerrors.Newf("maxCalls must be > 0 (got %d)", maxCalls)
	}
	if window < time.Millisecond {
		return nil, xerrors.Newf("window must be >= 1ms (got %s)", window)
	}
	r := &RedisWindow{
		client:   client,
		prefix:   "pafadmin:rl:",
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Load pushes the script into the server cache so the first request does
// not pay for a NOSCRIPT round trip.
func (r *RedisWindow) Load(ctx context.Context) error {
	if err := slidingWindowScript.Load(ctx, r.client).Err(); err != nil {
		return xerrors.Wrap(err, "load sliding window script")
	}
	return nil
}

// Decide records an event for key if the window has room.
func (r *RedisWindow) Decide(ctx context.Context, key string) (Decision, error) {
	member, err := memberID(r.now())
	if err != nil {
		return Decision{}, err
	}
	res, err := r.run(ctx, key, member, true)
	if err != nil {
		return Decision{}, err
	}
	return res.decision(), nil
}

// RetryAfter reports the backoff for key without recording an event.
func (r *RedisWindow) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	res, err := r.run(ctx, key, "", false)
	if err != nil {
		return 0, err
	}
	return res.retryAfter, nil
}

// Reset drops every recorded event for key.
func (r *RedisWindow) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return xerrors.Wrapf(err, "reset rate limit key %q", key)
	}
	return nil
}

// Limit returns the per-key capacity and window length.
func (r *RedisWindow) Limit() (maxCalls int, window time.Duration) {
	return r.maxCalls, r.window
}

type scriptResult struct {
	allowed    bool
	retryAfter time.Duration
	remaining  int64
}

func (s scriptResult) decision() Decision {
	if s.allowed {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: s.retryAfter}
}

func (r *RedisWindow) run(ctx context.Context, key, member string, acquire bool) (scriptResult, error) {
	mode := "0"
	if acquire {
		mode = "1"
	}
	raw, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + key},
		r.now().UnixMilli(),
		r.window.Milliseconds(),
		r.maxCalls,
		member,
		mode,
	).Result()
	if err != nil {
		return scriptResult{}, xerrors.Wrap(err, "run sliding window script")
	}
	return parseScriptResult(raw)
}

func parseScriptResult(raw any) (scriptResult, error) {
	vals, ok := raw.([]any)
	if !ok || len(vals) != 3 {
		return scriptResult{}, xerrors.Newf("unexpected sliding window reply %T %v", raw, raw)
	}
	ints := make([]int64, len(vals))
	for i, v := range vals {
		switch n := v.(type) {
		case int64:
			ints[i] = n
		case string:
			p, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return scriptResult{}, xerrors.Wrapf(err, "parse sliding window reply field %d", i)
			}
			ints[i] = p
		default:
			return scriptResult{}, xerrors.Newf("unexpected sliding window reply field %d: %T", i, v)
		}
	}
	return scriptResult{
		allowed:    ints[0] == 1,
		retryAfter: time.Duration(ints[1]) * time.Millisecond,
		remaining:  ints[2],
	}, nil
}

// memberID is unique per event so two events in the same millisecond both count.
func memberID(now time.Time) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", xerrors.Wrap(err, "generate rate limit member id")
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(b[:]), nil
}
