// Package ratelimit bounds how often a caller may hit an endpoint.
//
// [Window] is the core primitive: a sliding window that admits at most
// maxCalls events in any trailing interval of fixed length. Expired
// timestamps are evicted lazily on every call, there is no timer.
//
// [WindowSet] keys windows by client (IP, session) for per-feature limits on
// the admin API, [RedisWindow] shares the same contract across instances
// through a Redis sorted set, and [IPLimiter] is a coarse per-IP token bucket
// in front of the whole listener.
//
// None of these protect against distributed abuse, use an upstream WAF for that.
package ratelimit
