package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestLimiter creates a limiter on a fake clock with a cancellable context.
func newTestLimiter(t *testing.T, opts ...Option) (*IPLimiter, *fakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	clk := newFakeClock()
	defaults := []Option{
		WithRate(10, 5), // 10/sec, burst of 5
		WithTTL(time.Minute),
		WithIPClock(clk.Now),
	}
	return NewIPLimiter(ctx, append(defaults, opts...)...), clk
}

func TestIPLimiter_BurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(t, WithRate(1, 5))

	for i := 0; i < 5; i++ {
		if !mustDecide(t, l, "10.0.0.1").Allowed {
			t.Fatalf("request %d should be allowed (within burst)", i+1)
		}
	}
	if mustDecide(t, l, "10.0.0.1").Allowed {
		t.Fatal("request 6 should be denied (burst exhausted)")
	}
}

func TestIPLimiter_SeparateIPsGetSeparateBuckets(t *testing.T) {
	l, _ := newTestLimiter(t, WithRate(1, 3))

	for i := 0; i < 3; i++ {
		mustDecide(t, l, "10.0.0.1")
	}
	if mustDecide(t, l, "10.0.0.1").Allowed {
		t.Fatal("ip1 should be denied after burst")
	}
	if !mustDecide(t, l, "10.0.0.2").Allowed {
		t.Fatal("ip2 should be allowed (separate bucket)")
	}
}

func TestIPLimiter_RefillAfterTime(t *testing.T) {
	l, clk := newTestLimiter(t, WithRate(100, 1))

	if !mustDecide(t, l, "10.0.0.1").Allowed {
		t.Fatal("first request should be allowed")
	}
	if mustDecide(t, l, "10.0.0.1").Allowed {
		t.Fatal("second request should be denied")
	}
	clk.Advance(20 * time.Millisecond)
	if !mustDecide(t, l, "10.0.0.1").Allowed {
		t.Fatal("request after refill should be allowed")
	}
}

func TestIPLimiter_RetryAfterIsTimeToNextToken(t *testing.T) {
	l, clk := newTestLimiter(t, WithRate(1, 2))

	mustDecide(t, l, "10.0.0.1")
	mustDecide(t, l, "10.0.0.1")

	d := mustDecide(t, l, "10.0.0.1")
	if d.Allowed {
		t.Fatal("should be denied")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("RetryAfter = %v, want 1s", d.RetryAfter)
	}

	// a denied request hands its reservation back
	d = mustDecide(t, l, "10.0.0.1")
	if d.RetryAfter != time.Second {
		t.Fatalf("RetryAfter on repeat denial = %v, want 1s", d.RetryAfter)
	}

	clk.Advance(400 * time.Millisecond)
	got, err := l.RetryAfter(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("RetryAfter: %v", err)
	}
	if got < 599*time.Millisecond || got > 600*time.Millisecond {
		t.Fatalf("RetryAfter peek = %v, want ~600ms", got)
	}

	clk.Advance(700 * time.Millisecond)
	if !mustDecide(t, l, "10.0.0.1").Allowed {
		t.Fatal("token should be available after RetryAfter elapsed")
	}
}

func TestIPLimiter_RetryAfterUnknownOrReady(t *testing.T) {
	l, _ := newTestLimiter(t)

	if got, _ := l.RetryAfter(context.Background(), "10.0.0.9"); got != 0 {
		t.Fatalf("unknown ip RetryAfter = %v, want 0", got)
	}
	mustDecide(t, l, "10.0.0.9")
	if got, _ := l.RetryAfter(context.Background(), "10.0.0.9"); got != 0 {
		t.Fatalf("ip with tokens left RetryAfter = %v, want 0", got)
	}
}

func TestIPLimiter_OnFirstDeniedCalledOnce(t *testing.T) {
	var count atomic.Int32
	l, _ := newTestLimiter(t, WithRate(1, 1), WithOnFirstDenied(func(string) { count.Add(1) }))

	for i := 0; i < 10; i++ {
		mustDecide(t, l, "10.0.0.1")
	}
	if got := count.Load(); got != 1 {
		t.Fatalf("OnFirstDenied called %d times, want 1", got)
	}
}

func TestIPLimiter_OnFirstDeniedPerIP(t *testing.T) {
	var mu sync.Mutex
	ips := map[string]int{}
	l, _ := newTestLimiter(t, WithRate(1, 1), WithOnFirstDenied(func(ip string) {
		mu.Lock()
		ips[ip]++
		mu.Unlock()
	}))

	for i := 0; i < 3; i++ {
		mustDecide(t, l, "10.0.0.1")
		mustDecide(t, l, "10.0.0.2")
	}

	mu.Lock()
	defer mu.Unlock()
	if ips["10.0.0.1"] != 1 || ips["10.0.0.2"] != 1 {
		t.Fatalf("OnFirstDenied calls = %v, want 1 per ip", ips)
	}
}

func TestIPLimiter_OnFirstDeniedResetsAfterEviction(t *testing.T) {
	var count atomic.Int32
	l, clk := newTestLimiter(t,
		WithRate(0.001, 1),
		WithOnFirstDenied(func(string) { count.Add(1) }),
	)

	mustDecide(t, l, "10.0.0.1")
	mustDecide(t, l, "10.0.0.1")

	clk.Advance(2 * time.Minute)
	l.evictIdle(clk.Now())

	mustDecide(t, l, "10.0.0.1")
	mustDecide(t, l, "10.0.0.1")

	if got := count.Load(); got != 2 {
		t.Fatalf("OnFirstDenied called %d times, want 2", got)
	}
}

func TestIPLimiter_EvictIdle(t *testing.T) {
	l, clk := newTestLimiter(t)

	mustDecide(t, l, "10.0.0.1")
	clk.Advance(30 * time.Second)
	mustDecide(t, l, "10.0.0.2")
	clk.Advance(45 * time.Second)

	l.evictIdle(clk.Now())

	l.mu.Lock()
	_, stale := l.visitors["10.0.0.1"]
	_, active := l.visitors["10.0.0.2"]
	l.mu.Unlock()
	if stale {
		t.Fatal("stale visitor should be evicted")
	}
	if !active {
		t.Fatal("active visitor should not be evicted")
	}
}

func TestIPLimiter_CleanupStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewIPLimiter(ctx, WithTTL(10*time.Millisecond))

	cancel()
	time.Sleep(30 * time.Millisecond)

	mustDecide(t, l, "10.0.0.2")
	time.Sleep(30 * time.Millisecond)

	if l.Len() != 1 {
		t.Fatal("visitor should persist when cleanup goroutine is stopped")
	}
}

func TestIPLimiter_TinyTTLDoesNotPanic(t *testing.T) {
	for _, ttl := range []time.Duration{time.Nanosecond, 0} {
		ctx, cancel := context.WithCancel(context.Background())
		l := NewIPLimiter(ctx, WithTTL(ttl))
		mustDecide(t, l, "198.51.100.20")
		time.Sleep(5 * time.Millisecond)
		cancel()
	}
}

func TestIPLimiter_Defaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewIPLimiter(ctx)
	if l.perSecond != 10 {
		t.Errorf("perSecond = %v, want 10", l.perSecond)
	}
	if l.burst != 30 {
		t.Errorf("burst = %d, want 30", l.burst)
	}
	if l.ttl != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", l.ttl)
	}
	if l.maxVisitors != 10000 {
		t.Errorf("maxVisitors = %d, want 10000", l.maxVisitors)
	}
}

func TestIPLimiter_MaxVisitors(t *testing.T) {
	var capCount atomic.Int32
	l, _ := newTestLimiter(t,
		WithRate(100, 100),
		WithMaxVisitors(2),
		WithOnCapacity(func() { capCount.Add(1) }),
	)

	mustDecide(t, l, "10.0.0.1")
	mustDecide(t, l, "10.0.0.2")

	if mustDecide(t, l, "10.0.0.3").Allowed {
		t.Fatal("new IP should be rejected at capacity")
	}
	mustDecide(t, l, "10.0.0.4")
	if got := capCount.Load(); got != 1 {
		t.Fatalf("OnCapacity count = %d, want 1", got)
	}
	if !mustDecide(t, l, "10.0.0.1").Allowed {
		t.Fatal("existing IP should still be allowed at capacity")
	}
}

func TestIPLimiter_MaxVisitorsEvictionFreesCapacity(t *testing.T) {
	l, clk := newTestLimiter(t, WithRate(100, 100), WithMaxVisitors(1))

	mustDecide(t, l, "10.0.0.1")
	if mustDecide(t, l, "10.0.0.2").Allowed {
		t.Fatal("should be rejected at capacity")
	}
	clk.Advance(2 * time.Minute)
	l.evictIdle(clk.Now())
	if !mustDecide(t, l, "10.0.0.2").Allowed {
		t.Fatal("new IP should be allowed after eviction freed capacity")
	}
}

func TestIPLimiter_MaxVisitorsZeroDisablesLimit(t *testing.T) {
	l, _ := newTestLimiter(t, WithRate(100, 100), WithMaxVisitors(0))

	for i := 0; i < 100; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		if !mustDecide(t, l, ip).Allowed {
			t.Fatalf("ip %s rejected with maxVisitors=0 (should be unlimited)", ip)
		}
	}
}

func TestIPLimiter_ConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter(t, WithRate(100, 100), WithMaxVisitors(50))

	var wg sync.WaitGroup
	var allowed, rejected atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.%d.%d.%d", n/65536, (n/256)%256, n%256)
			d, _ := l.Decide(context.Background(), ip)
			if d.Allowed {
				allowed.Add(1)
			} else {
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed = %d, want 50", got)
	}
	if got := rejected.Load(); got != 150 {
		t.Fatalf("rejected = %d, want 150", got)
	}
	if l.Len() != 50 {
		t.Fatalf("map size = %d, want 50", l.Len())
	}
}
