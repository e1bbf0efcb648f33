package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/requestgate/internal/testutil"
)

const testIP = "192.168.1.1"

func newTestWindowLimiter(t *testing.T, p Policy, clock *testutil.MockTime, opts ...WindowLimiterOption) *SlidingWindowLimiter {
	t.Helper()
	opts = append([]WindowLimiterOption{WithClock(clock.Now)}, opts...)
	rl := NewSlidingWindowLimiter(p, slog.Default(), opts...)
	t.Cleanup(rl.Stop)
	return rl
}

func TestNewSlidingWindowLimiter_Defaults(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   Policy
	}{
		{
			name:   "valid policy",
			policy: Policy{MaxRequests: 5, Window: time.Minute},
			want:   Policy{MaxRequests: 5, Window: time.Minute},
		},
		{
			name:   "zero max requests uses default",
			policy: Policy{MaxRequests: 0, Window: time.Minute},
			want:   Policy{MaxRequests: DefaultWindowMaxRequests, Window: time.Minute},
		},
		{
			name:   "negative window uses default",
			policy: Policy{MaxRequests: 7, Window: -time.Second},
			want:   Policy{MaxRequests: 7, Window: DefaultWindow},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewSlidingWindowLimiter(tt.policy, nil)
			defer rl.Stop()

			if got := rl.Policy(); got != tt.want {
				t.Errorf("Policy() = %+v, want %+v", got, tt.want)
			}
			if rl.maxEntries != DefaultWindowMaxEntries {
				t.Errorf("maxEntries = %d, want %d", rl.maxEntries, DefaultWindowMaxEntries)
			}
		})
	}
}

func TestPolicies(t *testing.T) {
	if p := DefaultPolicy(); p.MaxRequests != 100 || p.Window != 5*time.Minute {
		t.Errorf("DefaultPolicy() = %+v", p)
	}
	if p := LoginPolicy(); p.MaxRequests != 50 || p.Window != time.Hour {
		t.Errorf("LoginPolicy() = %+v", p)
	}
}

func TestSlidingWindowLimiter_DeniesNPlusOne(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	const n = 5
	rl := newTestWindowLimiter(t, Policy{MaxRequests: n, Window: time.Minute}, clock)

	for i := 0; i < n; i++ {
		if !rl.Allow(testIP) {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		clock.Advance(time.Second)
	}
	if rl.Allow(testIP) {
		t.Error("request N+1 allowed, want denied")
	}
	if got := rl.Count(testIP); got != n {
		t.Errorf("Count() = %d, want %d (denied requests are not recorded)", got, n)
	}
}

func TestSlidingWindowLimiter_SpacedBeyondWindow(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	const n = 3
	window := time.Minute
	rl := newTestWindowLimiter(t, Policy{MaxRequests: n, Window: window}, clock)

	for i := 0; i < 3*n; i++ {
		if !rl.Allow(testIP) {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		clock.Advance(window + time.Millisecond)
	}
}

func TestSlidingWindowLimiter_WindowSlides(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	rl := newTestWindowLimiter(t, Policy{MaxRequests: 2, Window: time.Minute}, clock)

	rl.Allow(testIP)
	clock.Advance(30 * time.Second)
	rl.Allow(testIP)

	if rl.Allow(testIP) {
		t.Fatal("third request inside window allowed")
	}

	// first request falls out of the window
	clock.Advance(31 * time.Second)
	if !rl.Allow(testIP) {
		t.Error("request after oldest expired denied")
	}
	if rl.Allow(testIP) {
		t.Error("window should be full again")
	}
}

func TestSlidingWindowLimiter_PerIPIsolation(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rl := newTestWindowLimiter(t, Policy{MaxRequests: 1, Window: time.Minute}, clock)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first IP denied")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first IP second request allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second IP denied by first IP's window")
	}
}

func TestSlidingWindowLimiter_LRUEviction(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rl := newTestWindowLimiter(t, Policy{MaxRequests: 1, Window: time.Hour}, clock, WithMaxEntries(2))

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")
	rl.Allow("10.0.0.3") // evicts 10.0.0.1

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("evicted IP should start with a fresh window")
	}
}

func TestSlidingWindowLimiter_Cleanup(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rl := newTestWindowLimiter(t, Policy{MaxRequests: 10, Window: time.Minute}, clock)

	rl.Allow("10.0.0.1")
	clock.Advance(45 * time.Second)
	rl.Allow("10.0.0.2")
	clock.Advance(30 * time.Second)

	rl.Cleanup()

	stats := rl.GetStats()
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d, want 1", stats.CurrentEntries)
	}
	if rl.Count("10.0.0.2") != 1 {
		t.Error("live window removed by cleanup")
	}
	if stats.TotalCleanups != 1 {
		t.Errorf("TotalCleanups = %d, want 1", stats.TotalCleanups)
	}
}

func TestSlidingWindowLimiter_Stats(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	rl := newTestWindowLimiter(t, Policy{MaxRequests: 2, Window: time.Minute}, clock, WithMaxEntries(4))

	rl.Allow(testIP)
	rl.Allow(testIP)
	rl.Allow(testIP)

	stats := rl.GetStats()
	if stats.TotalAllowed != 2 || stats.TotalDenied != 1 {
		t.Errorf("allowed=%d denied=%d, want 2/1", stats.TotalAllowed, stats.TotalDenied)
	}
	if stats.MemoryPressure != 25.0 {
		t.Errorf("MemoryPressure = %v, want 25", stats.MemoryPressure)
	}
	if stats.Window != "1m0s" {
		t.Errorf("Window = %q", stats.Window)
	}
}

func TestSlidingWindowLimiter_StopIdempotent(t *testing.T) {
	rl := NewSlidingWindowLimiter(DefaultPolicy(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Stop()
		}()
	}
	wg.Wait()
}

func TestSlidingWindowLimiter_Concurrent(t *testing.T) {
	const maxReq = 50
	rl := NewSlidingWindowLimiter(Policy{MaxRequests: maxReq, Window: time.Hour}, nil, WithCleanupInterval(time.Millisecond))
	defer rl.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := rl.Allow(testIP)
			_ = rl.Allow(fmt.Sprintf("10.1.0.%d", i%20))
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if allowed != maxReq {
		t.Errorf("allowed = %d, want exactly %d", allowed, maxReq)
	}
}
