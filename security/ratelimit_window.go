package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWindowMaxRequests is the number of requests one client may make
	// inside DefaultWindow before it is denied.
	DefaultWindowMaxRequests = 100

	// DefaultWindow is the trailing window the limiter counts over.
	DefaultWindow = 5 * time.Minute

	// DefaultWindowCleanupInterval is how often idle windows are swept.
	DefaultWindowCleanupInterval = 10 * time.Minute

	// DefaultWindowMaxEntries bounds the number of tracked client identities.
	DefaultWindowMaxEntries = 10000
)

// Policy is a sliding-window rate limit: at most MaxRequests per Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultPolicy is the general request policy: 100 requests per 5 minutes.
func DefaultPolicy() Policy {
	return Policy{MaxRequests: DefaultWindowMaxRequests, Window: DefaultWindow}
}

// LoginPolicy is the stricter preset for credential endpoints: 50 requests
// per hour.
func LoginPolicy() Policy {
	return Policy{MaxRequests: 50, Window: time.Hour}
}

// Clock returns the current time. Tests substitute a controllable clock.
type Clock func() time.Time

type attemptWindow struct {
	ip         string
	attempts   []time.Time
	lastAccess time.Time
}

// SlidingWindowLimiter counts requests per client identity over a trailing
// window. Denied requests are not recorded, so a window never holds more than
// MaxRequests timestamps.
type SlidingWindowLimiter struct {
	entries         map[string]*list.Element
	lruList         *list.List // of *attemptWindow, front is most recent
	mu              sync.RWMutex
	policy          Policy
	maxEntries      int
	now             Clock
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalDenied    int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// WindowLimiterOption customises a SlidingWindowLimiter.
type WindowLimiterOption func(*SlidingWindowLimiter)

// WithClock overrides the limiter's time source.
func WithClock(c Clock) WindowLimiterOption {
	return func(rl *SlidingWindowLimiter) {
		if c != nil {
			rl.now = c
		}
	}
}

// WithMaxEntries bounds the number of tracked identities (0 = unlimited).
func WithMaxEntries(n int) WindowLimiterOption {
	return func(rl *SlidingWindowLimiter) {
		if n >= 0 {
			rl.maxEntries = n
		}
	}
}

// WithCleanupInterval sets how often idle windows are swept.
func WithCleanupInterval(d time.Duration) WindowLimiterOption {
	return func(rl *SlidingWindowLimiter) {
		if d > 0 {
			rl.cleanupInterval = d
		}
	}
}

// NewSlidingWindowLimiter creates a limiter enforcing policy and starts its
// cleanup goroutine. Call Stop to release it.
func NewSlidingWindowLimiter(policy Policy, logger *slog.Logger, opts ...WindowLimiterOption) *SlidingWindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRequests <= 0 {
		logger.Warn("Invalid max requests, using default", "max_requests", policy.MaxRequests)
		policy.MaxRequests = DefaultWindowMaxRequests
	}
	if policy.Window <= 0 {
		logger.Warn("Invalid window, using default", "window", policy.Window)
		policy.Window = DefaultWindow
	}

	rl := &SlidingWindowLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		policy:          policy,
		maxEntries:      DefaultWindowMaxEntries,
		now:             time.Now,
		logger:          logger,
		cleanupInterval: DefaultWindowCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}

	go rl.cleanupLoop()

	logger.Info("Sliding window rate limiter initialized",
		"max_requests", policy.MaxRequests,
		"window", policy.Window,
		"max_entries", rl.maxEntries)

	return rl
}

// Policy returns the enforced policy.
func (rl *SlidingWindowLimiter) Policy() Policy {
	return rl.policy
}

// Allow records a request from ip and reports whether it is inside the
// policy. With MaxRequests = N, the (N+1)th request within one window is
// denied.
func (rl *SlidingWindowLimiter) Allow(ip string) bool {
	now := rl.now()
	windowStart := now.Add(-rl.policy.Window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[ip]; ok {
		rl.lruList.MoveToFront(elem)
		w := elem.Value.(*attemptWindow)
		w.lastAccess = now

		n := 0
		for _, t := range w.attempts {
			if t.After(windowStart) {
				w.attempts[n] = t
				n++
			}
		}
		w.attempts = w.attempts[:n]

		if len(w.attempts) >= rl.policy.MaxRequests {
			rl.totalDenied++
			rl.logger.Warn("Request rate limit exceeded",
				"ip", ip,
				"requests_in_window", len(w.attempts),
				"max_requests", rl.policy.MaxRequests,
				"window", rl.policy.Window)
			return false
		}

		w.attempts = append(w.attempts, now)
		rl.totalAllowed++
		return true
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictLRU()
	}

	elem := rl.lruList.PushFront(&attemptWindow{
		ip:         ip,
		attempts:   []time.Time{now},
		lastAccess: now,
	})
	rl.entries[ip] = elem
	rl.totalAllowed++
	return true
}

// Count returns the number of requests from ip inside the current window.
func (rl *SlidingWindowLimiter) Count(ip string) int {
	windowStart := rl.now().Add(-rl.policy.Window)

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	elem, ok := rl.entries[ip]
	if !ok {
		return 0
	}
	n := 0
	for _, t := range elem.Value.(*attemptWindow).attempts {
		if t.After(windowStart) {
			n++
		}
	}
	return n
}

// must be called with mu held
func (rl *SlidingWindowLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	w := elem.Value.(*attemptWindow)
	delete(rl.entries, w.ip)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Sliding window limiter LRU eviction",
		"ip", w.ip,
		"current_entries", len(rl.entries))
}

func (rl *SlidingWindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops windows whose newest request has left the window. Since the
// LRU list is ordered by last access, the sweep walks from the back and stops
// at the first live window.
func (rl *SlidingWindowLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.policy.Window)
	removed := 0

	for elem := rl.lruList.Back(); elem != nil; {
		w := elem.Value.(*attemptWindow)
		if w.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, w.ip)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Sliding window limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (rl *SlidingWindowLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// WindowStats is a snapshot of a SlidingWindowLimiter for monitoring.
type WindowStats struct {
	CurrentEntries int     `json:"current_entries"`
	MaxEntries     int     `json:"max_entries"`
	TotalDenied    int64   `json:"total_denied"`
	TotalAllowed   int64   `json:"total_allowed"`
	TotalEvictions int64   `json:"total_evictions"`
	TotalCleanups  int64   `json:"total_cleanups"`
	MaxRequests    int     `json:"max_requests"`
	Window         string  `json:"window"`
	MemoryPressure float64 `json:"memory_pressure"` // percent of MaxEntries in use
}

// GetStats returns current limiter statistics.
func (rl *SlidingWindowLimiter) GetStats() WindowStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := WindowStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalDenied:    rl.totalDenied,
		TotalAllowed:   rl.totalAllowed,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
		MaxRequests:    rl.policy.MaxRequests,
		Window:         rl.policy.Window.String(),
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
