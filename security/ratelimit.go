package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBurstMaxEntries bounds the number of identifiers a BurstLimiter tracks.
	DefaultBurstMaxEntries = 10000

	burstCleanupInterval = 5 * time.Minute
	burstIdleTimeout     = 30 * time.Minute
)

type bucket struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// BurstLimiter is a per-identifier token bucket with LRU eviction. It
// throttles the admin API; request traffic goes through SlidingWindowLimiter.
type BurstLimiter struct {
	buckets         map[string]*list.Element
	lruList         *list.List // of *bucket
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalDenied    int64
	totalEvictions int64
	totalCleanups  int64
}

// NewBurstLimiter allows perSecond sustained requests with bursts of up to
// burst per identifier.
func NewBurstLimiter(perSecond float64, burst int, logger *slog.Logger) *BurstLimiter {
	return NewBurstLimiterWithConfig(perSecond, burst, DefaultBurstMaxEntries, logger)
}

// NewBurstLimiterWithConfig is NewBurstLimiter with a custom identifier bound
// (0 = unlimited).
func NewBurstLimiterWithConfig(perSecond float64, burst, maxEntries int, logger *slog.Logger) *BurstLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "max_entries", maxEntries)
		maxEntries = DefaultBurstMaxEntries
	}
	if burst <= 0 {
		burst = 1
	}

	bl := &BurstLimiter{
		buckets:         make(map[string]*list.Element),
		lruList:         list.New(),
		limit:           rate.Limit(perSecond),
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: burstCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go bl.cleanupLoop()

	return bl
}

// Allow consumes one token for identifier.
func (bl *BurstLimiter) Allow(identifier string) bool {
	now := time.Now()

	bl.mu.Lock()
	defer bl.mu.Unlock()

	var b *bucket
	if elem, ok := bl.buckets[identifier]; ok {
		bl.lruList.MoveToFront(elem)
		b = elem.Value.(*bucket)
		b.lastAccess = now
	} else {
		if bl.maxEntries > 0 && len(bl.buckets) >= bl.maxEntries {
			bl.evictLRU()
		}
		b = &bucket{
			identifier: identifier,
			limiter:    rate.NewLimiter(bl.limit, bl.burst),
			lastAccess: now,
		}
		bl.buckets[identifier] = bl.lruList.PushFront(b)
	}

	if !b.limiter.AllowN(now, 1) {
		bl.totalDenied++
		return false
	}
	return true
}

// must be called with mu held
func (bl *BurstLimiter) evictLRU() {
	elem := bl.lruList.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	delete(bl.buckets, b.identifier)
	bl.lruList.Remove(elem)
	bl.totalEvictions++

	bl.logger.Debug("Burst limiter LRU eviction",
		"identifier", b.identifier,
		"current_entries", len(bl.buckets))
}

func (bl *BurstLimiter) cleanupLoop() {
	ticker := time.NewTicker(bl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bl.Cleanup(burstIdleTimeout)
		case <-bl.stopCleanup:
			return
		}
	}
}

// Cleanup removes buckets idle for longer than maxIdle.
func (bl *BurstLimiter) Cleanup(maxIdle time.Duration) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	now := time.Now()
	removed := 0
	var next *list.Element
	for elem := bl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		b := elem.Value.(*bucket)
		if now.Sub(b.lastAccess) > maxIdle {
			delete(bl.buckets, b.identifier)
			bl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		bl.totalCleanups++
		bl.logger.Debug("Burst limiter cleanup completed",
			"removed", removed,
			"remaining", len(bl.buckets))
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times.
func (bl *BurstLimiter) Stop() {
	bl.stopOnce.Do(func() {
		close(bl.stopCleanup)
	})
}

// BurstStats is a snapshot of a BurstLimiter.
type BurstStats struct {
	CurrentEntries int     `json:"current_entries"`
	MaxEntries     int     `json:"max_entries"`
	TotalDenied    int64   `json:"total_denied"`
	TotalEvictions int64   `json:"total_evictions"`
	TotalCleanups  int64   `json:"total_cleanups"`
	MemoryPressure float64 `json:"memory_pressure"`
}

// GetStats returns current limiter statistics.
func (bl *BurstLimiter) GetStats() BurstStats {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	stats := BurstStats{
		CurrentEntries: len(bl.buckets),
		MaxEntries:     bl.maxEntries,
		TotalDenied:    bl.totalDenied,
		TotalEvictions: bl.totalEvictions,
		TotalCleanups:  bl.totalCleanups,
	}
	if bl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(bl.maxEntries) * 100.0
	}
	return stats
}
