package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
)

const (
	// DefaultVerdictTTL is how long a cached Match result lives.
	DefaultVerdictTTL = 10 * time.Minute

	// DefaultVerdictCacheMB caps the cache size.
	DefaultVerdictCacheMB = 64

	// inputs shorter than this are scanned directly
	minCachedInputLen = 32

	noMatch = "-"
)

// VerdictCache memoizes Matcher results for repeated inputs such as browser
// User-Agent and Cookie headers. Keys include the matcher generation, so a
// rule swap invalidates every cached verdict.
type VerdictCache struct {
	matcher *Matcher
	cache   *bigcache.BigCache
	logger  *slog.Logger
}

// NewVerdictCache wraps m with a bigcache-backed verdict cache. Non-positive
// ttl or sizeMB fall back to the defaults.
func NewVerdictCache(ctx context.Context, m *Matcher, ttl time.Duration, sizeMB int, logger *slog.Logger) (*VerdictCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultVerdictTTL
	}
	if sizeMB <= 0 {
		sizeMB = DefaultVerdictCacheMB
	}

	cfg := bigcache.DefaultConfig(ttl)
	cfg.CleanWindow = ttl / 2
	cfg.HardMaxCacheSize = sizeMB
	cfg.MaxEntriesInWindow = 10000
	cfg.MaxEntrySize = 128
	cfg.Verbose = false

	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create verdict cache: %w", err)
	}
	return &VerdictCache{matcher: m, cache: bc, logger: logger}, nil
}

func (vc *VerdictCache) key(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strconv.FormatUint(vc.matcher.Generation(), 10) + ":" + hex.EncodeToString(sum[:])
}

// Match is Matcher.Match with caching. Cache failures fall back to a direct
// scan.
func (vc *VerdictCache) Match(s string) []Category {
	if len(s) < minCachedInputLen {
		return vc.matcher.Match(s)
	}

	key := vc.key(s)
	if v, err := vc.cache.Get(key); err == nil {
		return decodeVerdict(v)
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		vc.logger.Debug("Verdict cache read failed", "error", err)
	}

	cats := vc.matcher.Match(s)
	if err := vc.cache.Set(key, encodeVerdict(cats)); err != nil {
		vc.logger.Debug("Verdict cache write failed", "error", err)
	}
	return cats
}

// MatchAll returns the sorted union of Match over values.
func (vc *VerdictCache) MatchAll(values []string) []Category {
	var hits []Category
	for _, v := range values {
		if v == "" {
			continue
		}
		hits = unionCategories(hits, vc.Match(v))
	}
	return hits
}

// Stats exposes bigcache hit/miss counters.
func (vc *VerdictCache) Stats() bigcache.Stats {
	return vc.cache.Stats()
}

// Len is the number of cached verdicts.
func (vc *VerdictCache) Len() int {
	return vc.cache.Len()
}

// Close releases the cache.
func (vc *VerdictCache) Close() error {
	return vc.cache.Close()
}

func encodeVerdict(cats []Category) []byte {
	if len(cats) == 0 {
		return []byte(noMatch)
	}
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = string(c)
	}
	return []byte(strings.Join(parts, ","))
}

func decodeVerdict(v []byte) []Category {
	s := string(v)
	if s == noMatch || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Category, len(parts))
	for i, p := range parts {
		out[i] = Category(p)
	}
	return out
}
