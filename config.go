package requestgate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/giantswarm/requestgate/internal/helpers"
	"github.com/giantswarm/requestgate/security"
	"github.com/giantswarm/requestgate/storage"
)

// FailPolicy decides what happens when the gate itself fails: a store error
// or a panic inside detection.
type FailPolicy string

const (
	// FailOpen lets the request through and logs a gate_error event.
	FailOpen FailPolicy = "open"

	// FailClosed rejects the request with 503.
	FailClosed FailPolicy = "closed"
)

// Defaults applied by applyDefaults
const (
	DefaultMaxBodyBytes       = 1 << 20
	DefaultMaxFieldBytes      = 64 << 10
	DefaultVerdictCacheSizeMB = 32
)

// DefaultInspectedHeaders are the request headers scanned for threats.
func DefaultInspectedHeaders() []string {
	return []string{"User-Agent", "Referer", "Cookie", "X-Forwarded-Host"}
}

// Config holds the gate configuration.
// Zero values are replaced by defaults; call Validate after applyDefaults.
type Config struct {
	// RateLimit configures the per-client sliding window
	RateLimit RateLimitConfig

	// Proxy configures client identity resolution
	Proxy ProxyConfig

	// Inspection configures which request strings are scanned and with which rules
	Inspection InspectionConfig

	// Honeypot configures decoy paths
	Honeypot HoneypotConfig

	// Block configures detector-issued blocks
	Block BlockConfig

	// Monitor configures security event logging
	Monitor MonitorConfig

	// Allowlist holds CIDRs (or single IPs) that bypass the gate entirely.
	Allowlist []string

	// FailPolicy is FailOpen (default) or FailClosed.
	FailPolicy FailPolicy

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Disabled turns the rate limiter off.
	Disabled bool

	// MaxRequests per Window per client. Default: 100.
	MaxRequests int

	// Window is the sliding window length. Default: 5 minutes.
	Window time.Duration

	// MaxTrackedIPs bounds the limiter's LRU. Default: 10,000.
	MaxTrackedIPs int

	// CleanupInterval is how often idle windows are swept. Default: 10 minutes.
	CleanupInterval time.Duration
}

// Policy returns the configured threshold as a security.Policy.
func (c RateLimitConfig) Policy() security.Policy {
	return security.Policy{MaxRequests: c.MaxRequests, Window: c.Window}
}

// ProxyConfig holds client identity resolution settings
type ProxyConfig struct {
	// TrustProxy enables reading the client IP from TrustedHeaders.
	// Only enable behind a reverse proxy that overwrites these headers.
	TrustProxy bool

	// TrustedHeaders are tried in order; the first usable value wins.
	// Default: X-Forwarded-For, X-Real-IP, CF-Connecting-IP.
	TrustedHeaders []string

	// TrustedProxyCount is the number of proxies appending to X-Forwarded-For.
	TrustedProxyCount int
}

// InspectionConfig holds threat signature settings
type InspectionConfig struct {
	// Rules is the base signature table. Default: security.DefaultRules().
	Rules security.RuleTable

	// Extended adds command, LDAP, XML and NoSQL injection rules.
	Extended bool

	// RulesFile is an optional YAML rule file layered over Rules.
	RulesFile string

	// Headers lists request headers to scan. Default: DefaultInspectedHeaders().
	Headers []string

	// MaxBodyBytes caps how much of a body is scanned. The full body is still
	// passed downstream. Default: 1 MiB.
	MaxBodyBytes int64

	// MaxFieldBytes caps a single scanned value. Default: 64 KiB.
	MaxFieldBytes int

	// SkipBody disables body inspection.
	SkipBody bool

	// VerdictCacheTTL enables the match result cache when positive.
	VerdictCacheTTL time.Duration

	// VerdictCacheSizeMB bounds the cache. Default: 32.
	VerdictCacheSizeMB int
}

// HoneypotConfig holds decoy path settings
type HoneypotConfig struct {
	// Disabled turns decoy detection off.
	Disabled bool

	// Paths overrides security.DefaultDecoyPaths().
	Paths []string
}

// BlockConfig holds block list settings
type BlockConfig struct {
	// Duration of detector-issued blocks. Default: 1 hour.
	Duration time.Duration

	// File enables JSON persistence for the default in-memory store.
	File string
}

// MonitorConfig holds security event settings
type MonitorConfig struct {
	// BufferSize is the in-memory recent event ring. Default: 1000.
	BufferSize int

	// LogFile enables the rotated human-readable security log.
	LogFile security.LogFileConfig

	// Alert is called for HIGH events. Default: a WARN log record.
	Alert security.AlertFunc
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.FailPolicy == "" {
		c.FailPolicy = FailOpen
	}

	def := security.DefaultPolicy()
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = def.MaxRequests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = def.Window
	}
	if c.RateLimit.MaxTrackedIPs == 0 {
		c.RateLimit.MaxTrackedIPs = security.DefaultWindowMaxEntries
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = security.DefaultWindowCleanupInterval
	}

	if c.Proxy.TrustProxy && len(c.Proxy.TrustedHeaders) == 0 {
		c.Proxy.TrustedHeaders = security.DefaultTrustedHeaders()
	}

	if c.Inspection.Rules == nil {
		c.Inspection.Rules = security.DefaultRules()
	}
	if c.Inspection.Headers == nil {
		c.Inspection.Headers = DefaultInspectedHeaders()
	}
	if c.Inspection.MaxBodyBytes == 0 {
		c.Inspection.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Inspection.MaxFieldBytes == 0 {
		c.Inspection.MaxFieldBytes = DefaultMaxFieldBytes
	}
	if c.Inspection.VerdictCacheTTL > 0 && c.Inspection.VerdictCacheSizeMB == 0 {
		c.Inspection.VerdictCacheSizeMB = DefaultVerdictCacheSizeMB
	}

	if c.Block.Duration == 0 {
		c.Block.Duration = storage.DefaultBlockDuration
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error

	switch c.FailPolicy {
	case FailOpen, FailClosed:
	default:
		errs = append(errs, fmt.Errorf("fail policy must be %q or %q, got %q", FailOpen, FailClosed, c.FailPolicy))
	}

	if c.RateLimit.MaxRequests < 0 {
		errs = append(errs, fmt.Errorf("rate limit max requests must be positive, got %d", c.RateLimit.MaxRequests))
	}
	if c.RateLimit.Window < 0 {
		errs = append(errs, fmt.Errorf("rate limit window must be positive, got %s", c.RateLimit.Window))
	}
	if c.Proxy.TrustedProxyCount < 0 {
		errs = append(errs, fmt.Errorf("trusted proxy count must not be negative, got %d", c.Proxy.TrustedProxyCount))
	}
	for _, h := range c.Proxy.TrustedHeaders {
		if strings.TrimSpace(h) == "" {
			errs = append(errs, errors.New("trusted headers must not contain empty names"))
			break
		}
	}
	if c.Inspection.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("max body bytes must not be negative, got %d", c.Inspection.MaxBodyBytes))
	}
	if c.Inspection.MaxFieldBytes < 0 {
		errs = append(errs, fmt.Errorf("max field bytes must not be negative, got %d", c.Inspection.MaxFieldBytes))
	}
	if c.Block.Duration < 0 {
		errs = append(errs, fmt.Errorf("block duration must not be negative, got %s", c.Block.Duration))
	}
	if _, err := helpers.ParsePrefixes(c.Allowlist); err != nil {
		errs = append(errs, fmt.Errorf("invalid allowlist: %w", err))
	}

	return errors.Join(errs...)
}

// canonicalHeaders normalizes header names for lookup.
func canonicalHeaders(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, http.CanonicalHeaderKey(n))
		}
	}
	return out
}
