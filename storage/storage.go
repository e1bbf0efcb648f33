package storage

import (
	"context"
	"errors"
	"net"
	"time"
)

// Sentinel errors returned by stores. Wrap with %w; callers use errors.Is.
var (
	// ErrNotFound means no active block entry exists for the IP.
	ErrNotFound = errors.New("block entry not found")

	// ErrPersistFailed means the in-memory mutation succeeded but the
	// durable copy could not be written. Callers treat it as non-fatal.
	ErrPersistFailed = errors.New("block list persist failed")

	// ErrInvalidEntry rejects entries without an IP or with an expiry
	// before the block time.
	ErrInvalidEntry = errors.New("invalid block entry")
)

// DefaultBlockDuration is how long a detector-issued block lasts.
const DefaultBlockDuration = time.Hour

// BlockEntry is a time-boxed denial record for a client identity. A zero
// ExpiresAt means the block is permanent until removed.
type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewBlockEntry builds an entry starting at now. duration <= 0 produces a
// permanent block.
func NewBlockEntry(ip, reason string, now time.Time, duration time.Duration) BlockEntry {
	e := BlockEntry{IP: ip, Reason: reason, BlockedAt: now}
	if duration > 0 {
		e.ExpiresAt = now.Add(duration)
	}
	return e
}

// Permanent reports whether the entry never expires.
func (e BlockEntry) Permanent() bool {
	return e.ExpiresAt.IsZero()
}

// ActiveAt reports whether the entry still blocks at t.
func (e BlockEntry) ActiveAt(t time.Time) bool {
	return e.Permanent() || t.Before(e.ExpiresAt)
}

// Remaining is the time left until expiry at t, zero for permanent or
// expired entries.
func (e BlockEntry) Remaining(t time.Time) time.Duration {
	if e.Permanent() || !t.Before(e.ExpiresAt) {
		return 0
	}
	return e.ExpiresAt.Sub(t)
}

// Validate checks the entry can be stored.
func (e BlockEntry) Validate() error {
	if e.IP == "" {
		return errors.Join(ErrInvalidEntry, errors.New("empty ip"))
	}
	if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(e.BlockedAt) {
		return errors.Join(ErrInvalidEntry, errors.New("expires before it was blocked"))
	}
	return nil
}

// BlockStore holds the blocked client identities. Implementations must be
// safe for concurrent use, and IsBlocked must observe a Block or Unblock as
// soon as the call returns.
type BlockStore interface {
	// IsBlocked reports whether ip has an active entry.
	IsBlocked(ctx context.Context, ip string) (bool, error)

	// Get returns the active entry for ip or ErrNotFound.
	Get(ctx context.Context, ip string) (*BlockEntry, error)

	// Block inserts or replaces the entry for e.IP.
	Block(ctx context.Context, e BlockEntry) error

	// Unblock removes the entry. Unknown IPs are a no-op.
	Unblock(ctx context.Context, ip string) error

	// List returns every active entry.
	List(ctx context.Context) ([]BlockEntry, error)
}

// Persister is implemented by stores backed by a file that can be written
// and reloaded explicitly.
type Persister interface {
	Persist(ctx context.Context) error
	Load(ctx context.Context) error
}

// RequestCounter is a shared sliding-window counter for deployments where
// several gate instances must agree on a client's request rate.
type RequestCounter interface {
	// AllowRequest records a request for ip at now and reports whether it
	// is within limit requests per window. Denied requests are not counted.
	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration, now time.Time) (bool, error)
}

// NormalizeIP canonicalises textual IPs so "::ffff:10.0.0.1" and "10.0.0.1"
// share one entry. Non-IP identities are returned unchanged.
func NormalizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}
