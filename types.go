package requestgate

import (
	"time"

	"github.com/giantswarm/requestgate/security"
	"github.com/giantswarm/requestgate/storage"
)

// Decision is the gate's answer for one request.
type Decision string

// Decisions
const (
	DecisionAllow  Decision = "allow"
	DecisionReject Decision = "reject"
)

// Reason explains a decision in logs, metrics and spans. It is never sent
// to the client.
type Reason string

// Reasons
const (
	ReasonNone        Reason = ""
	ReasonAllowlisted Reason = "allowlisted"
	ReasonBlocked     Reason = "blocked"
	ReasonRateLimited Reason = "rate_limited"
	ReasonThreat      Reason = "threat"
	ReasonHoneypot    Reason = "honeypot"
	ReasonFailOpen    Reason = "fail_open"
	ReasonFailClosed  Reason = "fail_closed"
)

// Block reasons stored with detector-issued entries.
const (
	BlockReasonTooManyRequests = "too many requests"
	blockReasonThreatPrefix    = "threat detected: "
	blockReasonHoneypotPrefix  = "honeypot: "
)

// Block sources recorded in metrics and events.
const (
	SourceRateLimit = "rate_limit"
	SourceThreat    = "threat"
	SourceHoneypot  = "honeypot"
	SourceAdmin     = "admin"
)

// Verdict is the result of inspecting a request.
type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   Reason   `json:"reason,omitempty"`
	IP       string   `json:"ip"`

	// Categories matched by the signature scan, sorted.
	Categories []security.Category `json:"categories,omitempty"`

	// Decoy is the honeypot entry that matched the path.
	Decoy string `json:"decoy,omitempty"`

	// Error is the response to write for a rejection.
	Error *GateError `json:"-"`

	// Err is the internal failure behind a fail-open or fail-closed verdict.
	Err error `json:"-"`

	RequestID string `json:"request_id,omitempty"`
}

// Allowed reports whether the request may proceed.
func (v Verdict) Allowed() bool {
	return v.Decision == DecisionAllow
}

// Status is the HTTP status the gate answers with, 0 when allowed.
func (v Verdict) Status() int {
	if v.Error == nil {
		return 0
	}
	return v.Error.Status
}

func allow(ip string, reason Reason) Verdict {
	return Verdict{Decision: DecisionAllow, Reason: reason, IP: ip}
}

func reject(ip string, reason Reason, e *GateError) Verdict {
	return Verdict{Decision: DecisionReject, Reason: reason, IP: ip, Error: e}
}

// ==================== Admin API types ====================

// BlockRequest is the body of POST {prefix}/blocked.
type BlockRequest struct {
	// IP to block (required)
	IP string `json:"ip"`

	// Reason shown in the block list. Default: "manual block".
	Reason string `json:"reason,omitempty"`

	// DurationSeconds is the block length. Omitted means the configured
	// block duration; 0 means permanent.
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
}

// BlockEntryView is a block entry as returned by the admin API.
type BlockEntryView struct {
	IP               string     `json:"ip"`
	Reason           string     `json:"reason"`
	BlockedAt        time.Time  `json:"blocked_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Permanent        bool       `json:"permanent"`
	RemainingSeconds int64      `json:"remaining_seconds,omitempty"`
}

// NewBlockEntryView renders e relative to now.
func NewBlockEntryView(e storage.BlockEntry, now time.Time) BlockEntryView {
	v := BlockEntryView{
		IP:        e.IP,
		Reason:    e.Reason,
		BlockedAt: e.BlockedAt,
		Permanent: e.Permanent(),
	}
	if !e.Permanent() {
		exp := e.ExpiresAt
		v.ExpiresAt = &exp
		v.RemainingSeconds = int64(e.Remaining(now).Seconds())
	}
	return v
}

// BlockListResponse is returned by GET {prefix}/blocked.
type BlockListResponse struct {
	Entries []BlockEntryView `json:"entries"`
	Count   int              `json:"count"`
}

// BlockResponse is returned by POST and DELETE on {prefix}/blocked.
type BlockResponse struct {
	Entry *BlockEntryView `json:"entry,omitempty"`
	IP    string          `json:"ip"`

	// Persisted is false when the block holds in memory but the file write failed.
	Persisted bool `json:"persisted"`
}

// EventsResponse is returned by GET {prefix}/events.
type EventsResponse struct {
	Events []security.Event `json:"events"`
	Count  int              `json:"count"`
}

// LogsResponse is returned by GET {prefix}/logs.
type LogsResponse struct {
	Lines []security.LogLine `json:"lines"`
	Count int                `json:"count"`
}

// Stats summarizes gate state for GET {prefix}/stats.
type Stats struct {
	RateLimiter     *security.WindowStats `json:"rate_limiter,omitempty"`
	Distributed     bool                  `json:"distributed_rate_limit"`
	Blocked         int                   `json:"blocked"`
	EventsLogged    int64                 `json:"events_logged"`
	RulesGeneration uint64                `json:"rules_generation"`
	Patterns        int                   `json:"patterns"`
	VerdictCache    *CacheStats           `json:"verdict_cache,omitempty"`
}

// CacheStats reports verdict cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
