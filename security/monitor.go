package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/requestgate/internal/util"
)

// DefaultEventBufferSize is the number of recent events the monitor keeps in
// memory.
const DefaultEventBufferSize = 1000

// maxDetailLen bounds attacker-supplied detail values written to logs.
const maxDetailLen = 200

// Level is the coarse threat level of an event.
type Level string

// Threat levels.
const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

var eventLevels = map[string]Level{
	EventSQLInjection:      LevelHigh,
	EventXSS:               LevelHigh,
	EventPathTraversal:     LevelHigh,
	EventCommandInjection:  LevelHigh,
	EventLDAPInjection:     LevelHigh,
	EventXMLInjection:      LevelHigh,
	EventNoSQLInjection:    LevelHigh,
	EventHoneypotTriggered: LevelHigh,

	EventRateLimitExceeded:      LevelMedium,
	EventIPBlocked:              LevelMedium,
	EventBlockedAccessAttempt:   LevelMedium,
	EventBlocklistPersistFailed: LevelMedium,
	EventGateError:              LevelMedium,
	EventRulesReloadFailed:      LevelMedium,
}

// ThreatLevel classifies an event type. Unknown types are LOW.
func ThreatLevel(eventType string) Level {
	if l, ok := eventLevels[eventType]; ok {
		return l
	}
	return LevelLow
}

// Event is a security event. ID and Timestamp are assigned by Monitor.Log.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	IP        string         `json:"ip"`
	Details   map[string]any `json:"details,omitempty"`
	Level     Level          `json:"threat_level"`
	RequestID string         `json:"request_id,omitempty"`
}

// EventSink durably stores events. storage/sqlite provides one.
type EventSink interface {
	Append(ctx context.Context, e Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// EventCounter counts events in metrics.
type EventCounter interface {
	RecordAuditEvent(ctx context.Context, eventType, level string)
}

// AlertFunc is called for every HIGH event.
type AlertFunc func(ctx context.Context, e Event)

// MonitorOptions configures a Monitor. Zero values are valid.
type MonitorOptions struct {
	BufferSize int
	Sink       EventSink
	LogFile    *SecurityLog
	Metrics    EventCounter
	Alert      AlertFunc
	Now        Clock
}

// Monitor records security events: a slog record, a bounded in-memory ring,
// an optional durable sink and an optional rotated log file.
type Monitor struct {
	logger  *slog.Logger
	sink    EventSink
	logFile *SecurityLog
	metrics EventCounter
	alert   AlertFunc
	now     Clock

	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
	total int64
}

// NewMonitor creates a Monitor.
func NewMonitor(logger *slog.Logger, opts MonitorOptions) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultEventBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Monitor{
		logger:  logger,
		sink:    opts.Sink,
		logFile: opts.LogFile,
		metrics: opts.Metrics,
		alert:   opts.Alert,
		now:     opts.Now,
		ring:    make([]Event, opts.BufferSize),
	}
	if m.alert == nil {
		m.alert = m.defaultAlert
	}
	return m
}

func (m *Monitor) defaultAlert(_ context.Context, e Event) {
	m.logger.Warn("Security alert",
		"event_type", e.Type,
		"ip", e.IP,
		"threat_level", string(e.Level),
		"event_id", e.ID)
}

// Log records e and returns it with ID, timestamp and level filled in.
// An explicit e.Level is kept; otherwise ThreatLevel(e.Type) applies.
func (m *Monitor) Log(ctx context.Context, e Event) Event {
	e.ID = uuid.NewString()
	e.Timestamp = m.now().UTC()
	if e.Level == "" {
		e.Level = ThreatLevel(e.Type)
	}
	if e.RequestID == "" {
		e.RequestID = GetRequestID(ctx)
	}

	m.logger.Info("security_event",
		"event_id", e.ID,
		"event_type", e.Type,
		"ip", e.IP,
		"threat_level", string(e.Level),
		"request_id", e.RequestID,
		"details", e.Details)

	m.mu.Lock()
	m.ring[m.next] = e
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.total++
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.Append(ctx, e); err != nil {
			m.logger.Error("Failed to store security event", "event_id", e.ID, "error", err)
		}
	}
	if m.logFile != nil {
		if err := m.logFile.WriteEvent(e); err != nil {
			m.logger.Error("Failed to write security log line", "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.RecordAuditEvent(ctx, e.Type, string(e.Level))
	}
	if e.Level == LevelHigh {
		m.alert(ctx, e)
	}
	return e
}

// Recent returns up to limit events from the in-memory ring, newest first.
// limit <= 0 returns everything buffered.
func (m *Monitor) Recent(limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out
}

// RecentStored reads from the durable sink when one is configured, falling
// back to the ring buffer.
func (m *Monitor) RecentStored(ctx context.Context, limit int) ([]Event, error) {
	if m.sink == nil {
		return m.Recent(limit), nil
	}
	return m.sink.Recent(ctx, limit)
}

// Total is the number of events logged since start, including those that
// have left the ring.
func (m *Monitor) Total() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// FormatEvent renders e as a single human-readable line:
//
//	sql_injection ip=203.0.113.9 field=form:username sample="' OR '1'='1"
func FormatEvent(e Event) string {
	var b strings.Builder
	b.WriteString(e.Type)
	fmt.Fprintf(&b, " ip=%s", e.IP)
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", e.RequestID)
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := util.Sample(fmt.Sprint(e.Details[k]), maxDetailLen)
		if strings.ContainsAny(v, " \"") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}

// SampleValue prepares a matched request value for event details. Values of
// credential-bearing fields are replaced by a short hash. Only the last
// segment of field counts, so "json:user.password" is as sensitive as
// "form:password".
func SampleValue(field, value string) string {
	switch fieldName(field) {
	case "password", "authorization", "cookie":
		return "sha256:" + hashForLogging(value)
	}
	return util.Sample(value, maxDetailLen)
}

// fieldName strips the location prefix and any parent keys from field.
func fieldName(field string) string {
	field = field[strings.LastIndexByte(field, ':')+1:]
	field = field[strings.LastIndexByte(field, '.')+1:]
	return strings.ToLower(field)
}

func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
