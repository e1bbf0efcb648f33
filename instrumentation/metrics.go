package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrOutcome     = attribute.Key("outcome")
	attrReason      = attribute.Key("reason")
	attrCategory    = attribute.Key("category")
	attrLimiterType = attribute.Key("limiter_type")
	attrSource      = attribute.Key("source")
	attrEventType   = attribute.Key("event_type")
	attrLevel       = attribute.Key("level")
	attrOperation   = attribute.Key("operation")
	attrResult      = attribute.Key("result")
	attrStorageType = attribute.Key("storage_type")
)

// Metrics holds the metric instruments. Record methods are safe on a nil
// *Metrics, so components can run without instrumentation.
type Metrics struct {
	// Gate
	RequestsTotal      metric.Int64Counter
	RejectionsTotal    metric.Int64Counter
	InspectionDuration metric.Float64Histogram

	// Detectors
	ThreatsDetected   metric.Int64Counter
	HoneypotHits      metric.Int64Counter
	RateLimitExceeded metric.Int64Counter
	BlocksIssued      metric.Int64Counter
	RulesReloads      metric.Int64Counter

	// Monitor
	AuditEventsTotal metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	BlocksActive             metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	gate := inst.Meter("gate")
	security := inst.Meter("security")
	storage := inst.Meter("storage")

	m := &Metrics{}
	var err error

	counters := []struct {
		dst   *metric.Int64Counter
		meter metric.Meter
		name  string
		desc  string
		unit  string
	}{
		{&m.RequestsTotal, gate, "requestgate.requests.total", "Requests inspected by the gate", "{request}"},
		{&m.RejectionsTotal, gate, "requestgate.rejections.total", "Requests rejected by the gate", "{request}"},
		{&m.ThreatsDetected, security, "requestgate.threats.detected", "Threat signature matches by category", "{match}"},
		{&m.HoneypotHits, security, "requestgate.honeypot.hits", "Requests for decoy paths", "{request}"},
		{&m.RateLimitExceeded, security, "requestgate.rate_limit.exceeded", "Rate limit violations", "{request}"},
		{&m.BlocksIssued, security, "requestgate.blocks.issued", "Block entries written", "{block}"},
		{&m.RulesReloads, security, "requestgate.rules.reloads", "Signature rule reload attempts", "{reload}"},
		{&m.AuditEventsTotal, security, "requestgate.audit.events.total", "Security events logged", "{event}"},
		{&m.StorageOperationTotal, storage, "storage.operation.total", "Storage operations", "{operation}"},
	}
	for _, c := range counters {
		*c.dst, err = c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.InspectionDuration, err = gate.Float64Histogram(
		"requestgate.inspection.duration",
		metric.WithDescription("Time spent inspecting a request"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inspection.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storage.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.BlocksActive, err = storage.Int64ObservableGauge(
		"requestgate.blocks.active",
		metric.WithDescription("Active block entries"),
		metric.WithUnit("{block}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocks.active gauge: %w", err)
	}

	return m, nil
}

// RecordRequest counts an inspected request by outcome
// ("allowed", "rejected", "bypassed", "error").
func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

// RecordRejection counts a rejection by reason.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(attrReason.String(reason)))
}

// RecordInspectionDuration records how long one inspection took.
func (m *Metrics) RecordInspectionDuration(ctx context.Context, durationMs float64) {
	if m == nil {
		return
	}
	m.InspectionDuration.Record(ctx, durationMs)
}

// RecordThreat counts one matched category.
func (m *Metrics) RecordThreat(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.ThreatsDetected.Add(ctx, 1, metric.WithAttributes(attrCategory.String(category)))
}

// RecordHoneypotHit counts a decoy path request.
func (m *Metrics) RecordHoneypotHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.HoneypotHits.Add(ctx, 1)
}

// RecordRateLimitExceeded counts a limiter denial ("window", "distributed", "admin").
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attrLimiterType.String(limiterType)))
}

// RecordBlockIssued counts a block written by source ("rate_limit", "threat",
// "honeypot", "admin").
func (m *Metrics) RecordBlockIssued(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.BlocksIssued.Add(ctx, 1, metric.WithAttributes(attrSource.String(source)))
}

// RecordRulesReload counts a rule reload attempt.
func (m *Metrics) RecordRulesReload(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.RulesReloads.Add(ctx, 1, metric.WithAttributes(attrResult.String(result)))
}

// RecordAuditEvent counts a security event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType, level string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attrEventType.String(eventType),
		attrLevel.String(level),
	))
}

// RecordStorageOperation records count and duration of a storage call.
func (m *Metrics) RecordStorageOperation(ctx context.Context, storageType, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attrStorageType.String(storageType),
		attrOperation.String(operation),
		attrResult.String(result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
