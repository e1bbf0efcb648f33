package instrumentation

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Never put request payloads or credentials in spans;
// matched categories and decisions only.
const (
	// Gate attributes
	AttrGateDecision   = "requestgate.decision"
	AttrGateReason     = "requestgate.reason"
	AttrGateCategories = "requestgate.categories"
	AttrHoneypotPath   = "requestgate.honeypot.path"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrClientIP = "security.client_ip"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPMethod     = "http.method"
	AttrHTTPPath       = "http.path"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddDecisionAttributes records the gate verdict on a span (nil-safe).
func AddDecisionAttributes(span trace.Span, decision, reason string, categories []string) {
	SetSpanAttributes(span, attribute.String(AttrGateDecision, decision))
	if reason != "" {
		SetSpanAttributes(span, attribute.String(AttrGateReason, reason))
	}
	if len(categories) > 0 {
		SetSpanAttributes(span, attribute.String(AttrGateCategories, strings.Join(categories, ",")))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, path string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPPath, path),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe). Check
// Instrumentation.ShouldLogClientIPs first.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
