package requestgate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/giantswarm/requestgate/security"
)

// Error codes written in rejection bodies
const (
	ErrorCodeAccessDenied       = "access_denied"
	ErrorCodeRateLimitExceeded  = "rate_limit_exceeded"
	ErrorCodeServiceUnavailable = "service_unavailable"
	ErrorCodeUnauthorized       = "unauthorized"
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeNotFound           = "not_found"
	ErrorCodeServerError        = "server_error"
)

// GateError is an HTTP-facing error with a fixed JSON body. Descriptions
// never name the matched category or the reason a client was blocked.
type GateError struct {
	Code        string // machine-readable code, e.g. "access_denied"
	Description string // human-readable description
	Status      int    // HTTP status code

	// RetryAfter, when positive, is sent as the Retry-After header.
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewGateError creates a new gate error
func NewGateError(code, description string, status int) *GateError {
	return &GateError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common gate errors
var (
	// ErrAccessDenied is returned for blocked clients, threat matches and honeypot hits.
	ErrAccessDenied = func() *GateError {
		return NewGateError(ErrorCodeAccessDenied, "Access denied", http.StatusForbidden)
	}

	// ErrRateLimited is returned when a client exceeds the request window.
	ErrRateLimited = func(retryAfter time.Duration) *GateError {
		e := NewGateError(ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
		e.RetryAfter = retryAfter
		return e
	}

	// ErrServiceUnavailable is returned when the gate fails closed.
	ErrServiceUnavailable = func() *GateError {
		return NewGateError(ErrorCodeServiceUnavailable, "Service temporarily unavailable", http.StatusServiceUnavailable)
	}

	// ErrUnauthorized is returned by the admin API without valid credentials.
	ErrUnauthorized = func() *GateError {
		return NewGateError(ErrorCodeUnauthorized, "Authentication required", http.StatusUnauthorized)
	}

	// ErrInvalidRequest indicates a malformed admin request
	ErrInvalidRequest = func(desc string) *GateError {
		return NewGateError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrNotFound indicates an unknown admin resource
	ErrNotFound = func(desc string) *GateError {
		return NewGateError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	// ErrServerError indicates an internal error in the admin API
	ErrServerError = func(desc string) *GateError {
		return NewGateError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// WriteError writes e as a JSON body with security headers.
func WriteError(w http.ResponseWriter, r *http.Request, e *GateError) {
	security.SetSecurityHeaders(w, r != nil && r.TLS != nil)

	if e.RetryAfter > 0 {
		secs := int64(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	if e.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="requestgate"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}
