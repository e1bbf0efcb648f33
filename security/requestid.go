package security

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// Upstream IDs are accepted only in this shape; anything else (CRLF, very
// long values) is replaced.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// GenerateRequestID returns a new random request ID.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}

func isValidRequestID(requestID string) bool {
	return requestIDPattern.MatchString(requestID)
}

// RequestIDMiddleware keeps a valid upstream X-Request-ID or generates one,
// echoes it in the response and stores it in the request context so events
// logged for the request can be correlated.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !isValidRequestID(requestID) {
			requestID = GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}
