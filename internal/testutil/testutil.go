package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use so it can be shared with background sweepers.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method     string
	URL        string
	RemoteAddr string
	Headers    map[string]string
	Body       string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:     method,
		URL:        url,
		RemoteAddr: "192.0.2.1:1234",
		Headers:    make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// WithForm sets a urlencoded body and the matching Content-Type.
func (r *HTTPRequest) WithForm(body string) *HTTPRequest {
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	r.Body = body
	return r
}

// WithJSON sets a JSON body and the matching Content-Type.
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.Headers["Content-Type"] = "application/json"
	r.Body = body
	return r
}

// From sets the connecting peer address ("ip:port").
func (r *HTTPRequest) From(remoteAddr string) *HTTPRequest {
	r.RemoteAddr = remoteAddr
	return r
}

// Build returns the *http.Request without executing it.
func (r *HTTPRequest) Build() *http.Request {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	req.RemoteAddr = r.RemoteAddr
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	return req
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r.Build())
	return rr
}

// OKHandler is a terminal handler that always answers 200 "ok".
var OKHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

// GatheredValues returns the counter and gauge samples g holds for the
// metric name. Names compare after escaping dots to underscores and dropping
// _total suffixes, so the OpenTelemetry name and the exposition name both
// match.
func GatheredValues(t testing.TB, g prometheus.Gatherer, name string) []float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	want := metricKey(name)
	var values []float64
	for _, f := range families {
		if metricKey(f.GetName()) != want {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values = append(values, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				values = append(values, m.GetGauge().GetValue())
			}
		}
	}
	return values
}

func metricKey(name string) string {
	key := strings.ReplaceAll(name, ".", "_")
	for strings.HasSuffix(key, "_total") {
		key = strings.TrimSuffix(key, "_total")
	}
	return key
}
