package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIPResolver_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		resolver   IPResolver
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.168.1.100:12345",
			want:       "192.168.1.100",
		},
		{
			name:       "proxy headers ignored without trust",
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "203.0.113.2"},
			want:       "10.0.0.1",
		},
		{
			name:       "X-Forwarded-For with trust",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.2"},
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For whitespace trimmed",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": " 203.0.113.1 , 10.0.0.2 "},
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For preferred over X-Real-IP",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "203.0.113.2"},
			want:       "203.0.113.1",
		},
		{
			name:       "malformed X-Forwarded-For falls through to X-Real-IP",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip", "X-Real-IP": "203.0.113.2"},
			want:       "203.0.113.2",
		},
		{
			name:       "CF-Connecting-IP used when others absent",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"CF-Connecting-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
		{
			name:       "all headers malformed falls back to RemoteAddr",
			resolver:   IPResolver{TrustProxy: true},
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "garbage", "X-Real-IP": "999.1.1.1", "CF-Connecting-IP": ""},
			want:       "10.0.0.1",
		},
		{
			name:       "custom header order",
			resolver:   IPResolver{TrustProxy: true, TrustedHeaders: []string{"CF-Connecting-IP", "X-Forwarded-For"}},
			remoteAddr: "10.0.0.1:12345",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1", "CF-Connecting-IP": "198.51.100.7"},
			want:       "198.51.100.7",
		},
		{
			name:       "IPv6 remote address",
			remoteAddr: "[::1]:12345",
			want:       "::1",
		},
		{
			name:       "malformed remote address returned as is",
			remoteAddr: "malformed",
			want:       "malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			if got := tt.resolver.Resolve(req); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPResolver_TrustedProxyCount(t *testing.T) {
	tests := []struct {
		name              string
		xForwardedFor     string
		trustedProxyCount int
		want              string
	}{
		{
			name:          "zero treated as one",
			xForwardedFor: "203.0.113.1, 10.0.0.2",
			want:          "203.0.113.1",
		},
		{
			name:              "one trusted proxy",
			xForwardedFor:     "198.51.100.9, 203.0.113.1, 10.0.0.2",
			trustedProxyCount: 1,
			want:              "203.0.113.1",
		},
		{
			name:              "two trusted proxies",
			xForwardedFor:     "203.0.113.1, 10.0.0.2, 10.0.0.3",
			trustedProxyCount: 2,
			want:              "203.0.113.1",
		},
		{
			name:              "more trusted proxies than entries",
			xForwardedFor:     "203.0.113.1",
			trustedProxyCount: 5,
			want:              "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			req.Header.Set("X-Forwarded-For", tt.xForwardedFor)

			if got := GetClientIP(req, true, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
