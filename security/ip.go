package security

import (
	"net"
	"net/http"
	"strings"
)

// Headers commonly set by reverse proxies and CDNs.
const (
	HeaderForwardedFor     = "X-Forwarded-For"
	HeaderRealIP           = "X-Real-IP"
	HeaderCFConnectingIP   = "CF-Connecting-IP"
	defaultTrustedProxyMin = 1
)

// DefaultTrustedHeaders is the header order consulted when proxy headers are
// trusted.
func DefaultTrustedHeaders() []string {
	return []string{HeaderForwardedFor, HeaderRealIP, HeaderCFConnectingIP}
}

// IPResolver derives the client identity from a request.
//
// Proxy headers are only consulted when TrustProxy is set. Enable it only
// behind a reverse proxy you control: the headers are unauthenticated and any
// client can send them.
type IPResolver struct {
	TrustProxy bool

	// TrustedHeaders are tried in order; the first one carrying a valid IP
	// wins. Empty means DefaultTrustedHeaders.
	TrustedHeaders []string

	// TrustedProxyCount is the number of proxies we control at the right end
	// of X-Forwarded-For. Zero is treated as one.
	TrustedProxyCount int
}

// Resolve returns the client IP. Missing or malformed proxy headers fall back
// to the host part of RemoteAddr without error.
func (res IPResolver) Resolve(r *http.Request) string {
	if res.TrustProxy {
		headers := res.TrustedHeaders
		if len(headers) == 0 {
			headers = DefaultTrustedHeaders()
		}
		for _, h := range headers {
			if ip := res.fromHeader(h, r.Header.Get(h)); ip != "" {
				return ip
			}
		}
	}
	return hostFromRemoteAddr(r.RemoteAddr)
}

func (res IPResolver) fromHeader(name, value string) string {
	if value == "" {
		return ""
	}
	if http.CanonicalHeaderKey(name) == HeaderForwardedFor {
		return clientFromXFF(value, res.TrustedProxyCount)
	}
	return validIP(value)
}

// clientFromXFF picks the client entry of "client, proxy1, proxy2". The
// rightmost trustedProxyCount entries belong to our own proxies.
//
// With trustedProxyCount=2 and "1.2.3.4, 10.0.0.2, 10.0.0.3" the client is
// ips[3-2-1] = "1.2.3.4". Short lists fall back to the leftmost entry.
func clientFromXFF(xff string, trustedProxyCount int) string {
	ips := strings.Split(xff, ",")
	if trustedProxyCount < defaultTrustedProxyMin {
		trustedProxyCount = defaultTrustedProxyMin
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	return validIP(ips[idx])
}

func validIP(s string) string {
	s = strings.TrimSpace(s)
	if net.ParseIP(s) == nil {
		return ""
	}
	return s
}

func hostFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// GetClientIP resolves the client IP using the default trusted header order.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	return IPResolver{TrustProxy: trustProxy, TrustedProxyCount: trustedProxyCount}.Resolve(r)
}
