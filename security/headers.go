package security

import "net/http"

// SetSecurityHeaders sets the response headers used on gate rejections and
// admin API responses. HSTS is only sent over TLS.
func SetSecurityHeaders(w http.ResponseWriter, tls bool) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if tls {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}
