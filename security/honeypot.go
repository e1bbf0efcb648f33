package security

import "strings"

// DefaultDecoyPaths are paths no legitimate client of the protected
// application requests; scanners probe them constantly.
func DefaultDecoyPaths() []string {
	return []string{
		"/wp-admin",
		"/wp-login.php",
		"/wp-content/plugins",
		"/phpmyadmin",
		"/pma/",
		"/.env",
		"/.git/",
		"/.svn/",
		"/.aws/credentials",
		"/admin.php",
		"/xmlrpc.php",
		"/cgi-bin/",
		"/shell.php",
		"/config.php.bak",
		"/server-status",
	}
}

// Honeypot flags requests for decoy paths. A hit is conclusive: the gate
// blocks immediately without rate-limit grace.
type Honeypot struct {
	paths []string // lower-cased
}

// NewHoneypot returns a Honeypot for paths; nil or empty means
// DefaultDecoyPaths.
func NewHoneypot(paths []string) *Honeypot {
	if len(paths) == 0 {
		paths = DefaultDecoyPaths()
	}
	h := &Honeypot{paths: make([]string, 0, len(paths))}
	for _, p := range paths {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			h.paths = append(h.paths, p)
		}
	}
	return h
}

// IsDecoy reports whether path contains any decoy path, case-insensitively.
func (h *Honeypot) IsDecoy(path string) bool {
	_, ok := h.Lookup(path)
	return ok
}

// Lookup returns the decoy entry matched by path.
func (h *Honeypot) Lookup(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	lower := strings.ToLower(path)
	for _, p := range h.paths {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// Paths returns the configured decoy paths.
func (h *Honeypot) Paths() []string {
	return append([]string(nil), h.paths...)
}
