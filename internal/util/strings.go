// Package util provides string helpers for logging attacker-controlled input.
package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SafeTruncate truncates s to at most maxLen bytes without splitting a UTF-8
// sequence. A negative maxLen is treated as 0.
//
// Example:
//
//	SafeTruncate("' OR '1'='1' --", 8) // Returns: "' OR '1'"
//	SafeTruncate("short", 10)          // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SingleLine replaces control characters (CR, LF, tabs, NUL, ...) with
// spaces so attacker payloads cannot forge extra lines in line-oriented logs.
func SingleLine(s string) string {
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
}

// Sample prepares an attacker-supplied value for logging: single line and
// truncated to maxLen bytes, with an ellipsis marker when cut.
func Sample(s string, maxLen int) string {
	s = SingleLine(s)
	if len(s) <= maxLen {
		return s
	}
	return SafeTruncate(s, maxLen) + "..."
}
