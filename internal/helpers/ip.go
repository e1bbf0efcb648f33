// Package helpers provides small network helpers shared by the gate and its
// storage backends.
package helpers

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// IPClassification is the coarse network class of a client address. It is
// attached to security events so operators can tell scanner traffic from the
// open internet apart from misbehaving internal hosts.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified or unparsable address.
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of an IP address.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// ClassifyString classifies a textual client identity. Identities that are
// not IP addresses (a spoofed header can carry anything) are unspecified.
func ClassifyString(s string) IPClassification {
	return ClassifyIP(net.ParseIP(strings.TrimSpace(s)))
}

// ParsePrefixes parses a list of CIDR prefixes or bare addresses. A bare
// address becomes a single-host prefix.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid prefix %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// PrefixesContain reports whether ip falls within any of the prefixes.
// Unparsable identities never match.
func PrefixesContain(prefixes []netip.Prefix, ip string) bool {
	if len(prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
