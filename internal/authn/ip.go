// Package authn implements DAWN's authentication primitives: CSRF issuance
// and single-use enforcement, password login with timing equalization, and
// IP-normalized rate limiting (spec §4.3).
package authn

import "net"

// NormalizeIP passes IPv4 addresses through unchanged and reduces IPv6
// addresses to their /64 prefix, so rotating within a subnet doesn't evade
// rate limits (spec §4.3 "IP normalization", §8.6).
func NormalizeIP(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		// Not a parseable IP (e.g. already a host:port or garbage input);
		// return as-is so callers still get a stable, if degenerate, key.
		return addr
	}

	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}

	v6 := ip.To16()
	if v6 == nil {
		return ip.String()
	}

	// /64 prefix: first 8 bytes, trailing 8 zeroed.
	prefix := make(net.IP, net.IPv6len)
	copy(prefix, v6[:8])
	return prefix.String() + "::/64"
}
