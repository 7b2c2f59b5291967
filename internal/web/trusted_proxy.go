package web

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxyChecker decides whether forwarding headers can be believed.
// It is immutable after construction and safe for concurrent use.
type TrustedProxyChecker struct {
	trustedNets []*net.IPNet
	trustedIPs  []net.IP
}

// NewTrustedProxyChecker parses a list of IP addresses and CIDR ranges.
// Unparsable entries are skipped.
func NewTrustedProxyChecker(trustedProxies []string) *TrustedProxyChecker {
	tpc := &TrustedProxyChecker{}

	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				tpc.trustedNets = append(tpc.trustedNets, network)
				continue
			}
		}
		if ip := net.ParseIP(entry); ip != nil {
			tpc.trustedIPs = append(tpc.trustedIPs, ip)
		}
	}

	return tpc
}

// HasTrustedProxies reports whether any proxy is configured.
func (tpc *TrustedProxyChecker) HasTrustedProxies() bool {
	return len(tpc.trustedNets) > 0 || len(tpc.trustedIPs) > 0
}

// IsTrusted reports whether addr (an IP or host:port) is a trusted proxy.
func (tpc *TrustedProxyChecker) IsTrusted(addr string) bool {
	ip := parseClientIP(addr)
	if ip == nil {
		return false
	}
	for _, trusted := range tpc.trustedIPs {
		if trusted.Equal(ip) {
			return true
		}
	}
	for _, network := range tpc.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the address of the client behind r, without a port.
// X-Forwarded-For and X-Real-IP are only honoured when the direct peer
// is a trusted proxy.
func (tpc *TrustedProxyChecker) ClientIP(r *http.Request) string {
	direct := hostOnly(r.RemoteAddr)

	if !tpc.HasTrustedProxies() || !tpc.IsTrusted(r.RemoteAddr) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return direct
}

func parseClientIP(addr string) net.IP {
	return net.ParseIP(hostOnly(addr))
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
