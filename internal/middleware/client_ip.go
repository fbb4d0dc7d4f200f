package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPResolver finds the client address of a request. Proxy headers are only
// believed when the connecting peer is one of the trusted proxies; anyone
// else could put any address there.
type IPResolver struct {
	trusted []*net.IPNet
}

// NewIPResolver parses proxies as CIDRs or single addresses. An empty list
// trusts no one and every request resolves to its peer address.
func NewIPResolver(proxies []string) (*IPResolver, error) {
	r := &IPResolver{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", p)
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			p = fmt.Sprintf("%s/%d", ip.String(), bits)
		}

		_, network, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		r.trusted = append(r.trusted, network)
	}
	return r, nil
}

func (r *IPResolver) isTrusted(ip net.IP) bool {
	if r == nil || ip == nil {
		return false
	}
	for _, network := range r.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address unless the peer is a trusted proxy, in
// which case the proxy headers are consulted.
func (r *IPResolver) ClientIP(req *http.Request) string {
	peer := remoteHost(req)
	if !r.isTrusted(net.ParseIP(peer)) {
		return peer
	}

	if ip := parseHeaderIP(req.Header.Get("True-Client-IP")); ip != "" {
		return ip
	}
	if ip := parseHeaderIP(req.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	// Walk X-Forwarded-For from the nearest hop, skipping our own proxies
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := parseHeaderIP(hops[i])
			if ip == "" {
				break
			}
			if !r.isTrusted(net.ParseIP(ip)) {
				return ip
			}
		}
	}

	return peer
}

func parseHeaderIP(value string) string {
	value = strings.TrimSpace(value)
	if ip := net.ParseIP(value); ip != nil {
		return ip.String()
	}
	return ""
}

func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err == nil {
		return host
	}
	return req.RemoteAddr
}
