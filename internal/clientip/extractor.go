// Package clientip derives one canonical client address from proxy headers
// and the socket address of an HTTP request.
package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/charmbracelet/log"
)

// Unknown is returned when no source yields an address.
const Unknown = "unknown"

const mappedIPv4Prefix = "::ffff:"

// Headers are consulted in this order; the first non-empty value wins.
// X-Forwarded-For contributes only its first entry.
var headerPrecedence = []string{
	"X-Real-IP",
	"X-Forwarded-For",
	"CF-Connecting-IP",
	"X-Client-IP",
	"True-Client-IP",
	"X-Cluster-Client-IP",
}

type Extractor struct {
	trustedProxyDepth int
}

// New returns an Extractor. trustedProxyDepth is the number of reverse proxy
// hops in front of the service; it selects which X-Forwarded-For entry counts
// as the resolved request address once the explicit headers are exhausted.
func New(trustedProxyDepth int) *Extractor {
	if trustedProxyDepth < 0 {
		trustedProxyDepth = 0
	}
	return &Extractor{trustedProxyDepth: trustedProxyDepth}
}

// Extract returns the normalized client address or Unknown.
func (e *Extractor) Extract(r *http.Request) string {
	if r == nil {
		log.Warn("Could not determine client IP: nil request")
		return Unknown
	}

	for _, name := range headerPrecedence {
		value := strings.TrimSpace(r.Header.Get(name))
		if name == "X-Forwarded-For" {
			value = firstForwarded(value)
		}
		if value != "" {
			return Normalize(value)
		}
	}

	if value := e.requestIP(r); value != "" {
		return Normalize(value)
	}

	if value := strings.TrimSpace(r.RemoteAddr); value != "" {
		return Normalize(value)
	}

	log.Warn("Could not determine client IP")
	return Unknown
}

// requestIP walks back from the socket address through X-Forwarded-For,
// skipping one entry per trusted proxy hop.
func (e *Extractor) requestIP(r *http.Request) string {
	chain := forwardedChain(r.Header.Values("X-Forwarded-For"))
	if remote := strings.TrimSpace(r.RemoteAddr); remote != "" {
		chain = append(chain, remote)
	}
	if len(chain) == 0 {
		return ""
	}

	idx := len(chain) - 1 - e.trustedProxyDepth
	if idx < 0 {
		idx = 0
	}
	return chain[idx]
}

// Normalize unmaps IPv4-mapped IPv6 addresses, strips a trailing port and
// trims whitespace. Other addresses are returned untouched.
func Normalize(value string) string {
	value = strings.TrimSpace(value)
	if addr, ok := parseUnmapped(value); ok {
		return addr
	}

	rest := stripMappedPrefix(value)
	if host, _, err := net.SplitHostPort(rest); err == nil {
		host = strings.TrimSpace(host)
		if addr, ok := parseUnmapped(host); ok {
			return addr
		}
		return stripMappedPrefix(host)
	}

	if strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]") {
		inner := rest[1 : len(rest)-1]
		if addr, ok := parseUnmapped(inner); ok {
			return addr
		}
		return inner
	}

	if addr, ok := parseUnmapped(rest); ok {
		return addr
	}
	return rest
}

// parseUnmapped reports whether value is an address, converting the
// IPv4-mapped form (dotted or hex) to plain IPv4.
func parseUnmapped(value string) (string, bool) {
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return "", false
	}
	if addr.Is4In6() {
		return addr.Unmap().String(), true
	}
	return value, true
}

func stripMappedPrefix(value string) string {
	if len(value) >= len(mappedIPv4Prefix) && strings.EqualFold(value[:len(mappedIPv4Prefix)], mappedIPv4Prefix) {
		return value[len(mappedIPv4Prefix):]
	}
	return value
}

func firstForwarded(value string) string {
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

func forwardedChain(values []string) []string {
	var chain []string
	for _, value := range values {
		for _, entry := range strings.Split(value, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				chain = append(chain, entry)
			}
		}
	}
	return chain
}
