package transport

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates r.Header["Origin"] against an allow-list.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com"
//   - Hostnames, e.g. "example.com"
//   - Wildcard hostnames, e.g. "*.example.com"
//   - host:port entries
//   - Exact non-standard Origin values, e.g. "null"
//
// If the request has no Origin header, allowNoOrigin controls acceptance.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	parsed, err := url.Parse(origin)
	host, hostname := "", ""
	if err == nil {
		host = parsed.Host
		hostname = parsed.Hostname()
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		if strings.HasPrefix(entry, "*.") {
			base := strings.TrimPrefix(entry, "*.")
			if hostname != "" && base != "" {
				if hostname == base || strings.HasSuffix(hostname, "."+base) {
					return true
				}
			}
			continue
		}
		if host != "" {
			if _, _, err := net.SplitHostPort(entry); err == nil {
				if host == entry {
					return true
				}
				continue
			}
		}
		if hostname != "" && hostname == entry {
			return true
		}
		if origin == entry {
			return true
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function. A nil
// or empty allow-list permits every origin, which is Warp's default since
// the spec defines no control-plane flow that would hand out a known
// origin ahead of time.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
