package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FromWSURL converts a websocket URL (ws:// or wss://) to an HTTP Origin (http(s)://host[:port]).
//
// Tunnel clients that never receive an explicit Origin value use this to derive one from
// the server URL they're about to dial, so the server's origin allow-list has something to check.
func FromWSURL(wsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("ws url missing host")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "wss":
		return "https://" + u.Host, nil
	case "ws":
		return "http://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported ws scheme: %s", u.Scheme)
	}
}

// ForServer returns the Origin header value a client should send when
// dialing serverURL (http/https or ws/wss).
func ForServer(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err == nil && strings.TrimSpace(u.Host) != "" {
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme == "http" || scheme == "https" {
			return scheme + "://" + u.Host, nil
		}
	}
	return FromWSURL(serverURL)
}
