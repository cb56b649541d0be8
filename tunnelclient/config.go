// Package tunnelclient implements the private side of a Warp tunnel: it
// dials a server, claims a domain, and replays every tunnelled request
// against a local address, streaming the local response back.
package tunnelclient

import (
	"log"
	"net/http"
	"time"

	"github.com/deco-cx/warp/internal/defaults"
)

// Config configures a Client.
type Config struct {
	// ServerURL is the base URL of the tunnel server, e.g.
	// "https://warp.example.com". The connect path and codec query
	// parameter are appended automatically.
	ServerURL string

	APIKey string
	Domain string

	// LocalAddr is the origin requests are replayed against, e.g.
	// "http://127.0.0.1:8080".
	LocalAddr string

	// RequestBodyCapacity bounds the channel feeding request-data chunks
	// to the local HTTP call's body.
	RequestBodyCapacity int

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

// DefaultConfig returns conservative defaults for a tunnel client.
func DefaultConfig() Config {
	return Config{
		RequestBodyCapacity: 16,
		HandshakeTimeout:    defaults.HandshakeTimeout,
		HTTPClient:          http.DefaultClient,
		Logger:              log.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestBodyCapacity <= 0 {
		c.RequestBodyCapacity = d.RequestBodyCapacity
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = d.HTTPClient
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}
