// Package tunnelserver implements the public-facing side of a Warp
// tunnel: the host→client routing table, the per-connection state
// machine, and the HTTP handler that turns inbound requests into
// request-start/request-data/request-end messages and assembles the
// matching response.
package tunnelserver

import (
	"log"

	"github.com/deco-cx/warp/observability"
)

// Config configures a Server. Grounded on tunnel/server.Config's
// validate-then-default shape.
type Config struct {
	// ConnectPath is the WebSocket upgrade path clients dial. Defaults to
	// "/_connect".
	ConnectPath string

	// APIKeys is the flat list of keys accepted at register time. A
	// client's register message must carry one of these exactly.
	APIKeys []string

	// AllowedOrigins restricts the Origin header accepted on upgrade. An
	// empty list permits every origin.
	AllowedOrigins []string
	AllowNoOrigin  bool

	// OutboundQueueCapacity bounds each connection's outbound message
	// channel, giving response/request pumps back-pressure.
	OutboundQueueCapacity int

	// ReadLimit caps a single WebSocket frame's size in bytes.
	ReadLimit int64

	// ResponseBodyCapacity bounds the channel carrying response-data
	// chunks back to the public HTTP writer.
	ResponseBodyCapacity int

	Logger   *log.Logger
	Observer observability.TunnelObserver
}

// DefaultConfig returns conservative defaults for a tunnel server.
func DefaultConfig() Config {
	return Config{
		ConnectPath:           "/_connect",
		OutboundQueueCapacity: 64,
		ReadLimit:             8 << 20,
		ResponseBodyCapacity:  16,
		Logger:                log.Default(),
		Observer:              observability.NoopTunnelObserver,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectPath == "" {
		c.ConnectPath = d.ConnectPath
	}
	if c.OutboundQueueCapacity <= 0 {
		c.OutboundQueueCapacity = d.OutboundQueueCapacity
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.ResponseBodyCapacity <= 0 {
		c.ResponseBodyCapacity = d.ResponseBodyCapacity
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Observer == nil {
		c.Observer = d.Observer
	}
	return c
}
