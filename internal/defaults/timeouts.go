package defaults

import "time"

const (
	// ConnectTimeout is the default timeout for establishing a WebSocket connection.
	ConnectTimeout = 10 * time.Second
	// HandshakeTimeout is the default timeout for the WebSocket dial of the
	// connect handshake; waiting for the registered reply is not bounded by it.
	HandshakeTimeout = 10 * time.Second
)
