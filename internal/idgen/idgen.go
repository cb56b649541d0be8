// Package idgen mints the UUIDs the protocol uses to correlate fragments
// of a request (or a whole connection) across the wire.
package idgen

import "github.com/google/uuid"

// New returns a fresh request/message/connection id.
func New() string {
	return uuid.NewString()
}
