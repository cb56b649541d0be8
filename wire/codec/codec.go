// Package codec implements the two interchangeable wire encodings for
// protocol.Message: JSON-with-base64 chunks and a length-prefixed binary
// envelope. Both encode the same protocol.Message shape so C3
// (duplex transport) can be written once against the Codec interface.
package codec

import "github.com/deco-cx/warp/wire/protocol"

// Codec encodes and decodes a single protocol.Message to and from one
// WebSocket frame.
type Codec interface {
	// Encode returns the wire bytes for m and whether they should be sent
	// as a binary WebSocket frame (true) or a text frame (false).
	Encode(m protocol.Message) (payload []byte, binary bool, err error)
	Decode(payload []byte) (protocol.Message, error)
}

// ForQuery picks the codec the wire protocol negotiates via the `v` query
// parameter on the connect URL: present selects the binary envelope,
// absent selects JSON. versionPresent is the caller's parsed result of
// `r.URL.Query().Has("v")` (or equivalent), kept here as a plain bool so
// this package stays free of net/http.
func ForQuery(versionPresent bool) Codec {
	if versionPresent {
		return Binary{}
	}
	return JSON{}
}
