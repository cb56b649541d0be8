// Package protocol defines the tagged message union exchanged over a
// tunnel connection and the per-request state machines built on top of
// it. It has no knowledge of transport or codec; it is shared verbatim by
// the server routing core and the client execution core.
package protocol

// Type discriminates a Message.
type Type string

const (
	// Server → client.
	TypeRequestStart   Type = "request-start"
	TypeRequestData    Type = "request-data"
	TypeRequestEnd     Type = "request-end"
	TypeRequestAborted Type = "request-aborted"
	TypeWSOpened       Type = "ws-opened"
	TypeWSMessage      Type = "ws-message"
	TypeWSClosed       Type = "ws-closed"

	// Client → server.
	TypeRegister      Type = "register"
	TypeRegistered    Type = "registered"
	TypeResponseStart Type = "response-start"
	TypeResponseData  Type = "response-data"
	TypeResponseEnd   Type = "response-end"
	TypeResponseError Type = "response-error"
)

// Message is the single wire-level envelope for every message type. Only
// the fields relevant to Type are populated; the rest are left zero.
// Chunk is the one field a codec may give special treatment (base64 in
// JSON, raw bytes after the binary header).
type Message struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"`

	// request-start
	Domain  string            `json:"domain,omitempty"`
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	HasBody bool              `json:"hasBody,omitempty"`

	// register
	APIKey string `json:"apiKey,omitempty"`

	// response-start
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"statusText,omitempty"`

	// response-error
	Reason string `json:"reason,omitempty"`

	// tunnelled websockets: ws-opened carries Domain/URL/Headers like
	// request-start; ws-message carries WSMsgType (a
	// gorilla/websocket.TextMessage/BinaryMessage/CloseMessage constant)
	// alongside Chunk so the frame type survives the hop.
	WSID      string `json:"wsId,omitempty"`
	WSMsgType int    `json:"wsMsgType,omitempty"`

	// request-data / response-data / ws-message
	Chunk []byte `json:"chunk,omitempty"`
}

// HasChunk reports whether Type carries a Chunk payload worth framing
// separately in the binary codec.
func (m Message) HasChunk() bool {
	switch m.Type {
	case TypeRequestData, TypeResponseData, TypeWSMessage:
		return true
	default:
		return false
	}
}
