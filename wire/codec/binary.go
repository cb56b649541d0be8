package codec

import (
	"encoding/json"
	"fmt"

	"github.com/deco-cx/warp/internal/bin"
	"github.com/deco-cx/warp/wire/protocol"
)

const headerLenSize = 4

// Binary frames a message as [u32 header_len][header JSON without
// chunk][raw chunk bytes], avoiding base64 overhead on the hot path.
// Grounded on framing/jsonframe's envelope shape and proxy/chunk's
// length-prefix style.
type Binary struct{}

// binaryHeader mirrors protocol.Message but omits Chunk, which is framed
// separately after the header.
type binaryHeader struct {
	Type       protocol.Type     `json:"type"`
	ID         string            `json:"id,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Method     string            `json:"method,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	HasBody    bool              `json:"hasBody,omitempty"`
	APIKey     string            `json:"apiKey,omitempty"`
	Status     int               `json:"status,omitempty"`
	StatusText string            `json:"statusText,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	WSID       string            `json:"wsId,omitempty"`
	WSMsgType  int               `json:"wsMsgType,omitempty"`
}

func toHeader(m protocol.Message) binaryHeader {
	return binaryHeader{
		Type: m.Type, ID: m.ID, Domain: m.Domain, Method: m.Method, URL: m.URL,
		Headers: m.Headers, HasBody: m.HasBody, APIKey: m.APIKey,
		Status: m.Status, StatusText: m.StatusText, Reason: m.Reason, WSID: m.WSID,
		WSMsgType: m.WSMsgType,
	}
}

func (Binary) Encode(m protocol.Message) ([]byte, bool, error) {
	header, err := json.Marshal(toHeader(m))
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, headerLenSize+len(header)+len(m.Chunk))
	bin.PutU32BE(out, uint32(len(header)))
	copy(out[headerLenSize:], header)
	copy(out[headerLenSize+len(header):], m.Chunk)
	return out, true, nil
}

func (Binary) Decode(payload []byte) (protocol.Message, error) {
	if len(payload) < headerLenSize {
		return protocol.Message{}, fmt.Errorf("codec: binary frame too short for header length")
	}
	headerLen := int(bin.U32BE(payload))
	if headerLen < 0 || headerLenSize+headerLen > len(payload) {
		return protocol.Message{}, fmt.Errorf("codec: binary frame header length %d exceeds frame size %d", headerLen, len(payload))
	}
	var h binaryHeader
	if err := json.Unmarshal(payload[headerLenSize:headerLenSize+headerLen], &h); err != nil {
		return protocol.Message{}, fmt.Errorf("codec: invalid binary frame header: %w", err)
	}
	var chunk []byte
	if rest := payload[headerLenSize+headerLen:]; len(rest) > 0 {
		chunk = append([]byte(nil), rest...)
	}
	return protocol.Message{
		Type: h.Type, ID: h.ID, Domain: h.Domain, Method: h.Method, URL: h.URL,
		Headers: h.Headers, HasBody: h.HasBody, APIKey: h.APIKey,
		Status: h.Status, StatusText: h.StatusText, Reason: h.Reason, WSID: h.WSID,
		WSMsgType: h.WSMsgType,
		Chunk:     chunk,
	}, nil
}
