package codec

import (
	"encoding/json"

	"github.com/deco-cx/warp/wire/protocol"
)

// JSON serialises a Message as a single JSON object. encoding/json already
// base64-encodes a []byte field, so Chunk needs no special handling here —
// that's the entire codec.
type JSON struct{}

func (JSON) Encode(m protocol.Message) ([]byte, bool, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

func (JSON) Decode(payload []byte) (protocol.Message, error) {
	var m protocol.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return protocol.Message{}, err
	}
	return m, nil
}
