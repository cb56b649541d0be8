package codec

import (
	"bytes"
	"crypto/rand"
	"reflect"
	"testing"

	"github.com/deco-cx/warp/wire/protocol"
)

func sampleMessages() []protocol.Message {
	bigChunk := make([]byte, 1<<20)
	_, _ = rand.Read(bigChunk)
	return []protocol.Message{
		{Type: protocol.TypeRequestStart, ID: "r1", Domain: "app.test", Method: "GET", URL: "/", Headers: map[string]string{"X-A": "1"}, HasBody: true},
		{Type: protocol.TypeRequestData, ID: "r1", Chunk: []byte("hello")},
		{Type: protocol.TypeRequestData, ID: "r1", Chunk: bigChunk},
		{Type: protocol.TypeRequestData, ID: "r1", Chunk: []byte{}},
		{Type: protocol.TypeRequestEnd, ID: "r1"},
		{Type: protocol.TypeRegister, ID: "r2", APIKey: "k", Domain: "app.test"},
		{Type: protocol.TypeResponseError, ID: "r1", Reason: "boom"},
	}
}

func TestJSONRoundTrip(t *testing.T) {
	var c JSON
	for _, m := range sampleMessages() {
		payload, isBinary, err := c.Encode(m)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", m, err)
		}
		if isBinary {
			t.Fatalf("JSON codec reported binary frame for %+v", m)
		}
		got, err := c.Decode(payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !messagesEqual(got, m) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	var c Binary
	for _, m := range sampleMessages() {
		payload, isBinary, err := c.Encode(m)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", m, err)
		}
		if !isBinary {
			t.Fatalf("Binary codec reported text frame for %+v", m)
		}
		got, err := c.Decode(payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !messagesEqual(got, m) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
		}
	}
}

func TestBinaryFrameLength(t *testing.T) {
	var c Binary
	m := protocol.Message{Type: protocol.TypeRequestData, ID: "r1", Chunk: []byte("abc")}
	payload, _, err := c.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	headerLen := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	want := 4 + headerLen + len(m.Chunk)
	if len(payload) != want {
		t.Fatalf("frame length = %d, want %d", len(payload), want)
	}
}

func TestBinaryDecodeRejectsTruncatedHeader(t *testing.T) {
	var c Binary
	if _, err := c.Decode([]byte{0, 0, 0, 50}); err == nil {
		t.Fatal("expected error decoding a frame whose declared header length exceeds the payload")
	}
}

func messagesEqual(a, b protocol.Message) bool {
	if !bytes.Equal(a.Chunk, b.Chunk) {
		return false
	}
	if len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	a.Chunk, b.Chunk = nil, nil
	a.Headers, b.Headers = nil, nil
	return reflect.DeepEqual(a, b)
}
