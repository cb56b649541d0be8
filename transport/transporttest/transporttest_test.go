package transporttest

import (
	"testing"

	"github.com/deco-cx/warp/wire/codec"
	"github.com/deco-cx/warp/wire/protocol"
)

func TestPairRoundTrip(t *testing.T) {
	h, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.Close)

	client, server, err := Pair(h, codec.Binary{}, 8)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	t.Cleanup(client.Close)
	t.Cleanup(server.Close)

	want := protocol.Message{Type: protocol.TypeRequestData, ID: "r1", Chunk: []byte("hello over yamux")}
	if !client.Out.Send(want, client.Done()) {
		t.Fatal("client send failed")
	}

	got, ok := server.In.Recv(server.Done())
	if !ok {
		t.Fatal("server never received message")
	}
	if got.ID != want.ID || string(got.Chunk) != string(want.Chunk) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPairBothDirections(t *testing.T) {
	h, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.Close)

	client, server, err := Pair(h, codec.JSON{}, 8)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	t.Cleanup(client.Close)
	t.Cleanup(server.Close)

	server.Out.Send(protocol.Message{Type: protocol.TypeRegistered, ID: "req"}, server.Done())
	got, ok := client.In.Recv(client.Done())
	if !ok || got.Type != protocol.TypeRegistered {
		t.Fatalf("client did not receive registered ack: %+v ok=%v", got, ok)
	}

	client.Close()
	if _, ok := server.In.Recv(server.Done()); ok {
		t.Fatal("server.In should be closed once client closes")
	}
}
