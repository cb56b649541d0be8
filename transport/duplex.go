package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/deco-cx/warp/channel"
	"github.com/deco-cx/warp/wire/codec"
	"github.com/deco-cx/warp/wire/protocol"
)

// Duplex binds a Conn to two message channels via a codec: every inbound
// WebSocket frame is decoded onto In, and every value sent on Out is
// encoded and written to the socket. Closing the socket (from either
// direction, or from an I/O error) closes both channels exactly once.
type Duplex struct {
	In  *channel.Channel[protocol.Message]
	Out *channel.Channel[protocol.Message]

	conn   *Conn
	codec  codec.Codec
	once   sync.Once
	closed chan struct{}
}

// NewDuplex starts the read and write pumps for conn using codec and
// returns the resulting Duplex. outCapacity bounds the outbound channel,
// giving back-pressure to request pumps writing response data.
func NewDuplex(conn *Conn, c codec.Codec, outCapacity int) *Duplex {
	d := &Duplex{
		In:     channel.New[protocol.Message](0),
		Out:    channel.New[protocol.Message](outCapacity),
		conn:   conn,
		codec:  c,
		closed: make(chan struct{}),
	}
	go d.readPump()
	go d.writePump()
	return d
}

func (d *Duplex) readPump() {
	ctx := context.Background()
	for {
		_, payload, err := d.conn.ReadMessage(ctx)
		if err != nil {
			d.shutdown()
			return
		}
		m, err := d.codec.Decode(payload)
		if err != nil {
			// Malformed frame: a protocol violation, not a transport
			// failure. Drop it and keep reading.
			continue
		}
		if !d.In.Send(m, d.closed) {
			return
		}
	}
}

func (d *Duplex) writePump() {
	ctx := context.Background()
	for {
		m, ok := d.Out.Recv(d.closed)
		if !ok {
			return
		}
		payload, isBinary, err := d.codec.Encode(m)
		if err != nil {
			continue
		}
		frameType := websocket.TextMessage
		if isBinary {
			frameType = websocket.BinaryMessage
		}
		if err := d.conn.WriteMessage(ctx, frameType, payload); err != nil {
			d.shutdown()
			return
		}
	}
}

// shutdown closes both channels and the socket exactly once, regardless of
// which pump (or an explicit Close call) triggers it first.
func (d *Duplex) shutdown() {
	d.once.Do(func() {
		close(d.closed)
		d.In.Close()
		d.Out.Close()
		_ = d.conn.Close()
	})
}

// Close tears the duplex down from the outside, e.g. when the owning
// connection state is being torn down for an unrelated reason.
func (d *Duplex) Close() {
	d.shutdown()
}

// Done reports when the duplex has shut down, for linking into request
// cancellation via channel.Link.
func (d *Duplex) Done() <-chan struct{} {
	return d.closed
}
