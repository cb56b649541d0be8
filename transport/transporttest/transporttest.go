// Package transporttest exercises the duplex-transport contract
// (transport.Duplex plus a real WebSocket upgrade handshake) over an
// in-process, reliable, ordered, full-duplex pipe instead of a real
// network socket. It multiplexes that pipe with yamux so each call to
// Pair gets its own independent stream without opening a new OS-level
// connection.
package transporttest

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	hyamux "github.com/hashicorp/yamux"

	warpyamux "github.com/deco-cx/warp/mux/yamux"
	"github.com/deco-cx/warp/transport"
	"github.com/deco-cx/warp/wire/codec"
)

// Harness multiplexes one in-memory pipe into independent streams via
// yamux, each of which can carry its own WebSocket handshake and
// Duplex, so transport-layer tests don't bind real TCP sockets.
type Harness struct {
	clientSession *hyamux.Session
	serverSession *hyamux.Session
}

// New builds a Harness backed by a net.Pipe() connected pair of yamux
// sessions: one client-side (opens streams) and one server-side
// (accepts them).
func New() (*Harness, error) {
	clientConn, serverConn := net.Pipe()

	ycfg := hyamux.DefaultConfig()
	ycfg.EnableKeepAlive = false
	ycfg.LogOutput = io.Discard

	clientSession, err := warpyamux.NewClient(clientConn, ycfg)
	if err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return nil, err
	}
	serverSession, err := warpyamux.NewServer(serverConn, ycfg)
	if err != nil {
		_ = clientSession.Close()
		_ = serverConn.Close()
		return nil, err
	}
	return &Harness{clientSession: clientSession, serverSession: serverSession}, nil
}

// Close tears both yamux sessions down.
func (h *Harness) Close() {
	_ = h.clientSession.Close()
	_ = h.serverSession.Close()
}

// Pair performs a real WebSocket upgrade handshake over a fresh yamux
// stream and returns both resulting Duplex endpoints. The upgrade is
// accepted unconditionally; the request is not inspected.
func Pair(h *Harness, c codec.Codec, outCapacity int) (client *transport.Duplex, server *transport.Duplex, err error) {
	var wg sync.WaitGroup
	var upgradeErr error
	var serverConn *transport.Conn

	mux := http.NewServeMux()
	mux.HandleFunc("/_connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r, transport.UpgraderOptions{})
		if err != nil {
			upgradeErr = err
			wg.Done()
			return
		}
		serverConn = conn
		wg.Done()
	})

	httpSrv := &http.Server{Handler: mux}
	wg.Add(1)
	go func() { _ = httpSrv.Serve(h.serverSession) }()

	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return h.clientSession.Open()
		},
	}
	clientConn, _, err := transport.Dial(context.Background(), "ws://transporttest.local/_connect", transport.DialOptions{Dialer: dialer})
	if err != nil {
		return nil, nil, err
	}
	wg.Wait()
	if upgradeErr != nil {
		_ = clientConn.Close()
		return nil, nil, upgradeErr
	}

	client = transport.NewDuplex(clientConn, c, outCapacity)
	server = transport.NewDuplex(serverConn, c, outCapacity)
	return client, server, nil
}
