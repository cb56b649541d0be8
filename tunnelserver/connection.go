package tunnelserver

import (
	"sync"

	"github.com/deco-cx/warp/transport"
)

// wsConnState tracks one tunnelled public WebSocket: the upgraded
// connection to the public caller, keyed by ws-id for routing
// ws-message/ws-closed traffic arriving from the client back to it.
type wsConnState struct {
	id   string
	conn *transport.Conn
}

// clientConnectionState is created when a WebSocket upgrade succeeds. It
// exclusively owns its duplex transport, its map of OngoingRequests, and
// its map of tunnelled public WebSockets.
type clientConnectionState struct {
	id     string
	duplex *transport.Duplex

	mu       sync.Mutex
	hosts    map[string]struct{}        // hosts this connection has claimed, for reverse cleanup
	requests map[string]*OngoingRequest // request id -> OngoingRequest
	wsConns  map[string]*wsConnState    // ws id -> tunnelled public WebSocket
}

func newClientConnectionState(id string, d *transport.Duplex) *clientConnectionState {
	return &clientConnectionState{
		id:       id,
		duplex:   d,
		hosts:    make(map[string]struct{}),
		requests: make(map[string]*OngoingRequest),
		wsConns:  make(map[string]*wsConnState),
	}
}

func (c *clientConnectionState) addHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[host] = struct{}{}
}

func (c *clientConnectionState) hostList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.hosts))
	for h := range c.hosts {
		out = append(out, h)
	}
	return out
}

func (c *clientConnectionState) putRequest(req *OngoingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[req.ID] = req
}

func (c *clientConnectionState) getRequest(id string) (*OngoingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[id]
	return r, ok
}

func (c *clientConnectionState) removeRequest(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requests, id)
}

// drainRequests removes and returns every OngoingRequest still pending,
// for connection-teardown resolution with a 503.
func (c *clientConnectionState) drainRequests() []*OngoingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*OngoingRequest, 0, len(c.requests))
	for _, r := range c.requests {
		out = append(out, r)
	}
	c.requests = make(map[string]*OngoingRequest)
	return out
}

func (c *clientConnectionState) putWS(ws *wsConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsConns[ws.id] = ws
}

func (c *clientConnectionState) getWS(id string) (*wsConnState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.wsConns[id]
	return ws, ok
}

func (c *clientConnectionState) removeWS(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.wsConns, id)
}

// drainWS removes and returns every tunnelled public WebSocket still
// open, for connection-teardown cleanup.
func (c *clientConnectionState) drainWS() []*wsConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wsConnState, 0, len(c.wsConns))
	for _, ws := range c.wsConns {
		out = append(out, ws)
	}
	c.wsConns = make(map[string]*wsConnState)
	return out
}
