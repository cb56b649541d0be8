package tunnelclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/deco-cx/warp/internal/contextutil"
	"github.com/deco-cx/warp/internal/idgen"
	"github.com/deco-cx/warp/origin"
	"github.com/deco-cx/warp/transport"
	"github.com/deco-cx/warp/wire/codec"
	"github.com/deco-cx/warp/wire/protocol"
)

// Client is a connected tunnel: it has dialled the server, sent register,
// and is replaying every tunnelled request against LocalAddr.
type Client struct {
	cfg    Config
	duplex *transport.Duplex

	registeredOnce sync.Once
	registered     chan struct{}

	closed   chan error
	closeErr sync.Once

	mu       sync.Mutex
	requests map[string]*clientRequest
	wsConns  map[string]*transport.Conn // ws id -> dialled local WebSocket
}

// Connect dials the server, negotiates the binary codec, and sends
// register. It returns once the WebSocket is open; use Registered to wait
// for the server's acknowledgement.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("tunnelclient: ServerURL is required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("tunnelclient: Domain is required")
	}

	connectURL, err := buildConnectURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}

	var header http.Header
	if originValue, err := origin.ForServer(cfg.ServerURL); err == nil {
		header = http.Header{"Origin": []string{originValue}}
	}

	dialCtx, cancel := contextutil.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := transport.Dial(dialCtx, connectURL, transport.DialOptions{Header: header})
	if err != nil {
		return nil, fmt.Errorf("tunnelclient: dial: %w", err)
	}

	duplex := transport.NewDuplex(conn, codec.Binary{}, 64)
	c := &Client{
		cfg:        cfg,
		duplex:     duplex,
		registered: make(chan struct{}),
		closed:     make(chan error, 1),
		requests:   make(map[string]*clientRequest),
		wsConns:    make(map[string]*transport.Conn),
	}

	if !duplex.Out.Send(protocol.Message{Type: protocol.TypeRegister, ID: idgen.New(), APIKey: cfg.APIKey, Domain: cfg.Domain}, duplex.Done()) {
		duplex.Close()
		return nil, fmt.Errorf("tunnelclient: connection closed before register could be sent")
	}

	go c.run()
	return c, nil
}

func buildConnectURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("tunnelclient: invalid ServerURL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("tunnelclient: unsupported ServerURL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/_connect"
	q := u.Query()
	q.Set("v", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Registered completes once the server has acknowledged the client's
// register message.
func (c *Client) Registered() <-chan struct{} {
	return c.registered
}

// Closed receives nil once the client disconnects for any reason. The
// cause of the disconnect is not reported on this channel.
func (c *Client) Closed() <-chan error {
	return c.closed
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.duplex.Close()
	return nil
}

func (c *Client) run() {
	for {
		msg, ok := c.duplex.In.Recv(c.duplex.Done())
		if !ok {
			break
		}
		switch msg.Type {
		case protocol.TypeRegistered:
			c.registeredOnce.Do(func() { close(c.registered) })

		case protocol.TypeRequestStart:
			c.handleRequestStart(msg)

		case protocol.TypeRequestData:
			if req, ok := c.getRequest(msg.ID); ok {
				req.body.Send(msg.Chunk, c.duplex.Done())
			}

		case protocol.TypeRequestEnd:
			if req, ok := c.getRequest(msg.ID); ok {
				req.body.Close()
			}

		case protocol.TypeRequestAborted:
			if req, ok := c.getRequest(msg.ID); ok {
				req.abort()
				c.removeRequest(msg.ID)
			}

		case protocol.TypeWSOpened:
			go c.handleWSOpened(msg)

		case protocol.TypeWSMessage:
			if conn, ok := c.getWS(msg.WSID); ok {
				if err := conn.WriteMessage(context.Background(), msg.WSMsgType, msg.Chunk); err != nil {
					conn.Close()
					c.removeWS(msg.WSID)
				}
			}

		case protocol.TypeWSClosed:
			if conn, ok := c.getWS(msg.WSID); ok {
				conn.Close()
				c.removeWS(msg.WSID)
			}

		default:
			c.cfg.Logger.Printf("tunnelclient: dropping unexpected message type %q", msg.Type)
		}
	}
	c.closeErr.Do(func() { c.closed <- nil })
	c.mu.Lock()
	pending := c.requests
	c.requests = nil
	wsConns := c.wsConns
	c.wsConns = nil
	c.mu.Unlock()
	for _, req := range pending {
		req.abort()
	}
	for _, conn := range wsConns {
		conn.Close()
	}
}

// handleWSOpened dials the local WebSocket endpoint named by an
// ws-opened announcement and pumps frames back to the server as
// ws-message until the local side closes.
func (c *Client) handleWSOpened(msg protocol.Message) {
	target, err := buildLocalWSURL(c.cfg.LocalAddr, msg.URL)
	if err != nil {
		c.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSClosed, WSID: msg.WSID}, c.duplex.Done())
		return
	}

	var header http.Header
	if len(msg.Headers) > 0 {
		header = make(http.Header, len(msg.Headers))
		for k, v := range msg.Headers {
			if isSafeHeaderValue(v) {
				header.Set(k, v)
			}
		}
	}

	dialCtx, cancel := contextutil.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	conn, _, err := transport.Dial(dialCtx, target, transport.DialOptions{Header: header})
	cancel()
	if err != nil {
		c.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSClosed, WSID: msg.WSID}, c.duplex.Done())
		return
	}
	c.putWS(msg.WSID, conn)
	defer func() {
		c.removeWS(msg.WSID)
		conn.Close()
	}()

	ctx, wsCancel := context.WithCancel(context.Background())
	defer wsCancel()
	go func() {
		select {
		case <-c.duplex.Done():
			wsCancel()
		case <-ctx.Done():
		}
	}()

	for {
		mt, data, err := conn.ReadMessage(ctx)
		if err != nil {
			break
		}
		if !c.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSMessage, WSID: msg.WSID, WSMsgType: mt, Chunk: data}, c.duplex.Done()) {
			break
		}
	}
	c.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSClosed, WSID: msg.WSID}, c.duplex.Done())
}

// buildLocalWSURL rewrites localAddr's scheme to ws/wss and appends the
// path the public side requested.
func buildLocalWSURL(localAddr, requestPath string) (string, error) {
	u, err := url.Parse(localAddr)
	if err != nil {
		return "", fmt.Errorf("tunnelclient: invalid LocalAddr: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("tunnelclient: unsupported LocalAddr scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	rel, err := url.Parse(requestPath)
	if err != nil {
		return "", fmt.Errorf("tunnelclient: invalid ws path: %w", err)
	}
	u.Path += rel.Path
	u.RawQuery = rel.RawQuery
	return u.String(), nil
}

func (c *Client) putWS(id string, conn *transport.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsConns != nil {
		c.wsConns[id] = conn
	}
}

func (c *Client) getWS(id string) (*transport.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.wsConns[id]
	return conn, ok
}

func (c *Client) removeWS(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsConns != nil {
		delete(c.wsConns, id)
	}
}

func (c *Client) handleRequestStart(msg protocol.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	req := newClientRequest(msg.ID, c.cfg.RequestBodyCapacity, cancel)
	c.putRequest(req)

	var body *chunkReader
	if msg.HasBody {
		body = newChunkReader(req.body, c.duplex.Done())
	} else {
		req.body.Close()
	}

	go c.issueLocalCall(ctx, req, msg, body)
}

func (c *Client) issueLocalCall(ctx context.Context, req *clientRequest, msg protocol.Message, body *chunkReader) {
	defer c.removeRequest(req.id)

	target := strings.TrimSuffix(c.cfg.LocalAddr, "/") + msg.URL
	var reqBody io.Reader
	if body != nil {
		reqBody = body
	}
	httpReq, err := http.NewRequestWithContext(ctx, msg.Method, target, reqBody)
	if err != nil {
		c.sendResponseError(req.id, err.Error())
		return
	}
	for k, v := range msg.Headers {
		if !isSafeHeaderValue(v) {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		select {
		case <-req.aborted:
			return
		default:
		}
		c.sendResponseError(req.id, err.Error())
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		v := resp.Header.Get(k)
		if !isSafeHeaderValue(v) {
			continue
		}
		headers[k] = v
	}
	if !c.duplex.Out.Send(protocol.Message{
		Type: protocol.TypeResponseStart, ID: req.id,
		Status: resp.StatusCode, StatusText: resp.Status, Headers: headers,
	}, c.duplex.Done()) {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !c.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseData, ID: req.id, Chunk: chunk}, c.duplex.Done()) {
				return
			}
		}
		if rerr != nil {
			break
		}
	}
	c.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseEnd, ID: req.id}, c.duplex.Done())
}

// isSafeHeaderValue rejects a raw CR or LF, which would otherwise let a
// forwarded header value smuggle extra header lines into the local
// HTTP request or the response-start message sent back to the server.
func isSafeHeaderValue(v string) bool {
	return !strings.ContainsAny(v, "\r\n")
}

func (c *Client) sendResponseError(id, reason string) {
	c.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseError, ID: id, Reason: reason}, c.duplex.Done())
}

func (c *Client) putRequest(r *clientRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests != nil {
		c.requests[r.id] = r
	}
}

func (c *Client) getRequest(id string) (*clientRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[id]
	return r, ok
}

func (c *Client) removeRequest(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests != nil {
		delete(c.requests, id)
	}
}

