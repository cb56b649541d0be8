package tunnelserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deco-cx/warp/channel"
	"github.com/deco-cx/warp/internal/idgen"
	"github.com/deco-cx/warp/observability"
	"github.com/deco-cx/warp/transport"
	"github.com/deco-cx/warp/warperr"
	"github.com/deco-cx/warp/wire/codec"
	"github.com/deco-cx/warp/wire/protocol"
)

// noRegistrationBody is the fixed 503 text spec.md mandates for a host
// with no registered connection.
const noRegistrationBody = "No registration for domain and/or remote service not available"

// upstreamFailedBody is the fixed 503 text mandated when the client's
// local call failed and it reported response-error.
const upstreamFailedBody = "Error sending request to remote client"

// Server maintains the host→client routing table and every connection's
// state, and exposes one HTTP handler split across two URL shapes: the
// WebSocket upgrade path, and everything else (routed by Host header).
type Server struct {
	cfg   Config
	hosts *HostRegistry

	mu        sync.Mutex
	conns     map[string]*clientConnectionState
	connCount int64

	closeOnce sync.Once
}

// New validates cfg (filling in defaults) and returns a ready Server.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("tunnelserver: at least one API key is required")
	}
	return &Server{
		cfg:   cfg,
		hosts: NewHostRegistry(),
		conns: make(map[string]*clientConnectionState),
	}, nil
}

// Register binds the connect path, the catch-all proxy handler, and
// /healthz onto mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(s.cfg.ConnectPath, s.handleConnect)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", s.handleProxy)
}

// Close tears down every live connection. Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conns := make([]*clientConnectionState, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.duplex.Close()
		}
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	isBinary := r.URL.Query().Has("v")
	c := codec.ForQuery(isBinary)

	conn, err := transport.Upgrade(w, r, transport.UpgraderOptions{
		CheckOrigin: transport.NewOriginChecker(s.cfg.AllowedOrigins, s.cfg.AllowNoOrigin),
	})
	if err != nil {
		s.cfg.Observer.Attach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	duplex := transport.NewDuplex(conn, c, s.cfg.OutboundQueueCapacity)
	state := newClientConnectionState(idgen.New(), duplex)

	s.mu.Lock()
	s.conns[state.id] = state
	s.connCount++
	count := s.connCount
	s.mu.Unlock()
	s.cfg.Observer.ConnCount(count)

	reason := s.runInboundLoop(state)

	s.mu.Lock()
	delete(s.conns, state.id)
	s.connCount--
	count = s.connCount
	s.mu.Unlock()
	s.cfg.Observer.ConnCount(count)

	s.hosts.ReleaseAll(state.id, state.hostList())
	s.cfg.Observer.HostCount(s.hosts.Len())
	s.cfg.Observer.Close(reason)

	for _, req := range state.drainRequests() {
		req.future.Resolve(&Response{Status: http.StatusServiceUnavailable, StatusText: noRegistrationBody, Err: errors.New(noRegistrationBody)})
		req.body.Close()
	}
	for _, ws := range state.drainWS() {
		ws.conn.Close()
	}
	duplex.Close()
}

// runInboundLoop dispatches every inbound message until the duplex
// closes, and returns the reason it stopped.
func (s *Server) runInboundLoop(state *clientConnectionState) observability.CloseReason {
	for {
		msg, ok := state.duplex.In.Recv(state.duplex.Done())
		if !ok {
			return observability.CloseReasonPeerClosed
		}
		switch msg.Type {
		case protocol.TypeRegister:
			if !s.authenticate(msg.APIKey) {
				s.cfg.Observer.Attach(observability.AttachResultFail, observability.AttachReasonAuthFailed)
				s.cfg.Logger.Printf("tunnelserver: %v", warperr.Wrap(warperr.PathServer, warperr.StageAttach, warperr.CodeAuthFailed, errors.New("invalid api key")))
				return observability.CloseReasonPeerClosed
			}
			s.hosts.Claim(msg.Domain, state.id)
			state.addHost(msg.Domain)
			s.cfg.Observer.HostCount(s.hosts.Len())
			s.cfg.Observer.Attach(observability.AttachResultOK, observability.AttachReasonOK)
			state.duplex.Out.Send(protocol.Message{Type: protocol.TypeRegistered, ID: msg.ID}, state.duplex.Done())

		case protocol.TypeResponseStart:
			req, ok := state.getRequest(msg.ID)
			if !ok {
				s.cfg.Logger.Printf("tunnelserver: response-start for unknown request %q", msg.ID)
				continue
			}
			req.future.Resolve(&Response{Status: msg.Status, StatusText: msg.StatusText, Headers: msg.Headers, Body: req.body})

		case protocol.TypeResponseData:
			req, ok := state.getRequest(msg.ID)
			if !ok {
				continue
			}
			req.body.Send(msg.Chunk, state.duplex.Done())

		case protocol.TypeResponseEnd:
			req, ok := state.getRequest(msg.ID)
			if !ok {
				continue
			}
			req.body.Close()
			state.removeRequest(msg.ID)

		case protocol.TypeResponseError:
			req, ok := state.getRequest(msg.ID)
			if !ok {
				continue
			}
			req.future.Resolve(&Response{Status: http.StatusServiceUnavailable, StatusText: upstreamFailedBody, Err: warperr.Wrap(warperr.PathServer, warperr.StageProxy, warperr.CodeUpstreamFailed, errors.New(msg.Reason))})
			req.body.Close()
			state.removeRequest(msg.ID)

		case protocol.TypeWSMessage:
			ws, ok := state.getWS(msg.WSID)
			if !ok {
				continue
			}
			if err := ws.conn.WriteMessage(context.Background(), msg.WSMsgType, msg.Chunk); err != nil {
				ws.conn.Close()
				state.removeWS(msg.WSID)
			}

		case protocol.TypeWSClosed:
			if ws, ok := state.getWS(msg.WSID); ok {
				ws.conn.Close()
				state.removeWS(msg.WSID)
			}

		default:
			s.cfg.Logger.Printf("tunnelserver: dropping unexpected message type %q from connection %s", msg.Type, state.id)
		}
	}
}

func (s *Server) authenticate(apiKey string) bool {
	for _, k := range s.cfg.APIKeys {
		if k == apiKey {
			return true
		}
	}
	return false
}

// handleProxy is the catch-all handler for every request that is not the
// WebSocket upgrade: it looks the Host header up in the routing table and
// replays the request over the owning connection's duplex transport.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	connID, ok := s.hosts.Lookup(r.Host)
	if !ok {
		s.cfg.Observer.Route(observability.RouteResultNoRegistration)
		s.logNoRegistration(r.Host)
		http.Error(w, noRegistrationBody, http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	state, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		s.cfg.Observer.Route(observability.RouteResultNoRegistration)
		s.logNoRegistration(r.Host)
		http.Error(w, noRegistrationBody, http.StatusServiceUnavailable)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.handleWSProxy(w, r, state)
		return
	}

	reqID := idgen.New()
	hasBody := r.ContentLength != 0 && r.Method != http.MethodGet && r.Method != http.MethodHead
	req := newOngoingRequest(reqID, s.cfg.ResponseBodyCapacity)
	state.putRequest(req)
	defer state.removeRequest(reqID)

	cancel := channel.Link(r.Context().Done(), state.duplex.Done())

	if !state.duplex.Out.Send(protocol.Message{
		Type:    protocol.TypeRequestStart,
		ID:      reqID,
		Domain:  r.Host,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Headers: flattenHeader(r.Header),
		HasBody: hasBody,
	}, cancel) {
		s.cfg.Observer.Route(observability.RouteResultAborted)
		http.Error(w, noRegistrationBody, http.StatusServiceUnavailable)
		return
	}

	if hasBody {
		go s.pumpRequestBody(state, reqID, r, cancel)
	} else {
		state.duplex.Out.Send(protocol.Message{Type: protocol.TypeRequestEnd, ID: reqID}, cancel)
	}

	resp, ok := req.future.Wait(cancel)
	if !ok {
		// Caller aborted before a response arrived.
		req.Abort()
		state.duplex.Out.Send(protocol.Message{Type: protocol.TypeRequestAborted, ID: reqID}, state.duplex.Done())
		s.cfg.Observer.Route(observability.RouteResultAborted)
		return
	}
	if resp.Err != nil {
		s.cfg.Observer.Route(observability.RouteResultUpstreamError)
		http.Error(w, resp.StatusText, resp.Status)
		return
	}

	s.cfg.Observer.Route(observability.RouteResultOK)
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		_, _ = io.Copy(w, newChunkReader(resp.Body, cancel))
	}
	if r.Context().Err() != nil {
		req.Abort()
		state.duplex.Out.Send(protocol.Message{Type: protocol.TypeRequestAborted, ID: reqID}, state.duplex.Done())
	}
	s.cfg.Observer.ResponseLatency(time.Since(start))
}

func (s *Server) pumpRequestBody(state *clientConnectionState, reqID string, r *http.Request, cancel <-chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !state.duplex.Out.Send(protocol.Message{Type: protocol.TypeRequestData, ID: reqID, Chunk: chunk}, cancel) {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				state.duplex.Out.Send(protocol.Message{Type: protocol.TypeRequestEnd, ID: reqID}, cancel)
			}
			// Any other read error means the caller disconnected or
			// aborted mid-body: no request-end follows, and handleProxy's
			// future.Wait(cancel) sends request-aborted once it notices.
			return
		}
	}
}

func (s *Server) logNoRegistration(host string) {
	s.cfg.Logger.Printf("tunnelserver: %v", warperr.Wrap(warperr.PathServer, warperr.StageRoute, warperr.CodeNoRegistration, errors.New(host)))
}

// handleWSProxy tunnels a public WebSocket upgrade over the owning
// connection's duplex: it upgrades the public side, announces it with
// ws-opened, and pumps frames as ws-message until the public side closes
// or the client sends ws-closed.
func (s *Server) handleWSProxy(w http.ResponseWriter, r *http.Request, state *clientConnectionState) {
	conn, err := transport.Upgrade(w, r, transport.UpgraderOptions{
		CheckOrigin: transport.NewOriginChecker(s.cfg.AllowedOrigins, s.cfg.AllowNoOrigin),
	})
	if err != nil {
		s.cfg.Observer.Attach(observability.AttachResultFail, observability.AttachReasonUpgradeError)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	wsID := idgen.New()
	ws := &wsConnState{id: wsID, conn: conn}
	state.putWS(ws)
	defer func() {
		state.removeWS(wsID)
		conn.Close()
	}()

	if !state.duplex.Out.Send(protocol.Message{
		Type:    protocol.TypeWSOpened,
		WSID:    wsID,
		Domain:  r.Host,
		URL:     r.URL.RequestURI(),
		Headers: flattenHeader(r.Header),
	}, state.duplex.Done()) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-state.duplex.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		mt, data, err := conn.ReadMessage(ctx)
		if err != nil {
			break
		}
		if !state.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSMessage, WSID: wsID, WSMsgType: mt, Chunk: data}, state.duplex.Done()) {
			break
		}
	}
	state.duplex.Out.Send(protocol.Message{Type: protocol.TypeWSClosed, WSID: wsID}, state.duplex.Done())
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		v := h.Get(k)
		if !isSafeHeaderValue(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// isSafeHeaderValue rejects a raw CR or LF, which would otherwise let a
// forwarded header value smuggle extra header lines into the other
// side's request-start/response-start message.
func isSafeHeaderValue(v string) bool {
	return !strings.ContainsAny(v, "\r\n")
}
