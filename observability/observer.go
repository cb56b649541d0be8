// Package observability defines the tunnel's metric event surface: a
// swappable TunnelObserver with a zero-cost no-op default, the same
// two-layer design the teacher uses for its own observer.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// AttachResult is the outcome of a client's register attempt.
type AttachResult string

const (
	AttachResultOK   AttachResult = "ok"
	AttachResultFail AttachResult = "fail"
)

// AttachReason explains an AttachResult.
type AttachReason string

const (
	AttachReasonOK            AttachReason = "ok"
	AttachReasonUpgradeError  AttachReason = "upgrade_error"
	AttachReasonAuthFailed    AttachReason = "auth_failed"
	AttachReasonInvalidFrame  AttachReason = "invalid_frame"
	AttachReasonUnexpectedMsg AttachReason = "unexpected_message"
)

// CloseReason explains why a connection's inbound loop exited.
type CloseReason string

const (
	CloseReasonPeerClosed    CloseReason = "peer_closed"
	CloseReasonReadError     CloseReason = "read_error"
	CloseReasonWriteError    CloseReason = "write_error"
	CloseReasonServerClosing CloseReason = "server_closing"
)

// RouteResult is the outcome of routing a public HTTP request to a host.
type RouteResult string

const (
	RouteResultOK           RouteResult = "ok"
	RouteResultNoRegistration RouteResult = "no_registration"
	RouteResultUpstreamError RouteResult = "upstream_error"
	RouteResultAborted      RouteResult = "aborted"
)

// TunnelObserver receives tunnel-level metric events. Every method must be
// safe to call from many goroutines concurrently, since request handling
// is one goroutine per public HTTP request.
type TunnelObserver interface {
	ConnCount(n int64)
	HostCount(n int)
	Attach(result AttachResult, reason AttachReason)
	Close(reason CloseReason)
	Route(result RouteResult)
	ResponseLatency(d time.Duration)
}

type noopTunnelObserver struct{}

func (noopTunnelObserver) ConnCount(int64)                   {}
func (noopTunnelObserver) HostCount(int)                     {}
func (noopTunnelObserver) Attach(AttachResult, AttachReason) {}
func (noopTunnelObserver) Close(CloseReason)                 {}
func (noopTunnelObserver) Route(RouteResult)                 {}
func (noopTunnelObserver) ResponseLatency(time.Duration)     {}

// NoopTunnelObserver is a zero-cost observer used when metrics are disabled.
var NoopTunnelObserver TunnelObserver = noopTunnelObserver{}

// AtomicTunnelObserver swaps its delegate at runtime; the zero value is
// ready to use and behaves as NoopTunnelObserver until Set is called.
type AtomicTunnelObserver struct {
	once sync.Once
	v    atomic.Value
}

type tunnelObserverHolder struct {
	obs TunnelObserver
}

// NewAtomicTunnelObserver returns an initialized atomic observer.
func NewAtomicTunnelObserver() *AtomicTunnelObserver {
	a := &AtomicTunnelObserver{}
	a.init()
	return a
}

func (a *AtomicTunnelObserver) init() {
	a.once.Do(func() { a.v.Store(&tunnelObserverHolder{obs: NoopTunnelObserver}) })
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicTunnelObserver) Set(obs TunnelObserver) {
	if obs == nil {
		obs = NoopTunnelObserver
	}
	a.init()
	a.v.Store(&tunnelObserverHolder{obs: obs})
}

func (a *AtomicTunnelObserver) load() TunnelObserver {
	a.init()
	return a.v.Load().(*tunnelObserverHolder).obs
}

func (a *AtomicTunnelObserver) ConnCount(n int64) { a.load().ConnCount(n) }
func (a *AtomicTunnelObserver) HostCount(n int)   { a.load().HostCount(n) }
func (a *AtomicTunnelObserver) Attach(result AttachResult, reason AttachReason) {
	a.load().Attach(result, reason)
}
func (a *AtomicTunnelObserver) Close(reason CloseReason) { a.load().Close(reason) }
func (a *AtomicTunnelObserver) Route(result RouteResult) { a.load().Route(result) }
func (a *AtomicTunnelObserver) ResponseLatency(d time.Duration) {
	a.load().ResponseLatency(d)
}
