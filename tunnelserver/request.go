package tunnelserver

import (
	"sync"

	"github.com/deco-cx/warp/channel"
)

// Response is the assembled reply to a tunnelled request, resolved once
// from a response-start message and then streamed from Body as
// response-data chunks arrive.
type Response struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       *channel.Channel[[]byte] // nil until response-start; may be nil forever on a 503
	Err        error                    // set instead of a real response on 503-equivalent failures
}

// responseFuture is the one-shot slot an OngoingRequest is resolved
// through: a single producer (the connection's inbound loop, or teardown)
// and a single consumer (the public HTTP handler waiting on the result).
type responseFuture struct {
	once sync.Once
	ch   chan *Response
}

func newResponseFuture() *responseFuture {
	return &responseFuture{ch: make(chan *Response, 1)}
}

func (f *responseFuture) Resolve(r *Response) {
	f.once.Do(func() { f.ch <- r })
}

func (f *responseFuture) Wait(cancel <-chan struct{}) (*Response, bool) {
	select {
	case r := <-f.ch:
		return r, true
	case <-cancel:
		return nil, false
	}
}

// OngoingRequest tracks one in-flight tunnelled HTTP request on the
// server side, from request-start until response-end or abort.
type OngoingRequest struct {
	ID     string
	future *responseFuture

	// body carries response-data chunks once response-start has arrived.
	// It is created eagerly so response-data handling never races
	// response-start resolving the future.
	body *channel.Channel[[]byte]

	// aborted is closed by Abort when handleProxy sees the public caller
	// disconnect, alongside its best-effort request-aborted send. The
	// request-body pump stops on the request's linked cancel signal, not
	// on this channel.
	aborted chan struct{}
	once    sync.Once
}

func newOngoingRequest(id string, bodyCapacity int) *OngoingRequest {
	return &OngoingRequest{
		ID:      id,
		future:  newResponseFuture(),
		body:    channel.New[[]byte](bodyCapacity),
		aborted: make(chan struct{}),
	}
}

// Abort marks the request as caller-aborted. Idempotent.
func (o *OngoingRequest) Abort() {
	o.once.Do(func() { close(o.aborted) })
}

// Aborted reports when the caller disconnected.
func (o *OngoingRequest) Aborted() <-chan struct{} {
	return o.aborted
}
