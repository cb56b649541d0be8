package tunnelclient

import (
	"context"
	"sync"

	"github.com/deco-cx/warp/channel"
)

// clientRequest tracks one server-originated request being replayed
// locally, from request-start until response-end is sent or
// request-aborted is received.
type clientRequest struct {
	id     string
	body   *channel.Channel[[]byte] // fed by request-data, closed on request-end
	cancel context.CancelFunc       // cancels the in-flight local HTTP call

	once    sync.Once
	aborted chan struct{}
}

func newClientRequest(id string, bodyCapacity int, cancel context.CancelFunc) *clientRequest {
	return &clientRequest{
		id:      id,
		body:    channel.New[[]byte](bodyCapacity),
		cancel:  cancel,
		aborted: make(chan struct{}),
	}
}

// abort cancels the local call and marks the request aborted. Idempotent.
func (r *clientRequest) abort() {
	r.once.Do(func() {
		close(r.aborted)
		r.cancel()
		r.body.Close()
	})
}
