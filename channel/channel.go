// Package channel implements a capacity-bounded, closable data channel
// used to carry one request/response body's worth of chunks between the
// transport's read loop and whichever goroutine is producing or consuming
// that request's body.
//
// Channel is single-producer/single-consumer and is built directly on
// queue.Queue: every sent value is pushed onto the underlying queue
// immediately (Push never blocks), and Send's return is gated by a
// capacity token released each time Recv completes a pop, so at most k
// sent-but-unreceived values are ever outstanding. Capacity 0 is a
// rendezvous (Send blocks until a Recv is ready), capacity k lets k sends
// proceed before Send blocks. Channel adds close-with-drain on top: once
// Close is called, pending queued values are still delivered by Recv
// before it starts reporting closed.
package channel

import (
	"sync"

	"github.com/deco-cx/warp/queue"
)

// Channel is a closable, capacity-bounded stream of values of type T.
type Channel[T any] struct {
	q        *queue.Queue[T]
	capacity int

	mu       sync.Mutex
	inFlight int // items pushed but not yet received
	release  chan struct{}

	closeCh chan struct{}
	once    sync.Once
}

// New returns a Channel with the given capacity. A capacity of 0 yields
// rendezvous semantics.
func New[T any](capacity int) *Channel[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel[T]{
		q:        queue.New[T](),
		capacity: capacity,
		release:  make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

func (c *Channel[T]) wake() {
	select {
	case c.release <- struct{}{}:
	default:
	}
}

// Send delivers v, blocking until capacity is available, the channel is
// closed, or cancel fires. It reports false if the channel was already
// closed (v is dropped), or if close or cancel fires while Send waits for
// capacity; in that second case v is already queued and a later Recv can
// still return it.
func (c *Channel[T]) Send(v T, cancel <-chan struct{}) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}

	c.q.Push(v)
	c.mu.Lock()
	c.inFlight++
	within := c.inFlight <= c.capacity
	c.mu.Unlock()
	if within {
		return true
	}

	for {
		select {
		case <-c.release:
			c.mu.Lock()
			within := c.inFlight <= c.capacity
			c.mu.Unlock()
			if within {
				return true
			}
		case <-c.closeCh:
			return false
		case <-cancel:
			return false
		}
	}
}

// Recv retrieves the next value. It first drains anything already
// queued even if Close has since been called, so a producer that pushed
// values and then closed still has them delivered in order. Once drained
// and closed, Recv returns (zero, false). cancel additionally unblocks a
// Recv that would otherwise wait forever for a value that never arrives.
func (c *Channel[T]) Recv(cancel <-chan struct{}) (T, bool) {
	for {
		if v, ok := c.q.TryPop(); ok {
			c.mu.Lock()
			c.inFlight--
			c.mu.Unlock()
			c.wake()
			return v, true
		}
		select {
		case <-c.q.Notify():
		case <-c.closeCh:
			if v, ok := c.q.TryPop(); ok {
				c.mu.Lock()
				c.inFlight--
				c.mu.Unlock()
				c.wake()
				return v, true
			}
			var zero T
			return zero, false
		case <-cancel:
			var zero T
			return zero, false
		}
	}
}

// Close signals that no further values will be sent. It is safe to call
// more than once and from any goroutine; only the first call has effect.
func (c *Channel[T]) Close() {
	c.once.Do(func() { close(c.closeCh) })
}

// Closed reports whether Close has been called. Buffered values may still
// be pending even when Closed returns true; use Recv to drain them.
func (c *Channel[T]) Closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once Close has been called. It is
// the signal half of Channel, usable directly in a select alongside other
// cancellation sources.
func (c *Channel[T]) Done() <-chan struct{} {
	return c.closeCh
}

// Link returns a channel that closes as soon as any of the given signals
// closes. It is the combinator used to merge a request's own cancellation
// with its parent connection's teardown, without pulling in reflect.Select.
func Link(signals ...<-chan struct{}) <-chan struct{} {
	switch len(signals) {
	case 0:
		return make(chan struct{}) // never closes
	case 1:
		return signals[0]
	case 2:
		return link2(signals[0], signals[1])
	default:
		mid := len(signals) / 2
		return link2(Link(signals[:mid]...), Link(signals[mid:]...))
	}
}

func link2(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		select {
		case <-a:
		case <-b:
		}
	}()
	return out
}
