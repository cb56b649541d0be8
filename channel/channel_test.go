package channel

import (
	"testing"
	"time"
)

func TestSendRecvRendezvous(t *testing.T) {
	c := New[int](0)
	cancel := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		done <- c.Send(42, cancel)
	}()

	v, ok := c.Recv(cancel)
	if !ok || v != 42 {
		t.Fatalf("Recv = (%d, %v), want (42, true)", v, ok)
	}
	if !<-done {
		t.Fatal("Send reported failure")
	}
}

func TestBufferedCapacity(t *testing.T) {
	c := New[int](2)
	cancel := make(chan struct{})
	if !c.Send(1, cancel) {
		t.Fatal("first Send failed")
	}
	if !c.Send(2, cancel) {
		t.Fatal("second Send failed")
	}
	blocked := make(chan bool, 1)
	go func() { blocked <- c.Send(3, cancel) }()
	select {
	case <-blocked:
		t.Fatal("third Send did not block at capacity 2")
	case <-time.After(20 * time.Millisecond):
	}
	v, ok := c.Recv(cancel)
	if !ok || v != 1 {
		t.Fatalf("Recv = (%d, %v), want (1, true)", v, ok)
	}
	if !<-blocked {
		t.Fatal("third Send failed after drain")
	}
}

func TestCloseDrainsBuffered(t *testing.T) {
	c := New[int](4)
	cancel := make(chan struct{})
	c.Send(1, cancel)
	c.Send(2, cancel)
	c.Close()

	v, ok := c.Recv(cancel)
	if !ok || v != 1 {
		t.Fatalf("Recv #1 = (%d, %v), want (1, true)", v, ok)
	}
	v, ok = c.Recv(cancel)
	if !ok || v != 2 {
		t.Fatalf("Recv #2 = (%d, %v), want (2, true)", v, ok)
	}
	_, ok = c.Recv(cancel)
	if ok {
		t.Fatal("Recv after drain+close should report false")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	c := New[int](1)
	c.Close()
	if c.Send(1, make(chan struct{})) {
		t.Fatal("Send after Close should fail")
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := New[int](0)
	c.Close()
	c.Close()
	if !c.Closed() {
		t.Fatal("Closed() should report true after Close")
	}
}

func TestRecvCancel(t *testing.T) {
	c := New[int](0)
	cancel := make(chan struct{})
	errc := make(chan bool, 1)
	go func() {
		_, ok := c.Recv(cancel)
		errc <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	close(cancel)
	select {
	case ok := <-errc:
		if ok {
			t.Fatal("Recv reported success after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv never returned after cancel")
	}
}

func TestLinkClosesOnAny(t *testing.T) {
	a := make(chan struct{})
	b := make(chan struct{})
	c := make(chan struct{})
	linked := Link(a, b, c)

	select {
	case <-linked:
		t.Fatal("Link closed before any input closed")
	default:
	}

	close(b)

	select {
	case <-linked:
	case <-time.After(time.Second):
		t.Fatal("Link did not close after one input closed")
	}
}

func TestLinkSingle(t *testing.T) {
	a := make(chan struct{})
	linked := Link(a)
	if linked != (<-chan struct{})(a) {
		t.Fatal("Link of one signal should return it directly")
	}
}
