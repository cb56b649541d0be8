package queue

import (
	"testing"
	"time"
)

func TestPushPopOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	cancel := make(chan struct{})
	for i := 0; i < 5; i++ {
		v, err := q.Pop(cancel)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if v != i {
			t.Fatalf("Pop returned %d, want %d", v, i)
		}
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New[string]()
	cancel := make(chan struct{})
	done := make(chan string, 1)
	go func() {
		v, err := q.Pop(cancel)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")

	select {
	case v := <-done:
		if v != "hello" {
			t.Fatalf("got %q, want %q", v, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestPopCancel(t *testing.T) {
	q := New[int]()
	cancel := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(cancel)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(cancel)

	select {
	case err := <-errc:
		if err != ErrCanceled {
			t.Fatalf("got %v, want ErrCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after cancel")
	}
}

func TestLenAndDrain(t *testing.T) {
	q := New[int]()
	if q.Len() != 0 {
		t.Fatalf("Len on empty queue = %d, want 0", q.Len())
	}
	q.Push(1)
	q.Push(2)
	q.Push(3)
	if got := q.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	drained := q.Drain()
	if len(drained) != 3 || drained[0] != 1 || drained[2] != 3 {
		t.Fatalf("Drain = %v, want [1 2 3]", drained)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after Drain = %d, want 0", q.Len())
	}
}

func TestPopAlreadyCanceled(t *testing.T) {
	q := New[int]()
	cancel := make(chan struct{})
	close(cancel)
	_, err := q.Pop(cancel)
	if err != ErrCanceled {
		t.Fatalf("got %v, want ErrCanceled", err)
	}
}
