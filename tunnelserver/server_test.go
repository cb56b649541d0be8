package tunnelserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/deco-cx/warp/transport"
	"github.com/deco-cx/warp/wire/codec"
	"github.com/deco-cx/warp/wire/protocol"
)

// fakeClient drives the server side of a connection by hand, standing in
// for tunnelclient so the routing core can be tested in isolation.
type fakeClient struct {
	t      *testing.T
	duplex *transport.Duplex
}

func dialFakeClient(t *testing.T, wsURL string) *fakeClient {
	t.Helper()
	conn, _, err := transport.Dial(t.Context(), wsURL, transport.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	d := transport.NewDuplex(conn, codec.JSON{}, 16)
	return &fakeClient{t: t, duplex: d}
}

func (f *fakeClient) register(apiKey, domain string) {
	f.t.Helper()
	cancel := f.duplex.Done()
	f.duplex.Out.Send(protocol.Message{Type: protocol.TypeRegister, ID: "reg1", APIKey: apiKey, Domain: domain}, cancel)
	msg, ok := f.duplex.In.Recv(cancel)
	if !ok || msg.Type != protocol.TypeRegistered {
		f.t.Fatalf("expected registered ack, got %+v ok=%v", msg, ok)
	}
}

// serveOnce drives exactly one request-start..request-end/request-aborted
// cycle and replies with the given status/body.
func (f *fakeClient) serveOnce(status int, body string) {
	cancel := f.duplex.Done()
	msg, ok := f.duplex.In.Recv(cancel)
	if !ok || msg.Type != protocol.TypeRequestStart {
		f.t.Fatalf("expected request-start, got %+v ok=%v", msg, ok)
	}
	id := msg.ID
	if msg.HasBody {
		for {
			m, ok := f.duplex.In.Recv(cancel)
			if !ok {
				f.t.Fatal("duplex closed while draining request body")
			}
			if m.Type == protocol.TypeRequestEnd {
				break
			}
		}
	}
	f.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseStart, ID: id, Status: status}, cancel)
	if body != "" {
		f.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseData, ID: id, Chunk: []byte(body)}, cancel)
	}
	f.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseEnd, ID: id}, cancel)
}

func newTestServer(t *testing.T, apiKey string) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(Config{APIKeys: []string{apiKey}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	srv.Register(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	t.Cleanup(srv.Close)
	return srv, hs
}

func wsURL(hs *httptest.Server, path string) string {
	u, _ := url.Parse(hs.URL)
	u.Scheme = "ws"
	u.Path = path
	return u.String()
}

func TestHappyPathGET(t *testing.T) {
	_, hs := newTestServer(t, "secret")
	client := dialFakeClient(t, wsURL(hs, "/_connect"))
	client.register("secret", "app.test")

	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, hs.URL+"/", nil)
		req.Host = "app.test"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()

	client.serveOnce(http.StatusOK, "hi")

	select {
	case resp := <-done:
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		b, _ := io.ReadAll(resp.Body)
		if string(b) != "hi" {
			t.Fatalf("body = %q, want %q", b, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestHostNotRegistered(t *testing.T) {
	_, hs := newTestServer(t, "secret")
	req, _ := http.NewRequest(http.MethodGet, hs.URL+"/", nil)
	req.Host = "nope.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(b, []byte(noRegistrationBody)) {
		t.Fatalf("body = %q, want it to contain %q", b, noRegistrationBody)
	}
}

func TestStreamedUpload(t *testing.T) {
	_, hs := newTestServer(t, "secret")
	client := dialFakeClient(t, wsURL(hs, "/_connect"))
	client.register("secret", "up.test")

	done := make(chan struct{})
	go func() {
		defer close(done)
		cancel := client.duplex.Done()
		msg, ok := client.duplex.In.Recv(cancel)
		if !ok || msg.Type != protocol.TypeRequestStart || !msg.HasBody {
			t.Errorf("expected request-start with body, got %+v ok=%v", msg, ok)
			return
		}
		id := msg.ID
		var got []byte
		for {
			m, ok := client.duplex.In.Recv(cancel)
			if !ok {
				t.Error("duplex closed mid-body")
				return
			}
			if m.Type == protocol.TypeRequestEnd {
				break
			}
			if m.Type != protocol.TypeRequestData {
				t.Errorf("unexpected message %+v", m)
				return
			}
			got = append(got, m.Chunk...)
		}
		if string(got) != "ABC" {
			t.Errorf("observed body = %q, want %q", got, "ABC")
		}
		client.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseStart, ID: id, Status: http.StatusOK}, cancel)
		client.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseEnd, ID: id}, cancel)
	}()

	req, _ := http.NewRequest(http.MethodPost, hs.URL+"/", bytes.NewBufferString("ABC"))
	req.Host = "up.test"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client goroutine never finished")
	}
}

// TestCallerAbortMidStream aborts the public request while its body is
// still streaming to the client, and expects the server to send
// request-aborted with no trailing request-end.
func TestCallerAbortMidStream(t *testing.T) {
	_, hs := newTestServer(t, "secret")
	client := dialFakeClient(t, wsURL(hs, "/_connect"))
	client.register("secret", "abort.test")

	pr, pw := io.Pipe()
	ctx, cancelReq := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, hs.URL+"/", pr)
	req.Host = "abort.test"

	reqDone := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if resp != nil {
			resp.Body.Close()
		}
		reqDone <- err
	}()

	cancel := client.duplex.Done()
	msg, ok := client.duplex.In.Recv(cancel)
	if !ok || msg.Type != protocol.TypeRequestStart || !msg.HasBody {
		t.Fatalf("expected request-start with body, got %+v ok=%v", msg, ok)
	}
	id := msg.ID

	if _, err := pw.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m, ok := client.duplex.In.Recv(cancel)
	if !ok || m.Type != protocol.TypeRequestData {
		t.Fatalf("expected request-data, got %+v ok=%v", m, ok)
	}

	cancelReq()
	_ = pw.CloseWithError(errors.New("caller aborted"))
	<-reqDone

	m2, ok := client.duplex.In.Recv(cancel)
	if !ok {
		t.Fatal("duplex closed before request-aborted arrived")
	}
	if m2.Type != protocol.TypeRequestAborted || m2.ID != id {
		t.Fatalf("expected request-aborted for %q, got %+v", id, m2)
	}
}

// TestConnectionLossDuringResponse closes the fake client's duplex right
// after response-start, simulating the client vanishing mid-response, and
// expects the public caller's body to terminate cleanly with the
// server's request table left empty.
func TestConnectionLossDuringResponse(t *testing.T) {
	srv, hs := newTestServer(t, "secret")
	client := dialFakeClient(t, wsURL(hs, "/_connect"))
	client.register("secret", "loss.test")

	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, hs.URL+"/", nil)
		req.Host = "loss.test"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()

	cancel := client.duplex.Done()
	msg, ok := client.duplex.In.Recv(cancel)
	if !ok || msg.Type != protocol.TypeRequestStart {
		t.Fatalf("expected request-start, got %+v ok=%v", msg, ok)
	}
	id := msg.ID
	m, ok := client.duplex.In.Recv(cancel)
	if !ok || m.Type != protocol.TypeRequestEnd {
		t.Fatalf("expected request-end, got %+v ok=%v", m, ok)
	}

	client.duplex.Out.Send(protocol.Message{Type: protocol.TypeResponseStart, ID: id, Status: http.StatusOK}, cancel)

	var state *clientConnectionState
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		srv.mu.Lock()
		for _, st := range srv.conns {
			state = st
		}
		srv.mu.Unlock()
		if state != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state == nil {
		t.Fatal("never found the client's connection state")
	}

	// Give response-start a moment to actually reach the server over the
	// real WebSocket before cutting the connection out from under it.
	time.Sleep(100 * time.Millisecond)
	client.duplex.Close()

	select {
	case resp := <-done:
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(body) != 0 {
			t.Fatalf("body = %q, want empty", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}

	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		state.mu.Lock()
		n := len(state.requests)
		state.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("request table never emptied after connection loss")
}

func TestDisplacement(t *testing.T) {
	_, hs := newTestServer(t, "secret")
	a := dialFakeClient(t, wsURL(hs, "/_connect"))
	a.register("secret", "x.test")
	b := dialFakeClient(t, wsURL(hs, "/_connect"))
	b.register("secret", "x.test")

	a.duplex.Close()
	time.Sleep(50 * time.Millisecond)

	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, hs.URL+"/", nil)
		req.Host = "x.test"
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()
	b.serveOnce(http.StatusOK, "from-b")

	select {
	case resp := <-done:
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "from-b" {
			t.Fatalf("body = %q, want %q (displacement should route to B)", body, "from-b")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}
