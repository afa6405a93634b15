package worker

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"goproxy/internal/conn"
	"goproxy/internal/upstream"
)

func dialedPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var server net.Conn
	done := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(done)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-done
	return client, server
}

type noopForwarder struct {
	added chan [2]int
}

func (f *noopForwarder) Add(fd1, fd2 int, duplex bool) error {
	if f.added != nil {
		f.added <- [2]int{fd1, fd2}
	}
	return nil
}

func newTestPool(up *upstream.Client, fwd Forwarder) *Pool {
	return New(1, nil, up, fwd, 2*time.Second, nil)
}

func TestHandleGetPassthroughReturnsRearm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	peer, serverSide := dialedPair(t)
	defer peer.Close()

	client, err := conn.New(serverSide, 0)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}

	p := newTestPool(upstream.New(2*time.Second), nil)

	req := "GET " + srv.URL + "/ HTTP/1.1\r\nHost: " + srv.Listener.Addr().String() + "\r\n\r\n"
	if _, err := peer.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	outcome := p.handle(client)
	if outcome != Rearm {
		t.Fatalf("expected Rearm, got %v", outcome)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(peer), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Test") != "1" {
		t.Fatalf("missing forwarded header")
	}
}

func TestHandleUnknownMethodReturns501AndRearm(t *testing.T) {
	peer, serverSide := dialedPair(t)
	defer peer.Close()

	client, err := conn.New(serverSide, 0)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	p := newTestPool(upstream.New(time.Second), nil)

	if _, err := peer.Write([]byte("DELETE http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome := p.handle(client); outcome != Rearm {
		t.Fatalf("expected Rearm for 501, got %v", outcome)
	}
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(peer), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != 501 {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
}

func TestHandleMalformedRequestLineCloses(t *testing.T) {
	peer, serverSide := dialedPair(t)
	defer peer.Close()

	client, err := conn.New(serverSide, 0)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}
	p := newTestPool(upstream.New(time.Second), nil)

	if _, err := peer.Write([]byte("not a request line at all\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome := p.handle(client); outcome != Close {
		t.Fatalf("expected Close for malformed request line, got %v", outcome)
	}
}

func TestHandleConnectDetachesAndForwards(t *testing.T) {
	// A real upstream TCP listener that the CONNECT target names.
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstreamLn.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := upstreamLn.Accept()
		accepted <- c
	}()

	peer, serverSide := dialedPair(t)
	defer peer.Close()

	client, err := conn.New(serverSide, 0)
	if err != nil {
		t.Fatalf("conn.New: %v", err)
	}

	fwd := &noopForwarder{added: make(chan [2]int, 1)}
	p := newTestPool(upstream.New(time.Second), fwd)

	req := "CONNECT " + upstreamLn.Addr().String() + " HTTP/1.1\r\nHost: " + upstreamLn.Addr().String() + "\r\n\r\n"
	if _, err := peer.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	outcome := p.handle(client)
	if outcome != Forward {
		t.Fatalf("expected Forward, got %v", outcome)
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never accepted the CONNECT dial")
	}
	select {
	case pair := <-fwd.added:
		if pair[0] <= 0 || pair[1] <= 0 {
			t.Fatalf("expected positive fds, got %v", pair)
		}
		t.Cleanup(func() {
			unix.Close(pair[0])
			unix.Close(pair[1])
		})
	case <-time.After(2 * time.Second):
		t.Fatalf("forwarder.Add was never called")
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(peer).ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT ack: %v", err)
	}
	if line != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("unexpected CONNECT ack: %q", line)
	}
}
