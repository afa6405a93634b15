// Package worker implements the worker pool (component E): goroutines that
// drain a shared FIFO of readable clients, parse one request each, and
// decide whether the connection re-arms, closes, or hands off to the
// multi-forwarder.
package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"goproxy/internal/conn"
	"goproxy/internal/httpwire"
	"goproxy/internal/upstream"
)

// Outcome is the per-connection result a handler hands back to the
// dispatcher, per SPEC_FULL.md 4.D/4.E.
type Outcome int

const (
	Rearm Outcome = iota
	Close
	Forward
)

func (o Outcome) String() string {
	switch o {
	case Rearm:
		return "REARM"
	case Close:
		return "CLOSE"
	case Forward:
		return "FORWARD"
	default:
		return "UNKNOWN"
	}
}

// Queue is the dispatcher-owned FIFO the pool drains and reports back into.
// Defined here (not in the dispatch package) so worker has no dependency on
// dispatch; dispatch.Dispatcher satisfies this interface structurally.
type Queue interface {
	// Dequeue blocks until a client is available or the queue is
	// shutting down, in which case ok is false.
	Dequeue() (client *conn.Client, ok bool)
	// Report hands a finished client and its outcome back to the
	// dispatcher and wakes it.
	Report(client *conn.Client, outcome Outcome)
}

// Forwarder is the subset of *forward.Forwarder the worker pool needs for
// CONNECT handoff.
type Forwarder interface {
	Add(fd1, fd2 int, duplex bool) error
}

// Pool is a fixed-size set of goroutines handling one request per client at
// a time.
type Pool struct {
	n           int
	queue       Queue
	upstream    *upstream.Client
	forwarder   Forwarder
	logger      *zap.Logger
	connTimeout time.Duration
	wg          sync.WaitGroup
}

// New builds a worker pool of n goroutines. Call Start to launch them.
func New(n int, queue Queue, up *upstream.Client, fwd Forwarder, connTimeout time.Duration, logger *zap.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{n: n, queue: queue, upstream: up, forwarder: fwd, connTimeout: connTimeout, logger: logger}
}

// Start launches the pool's goroutines. It does not block.
func (p *Pool) Start() {
	p.wg.Add(p.n)
	for i := 0; i < p.n; i++ {
		go p.run()
	}
}

// Wait blocks until every goroutine launched by Start has returned, which
// happens once the Queue reports shutdown (ok == false from Dequeue).
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		client, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		outcome := p.handle(client)
		p.queue.Report(client, outcome)
	}
}

// handle implements step 3-5 of SPEC_FULL.md 4.E: parse request-line and
// headers, dispatch on method, flush, and return the outcome.
func (p *Pool) handle(client *conn.Client) Outcome {
	_ = client.Conn.SetReadDeadline(time.Now().Add(p.connTimeout))

	rl, err := httpwire.ReadRequestLine(client.Reader, httpwire.DefaultMaxRequestLine)
	if err != nil {
		return p.handleParseError(client, err)
	}
	headers, err := httpwire.ReadHeaders(client.Reader)
	if err != nil {
		return p.handleParseError(client, err)
	}

	_ = client.Conn.SetWriteDeadline(time.Now().Add(p.connTimeout))

	var outcome Outcome
	switch rl.Method {
	case "CONNECT":
		outcome = p.doConnect(client, rl)
	case "GET", "POST", "PUT":
		outcome = p.doBasic(client, rl, headers)
	default:
		outcome = p.writeSimple(client, 501, "Not Implemented", nil)
	}

	if outcome != Forward {
		if err := client.Writer.Flush(); err != nil {
			p.logger.Debug("worker: flush failed, closing", zap.Error(err))
			return Close
		}
	}
	return outcome
}

// handleParseError maps the httpwire.ParseError taxonomy onto an outcome,
// writing a response first when the code calls for one.
func (p *Pool) handleParseError(client *conn.Client, err error) Outcome {
	pe, ok := err.(*httpwire.ParseError)
	if !ok {
		p.logger.Warn("worker: unexpected parse error", zap.Error(err))
		return Close
	}
	switch pe.Code {
	case httpwire.ConnectionClosed, httpwire.NotHTTP, httpwire.BadHeader:
		return Close
	case httpwire.RequestURITooLong:
		return p.writeSimple(client, 414, "Request-URI Too Long", nil)
	default:
		return Close
	}
}

func (p *Pool) writeSimple(client *conn.Client, status int, reason string, body []byte) Outcome {
	fmt.Fprintf(client.Writer, "HTTP/1.1 %d %s\r\n", status, reason)
	if len(body) > 0 {
		fmt.Fprintf(client.Writer, "Content-Type: text\r\nContent-Length: %d\r\n\r\n", len(body))
		client.Writer.Write(body)
	} else {
		client.Writer.WriteString("\r\n")
	}
	if status >= 500 {
		return Rearm
	}
	if status == 414 {
		return Rearm
	}
	if status == 501 {
		return Rearm
	}
	return Close
}

// doConnect implements SPEC_FULL.md 4.E's do_connect protocol.
func (p *Pool) doConnect(client *conn.Client, rl httpwire.RequestLine) Outcome {
	upstreamConn, err := net.DialTimeout("tcp", rl.Target, p.connTimeout)
	if err != nil {
		return p.writeSimple(client, 404, "Not Found", []byte(err.Error()))
	}

	upstreamFD, err := conn.RawFD(upstreamConn)
	if err != nil {
		upstreamConn.Close()
		return p.writeSimple(client, 404, "Not Found", []byte(err.Error()))
	}

	clientFD, buffered, err := client.Detach()
	if err != nil {
		upstreamConn.Close()
		p.logger.Warn("worker: detach failed", zap.Error(err))
		return Close
	}

	if len(buffered) > 0 {
		if _, werr := upstreamConn.Write(buffered); werr != nil {
			p.logger.Warn("worker: failed to forward pipelined CONNECT body", zap.Error(werr))
			unix.Close(clientFD)
			upstreamConn.Close()
			return Close
		}
	}

	if _, werr := unix.Write(clientFD, []byte("HTTP/1.1 200 OK\r\n\r\n")); werr != nil {
		unix.Close(clientFD)
		upstreamConn.Close()
		return Close
	}

	if err := conn.SetBlocking(clientFD, true); err != nil {
		unix.Close(clientFD)
		upstreamConn.Close()
		return Close
	}
	if err := conn.SetBlocking(upstreamFD, true); err != nil {
		unix.Close(clientFD)
		upstreamConn.Close()
		return Close
	}

	if err := p.forwarder.Add(clientFD, upstreamFD, true); err != nil {
		p.logger.Warn("worker: forwarder.Add failed", zap.Error(err))
		unix.Close(clientFD)
		upstreamConn.Close()
		return Close
	}
	return Forward
}

// doBasic implements SPEC_FULL.md 4.E's do_basic protocol for GET/POST/PUT.
func (p *Pool) doBasic(client *conn.Client, rl httpwire.RequestLine, headers httpwire.Headers) Outcome {
	var body io.Reader
	forcedClose := false

	if n, present, err := headers.ContentLength(); present {
		if err != nil {
			return p.writeSimple(client, 400, "Bad Request", []byte(err.Error()))
		}
		body = io.LimitReader(client.Reader, n)
	} else if rl.Method == "POST" || rl.Method == "PUT" {
		body = client.Reader
		forcedClose = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.connTimeout)
	defer cancel()

	resp, err := p.upstream.Do(ctx, rl.Method, rl.Target, headers, body)
	if err != nil {
		outcome := p.writeSimple(client, 500, "Server Error", []byte(err.Error()))
		if forcedClose {
			return Close
		}
		return outcome
	}
	defer resp.Body.Close()

	fmt.Fprintf(client.Writer, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	for name, values := range resp.Header {
		for _, v := range values {
			fmt.Fprintf(client.Writer, "%s: %s\r\n", name, v)
		}
	}
	client.Writer.WriteString("\r\n")
	if _, err := io.Copy(client.Writer, resp.Body); err != nil {
		p.logger.Debug("worker: response body copy failed", zap.Error(err))
		return Close
	}

	if forcedClose {
		return Close
	}
	return Rearm
}
