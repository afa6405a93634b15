// Package dispatch implements the connection dispatcher (component D): a
// single-threaded, event-driven readiness loop owning the listening
// socket, a wake-event, and every client socket not currently checked out
// by a worker.
package dispatch

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"goproxy/internal/acl"
	"goproxy/internal/conn"
	"goproxy/internal/netpoll"
	"goproxy/internal/worker"
)

// Config configures a Dispatcher.
type Config struct {
	Listener net.Listener
	Allow    acl.CompiledSet
	Block    acl.CompiledSet
	MaxQueue int
	BufSize  int
	// ConnTimeout is the per-connection read/write deadline applied at
	// accept time (SPEC_FULL.md 9 item 2); the worker pool refreshes it
	// before each blocking read/write. Zero selects a 60s default.
	ConnTimeout time.Duration
	Logger      *zap.Logger
}

type doneEntry struct {
	client  *conn.Client
	outcome worker.Outcome
}

// Dispatcher is the event dispatcher. It implements worker.Queue so a
// worker.Pool can be wired directly against it.
type Dispatcher struct {
	listener net.Listener
	listenFD    int
	allow       acl.CompiledSet
	block       acl.CompiledSet
	maxQueue    int
	bufSize     int
	connTimeout time.Duration
	logger      *zap.Logger

	poller *netpoll.Poller
	wake   *netpoll.WakeEvent

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	clients map[int]*conn.Client
	queue   []*conn.Client
	done    []doneEntry
}

// New constructs a Dispatcher bound to an already-listening socket. The
// caller retains ownership of cfg.Listener only long enough for New to
// extract its raw fd; Run takes over responsibility for closing it.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	sc, ok := cfg.Listener.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("dispatch: listener does not expose a raw fd")
	}
	listenFD, err := conn.RawFD(sc)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listener fd: %w", err)
	}

	poller, err := netpoll.New(1024)
	if err != nil {
		return nil, err
	}
	wake, err := netpoll.NewWakeEvent()
	if err != nil {
		poller.Close()
		return nil, err
	}
	if err := poller.Add(listenFD, netpoll.Readable); err != nil {
		poller.Close()
		wake.Close()
		return nil, fmt.Errorf("dispatch: register listener: %w", err)
	}
	if err := poller.Add(wake.FD(), netpoll.Readable); err != nil {
		poller.Close()
		wake.Close()
		return nil, fmt.Errorf("dispatch: register wake: %w", err)
	}

	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = 8192
	}
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 60 * time.Second
	}

	d := &Dispatcher{
		listener:    cfg.Listener,
		listenFD:    listenFD,
		allow:       cfg.Allow,
		block:       cfg.Block,
		maxQueue:    cfg.MaxQueue,
		bufSize:     bufSize,
		connTimeout: connTimeout,
		logger:      cfg.Logger,
		poller:      poller,
		wake:        wake,
		running:     true,
		clients:     make(map[int]*conn.Client),
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// Run drives the event loop until Stop is called. It blocks until the loop
// exits and must be called from its own goroutine by the control plane.
func (d *Dispatcher) Run() error {
	defer d.teardown()
	for {
		ready, err := d.poller.Wait(-1)
		if err != nil {
			d.logger.Error("dispatch: poll error", zap.Error(err))
			return err
		}
		for _, r := range ready {
			switch r.Fd {
			case d.listenFD:
				d.handleAccept()
			case d.wake.FD():
				d.handleWake()
			default:
				d.handleClientReadable(r.Fd)
			}
		}
		if !d.isRunning() {
			return nil
		}
	}
}

func (d *Dispatcher) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// handleAccept implements SPEC_FULL.md 4.D's accept path: accept, classify
// against the ACL, and either reject with 403 or register the new client
// for readability.
func (d *Dispatcher) handleAccept() {
	c, err := d.listener.Accept()
	if err != nil {
		d.logger.Debug("dispatch: accept error", zap.Error(err))
		return
	}

	var peer netip.Addr
	if ap, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		if a, ok2 := netip.AddrFromSlice(ap.IP); ok2 {
			peer = a.Unmap()
		}
	}

	if acl.Classify(peer, d.allow, d.block) == acl.Reject {
		c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		c.Write([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))
		c.Close()
		return
	}

	deadline := time.Now().Add(d.connTimeout)
	c.SetReadDeadline(deadline)
	c.SetWriteDeadline(deadline)

	client, err := conn.New(c, d.bufSize)
	if err != nil {
		d.logger.Warn("dispatch: wrap accepted conn", zap.Error(err))
		c.Close()
		return
	}
	if err := d.poller.Add(client.FD(), netpoll.Readable); err != nil {
		d.logger.Warn("dispatch: register client failed", zap.Error(err))
		client.Close()
		return
	}
	d.mu.Lock()
	d.clients[client.FD()] = client
	d.mu.Unlock()
}

// handleClientReadable implements the queueing half of SPEC_FULL.md 4.D: a
// registered client became readable. If the FIFO is already at capacity the
// client is rejected with 503 and dropped rather than queued; otherwise it
// is unregistered from the poller (a client checked out by a worker must
// not also be registered, per the invariant that a client is owned by
// exactly one of {poller, queue, worker} at a time) and appended to the
// FIFO.
func (d *Dispatcher) handleClientReadable(fd int) {
	d.mu.Lock()
	client, ok := d.clients[fd]
	if !ok {
		d.mu.Unlock()
		return
	}
	if len(d.queue) >= d.maxQueue {
		delete(d.clients, fd)
		d.mu.Unlock()
		d.poller.Remove(fd)
		client.Writer.WriteString("HTTP/1.1 503 Service Unavailable\r\nUser-Agent: Proxy\r\n\r\n")
		client.Writer.Flush()
		client.Close()
		return
	}
	delete(d.clients, fd)
	d.poller.Remove(fd)
	d.queue = append(d.queue, client)
	d.mu.Unlock()
	d.cond.Signal()
}

// handleWake drains the wake-event and applies every outcome a worker has
// reported since the last drain, per SPEC_FULL.md 4.D's REARM/CLOSE/FORWARD
// dispatch.
func (d *Dispatcher) handleWake() {
	d.wake.Drain()
	d.mu.Lock()
	doneList := d.done
	d.done = nil
	d.mu.Unlock()

	for _, e := range doneList {
		switch e.outcome {
		case worker.Rearm:
			if err := d.poller.Add(e.client.FD(), netpoll.Readable); err != nil {
				d.logger.Warn("dispatch: re-register failed, closing", zap.Error(err))
				e.client.Close()
				continue
			}
			d.mu.Lock()
			d.clients[e.client.FD()] = e.client
			d.mu.Unlock()
		case worker.Close:
			e.client.Close()
		case worker.Forward:
			// Ownership of the fds already moved to the forwarder inside
			// the worker via Client.Detach(); nothing left to do here.
		}
	}
}

// Dequeue implements worker.Queue.
func (d *Dispatcher) Dequeue() (*conn.Client, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && d.running {
		d.cond.Wait()
	}
	if len(d.queue) == 0 {
		return nil, false
	}
	client := d.queue[0]
	d.queue = d.queue[1:]
	return client, true
}

// Report implements worker.Queue.
func (d *Dispatcher) Report(client *conn.Client, outcome worker.Outcome) {
	d.mu.Lock()
	d.done = append(d.done, doneEntry{client: client, outcome: outcome})
	d.mu.Unlock()
	if err := d.wake.Signal(); err != nil {
		d.logger.Warn("dispatch: wake signal failed", zap.Error(err))
	}
}

// Stop raises the shutdown flag and wakes both the event loop and any
// workers blocked in Dequeue. It does not block; callers join the loop by
// waiting for Run to return.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()
	d.cond.Broadcast()
	d.wake.Signal()
}

// QueueDepth reports the current FIFO length, for metrics/tests.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) teardown() {
	d.mu.Lock()
	remaining := d.clients
	d.clients = nil
	d.mu.Unlock()
	for _, c := range remaining {
		c.Close()
	}
	d.poller.Close()
	d.wake.Close()
	d.listener.Close()
}
