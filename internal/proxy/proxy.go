// Package proxy is the control plane (component H): it owns the listening
// socket and wires the dispatcher, worker pool, upstream client, and
// multi-forwarder into one running instance, confining all mutable state
// to a single Proxy value rather than package-level globals.
package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"goproxy/internal/acl"
	"goproxy/internal/dispatch"
	"goproxy/internal/forward"
	"goproxy/internal/upstream"
	"goproxy/internal/worker"
)

// Config is the complete, validated startup configuration for a Proxy.
type Config struct {
	// BindAddr is the "host:port" the proxy listens on for client
	// connections.
	BindAddr string
	// Allow and Block are compiled CIDR sets; Block wins ties, and a
	// non-empty Allow must match when Block does not, per internal/acl.
	Allow acl.CompiledSet
	Block acl.CompiledSet
	// MaxQueue bounds the dispatcher's FIFO depth before new readable
	// clients are rejected with 503.
	MaxQueue int
	// Threads is the worker pool size.
	Threads int
	// ConnTimeout bounds read/write deadlines on client sockets and dial
	// timeouts to upstream origins.
	ConnTimeout time.Duration
	// FlushDelay is the multi-forwarder's quiescent write-coalescing
	// window; zero selects forward.DefaultFlushDelay.
	FlushDelay time.Duration
	// BufSize sizes each client's buffered reader/writer.
	BufSize int
	// ReusePort sets SO_REUSEPORT on the listening socket so multiple
	// goproxy processes (or a dual-stack v4/v6 pair) can share BindAddr.
	ReusePort bool
	Logger    *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Threads <= 0 {
		c.Threads = 1
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 60 * time.Second
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = forward.DefaultFlushDelay
	}
	if c.BufSize <= 0 {
		c.BufSize = 8192
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Proxy ties components A-G together behind ListenAndServe/Shutdown. The
// zero value is not usable; construct with New.
type Proxy struct {
	cfg        Config
	logger     *zap.Logger
	addr       net.Addr
	dispatcher *dispatch.Dispatcher
	pool       *worker.Pool
	forwarder  *forward.Forwarder
	runErr     chan error
}

// Addr returns the bound listening address, useful when BindAddr used a
// ":0" ephemeral port (tests, ad hoc runs).
func (p *Proxy) Addr() net.Addr { return p.addr }

// New validates cfg, binds the listening socket, and wires every
// component, but does not start serving; call ListenAndServe for that.
func New(cfg Config) (*Proxy, error) {
	cfg = cfg.withDefaults()
	if cfg.BindAddr == "" {
		return nil, fmt.Errorf("proxy: BindAddr is required")
	}

	ln, err := cfg.listen()
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", cfg.BindAddr, err)
	}

	fwd, err := forward.New(cfg.FlushDelay, cfg.Logger.Named("forward"))
	if err != nil {
		ln.Close()
		return nil, err
	}

	d, err := dispatch.New(dispatch.Config{
		Listener:    ln,
		Allow:       cfg.Allow,
		Block:       cfg.Block,
		MaxQueue:    cfg.MaxQueue,
		BufSize:     cfg.BufSize,
		ConnTimeout: cfg.ConnTimeout,
		Logger:      cfg.Logger.Named("dispatch"),
	})
	if err != nil {
		fwd.Close()
		ln.Close()
		return nil, err
	}

	up := upstream.New(cfg.ConnTimeout)
	pool := worker.New(cfg.Threads, d, up, fwd, cfg.ConnTimeout, cfg.Logger.Named("worker"))

	return &Proxy{
		cfg:        cfg,
		logger:     cfg.Logger,
		addr:       ln.Addr(),
		dispatcher: d,
		pool:       pool,
		forwarder:  fwd,
		runErr:     make(chan error, 1),
	}, nil
}

// ListenAndServe starts the worker pool and runs the dispatcher's event
// loop. It blocks until the loop exits (normally via Shutdown, or an
// unrecoverable poll error) and returns the latter's error, if any.
func (p *Proxy) ListenAndServe() error {
	p.pool.Start()
	p.logger.Info("proxy: serving", zap.String("addr", p.cfg.BindAddr), zap.Int("threads", p.cfg.Threads))
	err := p.dispatcher.Run()
	p.runErr <- err
	return err
}

// Shutdown stops accepting and processing connections in the order
// SPEC_FULL.md 4.D/5 describes: stop the dispatcher (which also wakes any
// worker blocked in Dequeue), wait for the dispatcher's loop to finish
// tearing down the listener and registered clients, then join the workers
// and finally stop the multi-forwarder. It respects ctx only as a bound on
// the wait; the components themselves shut down unconditionally once
// asked.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.dispatcher.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.runErr:
		if err != nil {
			p.logger.Warn("proxy: dispatcher loop exited with error", zap.Error(err))
		}
	}

	joined := make(chan struct{})
	go func() {
		p.pool.Wait()
		close(joined)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-joined:
	}

	return p.forwarder.Close()
}
