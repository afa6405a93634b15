// Package conn implements the connection registry: the Client type that
// owns one accepted socket, its buffered reader/writer, and the handoff
// machinery needed when that socket moves from HTTP-level handling to
// opaque tunneling.
package conn

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SetBlocking switches fd between blocking and non-blocking mode. The
// forwarder drives handed-off fds with direct blocking syscalls (mirroring
// the original design's use of blocking sockets for tunneling), so every fd
// detached for FORWARD must be switched to blocking before being handed
// over.
func SetBlocking(fd int, blocking bool) error {
	if err := unix.SetNonblock(fd, !blocking); err != nil {
		return fmt.Errorf("conn: set blocking=%v on fd %d: %w", blocking, fd, err)
	}
	return nil
}

// RawFD extracts the integer file descriptor backing c without taking
// ownership of it: c must be kept alive by the caller for as long as the
// fd is used directly (the net.Conn's finalizer would otherwise close it
// out from under a raw epoll registration). This is the same extraction
// pattern used by low-level poller-integrated wrappers such as
// github.com/mdlayher/socket's Conn, minus the os.File re-wrap, since here
// the fd is driven by our own epoll loop rather than Go's runtime poller.
func RawFD(c syscall.Conn) (int, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("conn: SyscallConn: %w", err)
	}
	var fd int
	ctrlErr := rc.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, fmt.Errorf("conn: Control: %w", ctrlErr)
	}
	return fd, nil
}

// Client owns one accepted connection: exclusively by the dispatcher until
// it is handed to a worker's stack frame for one request round, and from
// there either back to the dispatcher (REARM), closed (CLOSE), or detached
// to the forwarder (FORWARD).
type Client struct {
	mu     sync.Mutex
	Conn   net.Conn
	Peer   netip.Addr
	Reader *bufio.Reader
	Writer *bufio.Writer

	fd    int
	alive bool
}

// New wraps an accepted net.Conn, extracting its peer address and raw fd
// up front (the fd is needed immediately for dispatcher registration; the
// dispatcher runs its ACL check on the net.Conn before calling New).
func New(c net.Conn, bufSize int) (*Client, error) {
	fd, err := RawFD(c)
	if err != nil {
		return nil, err
	}
	var peer netip.Addr
	if ap, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		if a, ok2 := netip.AddrFromSlice(ap.IP); ok2 {
			peer = a.Unmap()
		}
	}
	if bufSize <= 0 {
		bufSize = 8192
	}
	return &Client{
		Conn:   c,
		Peer:   peer,
		Reader: bufio.NewReaderSize(c, bufSize),
		Writer: bufio.NewWriterSize(c, bufSize),
		fd:     fd,
		alive:  true,
	}, nil
}

// FD returns the raw file descriptor for dispatcher poll registration.
// Valid only while the Client has not been Detach()'ed or Close()'d.
func (c *Client) FD() int { return c.fd }

// Detach flushes the writer, then relinquishes the raw connection for
// handoff to the multi-forwarder, returning any bytes the reader had
// already buffered from the OS but not yet consumed by request handling
// (SPEC_FULL.md 4.C: these must be forwarded upstream first in the CONNECT
// case, since a pipelining client may have sent the first TLS record
// immediately after the CONNECT line).
func (c *Client) Detach() (fd int, buffered []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return -1, nil, fmt.Errorf("conn: detach of dead client")
	}
	if err := c.Writer.Flush(); err != nil {
		return -1, nil, fmt.Errorf("conn: flush before detach: %w", err)
	}
	if n := c.Reader.Buffered(); n > 0 {
		peeked, _ := c.Reader.Peek(n)
		buffered = append([]byte(nil), peeked...)
		_, _ = c.Reader.Discard(n)
	}
	c.alive = false
	return c.fd, buffered, nil
}

// Close releases the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return nil
	}
	c.alive = false
	return c.Conn.Close()
}

// Alive reports whether the client has not yet been closed or detached.
func (c *Client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}
