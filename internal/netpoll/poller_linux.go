// Package netpoll is a small epoll wrapper shared by the dispatcher and the
// multi-forwarder. Both own exactly one Poller each; they never share one,
// since mixing two unrelated readiness sets on a single epoll fd would make
// "who currently owns this fd's registration" unanswerable from the outside.
package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is a readiness bitmask, independent of the platform's raw values.
type Event uint32

const (
	Readable Event = 1 << iota
	Writable
	Hup
	Err
)

func toEpoll(e Event) uint32 {
	var out uint32
	if e&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(e uint32) Event {
	var out Event
	if e&unix.EPOLLIN != 0 {
		out |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		out |= Writable
	}
	if e&unix.EPOLLHUP != 0 || e&unix.EPOLLRDHUP != 0 {
		out |= Hup
	}
	if e&unix.EPOLLERR != 0 {
		out |= Err
	}
	return out
}

// Ready describes one readiness notification.
type Ready struct {
	Fd     int
	Events Event
}

// Poller is a thin, non-reentrant wrapper around a Linux epoll instance.
// Only the loop goroutine that owns it may call Wait; Add/Modify/Remove may
// be called from any goroutine (they're plain epoll_ctl calls, which the
// kernel serializes internally), but registering new fds mid-Wait is the
// caller's responsibility to sequence correctly -- see dispatch and forward,
// which both do it via a wake-event-guarded pending list rather than calling
// Add concurrently with Wait.
type Poller struct {
	fd  int
	buf []unix.EpollEvent
}

// New creates an epoll instance sized for up to maxEvents simultaneous
// readiness notifications per Wait call.
func New(maxEvents int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &Poller{fd: fd, buf: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd for the given readiness events.
func (p *Poller) Add(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl(add, %d): %w", fd, err)
	}
	return nil
}

// Modify changes the registered readiness events for fd.
func (p *Poller) Modify(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl(mod, %d): %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. It is not an error to remove an fd that was never
// added or was already closed out from under the poller (EBADF/ENOENT are
// swallowed), since close_half and dispatcher teardown both race benignly
// against an fd that the kernel has already reclaimed.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.EBADF && err != unix.ENOENT {
		return fmt.Errorf("netpoll: epoll_ctl(del, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready, timeout elapses, or
// an error occurs. timeoutMillis < 0 blocks indefinitely; 0 returns
// immediately.
func (p *Poller) Wait(timeoutMillis int) ([]Ready, error) {
	n, err := unix.EpollWait(p.fd, p.buf, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("netpoll: epoll_wait: %w", err)
	}
	out := make([]Ready, n)
	for i := 0; i < n; i++ {
		out[i] = Ready{Fd: int(p.buf[i].Fd), Events: fromEpoll(p.buf[i].Events)}
	}
	return out, nil
}

// Close releases the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
