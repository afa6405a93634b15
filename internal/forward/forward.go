// Package forward implements the multi-forwarder: a single goroutine that
// multiplexes many TCP tunnels via one epoll instance, buffering writes and
// flushing them on a short quiescent deadline, and performing correct
// TCP half-close coordination for duplex pairs. This is the hard core of
// the proxy described in SPEC_FULL.md 4.G.
package forward

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"goproxy/internal/netpoll"
)

// DefaultFlushDelay matches the spec's "typ. 10ms" quiescent flush window.
const DefaultFlushDelay = 10 * time.Millisecond

const scratchSize = 8192

// maxHalfBuffer bounds how much unflushed data one half will accumulate
// before forcing an inline flush, guarding against unbounded growth when a
// destination is slow to drain.
const maxHalfBuffer = 256 * 1024

var errClosed = errors.New("forward: closed")

// half is a directed byte pump from src to dst. Only the loop goroutine
// ever touches a half's fields after registration.
type half struct {
	src, dst int
	buf      []byte
	pending  bool
	deadline time.Time
}

type pendingPair struct {
	src, dst int
}

// Forwarder owns one epoll loop driving many tunnels.
type Forwarder struct {
	flushDelay time.Duration
	logger     *zap.Logger

	mu         sync.Mutex
	running    bool
	pendingAdd []pendingPair
	knownSrc   map[int]bool
	knownDst   map[int]bool

	poller *netpoll.Poller
	wake   *netpoll.WakeEvent

	wg sync.WaitGroup
}

// New starts the forwarder's loop goroutine and returns once it is ready to
// accept Add calls.
func New(flushDelay time.Duration, logger *zap.Logger) (*Forwarder, error) {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	if logger == nil {
		logger = zap.NewNop()
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
	if err := poller.Add(wake.FD(), netpoll.Readable); err != nil {
		poller.Close()
		wake.Close()
		return nil, err
	}
	f := &Forwarder{
		flushDelay: flushDelay,
		logger:     logger,
		running:    true,
		knownSrc:   make(map[int]bool),
		knownDst:   make(map[int]bool),
		poller:     poller,
		wake:       wake,
	}
	f.wg.Add(1)
	go f.loop()
	return f, nil
}

// Add registers half f1->f2 and, if duplex, the reverse half f2->f1 too.
// Both raw fds must already be set to blocking mode and owned exclusively
// by the forwarder from this point on: per SPEC_FULL.md invariants, at most
// one half may read from or write to a given socket.
func (f *Forwarder) Add(fd1, fd2 int, duplex bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return errClosed
	}
	if f.knownSrc[fd1] || f.knownDst[fd2] {
		return fmt.Errorf("forward: duplicate half (src=%d dst=%d)", fd1, fd2)
	}
	if duplex && (f.knownSrc[fd2] || f.knownDst[fd1]) {
		return fmt.Errorf("forward: duplicate reverse half (src=%d dst=%d)", fd2, fd1)
	}
	f.pendingAdd = append(f.pendingAdd, pendingPair{fd1, fd2})
	f.knownSrc[fd1] = true
	f.knownDst[fd2] = true
	if duplex {
		f.pendingAdd = append(f.pendingAdd, pendingPair{fd2, fd1})
		f.knownSrc[fd2] = true
		f.knownDst[fd1] = true
	}
	return f.wake.Signal()
}

// Close stops the loop and closes every half it owns. Idempotent.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.mu.Unlock()
	if err := f.wake.Signal(); err != nil {
		return err
	}
	f.wg.Wait()
	return nil
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	halvesBySrc := make(map[int]*half)
	halvesByDst := make(map[int]*half)
	writePending := make(map[int]*half)
	buf := make([]byte, scratchSize)

	closeHalf := func(h *half, closeDst bool) {
		f.closeHalf(h, halvesBySrc, halvesByDst, writePending, closeDst)
	}

	defer func() {
		for _, h := range halvesBySrc {
			closeHalf(h, true)
		}
		f.poller.Close()
		f.wake.Close()
	}()

	timeoutMs := -1
	for {
		ready, err := f.poller.Wait(timeoutMs)
		if err != nil {
			f.logger.Error("forward: poll error", zap.Error(err))
			return
		}
		now := time.Now()

		var readyHalves []*half
		wakeSignalled := false
		for _, r := range ready {
			if r.Fd == f.wake.FD() {
				wakeSignalled = true
				continue
			}
			if h, ok := halvesBySrc[r.Fd]; ok {
				readyHalves = append(readyHalves, h)
			}
		}

		if wakeSignalled {
			f.wake.Drain()
			f.mu.Lock()
			running := f.running
			pending := f.pendingAdd
			f.pendingAdd = nil
			f.mu.Unlock()
			if !running {
				return
			}
			for _, p := range pending {
				h := &half{src: p.src, dst: p.dst}
				halvesBySrc[h.src] = h
				halvesByDst[h.dst] = h
				if err := f.poller.Add(h.src, netpoll.Readable); err != nil {
					f.logger.Warn("forward: register half failed", zap.Error(err))
					closeHalf(h, true)
				}
			}
		}

		var flushDeadline time.Time
		if len(readyHalves) > 0 {
			flushDeadline = now.Add(f.flushDelay)
			for _, h := range readyHalves {
				n, rerr := unix.Read(h.src, buf)
				if rerr != nil || n == 0 {
					closeHalf(h, false)
					continue
				}
				h.buf = append(h.buf, buf[:n]...)
				h.pending = true
				h.deadline = flushDeadline
				writePending[h.src] = h
				if len(h.buf) >= maxHalfBuffer {
					if werr := writeAll(h.dst, h.buf); werr != nil {
						closeHalf(h, false)
						continue
					}
					h.buf = h.buf[:0]
				}
			}
		} else {
			flushDeadline = now.Add(time.Second)
		}

		nextDeadline := flushDeadline
		haveNext := len(readyHalves) > 0
		for src, h := range writePending {
			if _, justRead := halvesBySrc[src]; !justRead {
				delete(writePending, src)
				continue
			}
			touchedThisTick := false
			for _, rh := range readyHalves {
				if rh == h {
					touchedThisTick = true
					break
				}
			}
			if touchedThisTick {
				continue
			}
			if !h.deadline.After(now) {
				if err := writeAll(h.dst, h.buf); err != nil {
					closeHalf(h, false)
				} else {
					h.buf = h.buf[:0]
					h.pending = false
				}
				delete(writePending, src)
			} else if !haveNext || h.deadline.Before(nextDeadline) {
				nextDeadline = h.deadline
				haveNext = true
			}
		}

		if len(halvesBySrc) == 0 {
			timeoutMs = -1
			continue
		}
		if !haveNext {
			timeoutMs = -1
			continue
		}
		d := nextDeadline.Sub(time.Now())
		if d < 0 {
			d = 0
		}
		timeoutMs = int(d.Milliseconds())
	}
}

// writeAll performs a blocking write of the full buffer. Halves are handed
// raw fds already switched to blocking mode, so this mirrors the original
// design's blocking flush() call rather than needing its own readiness
// wait.
func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// closeHalf implements the six-step close protocol from SPEC_FULL.md 4.G.
// closeAll forces both ends closed regardless of peer state (used for final
// teardown and for a half whose poller registration failed). A failed final
// flush is logged and does not change how the two ends are closed.
func (f *Forwarder) closeHalf(h *half, halvesBySrc, halvesByDst, writePending map[int]*half, closeAll bool) {
	if _, ok := halvesBySrc[h.src]; !ok {
		return
	}
	delete(halvesBySrc, h.src)
	delete(writePending, h.src)
	f.poller.Remove(h.src)

	if len(h.buf) > 0 {
		if err := writeAll(h.dst, h.buf); err != nil {
			f.logger.Debug("forward: final flush failed", zap.Int("dst", h.dst), zap.Error(err))
		}
		h.buf = nil
	}

	if halvesByDst[h.dst] == h {
		delete(halvesByDst, h.dst)
	}

	f.mu.Lock()
	delete(f.knownSrc, h.src)
	delete(f.knownDst, h.dst)
	f.mu.Unlock()

	if closeAll || halvesByDst[h.src] == nil {
		unix.Close(h.src)
	} else {
		unix.Shutdown(h.src, unix.SHUT_RD)
	}
	if closeAll || halvesBySrc[h.dst] == nil {
		unix.Close(h.dst)
	} else {
		unix.Shutdown(h.dst, unix.SHUT_WR)
	}
}
