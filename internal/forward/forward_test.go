package forward

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// socketpair returns two connected, blocking AF_UNIX stream socket fds.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func readExpect(t *testing.T, fd int, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	got := make([]byte, 0, len(want))
	buf := make([]byte, 4096)
	tv := unix.Timeval{Sec: 0, Usec: 50000}
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	for len(got) < len(want) && time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			break
		}
	}
	if string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestForwarderDuplexConservation(t *testing.T) {
	f, err := New(5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	clientA, proxyA := socketpair(t)
	defer unix.Close(clientA)
	clientB, proxyB := socketpair(t)
	defer unix.Close(clientB)

	if err := f.Add(proxyA, proxyB, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(clientA, []byte("hello world!")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readExpect(t, clientB, "hello world!", 2*time.Second)

	if _, err := unix.Write(clientB, []byte("goodbye world")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readExpect(t, clientA, "goodbye world", 2*time.Second)
}

func TestForwarderRejectsDuplicateHalf(t *testing.T) {
	f, err := New(5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	c, d := socketpair(t)
	defer unix.Close(c)
	defer unix.Close(d)

	if err := f.Add(a, b, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.Add(a, d, false); err == nil {
		t.Fatalf("expected duplicate-src rejection")
	}
	if err := f.Add(c, b, false); err == nil {
		t.Fatalf("expected duplicate-dst rejection")
	}
}

func TestForwarderHalfCloseDoesNotDeadlockOrPanic(t *testing.T) {
	f, err := New(5*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close()

	clientA, proxyA := socketpair(t)
	clientB, proxyB := socketpair(t)
	defer unix.Close(clientB)
	_ = proxyA
	_ = proxyB

	if err := f.Add(proxyA, proxyB, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(clientA, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readExpect(t, clientB, "hi", 2*time.Second)

	// clientA shutting down its write side (half-close) must not hang the
	// loop or panic it. Only the A->B half closes here; the B->A half reads
	// proxyB, so it stays registered until clientB sends EOF or a write to
	// proxyA fails.
	unix.Shutdown(clientA, unix.SHUT_WR)
	time.Sleep(50 * time.Millisecond)
	unix.Close(clientA)
	time.Sleep(100 * time.Millisecond)
}
