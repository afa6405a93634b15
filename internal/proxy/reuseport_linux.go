package proxy

import (
	"context"
	"net"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listen binds BindAddr, optionally setting SO_REUSEPORT so multiple
// goproxy processes can share one address for dual-stack or multi-process
// scaling, per SPEC_FULL.md 8's supplemented dual-stack bind feature.
func (c Config) listen() (net.Listener, error) {
	if !c.ReusePort {
		return net.Listen("tcp", c.BindAddr)
	}
	lc := net.ListenConfig{Control: reusePort(c.Logger)}
	return lc.Listen(context.Background(), "tcp", c.BindAddr)
}

func reusePort(logger *zap.Logger) func(network, address string, conn syscall.RawConn) error {
	return func(network, address string, conn syscall.RawConn) error {
		return conn.Control(func(descriptor uintptr) {
			if err := unix.SetsockoptInt(int(descriptor), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				logger.Error("proxy: setting SO_REUSEPORT",
					zap.String("network", network),
					zap.String("address", address),
					zap.Error(err))
			}
		})
	}
}
