// Command goproxy runs the HTTP/1.1 forward proxy described by
// SPEC_FULL.md: an optional positional bind address (default 0.0.0.0:3128),
// repeatable ACL flags, and the usual capacity/timeout knobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"goproxy/internal/acl"
	"goproxy/internal/proxy"
)

// defaultBindAddr is the bindaddr used when the positional argument is
// omitted entirely, per spec §6.
const defaultBindAddr = "0.0.0.0:3128"

// normalizeBindAddr implements spec §6's bindaddr grammar (host:port, either
// side optional), the same find-':' logic as
// original_source/jhsiao/proxy/__main__.py:38-45: a bare port means
// "0.0.0.0:port", and a bare dotted-quad means "host:3128".
func normalizeBindAddr(raw string) string {
	if strings.Contains(raw, ":") {
		return raw
	}
	if strings.Contains(raw, ".") {
		return raw + ":3128"
	}
	return "0.0.0.0:" + raw
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("goproxy", pflag.ContinueOnError)
	allow := fs.StringArray("allow", nil, "allow-list CIDR (repeatable); when any --allow is given, only matching peers are admitted")
	block := fs.StringArray("block", nil, "block-list CIDR (repeatable); always takes precedence over --allow")
	maxQueue := fs.Int("max", 128, "maximum queued-but-unhandled requests before responding 503")
	threads := fs.Int("threads", 1, "worker pool size")
	timeout := fs.Duration("timeout", 60*time.Second, "per-connection read/write/dial timeout")
	reuseport := fs.Bool("reuseport", false, "set SO_REUSEPORT on the listening socket")
	verbose := fs.BoolP("verbose", "v", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [bindaddr]\n", os.Args[0])
		fs.PrintDefaults()
		return 2
	}
	bindArg := defaultBindAddr
	if fs.NArg() == 1 {
		bindArg = fs.Arg(0)
	}
	bindAddr := normalizeBindAddr(bindArg)

	allowSet, err := acl.Compile(*allow)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	blockSet, err := acl.Compile(*block)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	zcfg := zap.NewProductionConfig()
	if *verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "goproxy: logger init:", err)
		return 2
	}
	defer logger.Sync()

	p, err := proxy.New(proxy.Config{
		BindAddr:    bindAddr,
		Allow:       allowSet,
		Block:       blockSet,
		MaxQueue:    *maxQueue,
		Threads:     *threads,
		ConnTimeout: *timeout,
		ReusePort:   *reuseport,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("goproxy: startup failed", zap.Error(err))
		return 1
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- p.ListenAndServe() }()

	select {
	case sig := <-sigc:
		logger.Info("goproxy: received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("goproxy: dispatcher loop exited", zap.Error(err))
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Error("goproxy: shutdown error", zap.Error(err))
		return 1
	}
	return 0
}
