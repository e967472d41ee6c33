package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/enclave-net/tcp"
	"github.com/wippyai/enclave-net/usercall"
)

func main() {
	var (
		connectAddr = flag.String("connect", "", "Connect to host:port and pipe stdin/stdout")
		listenAddr  = flag.String("listen", "", "Bind host:port, accept one peer and echo")
		configFile  = flag.String("config", "", "Host configuration (YAML)")
		nonblock    = flag.Bool("nonblock", false, "Connect without blocking and report every phase")
		timeout     = flag.Duration("timeout", 0, "Give up on connect or accept after this long")
		verbose     = flag.Bool("v", false, "Verbose logging")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if !*interactive && (*connectAddr == "") == (*listenAddr == "") {
		fmt.Fprintln(os.Stderr, "Usage: enclavenet -connect <host:port> [-nonblock] [-timeout d] [-config file.yaml] [-v]")
		fmt.Fprintln(os.Stderr, "       enclavenet -listen <host:port> [-timeout d] [-config file.yaml] [-v]")
		fmt.Fprintln(os.Stderr, "       enclavenet -i  (interactive mode)")
		os.Exit(1)
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	net, err := newNetwork(*configFile, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer net.Host().Close()

	if *interactive {
		if err := runInteractive(net); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case *connectAddr != "":
		err = runConnect(ctx, net, *connectAddr, *nonblock, *timeout)
	default:
		err = runListen(ctx, net, *listenAddr, *timeout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func newNetwork(configFile string, logger *zap.Logger) (*tcp.Network, error) {
	cfg := usercall.DefaultConfig()
	if configFile != "" {
		loaded, err := usercall.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	host, err := usercall.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	usercall.SetLogger(logger.Named("usercall"))
	tcp.SetLogger(logger.Named("tcp"))
	return tcp.NewNetwork(host.WithLogger(logger.Named("host"))), nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func runConnect(ctx context.Context, net *tcp.Network, addr string, nonblock bool, timeout time.Duration) error {
	dialCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	var (
		s   *tcp.Stream
		err error
	)
	if nonblock {
		s, err = connectNonblocking(dialCtx, net, addr)
	} else {
		s, err = net.ConnectByName(dialCtx, addr)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer s.Close()

	local, _ := s.LocalAddr()
	peer, _ := s.PeerAddr()
	fmt.Fprintf(os.Stderr, "connected %s -> %s\n", local, peer)

	return pipe(ctx, s)
}

// connectNonblocking drives the stream by polling and prints each phase it
// passes through.
func connectNonblocking(ctx context.Context, net *tcp.Network, addr string) (*tcp.Stream, error) {
	s := net.NewStream(addr)
	s.SetNonblocking(true)
	fmt.Fprintf(os.Stderr, "phase: %v\n", s.Phase())

	for {
		err := s.Start(ctx)
		if err == nil {
			break
		}
		if !tcp.IsWouldBlock(err) {
			_ = s.TakeError()
			return nil, err
		}
		// admission is full, try again shortly
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	last := s.Phase()
	fmt.Fprintf(os.Stderr, "phase: %v\n", last)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := s.Poll()
		if ph := s.Phase(); ph != last {
			last = ph
			fmt.Fprintf(os.Stderr, "phase: %v\n", ph)
		}
		if err == nil {
			break
		}
		if !tcp.IsWouldBlock(err) {
			_ = s.Close()
			return nil, err
		}
		select {
		case <-ctx.Done():
			_ = s.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	if err := s.TakeError(); err != nil {
		return nil, err
	}
	s.SetNonblocking(false)
	return s, nil
}

func runListen(ctx context.Context, net *tcp.Network, addr string, timeout time.Duration) error {
	l, err := net.BindByName(ctx, addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	defer l.Close()
	fmt.Fprintf(os.Stderr, "listening on %s\n", l.Addr())

	acceptCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	s, peer, err := l.Accept(acceptCtx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer s.Close()
	fmt.Fprintf(os.Stderr, "accepted %s\n", peer)

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(s, s)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("echo: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// pipe copies stdin to the stream and the stream to stdout. It returns
// when the peer closes its side or ctx is canceled. Reads from stdin cannot
// be interrupted, so that copy is left running and only its error is kept.
func pipe(ctx context.Context, s *tcp.Stream) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	upload := make(chan error, 1)
	go func() {
		if _, err := io.Copy(s, os.Stdin); err != nil {
			upload <- fmt.Errorf("write: %w", err)
			return
		}
		upload <- s.Shutdown(tcp.ShutdownWrite)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		if _, err := io.Copy(os.Stdout, s); err != nil && gctx.Err() == nil {
			return fmt.Errorf("read: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case err := <-upload:
			if err != nil {
				return err
			}
			<-gctx.Done()
		case <-gctx.Done():
		}
		// unblocks the download copy
		_ = s.Close()
		return nil
	})

	return g.Wait()
}
