// Package enclavenet provides TCP networking for code that runs inside a
// sandbox with no direct access to OS sockets.
//
// Every socket operation is proxied through an asynchronous usercall to a
// host that owns the real sockets. A usercall either completes at once,
// fails at once, or hands back a pending completion that must be polled or
// waited on. Callers see blocking Connect, Bind and Accept; internally every
// operation moves through New, Pending, Ready and Error phases, and a
// terminal error is observed exactly once.
//
// # Architecture Overview
//
//	enclavenet/
//	├── tcp/             Connect, Bind, Accept façade; Stream and Listener
//	├── lifecycle/       Generic four-phase State for one socket operation
//	├── usercall/        Host side: async dial/listen/accept, completions,
//	│                    errno mapping, admission, metrics, wazero guest ABI
//	├── resource/        Handle tables for host sockets and guest operations
//	├── errors/          Structured errors with Phase and Kind
//	├── wat/             WAT compiler for building test guests
//	└── cmd/enclavenet/  CLI and interactive TUI
//
// # Quick Start
//
// Connect through the default network:
//
//	s, err := tcp.ConnectByName(ctx, "example.com:80")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	_, err = s.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
//
// Drive a connect without blocking:
//
//	s := network.NewStream("10.0.0.5:443")
//	s.SetNonblocking(true)
//	if err := s.Start(ctx); err != nil && !tcp.IsWouldBlock(err) {
//	    return err
//	}
//	for {
//	    err := s.Poll()
//	    if tcp.IsWouldBlock(err) {
//	        // do other work
//	        continue
//	    }
//	    break
//	}
//	if err := s.TakeError(); err != nil {
//	    // s is New again and may be restarted
//	    return err
//	}
//
// # Host Configuration
//
// A usercall.Host enforces an egress allow-list, a rate limit and a cap on
// in-flight usercalls. Rejections by the rate limit or the cap are reported
// as would-block, never as terminal errors:
//
//	cfg, err := usercall.LoadConfig("host.yaml")
//	host, err := usercall.New(cfg)
//	network := tcp.NewNetwork(host.WithLogger(logger))
//
// # WebAssembly Guests
//
// Host.Instantiate registers the same usercalls as a wazero host module
// so a core WebAssembly guest can open sockets by numeric handle:
//
//	rt := wazero.NewRuntime(ctx)
//	if _, err := host.Instantiate(ctx, rt); err != nil {
//	    return err
//	}
//
// # Thread Safety
//
// Host, Network, Stream and Listener are safe for concurrent use. A
// lifecycle.State is not; its owner serializes access.
package enclavenet
