package agent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// deadlineListener is the listener behavior the server needs. Both
// *net.TCPListener and *net.UnixListener provide SetDeadline, which is how
// a blocked Accept gets unblocked during shutdown.
type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Server accepts connections on a bound endpoint and runs one message pump
// per connection.
type Server struct {
	listener        deadlineListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout

	stat serverStats
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. This gives existing connections time to complete.
// Default is 0 (immediate shutdown).
//
// Note: This only delays listener closure. Connections are canceled through
// the context passed to Serve, which every pump inherits.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOption appends options applied to every accepted connection,
// such as CustomCodecOption or MaxFrameLengthOption.
func ServerConnOption(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// NewTCP creates a server bound to the given TCP address.
// The address must be a valid host:port. Returns an error if the address
// cannot be resolved or bound.
func NewTCP(addr string, opts ...ServerOption) (*Server, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve address %q", addr)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %q", addr)
	}

	return newServer(listener, opts), nil
}

// NewUnix creates a server bound to a unix domain socket at path.
// The socket file is removed when the server closes.
func NewUnix(path string, opts ...ServerOption) (*Server, error) {
	unixAddr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve socket path %q", path)
	}

	listener, err := net.ListenUnix("unix", unixAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %q", path)
	}

	return newServer(listener, opts), nil
}

// NewServer wraps an already bound listener, for callers that create their
// own sockets (inherited descriptors, custom socket options). The listener
// must support deadlines the way *net.TCPListener and *net.UnixListener do;
// listeners that cannot be unblocked during shutdown are rejected.
func NewServer(listener net.Listener, opts ...ServerOption) (*Server, error) {
	dl, ok := listener.(deadlineListener)
	if !ok {
		return nil, errors.Errorf("unsupported listener type %T", listener)
	}

	return newServer(dl, opts), nil
}

func newServer(listener deadlineListener, opts []ServerOption) *Server {
	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts connections and runs a message pump for each until the
// context is canceled or the listening socket fatally fails. Every
// connection shares handler; pump failures stay with their connection and
// are only logged. A failed accept attempt is logged and the loop
// continues.
//
// When the context is canceled, the server stops accepting new connections
// gracefully. If ServerShutdownTimeoutOption is set, the server waits up to
// the specified duration before stopping, allowing existing handlers to
// complete. Call Close() to bypass the timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	connOpts := make([]Option, 0, len(s.connOpts)+1)
	connOpts = append(connOpts, s.connOpts...)
	connOpts = append(connOpts, HandlerOption(handler))

	// Surface a missing codec or handler now rather than on the first
	// accepted connection.
	var scratch options
	for _, o := range connOpts {
		o(&scratch)
	}
	if err := checkOptions(&scratch); err != nil {
		return err
	}

	s.logger.Info("server started", "addr", s.listener.Addr())

	stop := make(chan struct{})
	defer close(stop)

	// Start a goroutine to handle context cancellation
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
				// Timeout expired, proceed with shutdown
			case <-s.shutdownNow:
				// Close() was called, skip remaining timeout
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown() {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				// The listening socket itself is broken; nothing left to accept.
				s.logger.Error("listener failed", "error", err)
				return err
			}

			s.stat.acceptFailures.Add(1)
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.stat.accepted.Add(1)
		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		pump, err := NewConn(conn, connOpts...)
		if err != nil {
			s.logger.Error("configure connection", "remote_addr", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			continue
		}

		go func() {
			s.stat.active.Add(1)
			defer s.stat.active.Add(-1)

			// Run logs its own termination; pump errors never escape the
			// connection that produced them.
			_ = pump.Run(ctx)
		}()
	}
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// Any blocked Accept calls will return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
		// Channel already has a signal or no one is listening
	}

	return s.listener.Close()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() ServerStats {
	return s.stat.snapshot()
}

// ListenAndServe binds a TCP server at addr and serves handler until ctx is
// canceled, blocking for the lifetime of the server. The listener is closed
// before it returns, releasing the port. It returns ctx.Err() after
// cancellation, or the bind or fatal accept error that ended it.
func ListenAndServe(ctx context.Context, addr string, handler Handler, opts ...ServerOption) error {
	s, err := NewTCP(addr, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Serve(ctx, handler)
}

// ListenAndServeUnix binds a unix domain socket server at path and serves
// handler until ctx is canceled, blocking for the lifetime of the server.
// The listener is closed before it returns, removing the socket file so the
// path can be bound again. It returns ctx.Err() after cancellation, or the
// bind or fatal accept error that ended it.
func ListenAndServeUnix(ctx context.Context, path string, handler Handler, opts ...ServerOption) error {
	s, err := NewUnix(path, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Serve(ctx, handler)
}
