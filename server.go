package boltconn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling incoming TCP connections.
// Implementations should handle the connection lifecycle and message processing.
type Handler interface {
	// Handle is called for each new connection.
	// The implementation is responsible for managing the connection.
	Handle(conn *net.TCPConn)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(conn *net.TCPConn)

// Handle calls f(conn).
func (f HandlerFunc) Handle(conn *net.TCPConn) {
	f(conn)
}

// ConnFactory wraps an accepted socket into a framed connection, usually by
// calling NewConn with per-connection options.
type ConnFactory func(raw *net.TCPConn) (*Conn, error)

// Server represents a TCP server that listens for incoming connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout

	conns  sync.WaitGroup // running handlers
	active atomic.Int64
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
// Handlers started by Serve are not tracked; ServeConns cancels its
// connections once the timeout has expired and waits for them to stop.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve starts accepting connections and dispatching them to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// When the context is canceled, it stops accepting new connections gracefully.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before stopping, allowing existing handlers to complete. Call Close()
// to bypass the timeout and shut down immediately.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	// Start a goroutine to handle context cancellation
	go func() {
		<-ctx.Done()

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
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err.Error())
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		prom.ConnectionsAccepted.Inc()
		_ = conn.SetNoDelay(true)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			handler.Handle(conn)
		}()
	}
}

// ServeConns accepts connections like Serve, wraps each one with factory and
// runs it until it ends. Connections survive cancellation of ctx for the
// shutdown timeout; after that they are canceled and ServeConns returns once
// all of them have stopped.
func (s *Server) ServeConns(ctx context.Context, factory ConnFactory) error {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	err := s.Serve(ctx, HandlerFunc(func(raw *net.TCPConn) {
		conn, err := factory(raw)
		if err != nil {
			s.logger.Warn("rejected connection", "remote_addr", raw.RemoteAddr(), "error", err.Error())
			_ = raw.Close()
			return
		}
		s.runConn(connCtx, conn)
	}))

	cancel()
	s.conns.Wait()
	return err
}

func (s *Server) runConn(ctx context.Context, conn *Conn) {
	s.active.Add(1)
	prom.ActiveConnections.Inc()
	defer func() {
		s.active.Add(-1)
		prom.ActiveConnections.Dec()
	}()

	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("connection ended", "remote_addr", conn.Addr(), "error", err.Error())
	}
}

// Conns returns the number of connections currently run by ServeConns.
func (s *Server) Conns() int {
	return int(s.active.Load())
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

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
