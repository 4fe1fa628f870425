// Package tcp is the inbound transport adapter: it owns the listening
// socket, performs the optional TLS handshake, bounds concurrently open
// connections, and drives one worker goroutine per accepted connection
// through the read, dispatch, write loop.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthd/hearth/internal/service"
)

// handshakeTimeout bounds one TLS handshake; a failure abandons that
// connection only and the acceptor re-accepts.
const handshakeTimeout = 10 * time.Second

// Server accepts connections and hands them to workers.
type Server struct {
	addr           string
	tlsConfig      *tls.Config
	maxConns       int
	idleTimeout    time.Duration
	maxHeaderBytes int
	uploadDir      string
	maxMemoryField int

	dispatcher *service.Dispatcher
	logger     *slog.Logger
	metrics    *service.Metrics

	listener net.Listener
	ready    chan struct{}
	shutdown atomic.Bool
	wg       sync.WaitGroup

	// active is the shared concurrent-connection counter, the sole
	// mutable state shared between the acceptor and workers. It is
	// incremented before a worker starts and decremented exactly once
	// per connection on the worker's way out.
	active atomic.Int64

	// capacity releases one slot per finished connection when a
	// max-connections cap is configured.
	capacity chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithTLS enables TLS with an already-loaded certificate.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithMaxConns bounds concurrently open connections; 0 means unlimited.
func WithMaxConns(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

// WithIdleTimeout closes connections idle between requests.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithMaxHeaderBytes caps the request header block.
func WithMaxHeaderBytes(n int) Option {
	return func(s *Server) { s.maxHeaderBytes = n }
}

// WithUploadDir enables multipart file uploads spooled to dir. Empty
// keeps uploads disabled.
func WithUploadDir(dir string) Option {
	return func(s *Server) { s.uploadDir = dir }
}

// WithMaxMemoryField caps an in-memory multipart field.
func WithMaxMemoryField(n int) Option {
	return func(s *Server) { s.maxMemoryField = n }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *service.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server delivering requests to the dispatcher.
func NewServer(addr string, dispatcher *service.Dispatcher, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		dispatcher:  dispatcher,
		idleTimeout: 30 * time.Second,
		logger:      slog.Default(),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxConns > 0 {
		s.capacity = make(chan struct{}, s.maxConns)
	}
	return s
}

// Serve binds the listener and runs the accept loop until the context is
// cancelled. It returns after all workers have finished.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{Control: listenControl}
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.addr, err)
	}
	s.listener = listener
	close(s.ready)
	s.logger.Info("listening", "addr", listener.Addr().String(), "tls", s.tlsConfig != nil)

	go func() {
		<-ctx.Done()
		s.shutdown.Store(true)
		_ = listener.Close()
	}()

	err = s.acceptLoop()
	s.wg.Wait()
	if s.shutdown.Load() {
		return nil
	}
	return err
}

// acceptLoop is the acceptor: admission control, raw accept, optional
// TLS handshake, then one worker goroutine per connection. A failed
// handshake is abandoned and never brings the loop down.
func (s *Server) acceptLoop() error {
	warnedBreach := false
	for {
		if s.capacity != nil {
			select {
			case s.capacity <- struct{}{}:
				warnedBreach = false
			default:
				// At capacity: log once per breach, then hold the
				// accept loop until a worker releases a slot.
				if !warnedBreach {
					s.logger.Warn("connection capacity reached, pausing accepts",
						"max_conns", s.maxConns)
					warnedBreach = true
					if s.metrics != nil {
						s.metrics.CapacityPauses.Inc()
					}
				}
				s.capacity <- struct{}{}
				warnedBreach = false
			}
		}

		netConn, err := s.listener.Accept()
		if err != nil {
			if s.capacity != nil {
				<-s.capacity
			}
			if s.shutdown.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		secure := false
		if s.tlsConfig != nil {
			tlsConn := tls.Server(netConn, s.tlsConfig)
			if err := tlsConn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
				s.abandon(tlsConn)
				continue
			}
			if err := tlsConn.Handshake(); err != nil {
				s.logger.Debug("tls handshake failed",
					"remote", netConn.RemoteAddr().String(), "error", err)
				if s.metrics != nil {
					s.metrics.HandshakeFailures.Inc()
				}
				s.abandon(tlsConn)
				continue
			}
			if err := tlsConn.SetDeadline(time.Time{}); err != nil {
				s.abandon(tlsConn)
				continue
			}
			netConn = tlsConn
			secure = true
		}

		s.active.Add(1)
		if s.metrics != nil {
			s.metrics.ConnectionsAccepted.Inc()
			s.metrics.ActiveConnections.Inc()
		}
		s.wg.Add(1)
		go s.serveConn(netConn, secure)
	}
}

// abandon closes a connection that never reached a worker, releasing its
// capacity slot.
func (s *Server) abandon(conn net.Conn) {
	_ = conn.Close()
	if s.capacity != nil {
		<-s.capacity
	}
}

// serveConn wraps the worker loop with the release bookkeeping that must
// run exactly once per connection regardless of exit path.
func (s *Server) serveConn(conn net.Conn, secure bool) {
	defer func() {
		_ = conn.Close()
		s.active.Add(-1)
		if s.metrics != nil {
			s.metrics.ActiveConnections.Dec()
		}
		if s.capacity != nil {
			<-s.capacity
		}
		s.wg.Done()
	}()
	newWorker(s, conn, secure).run()
}

// Addr reports the bound listener address. It blocks until Serve has
// bound the socket, which makes ":0" configurations usable.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// ActiveConns reports the current concurrent-connection count.
func (s *Server) ActiveConns() int64 {
	return s.active.Load()
}
