// Package server constructs and runs the Parley chat service: the TCP
// acceptor, the optional HTTP gateway, and orderly startup and shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parleychat/parley/internal/auth"
)

// capacityMessage is written to connections turned away at the accept gate.
const capacityMessage = "Server is full.  Goodbye."

// Server owns the credential store, the session registry, and the listening
// sockets. Construct with New, call Start, and stop with Shutdown.
type Server struct {
	cfg      *Config
	logger   *logrus.Logger
	store    *auth.Store
	hasher   *auth.Hasher
	registry *Registry
	metrics  *Metrics

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	closed   bool
	nextID   int

	wg sync.WaitGroup
}

// New creates a Server from the given configuration. The logger is the
// operational log sink; nil falls back to a fresh logrus logger writing to
// stderr. Nothing is bound or loaded until Start.
func New(cfg *Config, logger *logrus.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	metrics := NewMetrics()
	return &Server{
		cfg:      cfg,
		logger:   logger,
		store:    auth.NewStore(cfg.CredentialFile, logger),
		hasher:   auth.NewHasher(cfg.HashIterations),
		registry: NewRegistry(logger, metrics),
		metrics:  metrics,
	}
}

// Registry exposes the session registry, mainly for tests and the gateway.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Store exposes the credential store.
func (s *Server) Store() *auth.Store {
	return s.store
}

// Start loads the credential store and begins listening. A store that cannot
// be read at startup is fatal; a missing file is created empty and is not an
// error. When an HTTP gateway address is configured, the gateway starts too.
func (s *Server) Start() error {
	s.logger.Info("Opening login information...")
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("loading credential store: %w", err)
	}

	if err := s.Listen(); err != nil {
		return err
	}

	if s.cfg.HTTPAddress != "" {
		s.startGateway()
	}
	return nil
}

// Listen binds the TCP listening socket once and starts the accept loop on
// its own goroutine so the caller is never blocked. Calling Listen while
// already listening is a no-op.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	if s.closed {
		return fmt.Errorf("server is closed")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.ListenAddr(), err)
	}
	s.listener = ln

	s.logger.WithField("addr", ln.Addr().String()).Info("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || isExpectedCloseError(err) {
				return
			}
			s.logger.WithError(err).Error("Accept failed, stopping listener")
			return
		}
		s.handleConn(conn)
	}
}

// handleConn enforces the capacity limit and, when there is room, assigns the
// next client id and hands the connection to a new session.
func (s *Server) handleConn(conn net.Conn) {
	sess, ok := s.NewSession(conn)
	if !ok {
		s.logger.WithField("addr", conn.RemoteAddr().String()).Info("Rejecting connection, server full")
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout()))
		_, _ = conn.Write([]byte(capacityMessage + "\n"))
		_ = conn.Close()
		return
	}
	s.StartSession(sess)
}

// StartSession launches the read and write pumps for a registered session.
// The gateway uses it for connections that arrive over WebSocket.
func (s *Server) StartSession(sess *Session) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()
	go func() {
		defer s.wg.Done()
		sess.readPump()
	}()
}

// NewSession wraps a connection for the gateway: it assigns an id and applies
// the same capacity gate as the TCP acceptor. The boolean reports whether
// the session was registered.
func (s *Server) NewSession(conn net.Conn) (*Session, bool) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	sess := newSession(id, conn, s)
	if !s.registry.TryRegister(sess, s.cfg.MaxClients) {
		s.metrics.RejectedConnections.Inc()
		return sess, false
	}
	return sess, true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Shutdown closes every session, the listener, and the gateway, then waits
// for all goroutines up to the timeout. Safe to call multiple times.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	httpSrv := s.httpSrv
	s.mu.Unlock()

	s.logger.Info("Shutting down server...")

	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.WithError(err).Warn("Error closing listener")
		}
	}
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := httpSrv.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Warn("Gateway shutdown error")
		}
		cancel()
	}

	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Server shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Server shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// Close shuts the server down with a default timeout.
func (s *Server) Close() error {
	return s.Shutdown(5 * time.Second)
}

// PortAvailable probes whether a TCP port can be bound right now. Ports
// outside the registered and dynamic range are reported unavailable without
// attempting a bind.
func PortAvailable(port int) bool {
	if port < 1024 || port > 49151 {
		return false
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
