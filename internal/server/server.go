// Package server provides the measurement ingestion listener.
//
// The server accepts instrument connections, runs one session per
// connection and coordinates graceful shutdown. Sessions share the
// dispatcher and through it the storage sink; they share nothing else.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xtxerr/perocube/config"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/pipeline"
	"github.com/xtxerr/perocube/internal/session"
)

var log = logging.Component("server")

// Accept backoff bounds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Dispatcher processes every frame (required).
	Dispatcher *pipeline.Dispatcher

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Listen is the address to listen on (e.g., "0.0.0.0:5000").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// MaxConnections bounds concurrent sessions. Connections beyond the
	// limit are dropped.
	MaxConnections int

	// ShutdownGrace is how long Stop waits for sessions before closing
	// their connections.
	ShutdownGrace time.Duration

	// Session settings.
	Session session.Config
}

// =============================================================================
// Server
// =============================================================================

// Server is the measurement ingestion listener.
type Server struct {
	cfg     Config
	metrics *metrics.Metrics
	slots   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session.Session
	stopping bool

	running  atomic.Bool
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new server.
func New(cfg Config) *Server {
	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = config.DefaultMaxConnections
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = config.DefaultShutdownGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
		shutdown: make(chan struct{}),
	}
}

// Start binds the listen address and serves until Stop is called or ctx is
// done. A bind failure wraps errors.ErrBind.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Listen binds the listen address without accepting connections yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errors.ErrClosed
	}
	if s.listener != nil {
		return errors.ErrAlreadyRunning
	}

	var (
		ln  net.Listener
		err error
	)
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, certErr := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if certErr != nil {
			return fmt.Errorf("%w: load TLS cert: %w", errors.ErrBind, certErr)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errors.ErrBind, s.cfg.Listen, err)
	}

	s.listener = ln
	log.Info("listening",
		"address", ln.Addr().String(),
		"tls", s.cfg.TLSCertFile != "",
		"framing", s.cfg.Session.Framing.String(),
		"max_connections", s.cfg.MaxConnections,
	)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Stop is called or ctx is done. Listen must
// have succeeded. Serve returns nil after a stop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve: %w: not listening", errors.ErrClosed)
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			log.Warn("accept error", "error", err, "retry_in", delay)

			select {
			case <-time.After(delay):
			case <-s.shutdown:
				return nil
			}
			continue
		}
		delay = 0

		if !s.slots.TryAcquire(1) {
			log.Warn("connection limit reached, dropping",
				"remote", conn.RemoteAddr().String(),
				"max_connections", s.cfg.MaxConnections)
			s.metrics.ConnectionDropped()
			conn.Close()
			continue
		}

		if !s.admit() {
			s.slots.Release(1)
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

// admit registers a session goroutine unless the server is stopping.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// Stop stops the server gracefully: the listener closes at once, sessions
// finish the message in flight and end. Connections still open after the
// grace period are closed and their messages in flight abandoned. Stop
// returns within twice the grace period and is idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Info("shutting down", "grace", s.cfg.ShutdownGrace)
		close(s.shutdown)

		s.mu.Lock()
		s.stopping = true
		ln := s.listener
		active := s.snapshot()
		s.mu.Unlock()

		if ln != nil {
			ln.Close()
		}
		s.cancel()
		for _, sess := range active {
			sess.Interrupt()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownGrace):
			s.mu.Lock()
			remaining := s.snapshot()
			s.mu.Unlock()
			log.Warn("shutdown grace expired, closing connections", "sessions", len(remaining))
			for _, sess := range remaining {
				sess.Close()
			}
			// Closing cancels the writes in flight; a sink that ignores
			// its context is not waited for beyond a second grace period.
			select {
			case <-done:
			case <-time.After(s.cfg.ShutdownGrace):
				log.Error("sessions abandoned at shutdown", "sessions", s.ActiveSessions())
			}
		}

		log.Info("shutdown complete")
	})
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// snapshot returns the open sessions. Caller holds mu.
func (s *Server) snapshot() []*session.Session {
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// =============================================================================
// Connection Handling
// =============================================================================

// handleConn runs one session.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	sess := session.New(conn, s.cfg.Dispatcher, s.cfg.Session)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		sess.Close()
		return
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.metrics.SessionOpened()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		s.metrics.SessionClosed()
	}()

	sess.Serve(s.ctx)
}
