// Package session serves one instrument connection.
//
// A session reads frames, dispatches each one and writes exactly one ack per
// frame, strictly in arrival order, in a single goroutine. Per-message
// failures are acknowledged and never end the session. A session ends when
// the peer closes the connection, the server stops it, the connection stays
// idle too long, or the connection fails.
package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/perocube/config"
	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/pipeline"
	"github.com/xtxerr/perocube/internal/stats"
	"github.com/xtxerr/perocube/internal/wire"
)

var log = logging.Component("session")

// Config holds session settings.
type Config struct {
	Framing        wire.Mode
	MaxMessageSize int

	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables the limit.
	IdleTimeout time.Duration

	// AckWriteTimeout bounds writing one ack.
	AckWriteTimeout time.Duration
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		Framing:         wire.ModeNDJSON,
		MaxMessageSize:  config.DefaultMaxMessageSize,
		IdleTimeout:     config.DefaultIdleTimeout,
		AckWriteTimeout: config.DefaultAckWriteTimeout,
	}
}

// EndReason tells why a session ended.
type EndReason string

const (
	EndPeerClosed  EndReason = "peer closed"
	EndStopped     EndReason = "stopped"
	EndIdleTimeout EndReason = "idle timeout"
	EndIOError     EndReason = "io error"
)

// Stats are the per-session counters.
type Stats struct {
	Messages int64
	OK       int64
	Rejected int64
	Errors   int64
	Latency  stats.Snapshot
}

// Session is one instrument connection.
//
// Serve must be called once. Interrupt and Close are safe for concurrent use.
type Session struct {
	// Immutable fields (no lock needed)
	ID        string
	Remote    string
	CreatedAt time.Time

	conn       net.Conn
	wire       *wire.Conn
	dispatcher *pipeline.Dispatcher
	cfg        Config

	// deadlineMu orders read-deadline updates against Interrupt.
	deadlineMu sync.Mutex
	stopping   atomic.Bool

	closed    atomic.Bool
	closeOnce sync.Once

	// abort is cancelled by Close and cuts the message in flight short.
	abortCtx context.Context
	abort    context.CancelFunc

	messages atomic.Int64
	ok       atomic.Int64
	rejected atomic.Int64
	errored  atomic.Int64
	latency  *stats.Summary
}

// New creates a session for conn.
func New(conn net.Conn, d *pipeline.Dispatcher, cfg Config) *Session {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.AckWriteTimeout <= 0 {
		cfg.AckWriteTimeout = config.DefaultAckWriteTimeout
	}

	abortCtx, abort := context.WithCancel(context.Background())
	return &Session{
		abortCtx:   abortCtx,
		abort:      abort,
		ID:         uuid.NewString(),
		Remote:     conn.RemoteAddr().String(),
		CreatedAt:  time.Now(),
		conn:       conn,
		wire:       wire.NewConn(conn, cfg.Framing, cfg.MaxMessageSize),
		dispatcher: d,
		cfg:        cfg,
		latency:    stats.NewSummary("dispatch_seconds"),
	}
}

// Serve runs the read, dispatch, ack loop until the session ends, then
// closes the connection. Cancelling ctx stops the session after the message
// in flight; use Interrupt to also wake a blocked read. Close abandons the
// message in flight.
func (s *Session) Serve(ctx context.Context) EndReason {
	ctx = logging.ContextWithSessionID(ctx, s.ID)
	ctx = logging.ContextWithRemote(ctx, s.Remote)
	logger := logging.WithContext(ctx, log)

	// The message in flight is finished even when ctx is cancelled, unless
	// the session is closed.
	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()
	stopAbort := context.AfterFunc(s.abortCtx, cancelDispatch)
	defer stopAbort()

	logger.Info("session opened")
	reason := s.loop(ctx, dispatchCtx, logger)
	s.Close()

	st := s.Stats()
	logger.Info("session closed",
		"reason", string(reason),
		"messages", st.Messages,
		"ok", st.OK,
		"rejected", st.Rejected,
		"errors", st.Errors,
		"dispatch_seconds", s.latency,
		"duration", time.Since(s.CreatedAt).Round(time.Millisecond),
	)
	return reason
}

func (s *Session) loop(ctx, dispatchCtx context.Context, logger *slog.Logger) EndReason {
	for {
		if ctx.Err() != nil || !s.armReadDeadline() {
			return EndStopped
		}

		frame, err := s.wire.Read()
		if err != nil {
			switch {
			case errors.Is(err, errors.ErrFrameTooLarge):
				logger.Warn("frame too large, discarded", "limit", s.cfg.MaxMessageSize)
				if !s.ack(s.dispatcher.Oversize(), logger) {
					return EndIOError
				}
				continue

			case errors.Is(err, errors.ErrMalformed):
				// A corrupt length prefix leaves no way to find the next frame.
				logger.Warn("bad frame prefix, closing", "error", err)
				s.ack(pipeline.Result{Ack: codec.Failed(codec.Malformed.String())}, logger)
				return EndIOError

			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				if s.stopping.Load() {
					return EndStopped
				}
				return EndPeerClosed

			case isTimeout(err):
				if s.stopping.Load() || ctx.Err() != nil {
					return EndStopped
				}
				logger.Info("idle timeout", "idle_timeout", s.cfg.IdleTimeout)
				return EndIdleTimeout

			default:
				if s.stopping.Load() {
					return EndStopped
				}
				logger.Warn("read failed", "error", err)
				return EndIOError
			}
		}

		start := time.Now()
		res := s.dispatcher.Dispatch(dispatchCtx, frame)
		s.latency.AddDuration(time.Since(start))

		if dispatchCtx.Err() != nil {
			logger.Warn("message abandoned, session closed",
				"kind", res.Kind.String(),
				"stage", string(res.Stage),
				"error", res.Err,
			)
			return EndStopped
		}

		if res.Err != nil {
			logger.Debug("message not accepted",
				"stage", string(res.Stage),
				"status", string(res.Ack.Status),
				"reason", res.Ack.Reason,
				"error", res.Err,
			)
		}

		if !s.ack(res, logger) {
			return EndIOError
		}
	}
}

// armReadDeadline sets the idle deadline for the next read. It reports
// false when the session is being stopped.
func (s *Session) armReadDeadline() bool {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	if s.stopping.Load() {
		return false
	}
	deadline := time.Time{}
	if s.cfg.IdleTimeout > 0 {
		deadline = time.Now().Add(s.cfg.IdleTimeout)
	}
	_ = s.conn.SetReadDeadline(deadline)
	return true
}

// ack writes the ack of res and updates the counters.
func (s *Session) ack(res pipeline.Result, logger *slog.Logger) bool {
	s.messages.Add(1)
	switch res.Ack.Status {
	case codec.StatusOK:
		s.ok.Add(1)
	case codec.StatusRejected:
		s.rejected.Add(1)
	default:
		s.errored.Add(1)
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.AckWriteTimeout))
	if err := s.wire.WriteAck(res.Ack); err != nil {
		logger.Warn("ack write failed", "error", err)
		return false
	}
	return true
}

// Interrupt asks the session to stop after the message in flight and wakes
// a read blocked waiting for the next frame.
func (s *Session) Interrupt() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()

	s.stopping.Store(true)
	if !s.closed.Load() {
		_ = s.conn.SetReadDeadline(time.Now())
	}
}

// Close closes the connection. This is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.abort()
		err = s.conn.Close()
	})
	return err
}

// IsClosed returns true if the session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Messages: s.messages.Load(),
		OK:       s.ok.Load(),
		Rejected: s.rejected.Load(),
		Errors:   s.errored.Load(),
		Latency:  s.latency.Snapshot(),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
