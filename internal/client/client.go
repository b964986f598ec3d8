// Package client provides a client for feeding measurements to perocubed.
//
// Acks carry no request id; the server answers frames strictly in order.
// The client keeps a FIFO of waiting senders and hands each ack to the
// oldest one, so several goroutines may send on one connection.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/perocube/config"
	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/wire"
)

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// stateTransition represents a state transition.
type stateTransition struct {
	from ClientState
	to   ClientState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Disconnected
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	// From Connecting
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	// From Connected
	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	// From Closing
	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrDisconnected     = errors.New("connection lost before ack")
	ErrTimeout          = errors.New("ack timeout")
)

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	Addr    string
	Framing wire.Mode

	TLS           bool
	TLSSkipVerify bool

	ConnectTimeout time.Duration

	// RequestTimeout bounds the wait for one ack when the caller's context
	// has no deadline.
	RequestTimeout time.Duration

	// MaxAckSize limits one ack frame.
	MaxAckSize int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:5000",
		Framing:        wire.ModeNDJSON,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxAckSize:     config.DefaultMaxMessageSize,
	}
}

type result struct {
	ack codec.Ack
	err error
}

// Client sends message units and reads their acks.
type Client struct {
	cfg       Config
	tlsConfig *tls.Config

	// Connection and writes - protected by mu
	mu   sync.Mutex
	conn net.Conn
	wire *wire.Conn

	state atomic.Int32

	// Waiting senders in send order
	pendingMu sync.Mutex
	pending   []chan result

	onDisconnect func(error)

	shutdown chan struct{}
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		cfg:      *cfg,
		shutdown: make(chan struct{}),
	}
	if c.cfg.MaxAckSize <= 0 {
		c.cfg.MaxAckSize = config.DefaultMaxMessageSize
	}
	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}
	return c
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// transitionFrom attempts to transition from a specific state to a new state.
func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials the server.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed, StateClosing:
		return ErrClientClosed
	case StateConnected:
		return ErrAlreadyConnected
	}
	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	var (
		conn net.Conn
		err  error
	)
	dialer := &net.Dialer{}
	if c.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: c.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", c.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.wire = wire.NewConn(conn, c.cfg.Framing, c.cfg.MaxAckSize)
	c.shutdown = make(chan struct{})
	w, shutdown := c.wire, c.shutdown
	c.mu.Unlock()

	if !c.transitionFrom(StateConnecting, StateConnected) {
		conn.Close()
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}
	success = true

	go c.readLoop(w, shutdown)
	return nil
}

// Close closes the client connection. Waiting senders get ErrClientClosed.
func (c *Client) Close() error {
	var closeErr error

	switch {
	case c.transitionFrom(StateConnected, StateClosing):
	case c.transitionFrom(StateDisconnected, StateClosed):
		return nil
	default:
		return nil
	}

	c.mu.Lock()
	close(c.shutdown)
	if c.conn != nil {
		closeErr = c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.mu.Unlock()

	c.failPending(ErrClientClosed)
	c.transitionFrom(StateClosing, StateClosed)
	return closeErr
}

// Reconnect drops the current connection, if any, and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.getState() == StateClosed {
		return ErrClientClosed
	}

	if c.transitionFrom(StateConnected, StateDisconnected) {
		c.mu.Lock()
		close(c.shutdown)
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
			c.wire = nil
		}
		c.mu.Unlock()
		c.failPending(ErrDisconnected)
	}
	return c.Connect(ctx)
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// OnDisconnect sets the handler for a connection lost while connected.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop(w *wire.Conn, shutdown chan struct{}) {
	for {
		ack, err := w.ReadAck()
		if err != nil && !errors.IsDecode(err) {
			select {
			case <-shutdown:
				return
			default:
			}
			c.lost(err)
			return
		}
		c.deliver(result{ack: ack, err: err})
	}
}

// deliver hands r to the oldest waiting sender.
func (c *Client) deliver(r result) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		c.pendingMu.Unlock()
		return
	}
	ch := c.pending[0]
	c.pending = c.pending[1:]
	c.pendingMu.Unlock()

	ch <- r
}

func (c *Client) lost(err error) {
	if !c.transitionFrom(StateConnected, StateDisconnected) {
		return
	}
	c.mu.Lock()
	close(c.shutdown)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.mu.Unlock()

	c.failPending(ErrDisconnected)

	c.pendingMu.Lock()
	fn := c.onDisconnect
	c.pendingMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}

// =============================================================================
// Send
// =============================================================================

// Send encodes env, sends it and waits for its ack.
func (c *Client) Send(ctx context.Context, env *measurement.Envelope) (codec.Ack, error) {
	frame, err := codec.Encode(env)
	if err != nil {
		return codec.Ack{}, fmt.Errorf("encode: %w", err)
	}
	return c.SendFrame(ctx, frame)
}

// SendFrame sends one raw message unit and waits for its ack.
func (c *Client) SendFrame(ctx context.Context, frame []byte) (codec.Ack, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	ch := make(chan result, 1)

	c.mu.Lock()
	if c.getState() != StateConnected || c.wire == nil {
		c.mu.Unlock()
		return codec.Ack{}, ErrNotConnected
	}
	shutdown := c.shutdown
	c.pendingMu.Lock()
	c.pending = append(c.pending, ch)
	c.pendingMu.Unlock()
	err := c.wire.Write(frame)
	c.mu.Unlock()

	if err != nil {
		// The frame may be partly written; the stream is unusable.
		c.lost(err)
		return codec.Ack{}, fmt.Errorf("write frame: %w", err)
	}

	select {
	case r := <-ch:
		return r.ack, r.err
	case <-ctx.Done():
		return codec.Ack{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case <-shutdown:
		select {
		case r := <-ch:
			return r.ack, r.err
		default:
			return codec.Ack{}, ErrClientClosed
		}
	}
}
