package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/pipeline"
	"github.com/xtxerr/perocube/internal/retry"
	"github.com/xtxerr/perocube/internal/session"
	"github.com/xtxerr/perocube/internal/sink"
	util "github.com/xtxerr/perocube/internal/testutil"
	"github.com/xtxerr/perocube/internal/wire"
)

const stamp = "2023-09-20T12:00:00"

// startServer runs a server on an ephemeral port and returns it with the
// channel Serve's result is sent on.
func startServer(t *testing.T, s sink.Sink, m *metrics.Metrics, mutate func(*Config)) (*Server, <-chan error) {
	t.Helper()

	cfg := Config{
		Dispatcher:    pipeline.New(normalize.New(normalize.DefaultCalibration()), s, m),
		Metrics:       m,
		Listen:        "127.0.0.1:0",
		ShutdownGrace: 5 * time.Second,
		Session:       session.DefaultConfig(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background()) }()
	t.Cleanup(srv.Stop)
	return srv, served
}

func dial(t *testing.T, srv *Server, mode wire.Mode) (net.Conn, *wire.Conn) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn, wire.NewConn(conn, mode, 1<<20)
}

func roundTrip(c *wire.Conn, frame []byte) (codec.Ack, error) {
	if err := c.Write(frame); err != nil {
		return codec.Ack{}, err
	}
	return c.ReadAck()
}

func mustAck(t *testing.T, c *wire.Conn, frame []byte, want codec.Ack) {
	t.Helper()
	got, err := roundTrip(c, frame)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if got != want {
		t.Fatalf("ack = %+v, want %+v", got, want)
	}
}

func TestServerPersistsMPP(t *testing.T) {
	mem := &util.MemSink{}
	srv, _ := startServer(t, mem, nil, nil)
	_, c := dial(t, srv, wire.ModeNDJSON)

	mustAck(t, c, util.MPPFrame(stamp, 0.05, 0.8, 1, 2), codec.OK)

	written := mem.Written()
	if len(written) != 1 {
		t.Fatalf("written = %d, want 1", len(written))
	}
	mpp := written[0].(*measurement.MPP)
	if mpp.Power != mpp.Current*mpp.Voltage {
		t.Fatalf("power = %v, want current*voltage", mpp.Power)
	}
	if want := time.Date(2023, 9, 20, 12, 0, 0, 0, time.UTC); !mpp.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", mpp.Timestamp, want)
	}
}

func TestServerMalformedThenValid(t *testing.T) {
	mem := &util.MemSink{}
	srv, _ := startServer(t, mem, nil, nil)
	_, c := dial(t, srv, wire.ModeNDJSON)

	mustAck(t, c, []byte(`{"type":"mpp","data":`), codec.Failed("malformed"))
	mustAck(t, c, []byte(`{"type":"wind","data":{"speed":3}}`), codec.Failed(`unknown type "wind"`))
	mustAck(t, c, util.TemperatureFrame(stamp, 24.5), codec.OK)

	if mem.Len() != 1 {
		t.Fatalf("written = %d, want 1", mem.Len())
	}
}

func TestServerOversizeFrame(t *testing.T) {
	srv, _ := startServer(t, &util.MemSink{}, nil, func(cfg *Config) {
		cfg.Session.MaxMessageSize = 256
	})
	_, c := dial(t, srv, wire.ModeNDJSON)

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}
	mustAck(t, c, big, codec.Failed(pipeline.ReasonFrameTooLarge))
	mustAck(t, c, util.IrradianceFrame(stamp, 900), codec.OK)
}

func TestServerConcurrentClients(t *testing.T) {
	const (
		clients = 5
		frames  = 20
	)
	mem := &util.MemSink{}
	srv, _ := startServer(t, mem, nil, nil)

	gt := util.NewGoroutineTest(t, 10*time.Second)
	for i := 0; i < clients; i++ {
		board := i
		gt.Go(func(ctx context.Context) error {
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				return fmt.Errorf("client %d dial: %w", board, err)
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
			c := wire.NewConn(conn, wire.ModeNDJSON, 1<<20)

			for n := 0; n < frames; n++ {
				ack, err := roundTrip(c, util.MPPFrame(stamp, float64(n), 1, board, n))
				if err != nil {
					return fmt.Errorf("client %d frame %d: %w", board, n, err)
				}
				if ack != codec.OK {
					return fmt.Errorf("client %d frame %d: ack %+v", board, n, ack)
				}
			}
			return nil
		})
	}
	gt.Wait()

	if mem.Len() != clients*frames {
		t.Fatalf("written = %d, want %d", mem.Len(), clients*frames)
	}

	// Per connection, writes land in send order.
	next := make(map[int]int)
	for _, m := range mem.Written() {
		mpp := m.(*measurement.MPP)
		if mpp.Channel != next[mpp.Board] {
			t.Fatalf("board %d: channel %d written before %d", mpp.Board, mpp.Channel, next[mpp.Board])
		}
		next[mpp.Board]++
	}
}

func TestServerTransientWriteKeepsConnection(t *testing.T) {
	failures := 0
	mem := &util.MemSink{Fail: func(m measurement.Measurement) error {
		if failures == 0 {
			failures++
			return sink.NewTransient(m.Kind(), fmt.Errorf("connection refused"))
		}
		return nil
	}}
	srv, _ := startServer(t, mem, nil, nil)
	_, c := dial(t, srv, wire.ModeNDJSON)

	mustAck(t, c, util.TemperatureFrame(stamp, 20), codec.Failed(pipeline.ReasonWriteFailed))
	mustAck(t, c, util.TemperatureFrame(stamp, 21), codec.OK)
}

func TestServerConnectionLimit(t *testing.T) {
	m := metrics.New()
	srv, _ := startServer(t, &util.MemSink{}, m, func(cfg *Config) {
		cfg.MaxConnections = 1
	})

	_, first := dial(t, srv, wire.ModeNDJSON)
	mustAck(t, first, util.TemperatureFrame(stamp, 20), codec.OK)

	second, _ := dial(t, srv, wire.ModeNDJSON)
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the second connection to be dropped")
	}

	if got := testutil.ToFloat64(m.DroppedConns); got != 1 {
		t.Fatalf("dropped = %f, want 1", got)
	}
	mustAck(t, first, util.TemperatureFrame(stamp, 21), codec.OK)
}

func TestServerIdleTimeout(t *testing.T) {
	srv, _ := startServer(t, &util.MemSink{}, nil, func(cfg *Config) {
		cfg.Session.IdleTimeout = 50 * time.Millisecond
	})
	conn, _ := dial(t, srv, wire.ModeNDJSON)

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("read = %v, want EOF after idle timeout", err)
	}
}

func TestServerStopFinishesInFlight(t *testing.T) {
	entered := make(chan struct{})
	mem := &util.MemSink{Fail: func(measurement.Measurement) error {
		close(entered)
		time.Sleep(100 * time.Millisecond)
		return nil
	}}
	srv, served := startServer(t, mem, nil, nil)
	_, c := dial(t, srv, wire.ModeNDJSON)

	if err := c.Write(util.TemperatureFrame(stamp, 20)); err != nil {
		t.Fatalf("write: %v", err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()

	ack, err := c.ReadAck()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack != codec.OK {
		t.Fatalf("ack = %+v, want ok", ack)
	}
	if _, err := c.Read(); err == nil {
		t.Fatal("expected the connection to close after stop")
	}

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve = %v, want nil", err)
	}
	if mem.Len() != 1 {
		t.Fatalf("written = %d, want 1", mem.Len())
	}
}

// stuckSink blocks every write until its context ends.
type stuckSink struct {
	entered chan struct{}
	once    sync.Once
}

func (s *stuckSink) Write(ctx context.Context, _ measurement.Measurement) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-time.After(30 * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestServerStopGraceExpiredAbandonsInFlight(t *testing.T) {
	stuck := &stuckSink{entered: make(chan struct{})}
	srv, served := startServer(t, stuck, nil, func(c *Config) {
		c.ShutdownGrace = 200 * time.Millisecond
	})
	_, c := dial(t, srv, wire.ModeNDJSON)

	if err := c.Write(util.TemperatureFrame(stamp, 20)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-stuck.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("write never reached the sink")
	}

	start := time.Now()
	srv.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v, want it bounded by the grace period", elapsed)
	}

	if ack, err := c.ReadAck(); err == nil {
		t.Fatalf("ack = %+v, want connection closed without ack", ack)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve = %v", err)
	}
	if err := util.Eventually(time.Second, 10*time.Millisecond, func() bool {
		return srv.ActiveSessions() == 0
	}); err != nil {
		t.Fatalf("active sessions = %d", srv.ActiveSessions())
	}
}

func TestServerStopIdleSessions(t *testing.T) {
	srv, served := startServer(t, &util.MemSink{}, nil, nil)
	_, c := dial(t, srv, wire.ModeNDJSON)
	mustAck(t, c, util.TemperatureFrame(stamp, 20), codec.OK)

	start := time.Now()
	srv.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v with only idle sessions", elapsed)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve = %v", err)
	}
	if srv.ActiveSessions() != 0 {
		t.Fatalf("active sessions = %d", srv.ActiveSessions())
	}
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
		t.Fatal("listener still accepting after Stop")
	}
}

func TestServerContextCancelStops(t *testing.T) {
	srv := New(Config{
		Dispatcher: pipeline.New(normalize.New(normalize.DefaultCalibration()), &util.MemSink{}, nil),
		Listen:     "127.0.0.1:0",
	})
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Start(ctx) }()

	if err := util.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return srv.Addr() != nil }); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Start = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestServerBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	srv := New(Config{Listen: occupied.Addr().String()})
	err = srv.Start(context.Background())
	if !errors.Is(err, errors.ErrBind) {
		t.Fatalf("Start = %v, want ErrBind", err)
	}
	if !errors.IsFatal(err) {
		t.Fatalf("bind error should be fatal: %v", err)
	}
}

func TestServerEndToEndDuckDB(t *testing.T) {
	ctx := context.Background()
	sqlCfg := sink.DefaultSQLConfig(sink.DialectDuckDB)
	sqlCfg.Bootstrap = true

	store, err := sink.Open(ctx, sink.Config{Backend: sink.BackendDuckDB, SQL: sqlCfg})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	m := metrics.New()
	srv, _ := startServer(t, sink.Chain(store, retry.DefaultConfig(), m), m, nil)
	_, c := dial(t, srv, wire.ModeNDJSON)

	mustAck(t, c, util.MPPFrame(stamp, 0.05, 0.8, 1, 2), codec.OK)
	mustAck(t, c, util.TemperatureFrame("2023/09/20 12:00:00", 24.5), codec.OK)
	mustAck(t, c, util.IrradianceFrame(stamp, 900), codec.OK)
	mustAck(t, c, []byte(`{"type":"temperature","data":{"timestamp":"2023-09-20T12:00:00","temperature":"hot"}}`),
		codec.Rejected(`temperature is not numeric: "hot"`))

	db := store.(*sink.SQLSink).DB()
	for _, table := range []string{"mpp_measurement", "temperature_measurement", "irradiance_measurement"} {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("%s rows = %d, want 1", table, n)
		}
	}

	var irradiance float64
	if err := db.QueryRowContext(ctx, "SELECT irradiance FROM irradiance_measurement").Scan(&irradiance); err != nil {
		t.Fatalf("scan irradiance: %v", err)
	}
	if irradiance != 90 {
		t.Fatalf("irradiance = %v, want 90", irradiance)
	}

	if got := testutil.ToFloat64(m.Messages.WithLabelValues("temperature", "rejected")); got != 1 {
		t.Fatalf("rejected temperature messages = %f", got)
	}
}
