package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/pipeline"
	"github.com/xtxerr/perocube/internal/sink"
	"github.com/xtxerr/perocube/internal/testutil"
	"github.com/xtxerr/perocube/internal/wire"
)

const stamp = "2023-09-20T12:00:00"

type harness struct {
	client *wire.Conn
	raw    net.Conn
	sess   *Session
	sink   *testutil.MemSink
	done   chan EndReason
}

func start(t *testing.T, cfg Config, mem *testutil.MemSink) *harness {
	t.Helper()
	if mem == nil {
		mem = &testutil.MemSink{}
	}

	server, client := net.Pipe()
	d := pipeline.New(normalize.New(normalize.DefaultCalibration()), mem, nil)
	s := New(server, d, cfg)

	h := &harness{
		client: wire.NewConn(client, cfg.Framing, 1<<20),
		raw:    client,
		sess:   s,
		sink:   mem,
		done:   make(chan EndReason, 1),
	}
	go func() { h.done <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		client.Close()
		s.Close()
	})
	return h
}

// send writes one frame and returns its ack.
func (h *harness) send(t *testing.T, frame []byte) codec.Ack {
	t.Helper()
	_ = h.raw.SetDeadline(time.Now().Add(5 * time.Second))
	if err := h.client.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	ack, err := h.client.ReadAck()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return ack
}

func (h *harness) wait(t *testing.T) EndReason {
	t.Helper()
	select {
	case r := <-h.done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return ""
	}
}

func TestSessionAcksInOrder(t *testing.T) {
	h := start(t, DefaultConfig(), nil)

	acks := []codec.Ack{
		h.send(t, testutil.MPPFrame(stamp, 0.05, 0.8, 1, 2)),
		h.send(t, []byte(`{broken`)),
		h.send(t, testutil.TemperatureFrame(stamp, 21.5)),
		h.send(t, []byte(`{"type":"temperature","data":{"timestamp":"yesterday","t":1}}`)),
	}
	want := []codec.Ack{
		codec.OK,
		codec.Failed("malformed"),
		codec.OK,
		codec.Rejected(`unparseable timestamp "yesterday"`),
	}
	for i := range want {
		if acks[i] != want[i] {
			t.Errorf("ack %d = %+v, want %+v", i, acks[i], want[i])
		}
	}

	written := h.sink.Written()
	if len(written) != 2 {
		t.Fatalf("written = %d, want 2", len(written))
	}
	if written[0].Kind() != measurement.KindMPP || written[1].Kind() != measurement.KindTemperature {
		t.Fatalf("write order = %s, %s", written[0].Kind(), written[1].Kind())
	}

	h.raw.Close()
	if r := h.wait(t); r != EndPeerClosed {
		t.Fatalf("end = %q, want %q", r, EndPeerClosed)
	}

	st := h.sess.Stats()
	if st.Messages != 4 || st.OK != 2 || st.Rejected != 1 || st.Errors != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Latency.Count != 3 {
		t.Fatalf("latency samples = %d, want 3 dispatched frames", st.Latency.Count)
	}
	if !h.sess.IsClosed() {
		t.Fatal("session not closed")
	}
}

func TestSessionWriteFailureKeepsServing(t *testing.T) {
	mem := &testutil.MemSink{Fail: func(m measurement.Measurement) error {
		if m.Kind() == measurement.KindTemperature {
			return sink.NewTransient(m.Kind(), fmt.Errorf("database down"))
		}
		return nil
	}}
	h := start(t, DefaultConfig(), mem)

	if ack := h.send(t, testutil.TemperatureFrame(stamp, 20)); ack != codec.Failed(pipeline.ReasonWriteFailed) {
		t.Fatalf("ack = %+v", ack)
	}
	if ack := h.send(t, testutil.IrradianceFrame(stamp, 900)); ack != codec.OK {
		t.Fatalf("ack = %+v", ack)
	}
	if mem.Len() != 1 {
		t.Fatalf("written = %d, want 1", mem.Len())
	}
}

func TestSessionOversizeFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 128
	h := start(t, cfg, nil)

	big := []byte(`{"type":"temperature","data":{"timestamp":"` + stamp + `","t":1,"pad":"` + strings.Repeat("x", 256) + `"}}`)
	if ack := h.send(t, big); ack != codec.Failed(pipeline.ReasonFrameTooLarge) {
		t.Fatalf("oversize ack = %+v", ack)
	}
	if ack := h.send(t, testutil.TemperatureFrame(stamp, 20)); ack != codec.OK {
		t.Fatalf("ack after oversize = %+v", ack)
	}
}

func TestSessionVarintFraming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Framing = wire.ModeVarint
	h := start(t, cfg, nil)

	if ack := h.send(t, testutil.IrradianceFrame(stamp, 500)); ack != codec.OK {
		t.Fatalf("ack = %+v", ack)
	}
	irr := h.sink.Written()[0].(*measurement.Irradiance)
	if irr.Irradiance != 50 {
		t.Fatalf("irradiance = %v, want 50", irr.Irradiance)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	h := start(t, cfg, nil)

	if r := h.wait(t); r != EndIdleTimeout {
		t.Fatalf("end = %q, want %q", r, EndIdleTimeout)
	}
}

func TestSessionInterrupt(t *testing.T) {
	h := start(t, DefaultConfig(), nil)

	if ack := h.send(t, testutil.TemperatureFrame(stamp, 20)); ack != codec.OK {
		t.Fatalf("ack = %+v", ack)
	}
	h.sess.Interrupt()

	if r := h.wait(t); r != EndStopped {
		t.Fatalf("end = %q, want %q", r, EndStopped)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, pipeline.New(normalize.New(normalize.DefaultCalibration()), &testutil.MemSink{}, nil), DefaultConfig())
	if s.ID == "" || s.Remote == "" {
		t.Fatalf("session identity = %q %q", s.ID, s.Remote)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	s.Interrupt()
}
