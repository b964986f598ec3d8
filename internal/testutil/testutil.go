// Package testutil provides test helpers shared by the perocube packages.
//
// Using t.Fatal or t.FailNow in a goroutine only ends that goroutine, so the
// helpers here collect errors through channels and report them from the test
// goroutine.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/perocube/internal/measurement"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest runs goroutines that return errors instead of calling
// t.Fatal. Errors are reported by Wait.
//
//	gt := testutil.NewGoroutineTest(t, 5*time.Second)
//	defer gt.Wait()
//
//	gt.Go(func(ctx context.Context) error {
//	    return serve(ctx)
//	})
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest whose context expires after timeout.
func NewGoroutineTest(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100), // buffered to avoid blocking
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a goroutine and collects its error.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			select {
			case gt.errors <- err:
			default:
				gt.t.Logf("error channel full, dropping error: %v", err)
			}
		}
	}()
}

// Wait waits for all goroutines and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()
	gt.cancel()
	close(gt.errors)

	var errs []error
	for err := range gt.errors {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		gt.t.Errorf("goroutine test failed with %d error(s):", len(errs))
		for i, err := range errs {
			gt.t.Errorf("  [%d] %v", i+1, err)
		}
		gt.t.FailNow()
	}
}

// Context returns the context passed to goroutines.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// Cancel cancels the context.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// =============================================================================
// Timing Helpers
// =============================================================================

// WithTimeout runs fn and fails if it does not return within timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// Eventually waits for condition to become true.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// =============================================================================
// Frames
// =============================================================================

// Frame encodes a message unit. A nil metadata map is omitted.
func Frame(kind string, data, metadata map[string]any) []byte {
	msg := map[string]any{"type": kind, "data": data}
	if metadata != nil {
		msg["metadata"] = metadata
	}
	b, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return b
}

// MPPFrame encodes an mpp message unit for board and channel.
func MPPFrame(ts string, current, voltage float64, board, channel int) []byte {
	return Frame("mpp",
		map[string]any{"timestamp": ts, "current": current, "voltage": voltage},
		map[string]any{"board": board, "channel": channel},
	)
}

// TemperatureFrame encodes a temperature message unit.
func TemperatureFrame(ts string, temperature float64) []byte {
	return Frame("temperature", map[string]any{"timestamp": ts, "temperature": temperature}, nil)
}

// IrradianceFrame encodes an irradiance message unit carrying a raw reading.
func IrradianceFrame(ts string, raw float64) []byte {
	return Frame("irradiance", map[string]any{"timestamp": ts, "raw": raw}, nil)
}

// =============================================================================
// Sinks
// =============================================================================

// MemSink records written measurements. When Fail is set, every write
// returns its result for the measurement instead; a nil result records it.
type MemSink struct {
	mu      sync.Mutex
	written []measurement.Measurement

	Fail func(measurement.Measurement) error
}

// Write records m.
func (s *MemSink) Write(_ context.Context, m measurement.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		if err := s.Fail(m); err != nil {
			return err
		}
	}
	s.written = append(s.written, m)
	return nil
}

// Written returns a copy of the recorded measurements.
func (s *MemSink) Written() []measurement.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]measurement.Measurement(nil), s.written...)
}

// Len returns the number of recorded measurements.
func (s *MemSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}
