package sink

import (
	"context"
	"time"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/retry"
)

// =============================================================================
// RetryingSink
// =============================================================================

// RetryingSink retries transient write failures. Rejected writes are
// returned at once.
type RetryingSink struct {
	next    Sink
	cfg     retry.Config
	metrics *metrics.Metrics
}

// NewRetrying wraps next. m may be nil.
func NewRetrying(next Sink, cfg retry.Config, m *metrics.Metrics) *RetryingSink {
	return &RetryingSink{next: next, cfg: cfg, metrics: m}
}

// Write writes m, retrying per the configured policy.
func (s *RetryingSink) Write(ctx context.Context, m measurement.Measurement) error {
	cfg := s.cfg
	cfg.Retryable = errors.IsRetriable
	cfg.OnRetry = func(next int, err error) {
		s.metrics.SinkRetry(m.Kind().String())
		logging.WithContext(ctx, logging.Component("sink")).Debug("retrying write",
			"kind", m.Kind().String(),
			"attempt", next,
			"error", err,
		)
	}

	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return s.next.Write(ctx, m)
	})
}

// =============================================================================
// InstrumentedSink
// =============================================================================

// Write outcomes recorded by InstrumentedSink.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeTransient = "transient"
)

// InstrumentedSink records the outcome and latency of every write.
type InstrumentedSink struct {
	next    Sink
	metrics *metrics.Metrics
}

// NewInstrumented wraps next.
func NewInstrumented(next Sink, m *metrics.Metrics) *InstrumentedSink {
	return &InstrumentedSink{next: next, metrics: m}
}

// Write writes m and records the result.
func (s *InstrumentedSink) Write(ctx context.Context, m measurement.Measurement) error {
	start := time.Now()
	err := s.next.Write(ctx, m)
	s.metrics.SinkWrite(m.Kind().String(), Outcome(err), time.Since(start))
	return err
}

// Outcome names the result of a write for metrics and logs.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if errors.IsRejected(err) {
		return OutcomeRejected
	}
	return OutcomeTransient
}
