// Package sink persists measurements.
//
// Every backend implements Sink: one Write call stores one measurement
// atomically in the table (or measurement) of its kind, and the stored value
// is visible to readers as soon as Write returns. Failures are reported as
// *WriteError, classified as Transient (worth retrying) or Rejected (the
// backend refused the data).
//
// Backends:
//   - SQLSink: PostgreSQL/TimescaleDB (lib/pq) or DuckDB (go-duckdb)
//   - InfluxSink: InfluxDB 2.x
//
// Wrappers:
//   - RetryingSink: retries Transient failures with backoff
//   - InstrumentedSink: records write outcomes and latency
package sink

import (
	"context"
	"fmt"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
)

// Sink stores measurements. Implementations are safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, m measurement.Measurement) error
}

// Store is a Sink backed by an external storage system.
type Store interface {
	Sink

	// Name identifies the backend in logs.
	Name() string

	// Health checks that the backend is reachable.
	Health(ctx context.Context) error

	// Close releases the backend's connections.
	Close() error
}

// Class classifies a write failure.
type Class int

const (
	Transient Class = iota + 1
	Rejected
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// WriteError reports a failed write.
type WriteError struct {
	Class Class
	Kind  measurement.Kind
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %s: %v", e.Kind, e.Class, e.Err)
}

// Unwrap exposes the class sentinel (errors.ErrTransient or
// errors.ErrRejected) and the cause.
func (e *WriteError) Unwrap() []error {
	sentinel := errors.ErrTransient
	if e.Class == Rejected {
		sentinel = errors.ErrRejected
	}
	return []error{sentinel, e.Err}
}

// NewTransient wraps err as a transient write failure.
func NewTransient(kind measurement.Kind, err error) *WriteError {
	return &WriteError{Class: Transient, Kind: kind, Err: err}
}

// NewRejected wraps err as a rejected write.
func NewRejected(kind measurement.Kind, err error) *WriteError {
	return &WriteError{Class: Rejected, Kind: kind, Err: err}
}

// ClassOf returns the class of a write error. Errors that are not write
// errors are reported as Transient with ok=false.
func ClassOf(err error) (Class, bool) {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Class, true
	}
	return Transient, false
}
