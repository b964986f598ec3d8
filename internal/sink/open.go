package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/perocube/config"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/retry"
)

// Backends accepted by Open.
const (
	BackendPostgres = DialectPostgres
	BackendDuckDB   = DialectDuckDB
	BackendInflux   = "influx"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	SQL    SQLConfig
	Influx InfluxConfig

	// ConnectTimeout bounds the startup connectivity check.
	ConnectTimeout time.Duration
}

// Open connects to the configured backend and checks that it is reachable.
// Any failure wraps errors.ErrConnect: the service must not start without
// its storage.
func Open(ctx context.Context, cfg Config) (Store, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case BackendPostgres, BackendDuckDB:
		sqlCfg := cfg.SQL
		sqlCfg.Dialect = cfg.Backend
		store, err = OpenSQL(ctx, sqlCfg)
	case BackendInflux:
		store, err = OpenInflux(ctx, cfg.Influx)
	default:
		err = errors.NewInvalidValue("storage.backend", cfg.Backend, "unsupported backend")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errors.ErrConnect, cfg.Backend, err)
	}

	logging.Component("sink").Info("storage connected", "backend", store.Name())
	return store, nil
}

// OpenRetry is Open retried under rc while the backend is unreachable, for
// storage that starts alongside the service. Configuration errors are not
// retried.
func OpenRetry(ctx context.Context, cfg Config, rc retry.Config) (Store, error) {
	log := logging.Component("sink")
	rc.Retryable = func(err error) bool {
		return !errors.Is(err, errors.ErrInvalidConfig)
	}
	rc.OnRetry = func(next int, err error) {
		log.Warn("storage not reachable, retrying", "backend", cfg.Backend, "attempt", next, "error", err)
	}
	return retry.DoWithResult(ctx, rc, func(ctx context.Context) (Store, error) {
		return Open(ctx, cfg)
	})
}

// Chain wraps store with retries and instrumentation. The returned Sink is
// what sessions and the importer write through.
func Chain(store Sink, rc retry.Config, m *metrics.Metrics) Sink {
	return NewInstrumented(NewRetrying(store, rc, m), m)
}
