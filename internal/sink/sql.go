package sink

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/perocube/config"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/measurement"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"
)

// SQL dialects.
const (
	DialectPostgres = "postgres"
	DialectDuckDB   = "duckdb"
)

// SQLConfig holds SQLSink options.
type SQLConfig struct {
	// Dialect is DialectPostgres or DialectDuckDB.
	Dialect string

	// DSN is the driver connection string. For DuckDB an empty DSN opens an
	// in-memory database.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// WriteTimeout bounds one write, including its transaction.
	WriteTimeout time.Duration

	// Bootstrap creates the measurement tables if they do not exist.
	Bootstrap bool
}

// DefaultSQLConfig returns the default pool settings for dialect.
func DefaultSQLConfig(dialect string) SQLConfig {
	return SQLConfig{
		Dialect:         dialect,
		MaxOpenConns:    config.DefaultMaxOpenConns,
		MaxIdleConns:    config.DefaultMaxIdleConns,
		ConnMaxLifetime: config.DefaultConnMaxLifetime,
		WriteTimeout:    config.DefaultWriteTimeout,
	}
}

// SQLSink writes measurements to a SQL database through a connection pool.
// The pool is shared by every session; its size is independent of the
// number of connected instruments.
//
// SQLSink is safe for concurrent use.
type SQLSink struct {
	db      *sql.DB
	dialect string
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// OpenSQL opens the pool and verifies connectivity. Bootstrap, when set,
// runs before OpenSQL returns.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLSink, error) {
	driver, err := driverName(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewSQLSink(db, cfg.Dialect, cfg.WriteTimeout)
	if cfg.Bootstrap {
		if err := s.Bootstrap(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewSQLSink wraps an open pool.
func NewSQLSink(db *sql.DB, dialect string, writeTimeout time.Duration) *SQLSink {
	return &SQLSink{db: db, dialect: dialect, timeout: writeTimeout}
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case DialectPostgres:
		return "postgres", nil
	case DialectDuckDB:
		return "duckdb", nil
	default:
		return "", errors.NewInvalidValue("storage.backend", dialect, "unsupported SQL dialect")
	}
}

// Name returns the dialect.
func (s *SQLSink) Name() string { return s.dialect }

// DB returns the underlying pool.
func (s *SQLSink) DB() *sql.DB { return s.db }

// Health checks database connectivity.
func (s *SQLSink) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool. Further writes fail with errors.ErrClosed.
func (s *SQLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Write inserts m in its own transaction.
func (s *SQLSink) Write(ctx context.Context, m measurement.Measurement) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m == nil {
		return NewRejected(0, errors.ErrInvalidPayload)
	}
	kind := m.Kind()
	if s.closed {
		return NewTransient(kind, errors.ErrClosed)
	}

	query, args, err := insertFor(m)
	if err != nil {
		return NewRejected(kind, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	err = s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return classifySQL(kind, err)
	}
	return nil
}

func (s *SQLSink) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Component("sink").Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// Statements
// =============================================================================

var columns = map[measurement.Kind][]string{
	measurement.KindMPP: {
		`"timestamp"`, `"current"`, "voltage", "power",
		"tracking_channel_board", "tracking_channel_channel",
	},
	measurement.KindTemperature: {
		`"timestamp"`, "temperature", "temperature_sensor_id",
	},
	measurement.KindIrradiance: {
		`"timestamp"`, "raw_reading", "irradiance", "irradiance_sensor_id",
	},
}

// InsertStatement returns the INSERT statement for kind.
func InsertStatement(kind measurement.Kind) string {
	cols := columns[kind]
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		kind.Table(), strings.Join(cols, ", "), strings.Join(params, ", "))
}

func insertFor(m measurement.Measurement) (string, []any, error) {
	switch v := m.(type) {
	case *measurement.MPP:
		return InsertStatement(measurement.KindMPP), []any{
			v.Timestamp, v.Current, v.Voltage, v.Power, v.Board, v.Channel,
		}, nil
	case *measurement.Temperature:
		return InsertStatement(measurement.KindTemperature), []any{
			v.Timestamp, v.Temperature, nullString(v.SensorID),
		}, nil
	case *measurement.Irradiance:
		var raw any
		if v.RawReading != nil {
			raw = *v.RawReading
		}
		return InsertStatement(measurement.KindIrradiance), []any{
			v.Timestamp, raw, v.Irradiance, nullString(v.SensorID),
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %T", errors.ErrUnknownKind, m)
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Bootstrap creates the measurement tables when they are missing. It is
// meant for embedded and development databases; production schemas are
// managed outside this service.
func (s *SQLSink) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func schema(dialect string) []string {
	ts, dbl, text := "TIMESTAMPTZ", "DOUBLE PRECISION", "TEXT"
	if dialect == DialectDuckDB {
		ts, dbl, text = "TIMESTAMP", "DOUBLE", "VARCHAR"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mpp_measurement (
	"timestamp" %[1]s NOT NULL,
	"current" %[2]s NOT NULL,
	voltage %[2]s NOT NULL,
	power %[2]s NOT NULL,
	tracking_channel_board INTEGER NOT NULL,
	tracking_channel_channel INTEGER NOT NULL
)`, ts, dbl),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS temperature_measurement (
	"timestamp" %[1]s NOT NULL,
	temperature %[2]s NOT NULL,
	temperature_sensor_id %[3]s
)`, ts, dbl, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS irradiance_measurement (
	"timestamp" %[1]s NOT NULL,
	raw_reading %[2]s,
	irradiance %[2]s NOT NULL,
	irradiance_sensor_id %[3]s
)`, ts, dbl, text),
	}
}

// PostgresDSN builds a lib/pq connection URL from its parts.
func PostgresDSN(host string, port int, name, user, password, sslmode string, connectTimeout time.Duration) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + name,
	}
	switch {
	case user != "" && password != "":
		u.User = url.UserPassword(user, password)
	case user != "":
		u.User = url.User(user)
	}

	q := url.Values{}
	if sslmode != "" {
		q.Set("sslmode", sslmode)
	}
	if connectTimeout > 0 {
		secs := int(connectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", fmt.Sprint(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
