package sink

import (
	"context"
	"database/sql"
	"testing"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
)

func openDuckDB(t *testing.T) *SQLSink {
	t.Helper()

	cfg := DefaultSQLConfig(DialectDuckDB)
	cfg.Bootstrap = true

	s, err := OpenSQL(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDuckDBWriteAndReadBack(t *testing.T) {
	s := openDuckDB(t)
	ctx := context.Background()

	writes := []measurement.Measurement{
		&measurement.MPP{Timestamp: ts, Current: 0.05, Voltage: 0.8, Power: 0.05 * 0.8, Board: 1, Channel: 2},
		&measurement.Temperature{Timestamp: ts, Temperature: 24.5},
		&measurement.Irradiance{Timestamp: ts, RawReading: measurement.Float(900), Irradiance: 90, SensorID: "pyr-1"},
	}
	for _, m := range writes {
		if err := s.Write(ctx, m); err != nil {
			t.Fatalf("write %s: %v", m.Kind(), err)
		}
	}

	var (
		current, voltage, power float64
		board, channel          int
	)
	row := s.DB().QueryRowContext(ctx, `SELECT "current", voltage, power, tracking_channel_board, tracking_channel_channel FROM mpp_measurement`)
	if err := row.Scan(&current, &voltage, &power, &board, &channel); err != nil {
		t.Fatalf("scan mpp: %v", err)
	}
	if power != current*voltage || board != 1 || channel != 2 {
		t.Fatalf("mpp row = %v %v %v %d %d", current, voltage, power, board, channel)
	}

	var sensor sql.NullString
	if err := s.DB().QueryRowContext(ctx, `SELECT temperature_sensor_id FROM temperature_measurement`).Scan(&sensor); err != nil {
		t.Fatalf("scan temperature: %v", err)
	}
	if sensor.Valid {
		t.Fatalf("expected NULL sensor, got %q", sensor.String)
	}

	var irr float64
	if err := s.DB().QueryRowContext(ctx, `SELECT irradiance FROM irradiance_measurement WHERE irradiance_sensor_id = 'pyr-1'`).Scan(&irr); err != nil {
		t.Fatalf("scan irradiance: %v", err)
	}
	if irr != 90 {
		t.Fatalf("irradiance = %v, want 90", irr)
	}
}

func TestDuckDBBootstrapIdempotent(t *testing.T) {
	s := openDuckDB(t)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestDuckDBMissingTableRejected(t *testing.T) {
	s, err := OpenSQL(context.Background(), DefaultSQLConfig(DialectDuckDB))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer s.Close()

	err = s.Write(context.Background(), &measurement.Temperature{Timestamp: ts, Temperature: 1})
	if !errors.IsRejected(err) {
		t.Fatalf("write without schema = %v, want rejected", err)
	}
}

func TestOpenUnsupportedBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "oracle"})
	if !errors.Is(err, errors.ErrConnect) {
		t.Fatalf("Open(oracle) = %v, want ErrConnect", err)
	}
	if !errors.IsFatal(err) {
		t.Fatalf("IsFatal(%v) = false", err)
	}
}

func TestOpenDuckDB(t *testing.T) {
	st, err := Open(context.Background(), Config{
		Backend: BackendDuckDB,
		SQL:     SQLConfig{Bootstrap: true},
	})
	if err != nil {
		t.Fatalf("Open(duckdb): %v", err)
	}
	defer st.Close()

	if st.Name() != DialectDuckDB {
		t.Fatalf("Name() = %q", st.Name())
	}
}
