// Package loader - Configuration Types
//
// Defines the YAML configuration structure for perocubed and the importer.
//
//	listen, tls, framing      instrument-facing listener
//	max_message_size          frame size limit
//	max_connections           concurrent session limit
//	idle_timeout              per-connection idle limit
//	shutdown_grace            drain time on stop
//	storage                   sink backend and pool
//	retry                     transient write retries
//	calibration               irradiance conversion factors
//	metrics, logging          operations

package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/perocube/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure.
type Config struct {
	// Listen is the ingestion listen address.
	// Format: "host:port" or ":port"
	// Default: "0.0.0.0:5000"
	Listen string `yaml:"listen"`

	// TLS configures transport layer security.
	TLS TLSConfig `yaml:"tls"`

	// Framing is "ndjson" or "varint".
	Framing string `yaml:"framing"`

	// MaxMessageSize limits one frame. Accepts "1MB", "64KB" or bytes.
	MaxMessageSize ByteSize `yaml:"max_message_size"`

	// MaxConnections bounds concurrent sessions.
	MaxConnections int `yaml:"max_connections"`

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables the limit.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// AckWriteTimeout bounds writing one ack.
	AckWriteTimeout Duration `yaml:"ack_write_timeout"`

	// ShutdownGrace is how long a stop waits for sessions.
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	Storage     StorageConfig     `yaml:"storage"`
	Retry       RetryConfig       `yaml:"retry"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to disable TLS.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// =============================================================================
// Storage Configuration
// =============================================================================

// StorageConfig selects and configures the sink backend.
type StorageConfig struct {
	// Backend is "postgres", "duckdb" or "influx".
	Backend string `yaml:"backend"`

	// DSN overrides the postgres connection fields when set.
	DSN string `yaml:"dsn"`

	// PostgreSQL/TimescaleDB connection. Environment variables DB_HOST,
	// DB_PORT, DB_NAME, DB_USER and DB_PASSWORD take precedence.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`

	// Path is the DuckDB database file, or MemoryPath.
	Path string `yaml:"path"`

	// Pool settings (SQL backends).
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`

	// WriteTimeout bounds one write; ConnectTimeout the startup check.
	WriteTimeout   Duration `yaml:"write_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// Bootstrap creates missing measurement tables at startup.
	Bootstrap bool `yaml:"bootstrap"`

	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig configures the InfluxDB 2.x backend.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// =============================================================================
// Pipeline Configuration
// =============================================================================

// RetryConfig controls retries of transient write failures.
type RetryConfig struct {
	// Attempts is the total number of attempts, including the first.
	Attempts     int      `yaml:"attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// CalibrationConfig holds irradiance conversion factors.
type CalibrationConfig struct {
	// IrradianceFactor converts a raw reading to irradiance for sensors
	// without their own entry.
	IrradianceFactor float64 `yaml:"irradiance_factor"`

	// Sensors maps a sensor id to its factor.
	Sensors map[string]float64 `yaml:"sensors"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the endpoint address. Empty disables it.
	Listen string `yaml:"listen"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Listen:          config.DefaultListenAddress,
		Framing:         config.DefaultFraming,
		MaxMessageSize:  ByteSize(config.DefaultMaxMessageSize),
		MaxConnections:  config.DefaultMaxConnections,
		IdleTimeout:     Duration(config.DefaultIdleTimeout),
		AckWriteTimeout: Duration(config.DefaultAckWriteTimeout),
		ShutdownGrace:   Duration(config.DefaultShutdownGrace),

		Storage: StorageConfig{
			Backend:         config.DefaultStorageBackend,
			Host:            config.DefaultDBHost,
			Port:            config.DefaultDBPort,
			DBName:          config.DefaultDBName,
			User:            config.DefaultDBUser,
			SSLMode:         config.DefaultDBSSLMode,
			MaxOpenConns:    config.DefaultMaxOpenConns,
			MaxIdleConns:    config.DefaultMaxIdleConns,
			ConnMaxLifetime: Duration(config.DefaultConnMaxLifetime),
			WriteTimeout:    Duration(config.DefaultWriteTimeout),
			ConnectTimeout:  Duration(config.DefaultConnectTimeout),
		},

		Retry: RetryConfig{
			Attempts:     config.DefaultRetryAttempts,
			InitialDelay: Duration(config.DefaultRetryInitialDelay),
			MaxDelay:     Duration(config.DefaultRetryMaxDelay),
		},

		Calibration: CalibrationConfig{
			IrradianceFactor: config.DefaultIrradianceFactor,
		},

		Metrics: MetricsConfig{
			Listen: config.DefaultMetricsListen,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports "30s", "5m" or a plain number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "1MB", "64KB", "512B", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	size, err := parseByteSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered longest suffix first so "MB" is not read as "B".
var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"GB", 1024 * 1024 * 1024},
	{"MB", 1024 * 1024},
	{"KB", 1024},
	{"B", 1},
}

// parseByteSize parses a size string like "1MB" or "64KB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	// Try as plain number
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
