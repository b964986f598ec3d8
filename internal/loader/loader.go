// Package loader handles configuration file loading, validation, and conversion
// into the settings of the sink, pipeline and server packages.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Loading a .env file next to the configuration
//   - Expanding environment variables and applying DB_* overrides
//   - Validating the result
//   - Watching the file for calibration changes

package loader

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/pipeline"
	"github.com/xtxerr/perocube/internal/retry"
	"github.com/xtxerr/perocube/internal/server"
	"github.com/xtxerr/perocube/internal/session"
	"github.com/xtxerr/perocube/internal/sink"
	"github.com/xtxerr/perocube/internal/wire"
)

var log = logging.Component("loader")

// Environment variables that override the storage section.
const (
	EnvDBHost     = "DB_HOST"
	EnvDBPort     = "DB_PORT"
	EnvDBName     = "DB_NAME"
	EnvDBUser     = "DB_USER"
	EnvDBPassword = "DB_PASSWORD"
)

// MemoryPath as storage.path selects an in-memory DuckDB database.
const MemoryPath = ":memory:"

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. An empty path returns the
// defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := LoadEnvFile(filepath.Join(filepath.Dir(path), ".env")); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a dotenv file without overriding the
// process environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies the DB_* environment variables to the storage section.
func ApplyEnv(cfg *Config) error {
	st := &cfg.Storage
	if v := os.Getenv(EnvDBHost); v != "" {
		st.Host = v
	}
	if v := os.Getenv(EnvDBPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.NewInvalidValue(EnvDBPort, v, "not a port number")
		}
		st.Port = port
	}
	if v := os.Getenv(EnvDBName); v != "" {
		st.DBName = v
	}
	if v := os.Getenv(EnvDBUser); v != "" {
		st.User = v
	}
	if v := os.Getenv(EnvDBPassword); v != "" {
		st.Password = v
	}
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server validation
	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs.AddField("tls", "cert_file and key_file must be set together")
	}
	if _, err := wire.ParseMode(cfg.Framing); err != nil {
		errs.AddField("framing", err.Error())
	}
	if cfg.MaxMessageSize <= 0 {
		errs.AddField("max_message_size", "must be positive")
	}
	if cfg.MaxConnections <= 0 {
		errs.AddField("max_connections", "must be positive")
	}
	if cfg.IdleTimeout < 0 {
		errs.AddField("idle_timeout", "cannot be negative")
	}

	// Storage validation
	st := cfg.Storage
	switch st.Backend {
	case sink.BackendPostgres:
		if st.DSN == "" && st.Host == "" {
			errs.AddField("storage.host", "cannot be empty")
		}
		if st.DSN == "" && (st.Port <= 0 || st.Port > 65535) {
			errs.AddField("storage.port", "out of range")
		}
	case sink.BackendDuckDB:
		if st.Path == "" {
			errs.AddField("storage.path", "cannot be empty; use "+MemoryPath+" for an in-memory database")
		}
	case sink.BackendInflux:
		if st.Influx.URL == "" {
			errs.AddField("storage.influx.url", "cannot be empty")
		}
		if st.Influx.Bucket == "" {
			errs.AddField("storage.influx.bucket", "cannot be empty")
		}
	default:
		errs.AddField("storage.backend", fmt.Sprintf("unsupported backend %q", st.Backend))
	}
	if st.MaxOpenConns < 0 {
		errs.AddField("storage.max_open_conns", "cannot be negative")
	}
	if st.WriteTimeout <= 0 {
		errs.AddField("storage.write_timeout", "must be positive")
	}
	if cfg.AckWriteTimeout <= 0 {
		errs.AddField("ack_write_timeout", "must be positive")
	}

	// Retry validation
	if cfg.Retry.Attempts < 1 {
		errs.AddField("retry.attempts", "must be at least 1")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		errs.AddField("retry.max_delay", "cannot be below initial_delay")
	}

	// Calibration validation
	if cfg.Calibration.IrradianceFactor <= 0 {
		errs.AddField("calibration.irradiance_factor", "must be positive")
	}
	for id, f := range cfg.Calibration.Sensors {
		if f <= 0 {
			errs.AddField(fmt.Sprintf("calibration.sensors.%s", id), "must be positive")
		}
	}

	// Logging validation
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		errs.AddField("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}

	return errs.Err()
}

// =============================================================================
// Conversion: Config → package settings
// =============================================================================

// SinkConfig returns the storage settings for sink.Open.
func (c *Config) SinkConfig() sink.Config {
	st := c.Storage

	sqlCfg := sink.DefaultSQLConfig(st.Backend)
	sqlCfg.MaxOpenConns = st.MaxOpenConns
	sqlCfg.MaxIdleConns = st.MaxIdleConns
	sqlCfg.ConnMaxLifetime = st.ConnMaxLifetime.Duration()
	sqlCfg.WriteTimeout = st.WriteTimeout.Duration()
	sqlCfg.Bootstrap = st.Bootstrap

	switch st.Backend {
	case sink.BackendDuckDB:
		if st.Path != MemoryPath {
			sqlCfg.DSN = st.Path
		}
	case sink.BackendPostgres:
		sqlCfg.DSN = st.DSN
		if sqlCfg.DSN == "" {
			sqlCfg.DSN = sink.PostgresDSN(st.Host, st.Port, st.DBName, st.User, st.Password,
				st.SSLMode, st.ConnectTimeout.Duration())
		}
	}

	return sink.Config{
		Backend: st.Backend,
		SQL:     sqlCfg,
		Influx: sink.InfluxConfig{
			URL:          st.Influx.URL,
			Token:        st.Influx.Token,
			Org:          st.Influx.Org,
			Bucket:       st.Influx.Bucket,
			WriteTimeout: st.WriteTimeout.Duration(),
		},
		ConnectTimeout: st.ConnectTimeout.Duration(),
	}
}

// RetryPolicy returns the write retry policy.
func (c *Config) RetryPolicy() retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.Retry.Attempts
	rc.InitialDelay = c.Retry.InitialDelay.Duration()
	rc.MaxDelay = c.Retry.MaxDelay.Duration()
	return rc
}

// NormalizerCalibration returns the irradiance calibration.
func (c *Config) NormalizerCalibration() normalize.Calibration {
	sensors := make(map[string]float64, len(c.Calibration.Sensors))
	for id, f := range c.Calibration.Sensors {
		sensors[id] = f
	}
	return normalize.Calibration{
		Default: c.Calibration.IrradianceFactor,
		Sensors: sensors,
	}
}

// SessionConfig returns the per-connection settings.
func (c *Config) SessionConfig() session.Config {
	mode, _ := wire.ParseMode(c.Framing)
	return session.Config{
		Framing:         mode,
		MaxMessageSize:  int(c.MaxMessageSize.Bytes()),
		IdleTimeout:     c.IdleTimeout.Duration(),
		AckWriteTimeout: c.AckWriteTimeout.Duration(),
	}
}

// ServerConfig returns the listener settings around d.
func (c *Config) ServerConfig(d *pipeline.Dispatcher, m *metrics.Metrics) server.Config {
	return server.Config{
		Dispatcher:     d,
		Metrics:        m,
		Listen:         c.Listen,
		TLSCertFile:    c.TLS.CertFile,
		TLSKeyFile:     c.TLS.KeyFile,
		MaxConnections: c.MaxConnections,
		ShutdownGrace:  c.ShutdownGrace.Duration(),
		Session:        c.SessionConfig(),
	}
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() slog.Level {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}

// LogJSON reports whether logs are written as JSON.
func (c *Config) LogJSON() bool {
	return strings.EqualFold(c.Logging.Format, "json")
}

// =============================================================================
// Watcher
// =============================================================================

// DefaultWatchInterval is how often a Watcher checks the file.
const DefaultWatchInterval = 5 * time.Second

// Watcher watches a config file and applies calibration changes to a
// running normalizer. Other settings need a restart.
type Watcher struct {
	path       string
	normalizer *normalize.Normalizer
	callback   func(*Config, error)
	interval   time.Duration
	done       chan struct{}
	modTime    time.Time
}

// NewWatcher creates a new config file watcher. callback, when set, is
// called after every reload attempt.
func NewWatcher(path string, n *normalize.Normalizer, callback func(*Config, error)) *Watcher {
	return &Watcher{
		path:       path,
		normalizer: n,
		callback:   callback,
		interval:   DefaultWatchInterval,
		done:       make(chan struct{}),
	}
}

// Start begins watching the config file.
func (w *Watcher) Start() {
	// Get initial mod time
	if info, err := os.Stat(w.path); err == nil {
		w.modTime = info.ModTime()
	}

	go w.watch()
}

// Stop stops watching.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) watch() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}

			if info.ModTime().After(w.modTime) {
				w.modTime = info.ModTime()
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn("config reload failed, keeping calibration", "path", w.path, "error", err)
	} else {
		cal := cfg.NormalizerCalibration()
		w.normalizer.SetCalibration(cal)
		log.Info("calibration reloaded", "path", w.path,
			"irradiance_factor", cal.Default, "sensors", len(cal.Sensors))
	}
	if w.callback != nil {
		w.callback(cfg, err)
	}
}
