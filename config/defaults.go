// Package config provides configuration defaults and utilities
// for the perocube ingestion service.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default ingestion listen address.
	// The instrument software connects here, one connection per feed.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:5000"

	// DefaultFraming is the default wire framing mode.
	// "ndjson" frames one JSON object per line, "varint" prefixes each
	// frame with its length as an unsigned varint.
	// Override via config: framing
	DefaultFraming = "ndjson"

	// DefaultMaxMessageSize limits a single frame to prevent OOM.
	// Measurement envelopes are a few hundred bytes; 1 MiB is generous.
	// Override via config: max_message_size
	DefaultMaxMessageSize = 1024 * 1024

	// DefaultMaxConnections bounds the number of concurrent sessions.
	// Connections beyond this limit are accepted and closed immediately.
	// Override via config: max_connections
	DefaultMaxConnections = 256

	// DefaultMetricsListen is the Prometheus endpoint address.
	// An empty value disables the endpoint.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9105"
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultIdleTimeout closes connections that send nothing for this long.
	// Instrument feeds normally send at least once a minute.
	// Override via config: idle_timeout
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultAckWriteTimeout bounds writing one acknowledgment frame.
	// A peer that stops reading is disconnected after this timeout.
	DefaultAckWriteTimeout = 10 * time.Second
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultShutdownGrace is how long Stop waits for sessions to finish the
	// message currently in flight. After this, connections are force-closed.
	// Override via config: shutdown_grace
	DefaultShutdownGrace = 30 * time.Second
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultStorageBackend selects the sink implementation.
	// One of "postgres", "duckdb", "influx".
	// Override via config: storage.backend
	DefaultStorageBackend = "postgres"

	// Database defaults match the instrument lab deployment.
	// Override via config: storage.host etc. or DB_HOST, DB_PORT, DB_NAME,
	// DB_USER, DB_PASSWORD.
	DefaultDBHost    = "localhost"
	DefaultDBPort    = 5432
	DefaultDBName    = "perocube"
	DefaultDBUser    = "postgres"
	DefaultDBSSLMode = "disable"

	// DefaultMaxOpenConns sizes the storage pool independently of the
	// number of sessions.
	// Override via config: storage.max_open_conns
	DefaultMaxOpenConns = 16

	// DefaultMaxIdleConns is the number of idle pooled connections kept.
	// Override via config: storage.max_idle_conns
	DefaultMaxIdleConns = 4

	// DefaultConnMaxLifetime recycles pooled connections.
	// Override via config: storage.conn_max_lifetime
	DefaultConnMaxLifetime = 5 * time.Minute

	// DefaultWriteTimeout bounds one measurement write including commit.
	// Override via config: storage.write_timeout
	DefaultWriteTimeout = 10 * time.Second

	// DefaultConnectTimeout bounds the startup connectivity check.
	DefaultConnectTimeout = 5 * time.Second
)

// =============================================================================
// Retry Defaults
// =============================================================================

const (
	// DefaultRetryAttempts is the total number of attempts for a transient
	// write failure before the client is told "error".
	// Override via config: retry.attempts
	DefaultRetryAttempts = 3

	// DefaultRetryInitialDelay is the first backoff delay.
	// Override via config: retry.initial_delay
	DefaultRetryInitialDelay = 100 * time.Millisecond

	// DefaultRetryMaxDelay caps the backoff delay.
	// Override via config: retry.max_delay
	DefaultRetryMaxDelay = 2 * time.Second
)

// =============================================================================
// Calibration Defaults
// =============================================================================

const (
	// DefaultIrradianceFactor converts a raw pyranometer reading to W/m².
	// Placeholder calibration; real deployments set per-sensor factors.
	// Override via config: calibration.irradiance_factor
	DefaultIrradianceFactor = 0.1
)
