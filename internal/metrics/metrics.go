// Package metrics exposes Prometheus metrics for the ingestion path.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests and tools.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/perocube/internal/logging"
)

const namespace = "perocube"

// Metrics holds every collector of the service on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Messages         *prometheus.CounterVec
	SinkWrites       *prometheus.CounterVec
	SinkRetries      *prometheus.CounterVec
	SinkWriteSeconds *prometheus.HistogramVec
	ActiveSessions   prometheus.Gauge
	Sessions         prometheus.Counter
	DroppedConns     prometheus.Counter
	ImportRows       *prometheus.CounterVec
	ImportFiles      *prometheus.CounterVec
}

// New creates and registers the collectors. Go runtime and process
// collectors are registered as well.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Message units processed, by kind and ack status.",
		}, []string{"kind", "status"}),
		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Sink writes, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		SinkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_retries_total",
			Help:      "Sink write attempts repeated after a transient failure.",
		}, []string{"kind"}),
		SinkWriteSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_write_seconds",
			Help:      "Latency of one sink write including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open instrument connections.",
		}),
		Sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Instrument connections accepted.",
		}),
		DroppedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_connections_total",
			Help:      "Connections dropped because the session limit was reached.",
		}),
		ImportRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_rows_total",
			Help:      "Rows handled by the historical importer, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ImportFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_files_total",
			Help:      "Files handled by the historical importer, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	m.Registry.MustRegister(
		m.Messages,
		m.SinkWrites,
		m.SinkRetries,
		m.SinkWriteSeconds,
		m.ActiveSessions,
		m.Sessions,
		m.DroppedConns,
		m.ImportRows,
		m.ImportFiles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Message records one processed message unit.
func (m *Metrics) Message(kind, status string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(kind, status).Inc()
}

// SinkWrite records one completed sink write.
func (m *Metrics) SinkWrite(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SinkWrites.WithLabelValues(kind, outcome).Inc()
	m.SinkWriteSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// SinkRetry records a repeated write attempt.
func (m *Metrics) SinkRetry(kind string) {
	if m == nil {
		return
	}
	m.SinkRetries.WithLabelValues(kind).Inc()
}

// SessionOpened records an accepted connection.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
	m.ActiveSessions.Inc()
}

// SessionClosed records a closed connection.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// ConnectionDropped records a connection refused at the session limit.
func (m *Metrics) ConnectionDropped() {
	if m == nil {
		return
	}
	m.DroppedConns.Inc()
}

// ImportRow records one imported row.
func (m *Metrics) ImportRow(kind, outcome string) {
	if m == nil {
		return
	}
	m.ImportRows.WithLabelValues(kind, outcome).Inc()
}

// ImportFile records one imported or skipped file.
func (m *Metrics) ImportFile(kind, outcome string) {
	if m == nil {
		return
	}
	m.ImportFiles.WithLabelValues(kind, outcome).Inc()
}

// Handler returns the exposition handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry:          m.Registry,
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics and /health on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (m *Metrics) ServeListener(ctx context.Context, ln net.Listener) error {
	log := logging.Component("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
