// perocubed is the measurement ingestion daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/perocube/internal/loader"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/pipeline"
	"github.com/xtxerr/perocube/internal/retry"
	"github.com/xtxerr/perocube/internal/server"
	"github.com/xtxerr/perocube/internal/sink"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	backend := flag.String("backend", "", "storage backend: postgres, duckdb, influx (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	watch := flag.Bool("watch", false, "watch config for calibration changes")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("perocubed", Version)
		return
	}

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perocubed: load config: %v\n", err)
		os.Exit(2)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *noTLS {
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
	}
	if err := loader.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perocubed: %v\n", err)
		os.Exit(2)
	}

	logging.Init(cfg.LogLevel(), cfg.LogJSON())
	log := logging.Component("main")
	log.Info("perocubed starting", "version", Version, "backend", cfg.Storage.Backend)

	if err := run(cfg, *cfgPath, *watch); err != nil {
		log.Error("perocubed stopped", "error", err)
		os.Exit(1)
	}
	log.Info("perocubed stopped")
}

func run(cfg *loader.Config, cfgPath string, watch bool) error {
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Storage
	// =========================================================================

	store, err := sink.OpenRetry(ctx, cfg.SinkConfig(), retry.Quick())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close storage", "error", err)
		}
	}()

	m := metrics.New()
	normalizer := normalize.New(cfg.NormalizerCalibration())
	dispatcher := pipeline.New(normalizer, sink.Chain(store, cfg.RetryPolicy(), m), m)

	if watch && cfgPath != "" {
		watcher := loader.NewWatcher(cfgPath, normalizer, nil)
		watcher.Start()
		defer watcher.Stop()
	}

	// =========================================================================
	// Listener
	// =========================================================================

	srv := server.New(cfg.ServerConfig(dispatcher, m))
	if err := srv.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Listen)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := store.Health(gctx); err != nil {
					log.Warn("storage unhealthy", "backend", store.Name(), "error", err)
				}
			}
		}
	})

	<-gctx.Done()
	log.Info("shutting down", "active_sessions", srv.ActiveSessions())
	srv.Stop()
	return g.Wait()
}
