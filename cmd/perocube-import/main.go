// perocube-import loads a directory of historical measurement files into the
// configured storage backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/importer"
	"github.com/xtxerr/perocube/internal/loader"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/sink"
)

func main() {
	cfgPath := flag.String("config", "", "config file path")
	dir := flag.String("dir", "", "directory of .txt, .tsv, .csv or .parquet files (required)")
	kind := flag.String("kind", "", "measurement kind: mpp, temperature, irradiance (required)")
	board := flag.Int("board", -1, "tracking channel board (required for mpp)")
	channel := flag.Int("channel", -1, "tracking channel (required for mpp)")
	sensor := flag.String("sensor", "", "sensor id (temperature, irradiance)")
	backend := flag.String("backend", "", "storage backend (overrides config)")
	flag.Parse()

	if *dir == "" || *kind == "" {
		flag.Usage()
		os.Exit(2)
	}
	k, err := measurement.ParseKind(*kind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perocube-import: %v\n", err)
		os.Exit(2)
	}
	meta, err := metadata(k, *board, *channel, *sensor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perocube-import: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perocube-import: load config: %v\n", err)
		os.Exit(2)
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
		if err := loader.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "perocube-import: %v\n", err)
			os.Exit(2)
		}
	}
	logging.Init(cfg.LogLevel(), cfg.LogJSON())

	rep, err := run(cfg, k, meta, *dir)
	if rep != nil {
		printReport(rep)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "perocube-import: %v\n", err)
		os.Exit(1)
	}
	if rep.Failed() > 0 || rep.Skipped() > 0 {
		os.Exit(3)
	}
}

// metadata builds the values attached to every row. Tracking channel files
// carry no board or channel, so both are required for mpp.
func metadata(kind measurement.Kind, board, channel int, sensor string) (map[string]any, error) {
	meta := map[string]any{}
	if kind == measurement.KindMPP && (board < 0 || channel < 0) {
		return nil, errors.NewMissingField("board and channel")
	}
	if board >= 0 {
		meta["board"] = board
	}
	if channel >= 0 {
		meta["channel"] = channel
	}
	if sensor != "" {
		meta["sensor_id"] = sensor
	}
	return meta, nil
}

func run(cfg *loader.Config, kind measurement.Kind, meta map[string]any, dir string) (*importer.Report, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sink.Open(ctx, cfg.SinkConfig())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	m := metrics.New()
	im, err := importer.New(importer.Config{
		Kind:       kind,
		Metadata:   meta,
		Normalizer: normalize.New(cfg.NormalizerCalibration()),
		Sink:       sink.Chain(store, cfg.RetryPolicy(), m),
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}
	return im.ImportDir(ctx, dir)
}

func printReport(rep *importer.Report) {
	fmt.Printf("import %s (%s)\n", rep.RunID, rep.Kind)
	for _, f := range rep.Files {
		if f.Skipped {
			fmt.Printf("  %-40s skipped: %s\n", f.Path, f.Reason)
			continue
		}
		fmt.Printf("  %-40s %d rows, %d written, %d failed\n", f.Path, f.Rows, f.Written, f.Failed)
	}
	snap := rep.Values.Snapshot()
	fmt.Printf("%d files, %d skipped, %d rows written, %d failed in %s\n",
		len(rep.Files), rep.Skipped(), rep.Written(), rep.Failed(), rep.Duration.Round(time.Millisecond))
	if snap.Count > 0 {
		fmt.Printf("values: min %.4g, avg %.4g, max %.4g\n", snap.Min, snap.Avg, snap.Max)
	}
}
