// Package importer loads historical measurement files into the sink.
//
// Each file is read whole and validated as a table before anything is
// written. A file that fails validation is skipped and the import moves on.
// Rows of a valid file are normalized and written one at a time, so every
// row write is atomic and retried on its own; a failing row is counted and
// does not stop the file.
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/logging"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/sink"
	"github.com/xtxerr/perocube/internal/stats"
	"github.com/xtxerr/perocube/internal/validation"
)

var log = logging.Component("importer")

// ErrNoFiles is returned when a directory holds no data files.
var ErrNoFiles = errors.New("no data files")

// Row outcomes, used as metric labels.
const (
	RowWritten   = "ok"
	RowInvalid   = "invalid"
	RowRejected  = sink.OutcomeRejected
	RowTransient = sink.OutcomeTransient
)

// File outcomes, used as metric labels.
const (
	FileImported   = "imported"
	FileSkipped    = "skipped"
	FileUnreadable = "unreadable"
)

// Config configures an import run.
type Config struct {
	Kind measurement.Kind

	// Metadata is applied to every row: board and channel for mpp, an
	// optional sensor_id otherwise.
	Metadata map[string]any

	Normalizer *normalize.Normalizer
	Sink       sink.Sink
	Metrics    *metrics.Metrics
}

// FileReport is the outcome of one file.
type FileReport struct {
	Path    string
	Format  Format
	Rows    int
	Written int
	Failed  int

	// Skipped is set when the file was not imported; Reason says why.
	Skipped bool
	Reason  string
}

// Report is the outcome of an import run.
type Report struct {
	RunID    string
	Kind     measurement.Kind
	Files    []FileReport
	Duration time.Duration

	// Values summarizes the primary value of every written row: power for
	// mpp, temperature, irradiance.
	Values *stats.Summary
}

// Skipped returns the number of skipped files.
func (r *Report) Skipped() int {
	n := 0
	for _, f := range r.Files {
		if f.Skipped {
			n++
		}
	}
	return n
}

// Written returns the number of rows written.
func (r *Report) Written() int {
	n := 0
	for _, f := range r.Files {
		n += f.Written
	}
	return n
}

// Failed returns the number of rows not written.
func (r *Report) Failed() int {
	n := 0
	for _, f := range r.Files {
		n += f.Failed
	}
	return n
}

// Importer imports historical data files.
type Importer struct {
	cfg       Config
	validator validation.Validator
}

// New creates an Importer.
func New(cfg Config) (*Importer, error) {
	if !cfg.Kind.Valid() {
		return nil, errors.NewInvalidValue("kind", cfg.Kind.String(), "unknown measurement kind")
	}
	if cfg.Sink == nil {
		return nil, errors.NewValidation("sink", "required")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(normalize.DefaultCalibration())
	}
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]any{}
	}
	return &Importer{cfg: cfg}, nil
}

// Files lists the data files of dir in name order.
func Files(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data directory: %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatOf(e.Name()); ok {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFiles, dir)
	}
	return files, nil
}

// ImportDir imports every data file of dir. It stops early only when ctx is
// done; the partial report is returned with ctx's error.
func (im *Importer) ImportDir(ctx context.Context, dir string) (*Report, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		RunID:  uuid.NewString(),
		Kind:   im.cfg.Kind,
		Values: stats.NewSummary(im.cfg.Kind.String()),
	}
	logger := log.With("run_id", rep.RunID, "kind", im.cfg.Kind.String())
	logger.Info("import started", "dir", dir, "files", len(files))

	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	for _, path := range files {
		fr, err := im.importFile(ctx, path, rep.Values)
		rep.Files = append(rep.Files, fr)
		if err != nil {
			logger.Warn("import interrupted", "file", path, "error", err)
			return rep, err
		}
	}

	logger.Info("import finished",
		"files", len(rep.Files),
		"skipped", rep.Skipped(),
		"written", rep.Written(),
		"failed", rep.Failed(),
		"values", rep.Values,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return rep, nil
}

// ImportFile imports a single data file.
func (im *Importer) ImportFile(ctx context.Context, path string) (FileReport, error) {
	return im.importFile(ctx, path, nil)
}

func (im *Importer) importFile(ctx context.Context, path string, values *stats.Summary) (FileReport, error) {
	kind := im.cfg.Kind.String()
	ff, _ := FormatOf(path)
	fr := FileReport{Path: path, Format: ff}
	logger := log.With("file", filepath.Base(path), "kind", kind)

	table, err := ReadFile(path)
	if err != nil {
		fr.Skipped, fr.Reason = true, err.Error()
		logger.Error("cannot read file, skipping", "error", err)
		im.cfg.Metrics.ImportFile(kind, FileUnreadable)
		return fr, nil
	}
	fr.Rows = table.Len()

	if res := im.validator.Validate(table, im.cfg.Kind); !res.OK {
		fr.Skipped, fr.Reason = true, res.Reason
		logger.Error("invalid data format, skipping", "reason", res.Reason)
		im.cfg.Metrics.ImportFile(kind, FileSkipped)
		return fr, nil
	}

	for i := 0; i < table.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return fr, err
		}

		m, err := im.cfg.Normalizer.Normalize(table.Row(i), im.cfg.Metadata, im.cfg.Kind)
		if err != nil {
			fr.Failed++
			logger.Warn("row not normalized", "line", i+2, "error", err)
			im.cfg.Metrics.ImportRow(kind, RowInvalid)
			continue
		}

		if err := im.cfg.Sink.Write(ctx, m); err != nil {
			fr.Failed++
			outcome := sink.Outcome(err)
			logger.Warn("row not written", "line", i+2, "outcome", outcome, "error", err)
			im.cfg.Metrics.ImportRow(kind, outcome)
			continue
		}

		fr.Written++
		im.cfg.Metrics.ImportRow(kind, RowWritten)
		if values != nil {
			values.Add(primary(m), m.Time())
		}
	}

	im.cfg.Metrics.ImportFile(kind, FileImported)
	logger.Info("file imported", "rows", fr.Rows, "written", fr.Written, "failed", fr.Failed)
	return fr, nil
}

// primary returns the value a measurement is mostly read for.
func primary(m measurement.Measurement) float64 {
	switch v := m.(type) {
	case *measurement.MPP:
		return v.Power
	case *measurement.Temperature:
		return v.Temperature
	case *measurement.Irradiance:
		return v.Irradiance
	default:
		return 0
	}
}
