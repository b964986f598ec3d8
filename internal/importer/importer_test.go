package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/sink"
	util "github.com/xtxerr/perocube/internal/testutil"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newImporter(t *testing.T, kind measurement.Kind, meta map[string]any, s sink.Sink, m *metrics.Metrics) *Importer {
	t.Helper()
	im, err := New(Config{
		Kind:       kind,
		Metadata:   meta,
		Normalizer: normalize.New(normalize.DefaultCalibration()),
		Sink:       s,
		Metrics:    m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return im
}

func TestImportTabDelimitedMPP(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "board1.txt", "Time\tI\tV\n2023-09-20 12:00:00\t0.05\t0.8\n")

	mem := &util.MemSink{}
	im := newImporter(t, measurement.KindMPP, map[string]any{"board": 1, "channel": 2}, mem, nil)

	rep, err := im.ImportDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if rep.Written() != 1 || rep.Failed() != 0 || rep.Skipped() != 0 {
		t.Fatalf("report = %+v", rep.Files)
	}
	if rep.RunID == "" {
		t.Fatal("missing run id")
	}

	mpp := mem.Written()[0].(*measurement.MPP)
	if mpp.Power != 0.05*0.8 {
		t.Fatalf("power = %v, want %v", mpp.Power, 0.05*0.8)
	}
	if mpp.Board != 1 || mpp.Channel != 2 {
		t.Fatalf("board/channel = %d/%d", mpp.Board, mpp.Channel)
	}
	if want := time.Date(2023, 9, 20, 12, 0, 0, 0, time.UTC); !mpp.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v", mpp.Timestamp)
	}
	if rep.Values.Count() != 1 {
		t.Fatalf("value summary count = %d", rep.Values.Count())
	}
}

func TestImportSkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_humidity.csv", "timestamp,humidity\n2023-09-20 12:00:00,40\n")
	writeFile(t, dir, "b_temp.csv", "timestamp,temp\n2023-09-20 12:00:00,21.5\n2023-09-20 12:01:00,21.7\n")
	writeFile(t, dir, "notes.md", "not data")

	mem := &util.MemSink{}
	m := metrics.New()
	im := newImporter(t, measurement.KindTemperature, nil, mem, m)

	rep, err := im.ImportDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if len(rep.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(rep.Files))
	}

	first := rep.Files[0]
	if !first.Skipped || !strings.Contains(first.Reason, "missing temperature") {
		t.Fatalf("first file = %+v, want skipped for missing temperature", first)
	}
	if rep.Files[1].Skipped || rep.Files[1].Written != 2 {
		t.Fatalf("second file = %+v", rep.Files[1])
	}
	if mem.Len() != 2 {
		t.Fatalf("written = %d, want 2", mem.Len())
	}

	if got := testutil.ToFloat64(m.ImportFiles.WithLabelValues("temperature", FileSkipped)); got != 1 {
		t.Fatalf("skipped files metric = %f", got)
	}
	if got := testutil.ToFloat64(m.ImportRows.WithLabelValues("temperature", RowWritten)); got != 2 {
		t.Fatalf("written rows metric = %f", got)
	}
}

func TestImportRowFailuresAreCounted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "irr.tsv", "time\traw\n2023-09-20 12:00:00\t100\n2023-09-20 12:01:00\t200\n2023-09-20 12:02:00\t300\n")

	mem := &util.MemSink{Fail: func(m measurement.Measurement) error {
		if raw := m.(*measurement.Irradiance).RawReading; raw != nil && *raw == 200 {
			return sink.NewRejected(m.Kind(), fmt.Errorf("duplicate key"))
		}
		return nil
	}}
	m := metrics.New()
	im := newImporter(t, measurement.KindIrradiance, nil, mem, m)

	rep, err := im.ImportDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if rep.Written() != 2 || rep.Failed() != 1 {
		t.Fatalf("written/failed = %d/%d", rep.Written(), rep.Failed())
	}
	if got := testutil.ToFloat64(m.ImportRows.WithLabelValues("irradiance", RowRejected)); got != 1 {
		t.Fatalf("rejected rows metric = %f", got)
	}
}

func TestImportMPPWithoutBoardFailsRows(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mpp.csv", "timestamp,current,voltage\n2023-09-20T12:00:00,1,2\n")

	mem := &util.MemSink{}
	im := newImporter(t, measurement.KindMPP, nil, mem, nil)

	fr, err := im.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if fr.Skipped || fr.Failed != 1 || fr.Written != 0 {
		t.Fatalf("report = %+v", fr)
	}
	if mem.Len() != 0 {
		t.Fatal("row written without board metadata")
	}
}

func TestImportNoFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "readme.md", "nothing here")

	im := newImporter(t, measurement.KindTemperature, nil, &util.MemSink{}, nil)
	if _, err := im.ImportDir(context.Background(), dir); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("ImportDir = %v, want ErrNoFiles", err)
	}
	if _, err := im.ImportDir(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestImportCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "t.csv", "timestamp,t\n2023-09-20 12:00:00,1\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	im := newImporter(t, measurement.KindTemperature, nil, &util.MemSink{}, nil)
	rep, err := im.ImportDir(ctx, dir)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ImportDir = %v, want context.Canceled", err)
	}
	if rep == nil || rep.Written() != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Kind: measurement.KindMPP}); err == nil {
		t.Fatal("expected error without sink")
	}
	if _, err := New(Config{Sink: &util.MemSink{}}); err == nil {
		t.Fatal("expected error without kind")
	}
}

func TestImportEndToEndDuckDB(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mpp.txt", "Time\tI\tV\n2023-09-20 12:00:00\t0.05\t0.8\n2023-09-20 12:00:01\t0.06\t0.8\n")

	cfg := sink.DefaultSQLConfig(sink.DialectDuckDB)
	cfg.Bootstrap = true
	store, err := sink.OpenSQL(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	defer store.Close()

	im := newImporter(t, measurement.KindMPP, map[string]any{"board": 3, "channel": 4}, store, nil)
	if _, err := im.ImportDir(context.Background(), dir); err != nil {
		t.Fatalf("ImportDir: %v", err)
	}

	var n, board int
	err = store.DB().QueryRowContext(context.Background(),
		`SELECT count(*), max(tracking_channel_board) FROM mpp_measurement`).Scan(&n, &board)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 2 || board != 3 {
		t.Fatalf("rows = %d board = %d", n, board)
	}
}
