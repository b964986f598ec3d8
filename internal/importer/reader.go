package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
)

// Format is a historical data file format.
type Format int

const (
	FormatTSV Format = iota + 1
	FormatCSV
	FormatParquet
)

func (f Format) String() string {
	switch f {
	case FormatTSV:
		return "tsv"
	case FormatCSV:
		return "csv"
	case FormatParquet:
		return "parquet"
	default:
		return "unknown"
	}
}

// FormatOf returns the format of path by extension. Files with other
// extensions are not data files.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".tsv":
		return FormatTSV, true
	case ".csv":
		return FormatCSV, true
	case ".parquet":
		return FormatParquet, true
	default:
		return 0, false
	}
}

// ReadFile reads a whole data file into a table.
func ReadFile(path string) (*measurement.Table, error) {
	ff, ok := FormatOf(path)
	if !ok {
		return nil, fmt.Errorf("read %s: unsupported format", path)
	}
	if ff == FormatParquet {
		return ReadParquet(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	comma := '\t'
	if ff == FormatCSV {
		comma = ','
	}
	return ReadDelimited(f, comma)
}

// =============================================================================
// Delimited text
// =============================================================================

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadDelimited reads a delimited table whose first record is the header.
// Cells are kept as strings; coercion happens during validation.
func ReadDelimited(r io.Reader, comma rune) (*measurement.Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("read table: %w: no header", errors.ErrInvalidPayload)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := &measurement.Table{Header: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if blank(rec) {
			continue
		}
		row := make([]any, len(rec))
		for i, cell := range rec {
			row[i] = strings.TrimSpace(cell)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// =============================================================================
// Parquet
// =============================================================================

// readBatch is the number of rows read from a row group at a time.
const readBatch = 256

// ReadParquet reads every row group of a parquet file. The header holds the
// leaf column paths joined with dots. Cells keep their physical type, with
// timestamp and date columns converted to time.Time.
func ReadParquet(path string) (*measurement.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	schema := pf.Schema()
	paths := schema.Columns()
	header := make([]string, len(paths))
	convert := make([]func(parquet.Value) any, len(paths))
	for i, p := range paths {
		header[i] = strings.Join(p, ".")
		convert[i] = plainValue
		if leaf, ok := schema.Lookup(p...); ok {
			convert[i] = converter(leaf.Node.Type().LogicalType())
		}
	}

	t := &measurement.Table{Header: header}
	buf := make([]parquet.Row, readBatch)
	for _, rg := range pf.RowGroups() {
		if err := readRowGroup(rg, buf, convert, t); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return t, nil
}

func readRowGroup(rg parquet.RowGroup, buf []parquet.Row, convert []func(parquet.Value) any, t *measurement.Table) error {
	rows := rg.Rows()
	defer rows.Close()

	for {
		n, err := rows.ReadRows(buf)
		for _, r := range buf[:n] {
			cells := make([]any, len(convert))
			for _, v := range r {
				col := v.Column()
				if col < 0 || col >= len(cells) {
					continue
				}
				cells[col] = convert[col](v)
			}
			t.Rows = append(t.Rows, cells)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// converter picks the cell conversion for a logical type.
func converter(lt *format.LogicalType) func(parquet.Value) any {
	switch {
	case lt == nil:
		return plainValue
	case lt.Timestamp != nil:
		unit := time.Nanosecond
		switch {
		case lt.Timestamp.Unit.Millis != nil:
			unit = time.Millisecond
		case lt.Timestamp.Unit.Micros != nil:
			unit = time.Microsecond
		}
		return func(v parquet.Value) any {
			if v.IsNull() {
				return nil
			}
			return time.Unix(0, v.Int64()*int64(unit)).UTC()
		}
	case lt.Date != nil:
		return func(v parquet.Value) any {
			if v.IsNull() {
				return nil
			}
			return time.Unix(int64(v.Int32())*86400, 0).UTC()
		}
	default:
		return plainValue
	}
}

// plainValue converts a value by its physical kind.
func plainValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
