// Package validation checks that a payload carries every field its
// measurement kind requires before it is normalized.
//
// Validation never fails with an error; it always returns a Result. The same
// contract serves single envelopes (measurement.Record) and whole historical
// files (measurement.Table): a file is valid only if every row is.
package validation

import (
	"fmt"

	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/timestamp"
)

// Payload is validated data: named columns with one or more rows.
type Payload interface {
	Columns() []string
	Len() int
	Value(column string, row int) any
}

// Result is the outcome of a validation.
type Result struct {
	OK     bool
	Reason string
}

// Valid is the successful Result.
var Valid = Result{OK: true}

func invalid(format string, args ...any) Result {
	return Result{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// Validator validates payloads per kind. The zero value is ready to use.
type Validator struct{}

// Validate checks p against the requirements of kind.
func (Validator) Validate(p Payload, kind measurement.Kind) Result {
	return Validate(p, kind)
}

// Validate checks that every required concept of kind resolves to a column,
// that each row has a value for it, that timestamps parse and that numeric
// fields are numbers.
func Validate(p Payload, kind measurement.Kind) Result {
	if !kind.Valid() {
		return invalid("unknown kind %s", kind)
	}
	if p == nil {
		return invalid("empty payload")
	}

	cols := p.Columns()
	resolved := make(map[string]string)
	resolve := func(c measurement.Concept) (string, bool) {
		if name, ok := resolved[c.Canonical]; ok {
			return name, true
		}
		name, ok := measurement.Resolve(c, cols)
		if ok {
			resolved[c.Canonical] = name
		}
		return name, ok
	}

	reqs := measurement.Requirements(kind)
	for _, req := range reqs {
		found := false
		for _, c := range req {
			if _, ok := resolve(c); ok {
				found = true
				break
			}
		}
		if !found {
			return invalid("missing %s", describe(req))
		}
	}

	if p.Len() == 0 {
		return invalid("no rows")
	}

	tsCol, _ := resolve(measurement.Timestamp)
	numeric := measurement.Numeric(kind)

	for row := 0; row < p.Len(); row++ {
		prefix := rowPrefix(p, row)

		for _, req := range reqs {
			if !rowHas(p, row, req, resolve) {
				return invalid("%smissing %s", prefix, describe(req))
			}
		}

		ts := p.Value(tsCol, row)
		if !timestamp.Valid(ts) {
			return invalid("%sunparseable timestamp %q", prefix, fmt.Sprint(ts))
		}

		for _, c := range numeric {
			col, ok := resolve(c)
			if !ok {
				continue
			}
			v := p.Value(col, row)
			if !measurement.Present(v) {
				continue
			}
			if _, ok := measurement.ToFloat(v); !ok {
				return invalid("%s%s is not numeric: %q", prefix, c.Canonical, fmt.Sprint(v))
			}
		}
	}

	return Valid
}

// rowHas reports whether one concept of req has a value in row.
func rowHas(p Payload, row int, req measurement.Requirement, resolve func(measurement.Concept) (string, bool)) bool {
	for _, c := range req {
		col, ok := resolve(c)
		if ok && measurement.Present(p.Value(col, row)) {
			return true
		}
	}
	return false
}

func rowPrefix(p Payload, row int) string {
	if _, single := p.(measurement.Record); single {
		return ""
	}
	// Row numbers count the header line, matching what an editor shows.
	return fmt.Sprintf("line %d: ", row+2)
}

func describe(req measurement.Requirement) string {
	if len(req) == 1 {
		return req[0].Canonical
	}
	s := ""
	for i, c := range req {
		if i > 0 {
			s += " or "
		}
		s += c.Canonical
	}
	return s
}
