package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
)

// classifySQL maps a driver error onto a WriteError.
//
// PostgreSQL errors are classified by SQLSTATE class: data exceptions (22),
// integrity violations (23) and syntax or access errors (42) are rejected;
// connection (08), transaction rollback (40), resource (53), operator
// intervention (57) and system (58) errors are transient.
func classifySQL(kind measurement.Kind, err error) *WriteError {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return NewRejected(kind, err)
		default:
			return NewTransient(kind, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return NewTransient(kind, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransient(kind, err)
	}

	if rejectedByDuckDB(err) {
		return NewRejected(kind, err)
	}
	return NewTransient(kind, err)
}

// DuckDB prefixes error messages with the error type.
var duckdbRejected = []string{
	"Constraint Error",
	"Conversion Error",
	"Binder Error",
	"Catalog Error",
	"Parser Error",
	"Invalid Input Error",
	"Out of Range Error",
	"Mismatch Type Error",
}

func rejectedByDuckDB(err error) bool {
	msg := err.Error()
	for _, prefix := range duckdbRejected {
		if strings.Contains(msg, prefix) {
			return true
		}
	}
	return false
}
