package client

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
)

// ParseLine turns one line of feed input into a message unit.
//
// A line starting with "{" is sent as-is. Otherwise the line is a kind
// followed by name=value pairs:
//
//	mpp timestamp=2023-09-20T12:00:00Z current=0.05 voltage=0.8 board=1 channel=2
//	irradiance raw=900 sensor=pyr-1
//
// Board, channel and sensor names go to the metadata, everything else to the
// data. Numeric values are sent as numbers. A missing timestamp is set to
// the current time.
func ParseLine(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.ErrMissingField
	}
	if strings.HasPrefix(line, "{") {
		return []byte(line), nil
	}

	fields := strings.Fields(line)
	kind, err := measurement.ParseKind(fields[0])
	if err != nil {
		return nil, err
	}

	env := &measurement.Envelope{
		Kind:     kind,
		Payload:  map[string]any{},
		Metadata: map[string]any{},
	}
	for _, f := range fields[1:] {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, errors.NewInvalidValue("pair", f, "expected name=value")
		}
		if isMetadata(name) {
			env.Metadata[name] = scalar(value)
		} else {
			env.Payload[name] = scalar(value)
		}
	}

	if _, ok := measurement.Resolve(measurement.Timestamp, measurement.Keys(env.Payload)); !ok {
		env.Payload[measurement.FieldTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if len(env.Metadata) == 0 {
		env.Metadata = nil
	}
	return codec.Encode(env)
}

func isMetadata(name string) bool {
	return measurement.Board.Matches(name) ||
		measurement.Channel.Matches(name) ||
		measurement.SensorID.Matches(name)
}

func scalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Words returns the completion vocabulary for a line starting with kind:
// the canonical data names of the kind and the metadata names. With an
// empty or unknown kind it returns the kinds.
func Words(kind string) []string {
	k, err := measurement.ParseKind(kind)
	if err != nil {
		words := make([]string, 0, len(measurement.Kinds))
		for _, k := range measurement.Kinds {
			words = append(words, k.String())
		}
		return words
	}

	seen := map[string]bool{}
	var words []string
	add := func(c measurement.Concept) {
		if !seen[c.Canonical] {
			seen[c.Canonical] = true
			words = append(words, c.Canonical+"=")
		}
	}
	for _, req := range measurement.Requirements(k) {
		for _, c := range req {
			add(c)
		}
	}
	for _, c := range measurement.Numeric(k) {
		add(c)
	}
	if k == measurement.KindMPP {
		add(measurement.Board)
		add(measurement.Channel)
	} else {
		add(measurement.SensorID)
	}
	sort.Strings(words)
	return words
}
