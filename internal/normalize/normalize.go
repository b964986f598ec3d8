// Package normalize maps a validated payload onto the canonical measurement
// of its kind: it resolves field aliases, parses timestamps and derives
// power and calibrated irradiance when the source omitted them.
package normalize

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtxerr/perocube/config"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/timestamp"
)

// NormalizeError reports a payload that cannot form a complete measurement.
type NormalizeError struct {
	Kind   measurement.Kind
	Field  string
	Reason string
}

func (e *NormalizeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("normalize %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("normalize %s: %s: %s", e.Kind, e.Field, e.Reason)
}

// Unwrap makes every NormalizeError match errors.ErrIncomplete.
func (e *NormalizeError) Unwrap() error { return errors.ErrIncomplete }

func incomplete(kind measurement.Kind, field, reason string) error {
	return &NormalizeError{Kind: kind, Field: field, Reason: reason}
}

// Calibration holds irradiance calibration factors.
type Calibration struct {
	// Default applies to sensors without an entry in Sensors.
	Default float64
	Sensors map[string]float64
}

// DefaultCalibration returns the built-in calibration.
func DefaultCalibration() Calibration {
	return Calibration{Default: config.DefaultIrradianceFactor}
}

// Factor returns the factor for sensorID.
func (c Calibration) Factor(sensorID string) float64 {
	if f, ok := c.Sensors[sensorID]; ok {
		return f
	}
	if c.Default == 0 {
		return config.DefaultIrradianceFactor
	}
	return c.Default
}

// Normalizer converts payloads into measurements. It is safe for concurrent
// use; the calibration may be swapped while messages are normalized.
type Normalizer struct {
	cal atomic.Pointer[Calibration]
}

// New creates a Normalizer using cal for irradiance derivation.
func New(cal Calibration) *Normalizer {
	n := &Normalizer{}
	n.SetCalibration(cal)
	return n
}

// SetCalibration replaces the calibration used for later messages.
func (n *Normalizer) SetCalibration(cal Calibration) {
	n.cal.Store(&cal)
}

// Calibration returns the current calibration.
func (n *Normalizer) Calibration() Calibration {
	return *n.cal.Load()
}

// Normalize builds the canonical measurement of kind from payload and
// metadata. Neither input map is modified.
func (n *Normalizer) Normalize(payload, metadata map[string]any, kind measurement.Kind) (measurement.Measurement, error) {
	if !kind.Valid() {
		return nil, incomplete(kind, "", "unknown kind")
	}

	ts, err := n.timestamp(payload, kind)
	if err != nil {
		return nil, err
	}

	switch kind {
	case measurement.KindMPP:
		return n.mpp(payload, metadata, ts)
	case measurement.KindTemperature:
		return n.temperature(payload, metadata, ts)
	case measurement.KindIrradiance:
		return n.irradiance(payload, metadata, ts)
	}
	return nil, incomplete(kind, "", "unknown kind")
}

// NormalizeTable normalizes every row of t with the same metadata. It stops
// at the first row that fails and reports its line.
func (n *Normalizer) NormalizeTable(t *measurement.Table, metadata map[string]any, kind measurement.Kind) ([]measurement.Measurement, error) {
	out := make([]measurement.Measurement, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		m, err := n.Normalize(t.Row(i), metadata, kind)
		if err != nil {
			return out, errors.Wrapf(err, "line %d", i+2)
		}
		out = append(out, m)
	}
	return out, nil
}

func (n *Normalizer) timestamp(payload map[string]any, kind measurement.Kind) (time.Time, error) {
	v, ok := lookup(payload, measurement.Timestamp)
	if !ok {
		return time.Time{}, incomplete(kind, measurement.FieldTimestamp, "missing")
	}
	ts, err := timestamp.Parse(v)
	if err != nil {
		return time.Time{}, incomplete(kind, measurement.FieldTimestamp, err.Error())
	}
	return ts, nil
}

func (n *Normalizer) mpp(payload, metadata map[string]any, ts time.Time) (measurement.Measurement, error) {
	kind := measurement.KindMPP

	current, err := number(payload, measurement.Current, kind, true)
	if err != nil {
		return nil, err
	}
	voltage, err := number(payload, measurement.Voltage, kind, true)
	if err != nil {
		return nil, err
	}
	power, err := number(payload, measurement.Power, kind, false)
	if err != nil {
		return nil, err
	}
	if power == nil {
		power = measurement.Float(*current * *voltage)
	}

	board, err := integer(metadata, measurement.Board, kind)
	if err != nil {
		return nil, err
	}
	channel, err := integer(metadata, measurement.Channel, kind)
	if err != nil {
		return nil, err
	}

	return &measurement.MPP{
		Timestamp: ts,
		Current:   *current,
		Voltage:   *voltage,
		Power:     *power,
		Board:     board,
		Channel:   channel,
	}, nil
}

func (n *Normalizer) temperature(payload, metadata map[string]any, ts time.Time) (measurement.Measurement, error) {
	kind := measurement.KindTemperature

	temp, err := number(payload, measurement.Temp, kind, true)
	if err != nil {
		return nil, err
	}
	return &measurement.Temperature{
		Timestamp:   ts,
		Temperature: *temp,
		SensorID:    sensorID(metadata),
	}, nil
}

func (n *Normalizer) irradiance(payload, metadata map[string]any, ts time.Time) (measurement.Measurement, error) {
	kind := measurement.KindIrradiance

	raw, err := number(payload, measurement.RawReading, kind, false)
	if err != nil {
		return nil, err
	}
	irr, err := number(payload, measurement.IrradianceC, kind, false)
	if err != nil {
		return nil, err
	}

	sensor := sensorID(metadata)
	if irr == nil {
		if raw == nil {
			return nil, incomplete(kind, measurement.FieldIrradiance, "neither raw_reading nor irradiance present")
		}
		irr = measurement.Float(*raw * n.cal.Load().Factor(sensor))
	}

	return &measurement.Irradiance{
		Timestamp:  ts,
		RawReading: raw,
		Irradiance: *irr,
		SensorID:   sensor,
	}, nil
}

// lookup returns the present value of concept c in m.
func lookup(m map[string]any, c measurement.Concept) (any, bool) {
	if m == nil {
		return nil, false
	}
	name, ok := measurement.Resolve(c, measurement.Keys(m))
	if !ok {
		return nil, false
	}
	v := m[name]
	if !measurement.Present(v) {
		return nil, false
	}
	return v, true
}

// number returns concept c as a float. Absent optional values yield nil.
func number(m map[string]any, c measurement.Concept, kind measurement.Kind, required bool) (*float64, error) {
	v, ok := lookup(m, c)
	if !ok {
		if required {
			return nil, incomplete(kind, c.Canonical, "missing")
		}
		return nil, nil
	}
	f, ok := measurement.ToFloat(v)
	if !ok {
		return nil, incomplete(kind, c.Canonical, fmt.Sprintf("not numeric: %v", v))
	}
	return &f, nil
}

func integer(m map[string]any, c measurement.Concept, kind measurement.Kind) (int, error) {
	v, ok := lookup(m, c)
	if !ok {
		return 0, incomplete(kind, c.Canonical, "missing from metadata")
	}
	i, ok := measurement.ToInt(v)
	if !ok {
		return 0, incomplete(kind, c.Canonical, fmt.Sprintf("not an integer: %v", v))
	}
	return i, nil
}

func sensorID(metadata map[string]any) string {
	v, ok := lookup(metadata, measurement.SensorID)
	if !ok {
		return ""
	}
	s, _ := measurement.ToText(v)
	return s
}
