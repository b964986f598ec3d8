// Package measurement defines the measurement kinds, the wire envelope and
// the canonical measurement values persisted by the sinks.
package measurement

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/perocube/internal/errors"
)

// =============================================================================
// Kind
// =============================================================================

// Kind identifies a measurement type. It determines the required fields and
// the destination table.
type Kind int

const (
	KindMPP Kind = iota + 1
	KindTemperature
	KindIrradiance
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindMPP, KindTemperature, KindIrradiance}

// String returns the wire tag of the kind.
func (k Kind) String() string {
	switch k {
	case KindMPP:
		return "mpp"
	case KindTemperature:
		return "temperature"
	case KindIrradiance:
		return "irradiance"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Table returns the destination table (or measurement name) for the kind.
func (k Kind) Table() string {
	switch k {
	case KindMPP:
		return "mpp_measurement"
	case KindTemperature:
		return "temperature_measurement"
	case KindIrradiance:
		return "irradiance_measurement"
	default:
		return ""
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindMPP && k <= KindIrradiance
}

// ParseKind parses a wire tag. Matching is case-insensitive.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mpp":
		return KindMPP, nil
	case "temperature":
		return KindTemperature, nil
	case "irradiance":
		return KindIrradiance, nil
	default:
		return 0, fmt.Errorf("%w: %q", errors.ErrUnknownKind, s)
	}
}

// =============================================================================
// Envelope
// =============================================================================

// Envelope is one decoded wire message. It is owned by the session that
// decoded it and discarded after dispatch.
type Envelope struct {
	Kind     Kind
	Payload  map[string]any
	Metadata map[string]any
}

// =============================================================================
// Measurements
// =============================================================================

// Measurement is a validated, normalized measurement ready for persistence.
// It is implemented only by the types in this package.
type Measurement interface {
	Kind() Kind
	Time() time.Time
	// Fields returns the canonical fields, suitable for re-normalization.
	Fields() map[string]any
	// Meta returns the identifying metadata (board/channel or sensor).
	Meta() map[string]any

	sealed()
}

// MPP is a maximum-power-point tracking sample for one tracking channel.
type MPP struct {
	Timestamp time.Time
	Current   float64
	Voltage   float64
	Power     float64
	Board     int
	Channel   int
}

func (m *MPP) Kind() Kind      { return KindMPP }
func (m *MPP) Time() time.Time { return m.Timestamp }
func (m *MPP) sealed()         {}

func (m *MPP) Fields() map[string]any {
	return map[string]any{
		FieldTimestamp: m.Timestamp,
		FieldCurrent:   m.Current,
		FieldVoltage:   m.Voltage,
		FieldPower:     m.Power,
	}
}

func (m *MPP) Meta() map[string]any {
	return map[string]any{MetaBoard: m.Board, MetaChannel: m.Channel}
}

// Temperature is a temperature sample. An empty SensorID means unassigned.
type Temperature struct {
	Timestamp   time.Time
	Temperature float64
	SensorID    string
}

func (m *Temperature) Kind() Kind      { return KindTemperature }
func (m *Temperature) Time() time.Time { return m.Timestamp }
func (m *Temperature) sealed()         {}

func (m *Temperature) Fields() map[string]any {
	return map[string]any{
		FieldTimestamp:   m.Timestamp,
		FieldTemperature: m.Temperature,
	}
}

func (m *Temperature) Meta() map[string]any {
	if m.SensorID == "" {
		return map[string]any{}
	}
	return map[string]any{MetaSensorID: m.SensorID}
}

// Irradiance is an irradiance sample. RawReading is nil when the source only
// supplied the calibrated value.
type Irradiance struct {
	Timestamp  time.Time
	RawReading *float64
	Irradiance float64
	SensorID   string
}

func (m *Irradiance) Kind() Kind      { return KindIrradiance }
func (m *Irradiance) Time() time.Time { return m.Timestamp }
func (m *Irradiance) sealed()         {}

func (m *Irradiance) Fields() map[string]any {
	f := map[string]any{
		FieldTimestamp:  m.Timestamp,
		FieldIrradiance: m.Irradiance,
	}
	if m.RawReading != nil {
		f[FieldRawReading] = *m.RawReading
	}
	return f
}

func (m *Irradiance) Meta() map[string]any {
	if m.SensorID == "" {
		return map[string]any{}
	}
	return map[string]any{MetaSensorID: m.SensorID}
}

// Float returns a pointer to v, for optional float fields.
func Float(v float64) *float64 { return &v }
