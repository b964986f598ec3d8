package measurement

import "strings"

// Canonical field names.
const (
	FieldTimestamp   = "timestamp"
	FieldCurrent     = "current"
	FieldVoltage     = "voltage"
	FieldPower       = "power"
	FieldTemperature = "temperature"
	FieldRawReading  = "raw_reading"
	FieldIrradiance  = "irradiance"
)

// Canonical metadata names.
const (
	MetaBoard    = "board"
	MetaChannel  = "channel"
	MetaSensorID = "sensor_id"
)

// Concept is a canonical field together with every accepted spelling.
type Concept struct {
	Canonical string
	Aliases   []string
}

// Matches reports whether name is a spelling of the concept, ignoring case.
func (c Concept) Matches(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, a := range c.Aliases {
		if n == a {
			return true
		}
	}
	return false
}

// Alias classes. Aliases are lower case.
var (
	Timestamp   = Concept{FieldTimestamp, []string{"timestamp", "time", "datetime"}}
	Current     = Concept{FieldCurrent, []string{"current", "i"}}
	Voltage     = Concept{FieldVoltage, []string{"voltage", "v"}}
	Power       = Concept{FieldPower, []string{"power", "p"}}
	Temp        = Concept{FieldTemperature, []string{"temperature", "temp", "t"}}
	RawReading  = Concept{FieldRawReading, []string{"raw_reading", "rawreading", "raw", "reading"}}
	IrradianceC = Concept{FieldIrradiance, []string{"irradiance", "irr"}}

	Board    = Concept{MetaBoard, []string{"board", "tracking_channel_board"}}
	Channel  = Concept{MetaChannel, []string{"channel", "tracking_channel_channel"}}
	SensorID = Concept{MetaSensorID, []string{"sensor_id", "sensorid", "sensor"}}
)

// Requirement is a group of concepts of which at least one must resolve.
type Requirement []Concept

// Requirements returns the required concept sets for a kind.
func Requirements(k Kind) []Requirement {
	switch k {
	case KindMPP:
		return []Requirement{{Timestamp}, {Current}, {Voltage}}
	case KindTemperature:
		return []Requirement{{Timestamp}, {Temp}}
	case KindIrradiance:
		return []Requirement{{Timestamp}, {RawReading, IrradianceC}}
	default:
		return nil
	}
}

// Numeric returns the numeric concepts of a kind that must be coercible to
// float64 when present.
func Numeric(k Kind) []Concept {
	switch k {
	case KindMPP:
		return []Concept{Current, Voltage, Power}
	case KindTemperature:
		return []Concept{Temp}
	case KindIrradiance:
		return []Concept{RawReading, IrradianceC}
	default:
		return nil
	}
}

// Resolve returns the name in names that spells concept c. When several
// names match, the one earliest in the alias list wins, so the canonical
// spelling is preferred regardless of the order of names.
func Resolve(c Concept, names []string) (string, bool) {
	for _, a := range c.Aliases {
		for _, n := range names {
			if strings.ToLower(strings.TrimSpace(n)) == a {
				return n, true
			}
		}
	}
	return "", false
}

// Keys returns the keys of m.
func Keys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
