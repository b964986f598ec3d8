package validation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/perocube/internal/measurement"
)

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name       string
		kind       measurement.Kind
		payload    measurement.Record
		wantOK     bool
		wantReason string
	}{
		{
			name: "mpp canonical",
			kind: measurement.KindMPP,
			payload: measurement.Record{
				"timestamp": "2023-09-20T12:00:00",
				"current":   json.Number("0.05"),
				"voltage":   json.Number("0.8"),
			},
			wantOK: true,
		},
		{
			name:    "mpp aliases any case",
			kind:    measurement.KindMPP,
			payload: measurement.Record{"Time": "2023-09-20 12:00:00", "I": 0.05, "V": 0.8},
			wantOK:  true,
		},
		{
			name:       "mpp missing voltage",
			kind:       measurement.KindMPP,
			payload:    measurement.Record{"timestamp": "2023-09-20T12:00:00", "current": 0.05},
			wantReason: "missing voltage",
		},
		{
			name:       "mpp null voltage",
			kind:       measurement.KindMPP,
			payload:    measurement.Record{"timestamp": "2023-09-20T12:00:00", "current": 0.05, "voltage": nil},
			wantReason: "missing voltage",
		},
		{
			name:       "mpp non numeric current",
			kind:       measurement.KindMPP,
			payload:    measurement.Record{"timestamp": "2023-09-20T12:00:00", "current": "lots", "voltage": 0.8},
			wantReason: "current is not numeric",
		},
		{
			name:       "mpp bad power",
			kind:       measurement.KindMPP,
			payload:    measurement.Record{"timestamp": "2023-09-20T12:00:00", "current": 1, "voltage": 1, "p": true},
			wantReason: "power is not numeric",
		},
		{
			name:    "temperature time value",
			kind:    measurement.KindTemperature,
			payload: measurement.Record{"datetime": time.Now(), "temp": 25.1},
			wantOK:  true,
		},
		{
			name:       "temperature missing value",
			kind:       measurement.KindTemperature,
			payload:    measurement.Record{"timestamp": "2023-09-20T12:00:00", "current": 1},
			wantReason: "missing temperature",
		},
		{
			name:    "irradiance raw only",
			kind:    measurement.KindIrradiance,
			payload: measurement.Record{"timestamp": "2023/09/20 12:00:00", "raw": 900},
			wantOK:  true,
		},
		{
			name:    "irradiance calibrated only",
			kind:    measurement.KindIrradiance,
			payload: measurement.Record{"timestamp": "2023/09/20 12:00:00", "irr": 90},
			wantOK:  true,
		},
		{
			name:       "irradiance neither",
			kind:       measurement.KindIrradiance,
			payload:    measurement.Record{"timestamp": "2023/09/20 12:00:00"},
			wantReason: "missing raw_reading or irradiance",
		},
		{
			name:       "bad timestamp",
			kind:       measurement.KindTemperature,
			payload:    measurement.Record{"timestamp": "20.09.2023", "t": 20},
			wantReason: "unparseable timestamp",
		},
		{
			name:       "missing timestamp",
			kind:       measurement.KindTemperature,
			payload:    measurement.Record{"t": 20},
			wantReason: "missing timestamp",
		},
		{
			name:       "unknown kind",
			kind:       measurement.Kind(0),
			payload:    measurement.Record{"timestamp": "2023-09-20T12:00:00"},
			wantReason: "unknown kind",
		},
	}

	var v Validator
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.payload, tt.kind)
			if res.OK != tt.wantOK {
				t.Fatalf("Validate() OK = %v (%s), want %v", res.OK, res.Reason, tt.wantOK)
			}
			if !tt.wantOK && !strings.Contains(res.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want it to contain %q", res.Reason, tt.wantReason)
			}
			if tt.wantOK && res.Reason != "" {
				t.Errorf("valid result carries reason %q", res.Reason)
			}
		})
	}
}

func TestValidateTable(t *testing.T) {
	good := &measurement.Table{
		Header: []string{"Time", "I", "V"},
		Rows: [][]any{
			{"2023-09-20 12:00:00", "0.05", "0.8"},
			{"2023-09-20 12:00:01", "0.06", "0.79"},
		},
	}
	if res := Validate(good, measurement.KindMPP); !res.OK {
		t.Fatalf("expected valid table, got %q", res.Reason)
	}

	noTemp := &measurement.Table{
		Header: []string{"Time", "Voltage"},
		Rows:   [][]any{{"2023-09-20 12:00:00", "0.8"}},
	}
	res := Validate(noTemp, measurement.KindTemperature)
	if res.OK {
		t.Fatal("table without a temperature column should be invalid")
	}
	if res.Reason != "missing temperature" {
		t.Errorf("reason = %q", res.Reason)
	}

	badRow := &measurement.Table{
		Header: []string{"Time", "T"},
		Rows: [][]any{
			{"2023-09-20 12:00:00", "21.0"},
			{"not a time", "21.1"},
		},
	}
	res = Validate(badRow, measurement.KindTemperature)
	if res.OK || !strings.HasPrefix(res.Reason, "line 3: ") {
		t.Errorf("expected line 3 failure, got %+v", res)
	}

	blankCell := &measurement.Table{
		Header: []string{"Time", "Raw", "Irr"},
		Rows: [][]any{
			{"2023-09-20 12:00:00", "900", ""},
			{"2023-09-20 12:00:01", "", "91"},
			{"2023-09-20 12:00:02", "", ""},
		},
	}
	res = Validate(blankCell, measurement.KindIrradiance)
	if res.OK || !strings.Contains(res.Reason, "line 4: missing raw_reading or irradiance") {
		t.Errorf("expected line 4 failure, got %+v", res)
	}

	empty := &measurement.Table{Header: []string{"Time", "T"}}
	if res := Validate(empty, measurement.KindTemperature); res.OK {
		t.Error("table without rows should be invalid")
	}
}
