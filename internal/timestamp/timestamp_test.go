package timestamp

import (
	"testing"
	"time"

	"github.com/xtxerr/perocube/internal/errors"
)

func TestParse(t *testing.T) {
	noon := time.Date(2023, 9, 20, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   any
		want    time.Time
		wantErr bool
	}{
		{"iso naive", "2023-09-20T12:00:00", noon, false},
		{"iso zulu", "2023-09-20T12:00:00Z", noon, false},
		{"iso fraction", "2023-09-20T12:00:00.250", noon.Add(250 * time.Millisecond), false},
		{"iso space offset", "2023-09-20 14:00:00+02:00", noon, false},
		{"iso space zulu", "2023-09-20 12:00:00Z", noon, false},
		{"iso basic offset", "2023-09-20T14:00:00+0200", noon, false},
		{"iso basic offset fraction", "2023-09-20T10:00:00.5-0200", noon.Add(500 * time.Millisecond), false},
		{"iso minutes offset", "2023-09-20T14:00+02:00", noon, false},
		{"iso date", "2023-09-20", time.Date(2023, 9, 20, 0, 0, 0, 0, time.UTC), false},
		{"fallback dash", "2023-09-20 12:00:00", noon, false},
		{"fallback day first", "20/09/2023 12:00:00", noon, false},
		{"fallback month first", "09/20/2023 12:00:00", noon, false},
		{"fallback slash", "2023/09/20 12:00:00", noon, false},
		{"time value", noon, noon, false},
		{"padded", "  2023-09-20T12:00:00 ", noon, false},
		{"empty", "", time.Time{}, true},
		{"garbage", "yesterday", time.Time{}, true},
		{"number", 1695211200, time.Time{}, true},
		{"zero time", time.Time{}, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, errors.ErrBadTimestamp) {
					t.Errorf("expected ErrBadTimestamp, got %v", err)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseAmbiguousDayFirst(t *testing.T) {
	got, err := Parse("03/04/2023 08:00:00")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Month() != time.April || got.Day() != 3 {
		t.Errorf("expected 3 April, got %v", got)
	}
}

func TestParsePreservesOffset(t *testing.T) {
	got, err := Parse("2023-09-20T12:00:00+02:00")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, off := got.Zone(); off != 2*3600 {
		t.Errorf("offset = %d, want 7200", off)
	}
}

func TestParseIdempotent(t *testing.T) {
	inputs := []string{
		"2023-09-20T12:00:00",
		"2023/09/20 12:00:00",
		"2023-09-20T12:00:00.123456789+05:30",
	}

	for _, in := range inputs {
		first, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		again, err := Parse(Format(first))
		if err != nil {
			t.Fatalf("reparse %q: %v", Format(first), err)
		}
		if !again.Equal(first) {
			t.Errorf("reparse of %q = %v, want %v", in, again, first)
		}
		if viaValue, _ := Parse(first); !viaValue.Equal(first) {
			t.Errorf("parsing a time.Time changed it: %v", viaValue)
		}
	}
}
