package units

import (
	"testing"
	"time"
)

func TestLoadTimezone(t *testing.T) {
	tests := []struct {
		name     string
		timezone string
		wantErr  bool
		wantUTC  bool
	}{
		{"empty", "", false, true},
		{"UTC", "UTC", false, true},
		{"Europe", "Europe/Berlin", false, false},
		{"invalid", "Invalid/Timezone", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := LoadTimezone(tt.timezone)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadTimezone(%q) error = %v, wantErr %v", tt.timezone, err, tt.wantErr)
			}
			if tt.wantUTC && loc != time.UTC {
				t.Errorf("LoadTimezone(%q) = %v, want UTC", tt.timezone, loc)
			}
		})
	}
}

func TestLoadTimezone_KeepsInstant(t *testing.T) {
	loc, err := LoadTimezone("Europe/Berlin")
	if err != nil {
		t.Fatalf("LoadTimezone error: %v", err)
	}
	utcTime := time.Date(2025, 9, 13, 12, 0, 0, 0, time.UTC)
	out := utcTime.In(loc)
	if !out.Equal(utcTime) {
		t.Fatalf("In changed the instant: %v", out)
	}
	if out.Hour() != 14 {
		t.Fatalf("hour = %d, want 14 (CEST)", out.Hour())
	}
}
