package units

import (
	"fmt"
	"time"
)

// LoadTimezone returns the location for tz. An empty name means UTC.
// Reconstruction runs in UTC; the location only affects displayed times.
func LoadTimezone(tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	return loc, nil
}
