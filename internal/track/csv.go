package track

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Required CSV columns. All other recognised columns are optional and an
// empty cell means "not reported".
var requiredColumns = []string{"target_id", "source_id", "time", "lat", "lon"}

// ReadCSV parses a measurement stream with a header row. The time column
// accepts RFC 3339 timestamps or fractional Unix seconds. Measurements are
// grouped by target id and keep their input order.
func ReadCSV(r io.Reader) (map[string][]Measurement, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("csv header missing column %q", name)
		}
	}

	out := make(map[string][]Measurement)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		target, m, err := parseRecord(rec, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out[target] = append(out[target], m)
	}
	return out, nil
}

func parseRecord(rec []string, col map[string]int) (string, Measurement, error) {
	var m Measurement

	cell := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	target := cell("target_id")
	if target == "" {
		return "", m, errors.New("empty target_id")
	}

	src, err := strconv.ParseUint(cell("source_id"), 10, 32)
	if err != nil {
		return "", m, fmt.Errorf("invalid source_id: %w", err)
	}
	m.SourceID = uint32(src)

	if m.Time, err = parseTime(cell("time")); err != nil {
		return "", m, err
	}
	if m.Lat, err = strconv.ParseFloat(cell("lat"), 64); err != nil {
		return "", m, fmt.Errorf("invalid lat: %w", err)
	}
	if m.Lon, err = strconv.ParseFloat(cell("lon"), 64); err != nil {
		return "", m, fmt.Errorf("invalid lon: %w", err)
	}

	// Optional pairs are only set when both cells are present.
	pair := func(a, b string, dstA, dstB *float64) (bool, error) {
		sa, sb := cell(a), cell(b)
		if sa == "" || sb == "" {
			return false, nil
		}
		va, err := strconv.ParseFloat(sa, 64)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %w", a, err)
		}
		vb, err := strconv.ParseFloat(sb, 64)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %w", b, err)
		}
		*dstA, *dstB = va, vb
		return true, nil
	}

	if m.HasVel, err = pair("vx", "vy", &m.VX, &m.VY); err != nil {
		return "", m, err
	}
	if m.HasAcc, err = pair("ax", "ay", &m.AX, &m.AY); err != nil {
		return "", m, err
	}
	if m.HasStdDevPos, err = pair("x_stddev", "y_stddev", &m.XStdDev, &m.YStdDev); err != nil {
		return "", m, err
	}
	if m.HasStdDevPos {
		if s := cell("xy_cov"); s != "" {
			if m.XYCov, err = strconv.ParseFloat(s, 64); err != nil {
				return "", m, fmt.Errorf("invalid xy_cov: %w", err)
			}
		}
	}
	if m.HasStdDevVel, err = pair("vx_stddev", "vy_stddev", &m.VXStdDev, &m.VYStdDev); err != nil {
		return "", m, err
	}
	if m.HasStdDevAcc, err = pair("ax_stddev", "ay_stddev", &m.AXStdDev, &m.AYStdDev); err != nil {
		return "", m, err
	}

	if !m.Finite() {
		return "", m, errors.New("non-finite value")
	}
	return target, m, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(0, 0).UTC().Add(time.Duration(secs * float64(time.Second))), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t, nil
}
