package track

import (
	"math"
	"sort"
	"time"
)

// Measurement is one sensor report for a target at one instant.
//
// Position is always present. Higher moments and accuracies are optional
// and their presence is signalled by the Has* flags; the value fields are
// meaningless when the corresponding flag is false.
type Measurement struct {
	SourceID uint32    `json:"source_id"`
	Time     time.Time `json:"time"`

	// WGS84 position in degrees.
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`

	// Local cartesian position in meters, filled in by the estimator
	// relative to its current projection center.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	HasVel bool    `json:"has_vel"`
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`

	HasAcc bool    `json:"has_acc"`
	AX     float64 `json:"ax"`
	AY     float64 `json:"ay"`

	HasStdDevPos bool    `json:"has_stddev_pos"`
	XStdDev      float64 `json:"x_stddev"`
	YStdDev      float64 `json:"y_stddev"`
	XYCov        float64 `json:"xy_cov"` // covariance term, not a stddev

	HasStdDevVel bool    `json:"has_stddev_vel"`
	VXStdDev     float64 `json:"vx_stddev"`
	VYStdDev     float64 `json:"vy_stddev"`

	HasStdDevAcc bool    `json:"has_stddev_acc"`
	AXStdDev     float64 `json:"ax_stddev"`
	AYStdDev     float64 `json:"ay_stddev"`

	// Interp marks a measurement synthesized by the pre-filter resampler.
	Interp bool `json:"interp"`
}

// Speed returns the ground speed in m/s, or 0 if no velocity is present.
func (m *Measurement) Speed() float64 {
	if !m.HasVel {
		return 0
	}
	return math.Hypot(m.VX, m.VY)
}

// Finite reports whether the position and every present optional value
// is a finite number.
func (m *Measurement) Finite() bool {
	if !finite(m.Lat, m.Lon) {
		return false
	}
	if m.HasVel && !finite(m.VX, m.VY) {
		return false
	}
	if m.HasAcc && !finite(m.AX, m.AY) {
		return false
	}
	if m.HasStdDevPos && !finite(m.XStdDev, m.YStdDev, m.XYCov) {
		return false
	}
	if m.HasStdDevVel && !finite(m.VXStdDev, m.VYStdDev) {
		return false
	}
	if m.HasStdDevAcc && !finite(m.AXStdDev, m.AYStdDev) {
		return false
	}
	return true
}

// SortMeasurements orders measurements by (time, source id). The sort is
// stable so reports from one source at one instant keep their input order.
func SortMeasurements(ms []Measurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].Time.Equal(ms[j].Time) {
			return ms[i].Time.Before(ms[j].Time)
		}
		return ms[i].SourceID < ms[j].SourceID
	})
}

// BySource splits a measurement stream into one stream per source,
// preserving relative order. The returned source ids are ascending.
func BySource(ms []Measurement) (map[uint32][]Measurement, []uint32) {
	out := make(map[uint32][]Measurement)
	for _, m := range ms {
		out[m.SourceID] = append(out[m.SourceID], m)
	}
	ids := make([]uint32, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return out, ids
}

// Seconds returns t1 - t0 in fractional seconds.
func Seconds(t0, t1 time.Time) float64 {
	return t1.Sub(t0).Seconds()
}

// AddSeconds offsets t by a fractional number of seconds.
func AddSeconds(t time.Time, s float64) time.Time {
	return t.Add(time.Duration(math.Round(s * float64(time.Second))))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
