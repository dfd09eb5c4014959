package interp

import (
	"math"
	"time"

	"github.com/banshee-data/trackrecon/internal/projection"
	"github.com/banshee-data/trackrecon/internal/track"
	"gonum.org/v1/gonum/floats"
	gonuminterp "gonum.org/v1/gonum/interp"
)

// minSplineKnots is the smallest part that is fitted with a spline;
// shorter parts are interpolated linearly.
const minSplineKnots = 4

// ResampleConfig holds tuning for pre-filter measurement resampling.
type ResampleConfig struct {
	MinDT                    float64 // seconds; shorter input intervals are not interpolated
	MinLen                   float64 // meters; closer knots are skipped in the spline fit
	MaxSegmentDistanceFactor float64 // fishy segment threshold relative to segment length
	CheckFishySegments       bool
}

// DefaultResampleConfig returns production-default resampling tuning.
func DefaultResampleConfig() ResampleConfig {
	return ResampleConfig{
		MinDT:                    0.001,
		MinLen:                   0.001,
		MaxSegmentDistanceFactor: 2.0,
		CheckFishySegments:       true,
	}
}

// ResampleStats counts what a resampling pass did.
type ResampleStats struct {
	Parts          int // time-continuous parts after splitting at gaps
	SplineParts    int
	LinearParts    int
	FishySegments  int // spline segments replaced by linear interpolation
	SplineFailures int // spline fits that failed and fell back to linear
	Samples        int
}

// Add accumulates o into s.
func (s *ResampleStats) Add(o ResampleStats) {
	s.Parts += o.Parts
	s.SplineParts += o.SplineParts
	s.LinearParts += o.LinearParts
	s.FishySegments += o.FishySegments
	s.SplineFailures += o.SplineFailures
	s.Samples += o.Samples
}

// Resampler puts one source's measurements on a regular time grid. It is
// not safe for concurrent use.
type Resampler struct {
	cfg  ResampleConfig
	proj *projection.Handler
}

// NewResampler creates a Resampler.
func NewResampler(cfg ResampleConfig) *Resampler {
	return &Resampler{
		cfg:  cfg,
		proj: projection.NewHandler(projection.Settings{}),
	}
}

// Resample returns ms resampled every opts.SampleDT seconds. The stream
// is split where consecutive measurements are more than opts.MaxDT apart
// and each part is interpolated on its own; parts of at least four points
// use an arc-length parameterized cubic spline, others linear
// interpolation. Each part starts with its first and ends with its last
// original measurement. ms must be time ordered and from one source.
func (r *Resampler) Resample(ms []track.Measurement, opts track.InterpOptions) ([]track.Measurement, ResampleStats) {
	var stats ResampleStats
	if !opts.Enabled() || len(ms) == 0 {
		out := append([]track.Measurement(nil), ms...)
		stats.Samples = len(out)
		return out, stats
	}

	incr := time.Duration(math.Round(opts.SampleDT * float64(time.Second)))
	if incr <= 0 {
		incr = time.Millisecond
	}

	var out []track.Measurement
	for _, part := range splitAtGaps(ms, opts.MaxDT) {
		stats.Parts++
		out = append(out, r.resamplePart(part, incr, &stats)...)
	}
	stats.Samples = len(out)
	return out, stats
}

func splitAtGaps(ms []track.Measurement, maxDT float64) [][]track.Measurement {
	var parts [][]track.Measurement
	start := 0
	for i := 1; i < len(ms); i++ {
		if track.Seconds(ms[i-1].Time, ms[i].Time) > maxDT {
			parts = append(parts, ms[start:i])
			start = i
		}
	}
	return append(parts, ms[start:])
}

func (r *Resampler) resamplePart(part []track.Measurement, incr time.Duration, stats *ResampleStats) []track.Measurement {
	// Work in a frame centered on the part's first measurement.
	local := make([]track.Measurement, len(part))
	copy(local, part)
	r.proj.InitProjection(part[0].Lat, part[0].Lon)
	for i := range local {
		local[i].X, local[i].Y = r.proj.Project(local[i].Lat, local[i].Lon)
	}

	var out []track.Measurement
	if len(local) < minSplineKnots {
		stats.LinearParts++
		out = r.linear(local, incr)
	} else {
		out = r.spline(local, incr, stats)
	}

	for i := range out {
		if out[i].Interp {
			out[i].Lat, out[i].Lon = r.proj.Unproject(out[i].X, out[i].Y)
		}
	}
	return out
}

func (r *Resampler) linear(ms []track.Measurement, incr time.Duration) []track.Measurement {
	out := []track.Measurement{ms[0]}
	if len(ms) == 1 {
		return out
	}

	tcur := ms[0].Time.Add(incr)
	for i := 1; i < len(ms); i++ {
		m0, m1 := &ms[i-1], &ms[i]
		dt01 := track.Seconds(m0.Time, m1.Time)

		for !tcur.Before(m0.Time) && tcur.Before(m1.Time) {
			if dt01 < r.cfg.MinDT {
				// Near-zero interval: keep the second measurement.
				out = append(out, *m1)
				tcur = tcur.Add(incr)
				break
			}
			f := track.Seconds(m0.Time, tcur) / dt01
			out = append(out, sample(Lerp(m0.X, m1.X, f), Lerp(m0.Y, m1.Y, f), tcur, m0, m1, f))
			tcur = tcur.Add(incr)
		}
	}
	return finalize(out, ms[len(ms)-1], incr)
}

func (r *Resampler) spline(ms []track.Measurement, incr time.Duration, stats *ResampleStats) []track.Measurement {
	// Step 1: pick knots, skipping points that are too close in space or
	// time to give a strictly increasing arc-length parameter.
	idx := []int{0}
	params := []float64{0}
	xs := []float64{ms[0].X}
	ys := []float64{ms[0].Y}
	total := 0.0
	for i := 1; i < len(ms); i++ {
		last := &ms[idx[len(idx)-1]]
		d := floats.Distance([]float64{last.X, last.Y}, []float64{ms[i].X, ms[i].Y}, 2)
		if d < r.cfg.MinLen || track.Seconds(last.Time, ms[i].Time) < r.cfg.MinDT {
			continue
		}
		total += d
		idx = append(idx, i)
		params = append(params, total)
		xs = append(xs, ms[i].X)
		ys = append(ys, ms[i].Y)
	}
	if len(idx) < minSplineKnots {
		stats.LinearParts++
		return r.linear(ms, incr)
	}
	floats.Scale(1/total, params)

	// Step 2: fit x(p) and y(p).
	var sx, sy gonuminterp.NaturalCubic
	if err := sx.Fit(params, xs); err != nil {
		stats.SplineFailures++
		stats.LinearParts++
		return r.linear(ms, incr)
	}
	if err := sy.Fit(params, ys); err != nil {
		stats.SplineFailures++
		stats.LinearParts++
		return r.linear(ms, incr)
	}
	stats.SplineParts++

	// Step 3: sample each knot segment, replacing segments whose samples
	// stray too far from the chord with linear interpolation.
	first := ms[idx[0]]
	out := []track.Measurement{first}
	tcur := first.Time.Add(incr)
	var seg []track.Measurement
	for k := 1; k < len(idx); k++ {
		m0, m1 := &ms[idx[k-1]], &ms[idx[k]]
		dt01 := track.Seconds(m0.Time, m1.Time)

		seg = seg[:0]
		t := tcur
		for !t.Before(m0.Time) && t.Before(m1.Time) {
			f := track.Seconds(m0.Time, t) / dt01
			p := Lerp(params[k-1], params[k], f)
			seg = append(seg, sample(sx.Predict(p), sy.Predict(p), t, m0, m1, f))
			t = t.Add(incr)
		}

		if r.cfg.CheckFishySegments && r.fishy(m0, m1, seg) {
			stats.FishySegments++
			for i := range seg {
				f := track.Seconds(m0.Time, seg[i].Time) / dt01
				seg[i].X = Lerp(m0.X, m1.X, f)
				seg[i].Y = Lerp(m0.Y, m1.Y, f)
			}
		}

		tcur = t
		out = append(out, seg...)
	}
	return finalize(out, ms[len(ms)-1], incr)
}

// fishy reports whether any sample lies further from the segment midpoint
// than MaxSegmentDistanceFactor times the segment length.
func (r *Resampler) fishy(m0, m1 *track.Measurement, seg []track.Measurement) bool {
	dSeg := math.Hypot(m1.X-m0.X, m1.Y-m0.Y)
	dMax := dSeg * r.cfg.MaxSegmentDistanceFactor
	midX, midY := 0.5*(m0.X+m1.X), 0.5*(m0.Y+m1.Y)
	for i := range seg {
		if math.Hypot(seg[i].X-midX, seg[i].Y-midY) > dMax {
			return true
		}
	}
	return false
}

// finalize ends the samples on the last original measurement. A last grid
// sample closer than half an increment to it is replaced.
func finalize(out []track.Measurement, last track.Measurement, incr time.Duration) []track.Measurement {
	if n := len(out); n >= 2 && last.Time.Sub(out[n-1].Time) < incr/2 {
		out = out[:n-1]
	}
	if n := len(out); n > 0 && !out[n-1].Time.Before(last.Time) {
		out = out[:n-1]
	}
	return append(out, last)
}

// sample synthesizes a measurement at t between m0 and m1 at fraction f.
func sample(x, y float64, t time.Time, m0, m1 *track.Measurement, f float64) track.Measurement {
	s := track.Measurement{
		SourceID: m0.SourceID,
		Time:     t,
		X:        x,
		Y:        y,
		Interp:   true,
	}
	if m0.HasVel && m1.HasVel {
		s.HasVel = true
		s.VX, s.VY = lerpPolar(m0.VX, m0.VY, m1.VX, m1.VY, f)
	}
	if m0.HasAcc && m1.HasAcc {
		s.HasAcc = true
		s.AX, s.AY = lerpPolar(m0.AX, m0.AY, m1.AX, m1.AY, f)
	}
	if m0.HasStdDevPos && m1.HasStdDevPos {
		s.HasStdDevPos = true
		s.XStdDev = lerpStdDev(m0.XStdDev, m1.XStdDev, f)
		s.YStdDev = lerpStdDev(m0.YStdDev, m1.YStdDev, f)
		s.XYCov = Lerp(m0.XYCov, m1.XYCov, f)
	}
	if m0.HasStdDevVel && m1.HasStdDevVel {
		s.HasStdDevVel = true
		s.VXStdDev = lerpStdDev(m0.VXStdDev, m1.VXStdDev, f)
		s.VYStdDev = lerpStdDev(m0.VYStdDev, m1.VYStdDev, f)
	}
	if m0.HasStdDevAcc && m1.HasStdDevAcc {
		s.HasStdDevAcc = true
		s.AXStdDev = lerpStdDev(m0.AXStdDev, m1.AXStdDev, f)
		s.AYStdDev = lerpStdDev(m0.AYStdDev, m1.AYStdDev, f)
	}
	return s
}

// lerpStdDev blends two stddevs through their variances.
func lerpStdDev(s0, s1, f float64) float64 {
	return math.Sqrt(Lerp(s0*s0, s1*s1, f))
}

// lerpPolar interpolates a 2D vector by magnitude and heading. Near-zero
// vectors have no usable heading and are interpolated per component.
func lerpPolar(x0, y0, x1, y1, f float64) (float64, float64) {
	s0, s1 := math.Hypot(x0, y0), math.Hypot(x1, y1)
	if s0 < 1e-7 || s1 < 1e-7 {
		return Lerp(x0, x1, f), Lerp(y0, y1, f)
	}
	a0, a1 := math.Atan2(y0, x0), math.Atan2(y1, x1)
	a := a0 + f*angleDiff(a1, a0)
	s := Lerp(s0, s1, f)
	return s * math.Cos(a), s * math.Sin(a)
}

// angleDiff returns a1 - a0 wrapped to [-π, π].
func angleDiff(a1, a0 float64) float64 {
	d := math.Mod(a1-a0, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}
