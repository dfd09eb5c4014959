// Package interp provides the interpolation building blocks of the
// reconstruction pipeline.
//
// Responsibilities: weighting policies for blending a forward and a
// backward prediction of the same instant, and resampling of raw sensor
// measurements onto a regular time grid ahead of filtering.
package interp

import (
	"fmt"
	"math"
)

// Mode selects how a forward and a backward estimate of the same instant
// are weighted against each other.
type Mode int

const (
	// BlendLinear weights by elapsed time: f = dt0/dt.
	BlendLinear Mode = iota
	// BlendHalf always weights both sides equally.
	BlendHalf
	// BlendStdDev trusts the side with the smaller positional stddev more.
	BlendStdDev
	// BlendVar trusts the side with the smaller positional variance more.
	BlendVar
)

var modeNames = map[Mode]string{
	BlendLinear: "linear",
	BlendHalf:   "half",
	BlendStdDev: "stddev",
	BlendVar:    "var",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return BlendLinear, fmt.Errorf("unknown interpolation mode %q", s)
}

// Factor returns the weight f of the second estimate, so the blend is
// (1-f)·first + f·second. dt0 is the time from the first estimate's
// origin, dt the full interval. var0 and var1 are the largest positional
// variances of the two estimates.
func Factor(mode Mode, dt0, dt, var0, var1 float64) float64 {
	var f float64
	switch mode {
	case BlendHalf:
		f = 0.5
	case BlendStdDev:
		w0, w1 := math.Sqrt(math.Max(var0, 0)), math.Sqrt(math.Max(var1, 0))
		f = ratio(w0, w1)
	case BlendVar:
		f = ratio(math.Max(var0, 0), math.Max(var1, 0))
	default:
		if dt <= 0 {
			f = 0.5
		} else {
			f = dt0 / dt
		}
	}
	return clamp01(f)
}

// ratio weights the second side by the first side's spread: a confident
// first estimate (small w0) keeps f near 0.
func ratio(w0, w1 float64) float64 {
	sum := w0 + w1
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0.5
	}
	return w0 / sum
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0.5
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Lerp linearly interpolates between a and b.
func Lerp(a, b, f float64) float64 {
	return (1-f)*a + f*b
}
