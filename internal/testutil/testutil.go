// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"math/rand"
	"testing"
	"time"

	"github.com/banshee-data/trackrecon/internal/projection"
	"github.com/banshee-data/trackrecon/internal/track"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Epoch is the start time of generated fixtures.
var Epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// Plane builds measurements from local east/north meters around an
// origin, so tests can describe motion in meters and still feed WGS84.
type Plane struct {
	h        *projection.Handler
	T0       time.Time
	SourceID uint32
}

// NewPlane creates a Plane centered on lat, lon starting at Epoch.
func NewPlane(lat, lon float64) *Plane {
	h := projection.NewHandler(projection.Settings{})
	h.InitProjection(lat, lon)
	return &Plane{h: h, T0: Epoch, SourceID: 1}
}

// At returns a position-only measurement sec seconds after T0.
func (p *Plane) At(sec, x, y float64) track.Measurement {
	lat, lon := p.h.Unproject(x, y)
	return track.Measurement{
		SourceID: p.SourceID,
		Time:     track.AddSeconds(p.T0, sec),
		Lat:      lat,
		Lon:      lon,
	}
}

// WithVel returns a measurement carrying a velocity.
func (p *Plane) WithVel(sec, x, y, vx, vy float64) track.Measurement {
	m := p.At(sec, x, y)
	m.HasVel, m.VX, m.VY = true, vx, vy
	return m
}

// Straight returns n noise-free measurements of constant velocity motion
// from the origin, dt seconds apart, each reporting its velocity.
func (p *Plane) Straight(n int, dt, vx, vy float64) []track.Measurement {
	out := make([]track.Measurement, n)
	for i := range out {
		sec := float64(i) * dt
		out[i] = p.WithVel(sec, vx*sec, vy*sec, vx, vy)
	}
	return out
}

// Local converts a WGS84 position back to plane meters.
func (p *Plane) Local(lat, lon float64) (x, y float64) {
	return p.h.Project(lat, lon)
}

// Shuffled returns a deterministically shuffled copy of ms.
func Shuffled(ms []track.Measurement, seed int64) []track.Measurement {
	out := append([]track.Measurement(nil), ms...)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
