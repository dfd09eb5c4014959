// Package projection owns the local cartesian frame a target is
// estimated in.
//
// Responsibilities: a local tangent plane centered near the target,
// conversion between WGS84 and local meters, and re-centering the
// frame when the target moves too far from the current center.
// Filter states are only ever meaningful relative to the center they were
// computed in; ReprojectInto moves a state vector between frames without
// mutating the source.
package projection

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/wroge/wgs84"
	"gonum.org/v1/gonum/mat"
)

// CheckPolicy selects how the distance from the projection center is
// evaluated.
type CheckPolicy int

const (
	// CheckCartesian compares the squared local distance of the state
	// position against MaxDistanceCart².
	CheckCartesian CheckPolicy = iota
	// CheckWGS84 compares the latitude and longitude offsets of the state
	// position against MaxDistanceWGS84 degrees.
	CheckWGS84
)

func (p CheckPolicy) String() string {
	switch p {
	case CheckCartesian:
		return "cart"
	case CheckWGS84:
		return "wgs84"
	default:
		return fmt.Sprintf("CheckPolicy(%d)", int(p))
	}
}

// ParseCheckPolicy converts a configuration string into a CheckPolicy.
func ParseCheckPolicy(s string) (CheckPolicy, error) {
	switch s {
	case "", "cart", "cartesian":
		return CheckCartesian, nil
	case "wgs84":
		return CheckWGS84, nil
	}
	return CheckCartesian, fmt.Errorf("unknown projection check %q", s)
}

// Settings controls when the projection is re-centered.
type Settings struct {
	Check            CheckPolicy
	MaxDistanceCart  float64 // meters
	MaxDistanceWGS84 float64 // degrees
}

// DefaultSettings returns production-default re-centering thresholds.
func DefaultSettings() Settings {
	return Settings{
		Check:            CheckCartesian,
		MaxDistanceCart:  20000,
		MaxDistanceWGS84: 0.2,
	}
}

// Center is a projection center in WGS84 degrees.
type Center struct {
	Lat float64 `json:"lat" msgpack:"lat"`
	Lon float64 `json:"lon" msgpack:"lon"`
}

// PositionAccessor reads and writes the position components of a filter
// state vector. kalman.Model implementations satisfy it.
type PositionAccessor interface {
	Position(x mat.Vector) (px, py float64)
	SetPosition(x *mat.VecDense, px, py float64)
}

// frame is a local tangent plane built for one center. Positions are
// east and north meters on the plane touching the WGS84 ellipsoid at the
// center; unprojecting drops back onto the ellipsoid along the local up
// axis, so project and unproject are exact inverses of each other.
type frame struct {
	center    Center
	origin    [3]float64 // ECEF of the center
	east      [3]float64
	north     [3]float64
	up        [3]float64
	projected bool
}

var (
	toECEF = wgs84.Transform(wgs84.WGS84().LonLat(), wgs84.WGS84().XYZ())

	semiMajor = float64(wgs84.A)
	flat      = 1 / wgs84.Fi
	ecc2      = flat * (2 - flat)
	// squared radii scaled so the ellipsoid is x²/a² + y²/a² + z²/b² = 1
	invA2 = 1 / (semiMajor * semiMajor)
	invB2 = 1 / (semiMajor * semiMajor * (1 - ecc2))
)

func newFrame(c Center) frame {
	lat, lon := c.Lat*math.Pi/180, c.Lon*math.Pi/180
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	ox, oy, oz := toECEF(c.Lon, c.Lat, 0)
	return frame{
		center:    c,
		origin:    [3]float64{ox, oy, oz},
		east:      [3]float64{-sinLon, cosLon, 0},
		north:     [3]float64{-sinLat * cosLon, -sinLat * sinLon, cosLat},
		up:        [3]float64{cosLat * cosLon, cosLat * sinLon, sinLat},
		projected: true,
	}
}

func (f frame) project(lat, lon float64) (x, y float64) {
	px, py, pz := toECEF(lon, lat, 0)
	d := [3]float64{px - f.origin[0], py - f.origin[1], pz - f.origin[2]}
	return dot(f.east, d), dot(f.north, d)
}

// unproject intersects the line through the plane point (x, y) along the
// up axis with the ellipsoid and returns the intersection closest to the
// plane. Points beyond the horizon have no intersection and yield NaN.
func (f frame) unproject(x, y float64) (lat, lon float64) {
	var d, p [3]float64
	for i := range d {
		d[i] = x*f.east[i] + y*f.north[i]
		p[i] = f.origin[i] + d[i]
	}

	// q(p + u*up) = a*u² + b*u + c with q the scaled ellipsoid equation.
	// The origin lies on the ellipsoid, so c expands around it.
	a := scaledDot(f.up, f.up)
	b := 2 * scaledDot(p, f.up)
	c := 2*scaledDot(f.origin, d) + scaledDot(d, d)
	disc := b*b - 4*a*c
	if disc < 0 || b <= 0 {
		return math.NaN(), math.NaN()
	}
	u := -2 * c / (b + math.Sqrt(disc))

	ex := p[0] + u*f.up[0]
	ey := p[1] + u*f.up[1]
	ez := p[2] + u*f.up[2]

	// On the ellipsoid tan(lat) = z / ((1-e²) * hypot(x, y)) holds exactly.
	lat = math.Atan2(ez, (1-ecc2)*math.Hypot(ex, ey)) * 180 / math.Pi
	lon = math.Atan2(ey, ex) * 180 / math.Pi
	return lat, lon
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func scaledDot(a, b [3]float64) float64 {
	return (a[0]*b[0]+a[1]*b[1])*invA2 + a[2]*b[2]*invB2
}

// Handler maintains the active projection of one target. It is not safe
// for concurrent use; each target task owns its own Handler.
type Handler struct {
	settings Settings
	current  frame
	// other caches the most recent non-current frame, which is what
	// reference conversion and reprojection ask for almost every time.
	other frame
}

// NewHandler creates a Handler without an active projection.
func NewHandler(settings Settings) *Handler {
	return &Handler{settings: settings}
}

// Settings returns the handler's re-centering settings.
func (h *Handler) Settings() Settings {
	return h.settings
}

// Valid reports whether InitProjection has been called.
func (h *Handler) Valid() bool {
	return h.current.projected
}

// Center returns the active projection center.
func (h *Handler) Center() Center {
	return h.current.center
}

// InitProjection re-centers the projection at the given point. Previously
// projected coordinates are no longer valid in the new frame.
func (h *Handler) InitProjection(lat, lon float64) {
	c := Center{Lat: lat, Lon: lon}
	if h.other.projected && h.other.center == c {
		h.current, h.other = h.other, h.current
		return
	}
	if h.current.projected {
		h.other = h.current
	}
	h.current = newFrame(c)
}

// Project converts WGS84 degrees into local meters.
func (h *Handler) Project(lat, lon float64) (x, y float64) {
	return h.current.project(lat, lon)
}

// Unproject converts local meters into WGS84 degrees.
func (h *Handler) Unproject(x, y float64) (lat, lon float64) {
	return h.current.unproject(x, y)
}

// UnprojectFrom converts local meters expressed relative to center into
// WGS84 degrees without touching the active projection.
func (h *Handler) UnprojectFrom(x, y float64, center Center) (lat, lon float64) {
	return h.frameFor(center).unproject(x, y)
}

// ProjectInto converts WGS84 degrees into local meters relative to center
// without touching the active projection.
func (h *Handler) ProjectInto(lat, lon float64, center Center) (x, y float64) {
	return h.frameFor(center).project(lat, lon)
}

func (h *Handler) frameFor(c Center) frame {
	if h.current.projected && h.current.center == c {
		return h.current
	}
	if !h.other.projected || h.other.center != c {
		h.other = newFrame(c)
	}
	return h.other
}

// NeedsChange reports whether a state position has drifted beyond the
// configured distance from the active center.
func (h *Handler) NeedsChange(px, py float64) bool {
	switch h.settings.Check {
	case CheckWGS84:
		if h.settings.MaxDistanceWGS84 <= 0 {
			return false
		}
		lat, lon := h.Unproject(px, py)
		c := h.current.center
		return math.Abs(lat-c.Lat) > h.settings.MaxDistanceWGS84 ||
			math.Abs(lon-c.Lon) > h.settings.MaxDistanceWGS84
	default:
		if h.settings.MaxDistanceCart <= 0 {
			return false
		}
		return px*px+py*py > h.settings.MaxDistanceCart*h.settings.MaxDistanceCart
	}
}

// ChangeProjectionIfNeeded re-centers the projection at the state position
// when it lies too far from the active center. On change the position
// components of x are set to the origin of the new frame; velocity and
// higher components are kept. Returns whether a change happened.
func (h *Handler) ChangeProjectionIfNeeded(x *mat.VecDense, acc PositionAccessor) bool {
	px, py := acc.Position(x)
	if !h.NeedsChange(px, py) {
		return false
	}

	lat, lon := h.Unproject(px, py)
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	h.InitProjection(lat, lon)
	acc.SetPosition(x, 0, 0)
	return true
}

// ReprojectInto returns a copy of x moved from one center to another.
func (h *Handler) ReprojectInto(x mat.Vector, from, to Center, acc PositionAccessor) *mat.VecDense {
	out := mat.VecDenseCopyOf(x)
	if from == to {
		return out
	}
	px, py := acc.Position(x)
	lat, lon := h.UnprojectFrom(px, py, from)
	nx, ny := h.ProjectInto(lat, lon, to)
	acc.SetPosition(out, nx, ny)
	return out
}

// GeoDistance returns the great-circle distance in meters between two
// WGS84 points.
func GeoDistance(lat0, lon0, lat1, lon1 float64) float64 {
	return geo.Distance(orb.Point{lon0, lat0}, orb.Point{lon1, lat1})
}
