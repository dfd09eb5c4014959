package track

import (
	"math"
	"time"
)

// Reference is one finalized trajectory point. References are built once
// from a filter update and never modified afterwards.
type Reference struct {
	Time     time.Time `json:"time"`
	SourceID uint32    `json:"source_id"` // 0 for interpolated points

	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`

	// Position in the local frame of the update that produced this point.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	HasVel bool    `json:"has_vel"`
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`

	HasAcc bool    `json:"has_acc"`
	AX     float64 `json:"ax"`
	AY     float64 `json:"ay"`

	// Full state covariance, row-major, dimensioned by the filter model.
	Cov    []float64 `json:"cov"`
	CovDim int       `json:"cov_dim"`

	XStdDev float64 `json:"x_stddev"`
	YStdDev float64 `json:"y_stddev"`
	XYCov   float64 `json:"xy_cov"`

	ResetPos      bool `json:"reset_pos"`
	NoSpeedPos    bool `json:"nospeed_pos"`
	NoAccelPos    bool `json:"noaccel_pos"`
	NoStdDevPos   bool `json:"nostddev_pos"`
	ProjChangePos bool `json:"projchange_pos"`
	Interpolated  bool `json:"interpolated"`
}

// Speed returns the ground speed in m/s.
func (r *Reference) Speed() float64 {
	if !r.HasVel {
		return 0
	}
	return math.Hypot(r.VX, r.VY)
}

// PositionStdDev returns the larger of the two positional stddevs.
func (r *Reference) PositionStdDev() float64 {
	return math.Max(r.XStdDev, r.YStdDev)
}
