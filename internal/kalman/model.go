package kalman

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackrecon/internal/track"
	"gonum.org/v1/gonum/mat"
)

// Model defines the state-space model a filter runs on. Implementations
// are stateless and may be shared between goroutines.
type Model interface {
	// Name identifies the model in configuration and logs.
	Name() string
	// Dim is the state dimension.
	Dim() int

	// Transition returns F for a time step of dt seconds. dt may be
	// negative for backward prediction.
	Transition(dt float64) *mat.Dense
	// ProcessNoise returns Q for a step of |dt| seconds with the given
	// white noise spectral density.
	ProcessNoise(dt, qVar float64) *mat.Dense
	// MeasurementMatrix returns H.
	MeasurementMatrix() *mat.Dense

	// Measurement builds z and R from a projected measurement. Quantities
	// the measurement does not report are zero in z with variance
	// highVar in R; reported quantities without their own accuracy use
	// unc.
	Measurement(m *track.Measurement, unc track.Uncertainty, highVar float64) (*mat.VecDense, *mat.Dense)
	// InitState creates a state directly from a projected measurement.
	InitState(m *track.Measurement, unc track.Uncertainty, highVar float64) State

	Position(x mat.Vector) (px, py float64)
	SetPosition(x *mat.VecDense, px, py float64)
	Velocity(x mat.Vector) (vx, vy float64)
	// Acceleration reports false if the model does not track acceleration.
	Acceleration(x mat.Vector) (ax, ay float64, ok bool)
	// PositionCov returns var(x), var(y) and cov(x, y) from P.
	PositionCov(p mat.Matrix) (varX, varY, covXY float64)
	// VelocityVar returns var(vx) and var(vy) from P.
	VelocityVar(p mat.Matrix) (varVX, varVY float64)

	// CheckState validates a state produced by this model.
	CheckState(s State) error
}

// Kinematic is a per-axis polynomial motion model on two independent
// axes. Order 2 tracks position and velocity, order 3 adds acceleration.
// The state layout is [x, vx, (ax), y, vy, (ay)].
type Kinematic struct {
	order int
	name  string
}

// NewCV returns the constant velocity model, state [x, vx, y, vy].
func NewCV() *Kinematic {
	return &Kinematic{order: 2, name: "cv"}
}

// NewCA returns the constant acceleration model, state
// [x, vx, ax, y, vy, ay].
func NewCA() *Kinematic {
	return &Kinematic{order: 3, name: "ca"}
}

// NewModel returns the model registered under name.
func NewModel(name string) (Model, error) {
	switch name {
	case "", "cv":
		return NewCV(), nil
	case "ca":
		return NewCA(), nil
	}
	return nil, fmt.Errorf("unknown filter model %q", name)
}

// Name implements Model.
func (k *Kinematic) Name() string { return k.name }

// Dim implements Model.
func (k *Kinematic) Dim() int { return 2 * k.order }

// Order returns the number of tracked derivatives per axis, including
// position.
func (k *Kinematic) Order() int { return k.order }

func (k *Kinematic) idx(axis, deriv int) int {
	return axis*k.order + deriv
}

// Transition implements Model.
//
// Per axis block:
//
//	order 2: [1 dt]        order 3: [1 dt dt²/2]
//	         [0  1]                 [0  1   dt  ]
//	                                [0  0    1  ]
func (k *Kinematic) Transition(dt float64) *mat.Dense {
	n := k.Dim()
	f := mat.NewDense(n, n, nil)
	for axis := 0; axis < 2; axis++ {
		for i := 0; i < k.order; i++ {
			f.Set(k.idx(axis, i), k.idx(axis, i), 1)
			if i+1 < k.order {
				f.Set(k.idx(axis, i), k.idx(axis, i+1), dt)
			}
			if i+2 < k.order {
				f.Set(k.idx(axis, i), k.idx(axis, i+2), 0.5*dt*dt)
			}
		}
	}
	return f
}

// ProcessNoise implements Model using continuous white noise on the
// highest tracked derivative of each axis.
func (k *Kinematic) ProcessNoise(dt, qVar float64) *mat.Dense {
	block := ContinuousWhiteNoise(k.order, dt, qVar)
	n := k.Dim()
	q := mat.NewDense(n, n, nil)
	for axis := 0; axis < 2; axis++ {
		off := axis * k.order
		for i := 0; i < k.order; i++ {
			for j := 0; j < k.order; j++ {
				q.Set(off+i, off+j, block.At(i, j))
			}
		}
	}
	return q
}

// MeasurementMatrix implements Model. Every state component is observed,
// unreported ones with a very large variance.
func (k *Kinematic) MeasurementMatrix() *mat.Dense {
	n := k.Dim()
	h := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		h.Set(i, i, 1)
	}
	return h
}

// Measurement implements Model.
func (k *Kinematic) Measurement(m *track.Measurement, unc track.Uncertainty, highVar float64) (*mat.VecDense, *mat.Dense) {
	n := k.Dim()
	z := mat.NewVecDense(n, nil)
	r := mat.NewDense(n, n, nil)

	// Position
	ix, iy := k.idx(0, 0), k.idx(1, 0)
	z.SetVec(ix, m.X)
	z.SetVec(iy, m.Y)
	if m.HasStdDevPos {
		r.Set(ix, ix, m.XStdDev*m.XStdDev)
		r.Set(iy, iy, m.YStdDev*m.YStdDev)
		r.Set(ix, iy, m.XYCov)
		r.Set(iy, ix, m.XYCov)
	} else {
		r.Set(ix, ix, unc.PosVar)
		r.Set(iy, iy, unc.PosVar)
	}

	// Velocity
	ivx, ivy := k.idx(0, 1), k.idx(1, 1)
	switch {
	case !m.HasVel:
		r.Set(ivx, ivx, highVar)
		r.Set(ivy, ivy, highVar)
	case m.HasStdDevVel:
		z.SetVec(ivx, m.VX)
		z.SetVec(ivy, m.VY)
		r.Set(ivx, ivx, m.VXStdDev*m.VXStdDev)
		r.Set(ivy, ivy, m.VYStdDev*m.VYStdDev)
	default:
		z.SetVec(ivx, m.VX)
		z.SetVec(ivy, m.VY)
		r.Set(ivx, ivx, unc.SpeedVar)
		r.Set(ivy, ivy, unc.SpeedVar)
	}

	if k.order < 3 {
		return z, r
	}

	// Acceleration
	iax, iay := k.idx(0, 2), k.idx(1, 2)
	switch {
	case !m.HasAcc:
		r.Set(iax, iax, highVar)
		r.Set(iay, iay, highVar)
	case m.HasStdDevAcc:
		z.SetVec(iax, m.AX)
		z.SetVec(iay, m.AY)
		r.Set(iax, iax, m.AXStdDev*m.AXStdDev)
		r.Set(iay, iay, m.AYStdDev*m.AYStdDev)
	default:
		z.SetVec(iax, m.AX)
		z.SetVec(iay, m.AY)
		r.Set(iax, iax, unc.AccVar)
		r.Set(iay, iay, unc.AccVar)
	}
	return z, r
}

// InitState implements Model. The state is the measurement itself and
// the covariance is the measurement noise.
func (k *Kinematic) InitState(m *track.Measurement, unc track.Uncertainty, highVar float64) State {
	z, r := k.Measurement(m, unc, highVar)
	return State{X: z, P: r}
}

// Position implements Model.
func (k *Kinematic) Position(x mat.Vector) (float64, float64) {
	return x.AtVec(k.idx(0, 0)), x.AtVec(k.idx(1, 0))
}

// SetPosition implements Model.
func (k *Kinematic) SetPosition(x *mat.VecDense, px, py float64) {
	x.SetVec(k.idx(0, 0), px)
	x.SetVec(k.idx(1, 0), py)
}

// Velocity implements Model.
func (k *Kinematic) Velocity(x mat.Vector) (float64, float64) {
	return x.AtVec(k.idx(0, 1)), x.AtVec(k.idx(1, 1))
}

// Acceleration implements Model.
func (k *Kinematic) Acceleration(x mat.Vector) (float64, float64, bool) {
	if k.order < 3 {
		return 0, 0, false
	}
	return x.AtVec(k.idx(0, 2)), x.AtVec(k.idx(1, 2)), true
}

// PositionCov implements Model.
func (k *Kinematic) PositionCov(p mat.Matrix) (float64, float64, float64) {
	ix, iy := k.idx(0, 0), k.idx(1, 0)
	return p.At(ix, ix), p.At(iy, iy), p.At(ix, iy)
}

// VelocityVar implements Model.
func (k *Kinematic) VelocityVar(p mat.Matrix) (float64, float64) {
	ivx, ivy := k.idx(0, 1), k.idx(1, 1)
	return p.At(ivx, ivx), p.At(ivy, ivy)
}

// CheckState implements Model.
func (k *Kinematic) CheckState(s State) error {
	if s.Dim() != k.Dim() {
		return fmt.Errorf("%w: state of %d for model %s", ErrDimension, s.Dim(), k.name)
	}
	if err := s.Check(); err != nil {
		return err
	}
	// Check covers the diagonal only.
	if _, _, cxy := k.PositionCov(s.P); math.IsNaN(cxy) || math.IsInf(cxy, 0) {
		return fmt.Errorf("%w: position covariance xy = %v", ErrInvalidState, cxy)
	}
	return nil
}
