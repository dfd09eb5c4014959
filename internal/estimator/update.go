package estimator

import (
	"errors"
	"time"

	"github.com/banshee-data/trackrecon/internal/kalman"
	"github.com/banshee-data/trackrecon/internal/projection"
)

// Update is one filter result: the state at Time together with the
// projection center its position is expressed in.
type Update struct {
	Time     time.Time
	State    kalman.State
	Center   projection.Center
	SourceID uint32 // source of the defining measurement, 0 when synthesized

	Reinit     bool // the filter was (re)initialized from this measurement
	ProjChange bool // the projection was re-centered at this update
	Valid      bool

	// WGS84 position, set when Settings.StoreWGS84 is on.
	HasWGS84 bool
	Lat, Lon float64

	NoSpeed  bool // defining measurement had no velocity
	NoAccel  bool // defining measurement had no acceleration
	NoStdDev bool // defining measurement had no position accuracy
	Interp   bool // produced by resampling, not by a measurement
}

// Clone returns a deep copy of u.
func (u Update) Clone() Update {
	u.State = u.State.Clone()
	return u
}

// StepInfo describes what happened during a Step.
type StepInfo struct {
	Result          StepResult
	Reinit          bool // the update starts a new chain
	ProjChanged     bool
	ReinitAfterFail bool
	Err             error // filter error behind a failure or a recovery
}

// InterpStats counts the outcome of Interpolate.
type InterpStats struct {
	Points      int // grid points emitted, including the chain endpoints
	StepsFailed int // grid points omitted because a prediction failed
}

// FailCategory classifies filter errors for summary counters.
type FailCategory string

const (
	FailNumeric  FailCategory = "numeric"  // singular matrix
	FailBadState FailCategory = "badstate" // non-finite or inconsistent state
	FailOther    FailCategory = "other"
)

// Categorize maps an error returned by the filter to a FailCategory.
func Categorize(err error) FailCategory {
	switch {
	case errors.Is(err, kalman.ErrSingular):
		return FailNumeric
	case errors.Is(err, kalman.ErrInvalidState), errors.Is(err, kalman.ErrDimension):
		return FailBadState
	}
	return FailOther
}
