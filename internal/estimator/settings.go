package estimator

import (
	"fmt"
	"strings"

	"github.com/banshee-data/trackrecon/internal/interp"
	"github.com/banshee-data/trackrecon/internal/projection"
)

// StepResult is the outcome of Step.
type StepResult string

const (
	StepSuccess           StepResult = "success"
	StepFailTooSmall      StepResult = "fail_step_too_small" // dt below MinDT, state untouched
	StepFailKalmanError   StepResult = "fail_kalman_error"   // numerical failure, state untouched
	StepFailResultInvalid StepResult = "fail_result_invalid" // recovery produced an invalid state
)

// StepFailStrategy selects what Step does when the filter update fails.
type StepFailStrategy string

const (
	FailReinit        StepFailStrategy = "reinit"         // restart from the measurement
	FailReturnInvalid StepFailStrategy = "return_invalid" // report and keep the prior state
	FailAssert        StepFailStrategy = "assert"         // panic
)

// ParseStepFailStrategy validates a configuration string.
func ParseStepFailStrategy(s string) (StepFailStrategy, error) {
	switch StepFailStrategy(s) {
	case "":
		return FailReinit, nil
	case FailReinit, FailReturnInvalid, FailAssert:
		return StepFailStrategy(s), nil
	}
	return "", fmt.Errorf("unknown step fail strategy %q", s)
}

// ReinitCheck is a set of conditions that force a reinitialization.
type ReinitCheck uint8

const (
	CheckTime     ReinitCheck = 1 << iota // gap longer than MaxDT
	CheckDistance                         // jump further than MaxDistance
)

// Has reports whether all checks in o are enabled in c.
func (c ReinitCheck) Has(o ReinitCheck) bool {
	return c&o == o
}

func (c ReinitCheck) String() string {
	var parts []string
	if c.Has(CheckTime) {
		parts = append(parts, "time")
	}
	if c.Has(CheckDistance) {
		parts = append(parts, "distance")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseReinitChecks converts configuration names into a ReinitCheck set.
// An empty list disables both checks.
func ParseReinitChecks(names []string) (ReinitCheck, error) {
	var c ReinitCheck
	for _, n := range names {
		switch n {
		case "time":
			c |= CheckTime
		case "distance":
			c |= CheckDistance
		default:
			return 0, fmt.Errorf("unknown reinit check %q", n)
		}
	}
	return c, nil
}

// Settings holds every threshold an Estimator uses. Times are seconds,
// distances meters, noise parameters standard deviations.
type Settings struct {
	MinDT       float64
	MaxDT       float64
	MaxDistance float64
	ReinitCheck ReinitCheck

	QStd     float64 // process noise spectral density
	RStd     float64 // measurement noise when the source has no table entry
	RStdHigh float64 // measurement noise of unreported quantities
	PStd     float64 // initial covariance of measured components
	PStdHigh float64 // initial covariance of unmeasured components

	MinPredDT    float64
	SmoothScale  float64
	ResampleQStd float64
	InterpMode   interp.Mode

	StepFailStrategy StepFailStrategy
	Projection       projection.Settings
	StoreWGS84       bool
}

// DefaultSettings returns production-default estimator settings.
func DefaultSettings() Settings {
	return Settings{
		MinDT:            0.001,
		MaxDT:            11,
		MaxDistance:      50000,
		ReinitCheck:      CheckTime | CheckDistance,
		QStd:             30,
		RStd:             30,
		RStdHigh:         1000,
		PStd:             30,
		PStdHigh:         1000,
		MinPredDT:        0.001,
		SmoothScale:      1,
		ResampleQStd:     10,
		InterpMode:       interp.BlendVar,
		StepFailStrategy: FailReinit,
		Projection:       projection.DefaultSettings(),
	}
}

// QVar returns the filter process noise variance.
func (s Settings) QVar() float64 { return s.QStd * s.QStd }

// ResampleQVar returns the process noise variance used for resampling.
func (s Settings) ResampleQVar() float64 { return s.ResampleQStd * s.ResampleQStd }
