package reconstruct

import (
	"fmt"
	"strings"

	"github.com/banshee-data/trackrecon/internal/estimator"
)

// FailCounts tallies filter failures by category.
type FailCounts struct {
	Numeric  int `json:"numeric"`
	BadState int `json:"badstate"`
	Other    int `json:"other"`
}

// Add counts one failure of the given category.
func (c *FailCounts) Add(cat estimator.FailCategory) {
	switch cat {
	case estimator.FailNumeric:
		c.Numeric++
	case estimator.FailBadState:
		c.BadState++
	default:
		c.Other++
	}
}

// Total returns the number of failures over all categories.
func (c FailCounts) Total() int {
	return c.Numeric + c.BadState + c.Other
}

func (c *FailCounts) merge(o FailCounts) {
	c.Numeric += o.Numeric
	c.BadState += o.BadState
	c.Other += o.Other
}

// Summary counts what reconstruction did. Summaries of independent
// targets are combined with Merge.
type Summary struct {
	TargetsOK     int `json:"targets_ok"`
	TargetsEmpty  int `json:"targets_empty"`
	TargetsFailed int `json:"targets_failed"`

	Measurements int `json:"measurements"`

	PrefilterParts          int `json:"prefilter_parts"`
	PrefilterSplineParts    int `json:"prefilter_spline_parts"`
	PrefilterFishySegments  int `json:"prefilter_fishy_segments"`
	PrefilterSplineFailures int `json:"prefilter_spline_failures"`
	PrefilterSamples        int `json:"prefilter_samples"`

	UpdatesValid     int        `json:"updates_valid"`
	Reinits          int        `json:"reinits"`
	ReinitsAfterFail FailCounts `json:"reinits_after_fail"`
	FailedSteps      FailCounts `json:"failed_steps"`
	SkippedSteps     int        `json:"skipped_steps"`
	InvalidResults   int        `json:"invalid_results"`
	ProjChanges      int        `json:"proj_changes"`

	Chains            int `json:"chains"`
	ChainsDropped     int `json:"chains_dropped"`
	SmoothFailed      int `json:"smooth_failed"`
	ResampleFailed    int `json:"resample_failed"`
	InterpStepsFailed int `json:"interp_steps_failed"`

	References int     `json:"references"`
	PathLength float64 `json:"path_length_m"`
}

// Merge adds o into s.
func (s *Summary) Merge(o Summary) {
	s.TargetsOK += o.TargetsOK
	s.TargetsEmpty += o.TargetsEmpty
	s.TargetsFailed += o.TargetsFailed
	s.Measurements += o.Measurements
	s.PrefilterParts += o.PrefilterParts
	s.PrefilterSplineParts += o.PrefilterSplineParts
	s.PrefilterFishySegments += o.PrefilterFishySegments
	s.PrefilterSplineFailures += o.PrefilterSplineFailures
	s.PrefilterSamples += o.PrefilterSamples
	s.UpdatesValid += o.UpdatesValid
	s.Reinits += o.Reinits
	s.ReinitsAfterFail.merge(o.ReinitsAfterFail)
	s.FailedSteps.merge(o.FailedSteps)
	s.SkippedSteps += o.SkippedSteps
	s.InvalidResults += o.InvalidResults
	s.ProjChanges += o.ProjChanges
	s.Chains += o.Chains
	s.ChainsDropped += o.ChainsDropped
	s.SmoothFailed += o.SmoothFailed
	s.ResampleFailed += o.ResampleFailed
	s.InterpStepsFailed += o.InterpStepsFailed
	s.References += o.References
	s.PathLength += o.PathLength
}

// String renders the summary as a compact single line for logs.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "targets ok=%d empty=%d failed=%d", s.TargetsOK, s.TargetsEmpty, s.TargetsFailed)
	fmt.Fprintf(&b, " measurements=%d updates=%d reinits=%d", s.Measurements, s.UpdatesValid, s.Reinits)
	fmt.Fprintf(&b, " reinits_after_fail=%d failed_steps=%d skipped=%d invalid=%d",
		s.ReinitsAfterFail.Total(), s.FailedSteps.Total(), s.SkippedSteps, s.InvalidResults)
	fmt.Fprintf(&b, " chains=%d dropped=%d smooth_failed=%d resample_failed=%d",
		s.Chains, s.ChainsDropped, s.SmoothFailed, s.ResampleFailed)
	if s.PrefilterParts > 0 {
		fmt.Fprintf(&b, " prefilter_parts=%d fishy=%d", s.PrefilterParts, s.PrefilterFishySegments)
	}
	fmt.Fprintf(&b, " references=%d path=%.1fkm", s.References, s.PathLength/1000)
	return b.String()
}
