package reconstruct

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/trackrecon/internal/estimator"
	"github.com/banshee-data/trackrecon/internal/interp"
	"github.com/banshee-data/trackrecon/internal/kalman"
	"github.com/banshee-data/trackrecon/internal/projection"
	"github.com/banshee-data/trackrecon/internal/track"
)

// ErrNoMeasurements is returned when a target has nothing to reconstruct.
var ErrNoMeasurements = errors.New("reconstruct: no measurements")

// FailPolicy decides what happens to a chain whose smoothing or
// resampling failed.
type FailPolicy string

const (
	PolicyKeep FailPolicy = "keep" // keep the chain as it was before the failed stage
	PolicyDrop FailPolicy = "drop" // drop the chain
	PolicyFail FailPolicy = "fail" // fail the whole target
)

// ParseFailPolicy validates a configuration string.
func ParseFailPolicy(s string) (FailPolicy, error) {
	switch FailPolicy(s) {
	case "":
		return PolicyKeep, nil
	case PolicyKeep, PolicyDrop, PolicyFail:
		return FailPolicy(s), nil
	}
	return "", fmt.Errorf("unknown fail policy %q", s)
}

// Settings configures reconstruction. A Settings value and everything it
// points to is read-only once reconstruction starts and is shared between
// all targets.
type Settings struct {
	Model       kalman.Model
	Estimator   estimator.Settings
	Uncertainty *track.UncertaintyTable

	MinChainSize int
	Smooth       bool

	ResampleResult bool
	ResampleDT     float64 // seconds

	SmoothFailPolicy   FailPolicy
	ResampleFailPolicy FailPolicy

	// Prefilter resamples the raw measurements of listed sources before
	// filtering.
	Prefilter       map[uint32]track.InterpOptions
	PrefilterConfig interp.ResampleConfig
}

// DefaultSettings returns production-default reconstruction settings.
func DefaultSettings() Settings {
	return Settings{
		Model:              kalman.NewCV(),
		Estimator:          estimator.DefaultSettings(),
		MinChainSize:       2,
		Smooth:             true,
		ResampleResult:     true,
		ResampleDT:         2,
		SmoothFailPolicy:   PolicyKeep,
		ResampleFailPolicy: PolicyKeep,
		PrefilterConfig:    interp.DefaultResampleConfig(),
	}
}

// Slice describes where a target's measurements sit in a sliced run.
// Retained holds the filter updates of the previous slice; the zero Slice
// is a standalone run.
type Slice struct {
	Begin        time.Time
	RemoveBefore time.Time
	Retained     []estimator.Update
}

// First reports whether the slice has no predecessor.
func (s Slice) First() bool {
	return len(s.Retained) == 0
}

// JoinThreshold returns the time at which the previous slice hands over,
// halfway through the overlap.
func (s Slice) JoinThreshold() time.Time {
	return s.RemoveBefore.Add(s.Begin.Sub(s.RemoveBefore) / 2)
}

// Result is the reconstruction of one target.
type Result struct {
	TargetID string
	// Chains holds the References of every kept chain in time order.
	Chains [][]track.Reference
	// Updates holds the unsmoothed filter updates, the material the next
	// slice is seeded from.
	Updates []estimator.Update
	Summary Summary
}

// References returns all chains concatenated.
func (r *Result) References() []track.Reference {
	var n int
	for _, c := range r.Chains {
		n += len(c)
	}
	out := make([]track.Reference, 0, n)
	for _, c := range r.Chains {
		out = append(out, c...)
	}
	return out
}

// Last returns the last filter update, the seed of a following slice.
func (r *Result) Last() (estimator.Update, bool) {
	if len(r.Updates) == 0 {
		return estimator.Update{}, false
	}
	return r.Updates[len(r.Updates)-1], true
}

// Reconstructor reconstructs targets one at a time. It is not safe for
// concurrent use; parallel runs use one Reconstructor per goroutine.
type Reconstructor struct {
	settings  Settings
	est       *estimator.Estimator
	resampler *interp.Resampler
}

// New creates a Reconstructor.
func New(settings Settings) *Reconstructor {
	model := settings.Model
	if model == nil {
		model = kalman.NewCV()
	}
	return &Reconstructor{
		settings:  settings,
		est:       estimator.New(model, settings.Estimator, settings.Uncertainty),
		resampler: interp.NewResampler(settings.PrefilterConfig),
	}
}

// Reconstruct runs a standalone reconstruction of one target. The bool
// is false when no References were produced. An error means the target
// failed; ErrNoMeasurements marks an empty target.
func (r *Reconstructor) Reconstruct(targetID string, ms []track.Measurement) (Result, bool, error) {
	return r.ReconstructSlice(targetID, ms, Slice{})
}

// ReconstructSlice reconstructs one target within a slice. Retained
// updates in [RemoveBefore, join) continue the first chain and the last
// of them seeds the filter; measurements before join are skipped. Only
// References at or after join are produced for a slice with a
// predecessor.
func (r *Reconstructor) ReconstructSlice(targetID string, ms []track.Measurement, slice Slice) (Result, bool, error) {
	res := Result{TargetID: targetID}
	r.est.Reset()

	var kept []estimator.Update
	var join time.Time
	if !slice.First() {
		join = slice.JoinThreshold()
		for _, u := range slice.Retained {
			if u.Time.Before(slice.RemoveBefore) || !u.Time.Before(join) {
				continue
			}
			kept = append(kept, u)
		}
	}

	sorted := make([]track.Measurement, 0, len(ms))
	for _, m := range ms {
		if !join.IsZero() && m.Time.Before(join) {
			continue
		}
		sorted = append(sorted, m)
	}
	if len(sorted) == 0 {
		res.Updates = kept
		res.Summary.TargetsEmpty = 1
		return res, false, ErrNoMeasurements
	}
	track.SortMeasurements(sorted)
	res.Summary.Measurements = len(sorted)

	sorted = r.prefilter(sorted, &res.Summary)

	chains, err := r.buildChains(sorted, kept, &res)
	if err != nil {
		res.Summary.TargetsFailed = 1
		return res, false, err
	}

	for _, c := range chains {
		refs, err := r.finishChain(c, join, &res.Summary)
		if err != nil {
			res.Summary.TargetsFailed = 1
			res.Chains = nil
			return res, false, fmt.Errorf("failed to finish chain at %s for target %s: %w",
				c[0].Time.Format(time.RFC3339Nano), targetID, err)
		}
		if len(refs) > 0 {
			res.Chains = append(res.Chains, refs)
		}
	}

	if len(res.Chains) == 0 {
		res.Summary.TargetsEmpty = 1
		return res, false, nil
	}
	res.Summary.TargetsOK = 1
	return res, true, nil
}

// prefilter resamples the sources configured for it and merges the
// result back into one ordered stream.
func (r *Reconstructor) prefilter(ms []track.Measurement, sum *Summary) []track.Measurement {
	if len(r.settings.Prefilter) == 0 {
		return ms
	}

	bySource, ids := track.BySource(ms)
	out := make([]track.Measurement, 0, len(ms))
	for _, id := range ids {
		opts, ok := r.settings.Prefilter[id]
		if !ok || !opts.Enabled() {
			out = append(out, bySource[id]...)
			continue
		}
		resampled, stats := r.resampler.Resample(bySource[id], opts)
		sum.PrefilterParts += stats.Parts
		sum.PrefilterSplineParts += stats.SplineParts
		sum.PrefilterFishySegments += stats.FishySegments
		sum.PrefilterSplineFailures += stats.SplineFailures
		sum.PrefilterSamples += stats.Samples
		out = append(out, resampled...)
	}
	track.SortMeasurements(out)
	return out
}

// buildChains steps every measurement through the estimator and splits
// the updates into chains at reinitializations.
func (r *Reconstructor) buildChains(ms []track.Measurement, kept []estimator.Update, res *Result) ([][]estimator.Update, error) {
	var chains [][]estimator.Update
	var cur []estimator.Update
	add := func(u estimator.Update) {
		if u.Reinit && len(cur) > 0 {
			chains = append(chains, cur)
			cur = nil
		}
		cur = append(cur, u)
		res.Updates = append(res.Updates, u)
	}

	for _, u := range kept {
		add(u)
	}
	if len(kept) > 0 {
		if err := r.est.InitFromUpdate(kept[len(kept)-1]); err != nil {
			return nil, err
		}
	}

	sum := &res.Summary
	for _, m := range ms {
		u, info := r.est.Step(m)
		switch info.Result {
		case estimator.StepSuccess:
			sum.UpdatesValid++
			if info.Reinit {
				sum.Reinits++
			}
			if info.ReinitAfterFail {
				sum.ReinitsAfterFail.Add(estimator.Categorize(info.Err))
			}
			if info.ProjChanged {
				sum.ProjChanges++
			}
			add(u)
		case estimator.StepFailTooSmall:
			sum.SkippedSteps++
		case estimator.StepFailKalmanError:
			sum.FailedSteps.Add(estimator.Categorize(info.Err))
		case estimator.StepFailResultInvalid:
			sum.InvalidResults++
		}
	}
	if len(cur) > 0 {
		chains = append(chains, cur)
	}
	sum.Chains += len(chains)
	return chains, nil
}

// finishChain smooths and resamples a chain and converts it into
// References. A nil result with a nil error means the chain was dropped.
func (r *Reconstructor) finishChain(chain []estimator.Update, join time.Time, sum *Summary) ([]track.Reference, error) {
	s := r.settings
	if len(chain) < s.MinChainSize {
		sum.ChainsDropped++
		return nil, nil
	}

	work := make([]estimator.Update, len(chain))
	for i := range chain {
		work[i] = chain[i].Clone()
	}

	if s.Smooth {
		if err := r.est.Smooth(work); err != nil {
			sum.SmoothFailed++
			switch s.SmoothFailPolicy {
			case PolicyFail:
				return nil, err
			case PolicyDrop:
				sum.ChainsDropped++
				return nil, nil
			}
		}
	}

	if s.ResampleResult && s.ResampleDT > 0 {
		resampled, stats := r.est.Interpolate(work, s.ResampleDT)
		sum.InterpStepsFailed += stats.StepsFailed
		if stats.StepsFailed > 0 {
			sum.ResampleFailed++
			switch s.ResampleFailPolicy {
			case PolicyFail:
				return nil, fmt.Errorf("resampling failed at %d grid points", stats.StepsFailed)
			case PolicyDrop:
				sum.ChainsDropped++
				return nil, nil
			}
		}
		work = resampled
	}

	refs := make([]track.Reference, 0, len(work))
	for _, u := range work {
		if !join.IsZero() && u.Time.Before(join) {
			continue
		}
		refs = append(refs, r.est.Reference(u))
	}
	sum.References += len(refs)
	sum.PathLength += pathLength(refs)
	return refs, nil
}

func pathLength(refs []track.Reference) float64 {
	var d float64
	for i := 1; i < len(refs); i++ {
		d += projection.GeoDistance(refs[i-1].Lat, refs[i-1].Lon, refs[i].Lat, refs[i].Lon)
	}
	return d
}
