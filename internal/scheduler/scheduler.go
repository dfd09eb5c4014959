// Package scheduler fans reconstruction out over independent targets.
//
// Every target runs in its own task with its own Reconstructor; tasks
// share only the read-only Settings. Results land in a slice indexed by
// target position so the hot path takes no locks.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"time"

	"github.com/banshee-data/trackrecon/internal/monitoring"
	"github.com/banshee-data/trackrecon/internal/reconstruct"
	"github.com/banshee-data/trackrecon/internal/timeutil"
	"github.com/banshee-data/trackrecon/internal/track"
	"golang.org/x/sync/errgroup"
)

var logf = monitoring.Component("scheduler")

// Target is the input of one reconstruction task.
type Target struct {
	ID           string
	Measurements []track.Measurement
	Slice        reconstruct.Slice
}

// Options controls a run.
type Options struct {
	Workers int // defaults to runtime.NumCPU()
	Clock   timeutil.Clock
}

// TargetResult is the outcome of one target.
type TargetResult struct {
	reconstruct.Result
	OK  bool  // References were produced
	Err error // target-level failure; ErrNoMeasurements for empty targets
}

// Outcome is the result of a run.
type Outcome struct {
	Targets []TargetResult // ordered by target id
	Summary reconstruct.Summary
	Elapsed time.Duration
}

// Failed returns the targets that failed, excluding empty ones.
func (o *Outcome) Failed() []TargetResult {
	var out []TargetResult
	for _, t := range o.Targets {
		if t.Err != nil && !errors.Is(t.Err, reconstruct.ErrNoMeasurements) {
			out = append(out, t)
		}
	}
	return out
}

// Run reconstructs all targets in parallel. A failing target is recorded
// in its TargetResult and never stops the others. Cancelling ctx skips
// targets that have not started, waits for running ones and returns
// ctx.Err() with no results.
func Run(ctx context.Context, settings reconstruct.Settings, targets []Target, opts Options) (Outcome, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	sw := timeutil.StartStopwatch(opts.Clock)

	ordered := make([]Target, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	results := make([]TargetResult, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range ordered {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t := ordered[i]
			res, ok, err := reconstruct.New(settings).ReconstructSlice(t.ID, t.Measurements, t.Slice)
			results[i] = TargetResult{Result: res, OK: ok, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Targets: results}
	for _, r := range results {
		out.Summary.Merge(r.Summary)
		if r.Err != nil && !errors.Is(r.Err, reconstruct.ErrNoMeasurements) {
			logf("target %s failed: %v", r.TargetID, r.Err)
		}
	}
	out.Elapsed = sw.Elapsed()
	logf("reconstructed %d targets with %d workers in %s: %s",
		len(results), workers, out.Elapsed.Round(time.Millisecond), out.Summary)
	return out, nil
}
