package estimator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/trackrecon/internal/interp"
	"github.com/banshee-data/trackrecon/internal/kalman"
	"github.com/banshee-data/trackrecon/internal/projection"
	"github.com/banshee-data/trackrecon/internal/track"
	"gonum.org/v1/gonum/mat"
)

// ErrNoState is returned by operations that need a filter state before
// Init has been called.
var ErrNoState = errors.New("estimator: no state")

// Estimator runs the Kalman filter of one target.
type Estimator struct {
	model    kalman.Model
	settings Settings
	unc      *track.UncertaintyTable
	proj     *projection.Handler

	cur      Update
	hasState bool
}

// New creates an Estimator. unc may be nil, in which case every source
// uses the RStd default.
func New(model kalman.Model, settings Settings, unc *track.UncertaintyTable) *Estimator {
	return &Estimator{
		model:    model,
		settings: settings,
		unc:      unc,
		proj:     projection.NewHandler(settings.Projection),
	}
}

// Model returns the filter model.
func (e *Estimator) Model() kalman.Model { return e.model }

// Settings returns the estimator settings.
func (e *Estimator) Settings() Settings { return e.settings }

// Projection returns the target's projection handler.
func (e *Estimator) Projection() *projection.Handler { return e.proj }

// Current returns a copy of the last committed update.
func (e *Estimator) Current() (Update, bool) {
	if !e.hasState {
		return Update{}, false
	}
	return e.cur.Clone(), true
}

// Reset discards the filter state.
func (e *Estimator) Reset() {
	e.cur = Update{}
	e.hasState = false
}

// CheckState validates a state against the filter model.
func (e *Estimator) CheckState(s kalman.State) error {
	return e.model.CheckState(s)
}

func (e *Estimator) uncertainty(sourceID uint32, fallback float64) track.Uncertainty {
	if u, ok := e.unc.Lookup(sourceID); ok {
		return u
	}
	return track.UniformUncertainty(fallback)
}

// Init discards any state and restarts the filter at m, centering the
// projection on it. The returned update has Reinit set. An invalid
// initial state means the measurement was never validated and panics.
func (e *Estimator) Init(m track.Measurement) Update {
	u, err := e.initState(m)
	if err != nil {
		panic(fmt.Sprintf("estimator: invalid initial state for measurement at %s: %v", m.Time.Format(time.RFC3339Nano), err))
	}
	e.commit(u)
	return u
}

func (e *Estimator) initState(m track.Measurement) (Update, error) {
	e.proj.InitProjection(m.Lat, m.Lon)
	m.X, m.Y = e.proj.Project(m.Lat, m.Lon)

	pHigh := e.settings.PStdHigh
	s := e.model.InitState(&m, e.uncertainty(m.SourceID, e.settings.PStd), pHigh*pHigh)
	if err := e.model.CheckState(s); err != nil {
		return Update{}, err
	}

	u := e.newUpdate(m, s)
	u.Reinit = true
	if e.settings.StoreWGS84 {
		e.storeWGS84(&u)
	}
	return u, nil
}

// InitFromUpdate resumes the filter from a previously produced update,
// restoring its projection center and state.
func (e *Estimator) InitFromUpdate(u Update) error {
	if err := e.model.CheckState(u.State); err != nil {
		return fmt.Errorf("failed to resume from update at %s: %w", u.Time.Format(time.RFC3339Nano), err)
	}
	e.proj.InitProjection(u.Center.Lat, u.Center.Lon)
	e.commit(u)
	return nil
}

func (e *Estimator) newUpdate(m track.Measurement, s kalman.State) Update {
	return Update{
		Time:     m.Time,
		State:    s,
		Center:   e.proj.Center(),
		SourceID: m.SourceID,
		Valid:    true,
		NoSpeed:  !m.HasVel,
		NoAccel:  !m.HasAcc,
		NoStdDev: !m.HasStdDevPos,
		Interp:   m.Interp,
	}
}

// commit stores a copy of u as the current state.
func (e *Estimator) commit(u Update) {
	e.cur = u.Clone()
	e.hasState = true
}

// finish re-centers the projection if the state drifted away and fills
// in the WGS84 position.
func (e *Estimator) finish(u *Update) bool {
	changed := e.proj.ChangeProjectionIfNeeded(u.State.X, e.model)
	if changed {
		u.Center = e.proj.Center()
		u.ProjChange = true
	}
	if e.settings.StoreWGS84 {
		e.storeWGS84(u)
	}
	return changed
}

func (e *Estimator) storeWGS84(u *Update) {
	px, py := e.model.Position(u.State.X)
	u.Lat, u.Lon = e.proj.UnprojectFrom(px, py, u.Center)
	u.HasWGS84 = true
}

// Step feeds one measurement to the filter. Measurements must arrive in
// non-decreasing time order. Without a prior state Step initializes.
func (e *Estimator) Step(m track.Measurement) (Update, StepInfo) {
	if !e.hasState {
		return e.Init(m), StepInfo{Result: StepSuccess, Reinit: true}
	}

	dt := track.Seconds(e.cur.Time, m.Time)
	if dt < e.settings.MinDT {
		return Update{}, StepInfo{Result: StepFailTooSmall}
	}

	m.X, m.Y = e.proj.Project(m.Lat, m.Lon)
	if e.needsReinit(m, dt) {
		return e.reinit(m, StepInfo{Result: StepSuccess, Reinit: true})
	}

	u, err := e.filter(m, dt)
	if err != nil {
		switch e.settings.StepFailStrategy {
		case FailReturnInvalid:
			if errors.Is(err, kalman.ErrInvalidState) {
				return Update{}, StepInfo{Result: StepFailResultInvalid, Err: err}
			}
			return Update{}, StepInfo{Result: StepFailKalmanError, Err: err}
		case FailAssert:
			panic(fmt.Sprintf("estimator: filter step at %s failed: %v", m.Time.Format(time.RFC3339Nano), err))
		default:
			return e.reinit(m, StepInfo{Result: StepSuccess, Reinit: true, ReinitAfterFail: true, Err: err})
		}
	}

	info := StepInfo{Result: StepSuccess}
	info.ProjChanged = e.finish(&u)
	e.commit(u)
	return u, info
}

func (e *Estimator) needsReinit(m track.Measurement, dt float64) bool {
	s := e.settings
	if s.ReinitCheck.Has(CheckDistance) {
		// Compare against the position predicted to the measurement time.
		var pred mat.VecDense
		pred.MulVec(e.model.Transition(dt), e.cur.State.X)
		px, py := e.model.Position(&pred)
		dx, dy := m.X-px, m.Y-py
		if dx*dx+dy*dy > s.MaxDistance*s.MaxDistance {
			return true
		}
	}
	return s.ReinitCheck.Has(CheckTime) && dt > s.MaxDT
}

func (e *Estimator) reinit(m track.Measurement, info StepInfo) (Update, StepInfo) {
	u, err := e.initState(m)
	if err != nil {
		// The failed init moved the projection; restore the committed one.
		e.proj.InitProjection(e.cur.Center.Lat, e.cur.Center.Lon)
		return Update{}, StepInfo{Result: StepFailResultInvalid, Err: errors.Join(info.Err, err)}
	}
	info.ProjChanged = e.finish(&u)
	e.commit(u)
	return u, info
}

// filter runs predict and update on a measurement already projected into
// the current frame.
func (e *Estimator) filter(m track.Measurement, dt float64) (Update, error) {
	f := e.model.Transition(dt)
	q := e.model.ProcessNoise(dt, e.settings.QVar())
	pred := kalman.Predict(e.cur.State, f, q)

	rHigh := e.settings.RStdHigh
	z, r := e.model.Measurement(&m, e.uncertainty(m.SourceID, e.settings.RStd), rHigh*rHigh)
	post, err := kalman.Update(pred, z, e.model.MeasurementMatrix(), r)
	if err != nil {
		return Update{}, err
	}
	if err := e.model.CheckState(post); err != nil {
		return Update{}, err
	}
	return e.newUpdate(m, post), nil
}

// PredictUpdate extrapolates ref to t with process noise qVar without
// touching the committed state. Within MinPredDT the reference state is
// reused as is. The result stays in ref's projection frame.
func (e *Estimator) PredictUpdate(ref Update, t time.Time, qVar float64) (Update, error) {
	dt := track.Seconds(ref.Time, t)
	if math.Abs(dt) < e.settings.MinPredDT {
		u := ref.Clone()
		u.Time = t
		return u, nil
	}

	s := kalman.Predict(ref.State, e.model.Transition(dt), e.model.ProcessNoise(dt, qVar))
	if err := e.model.CheckState(s); err != nil {
		return Update{}, fmt.Errorf("failed to predict %.3fs: %w", dt, err)
	}
	return Update{
		Time:     t,
		State:    s,
		Center:   ref.Center,
		SourceID: ref.SourceID,
		Valid:    true,
		NoSpeed:  ref.NoSpeed,
		NoAccel:  ref.NoAccel,
		NoStdDev: ref.NoStdDev,
	}, nil
}

// Predict extrapolates the committed state to t.
func (e *Estimator) Predict(t time.Time) (track.Measurement, error) {
	if !e.hasState {
		return track.Measurement{}, ErrNoState
	}
	return e.PredictFrom(e.cur, t)
}

// PredictFrom extrapolates ref to t and returns the result as a
// measurement with position, velocity and their accuracies.
func (e *Estimator) PredictFrom(ref Update, t time.Time) (track.Measurement, error) {
	u, err := e.PredictUpdate(ref, t, e.settings.QVar())
	if err != nil {
		return track.Measurement{}, err
	}
	return e.toMeasurement(u), nil
}

func (e *Estimator) toMeasurement(u Update) track.Measurement {
	px, py := e.model.Position(u.State.X)
	lat, lon := e.proj.UnprojectFrom(px, py, u.Center)
	vx, vy := e.model.Velocity(u.State.X)
	varX, varY, covXY := e.model.PositionCov(u.State.P)
	varVX, varVY := e.model.VelocityVar(u.State.P)

	m := track.Measurement{
		SourceID:     u.SourceID,
		Time:         u.Time,
		Lat:          lat,
		Lon:          lon,
		X:            px,
		Y:            py,
		HasVel:       true,
		VX:           vx,
		VY:           vy,
		HasStdDevPos: true,
		XStdDev:      math.Sqrt(varX),
		YStdDev:      math.Sqrt(varY),
		XYCov:        covXY,
		HasStdDevVel: true,
		VXStdDev:     math.Sqrt(varVX),
		VYStdDev:     math.Sqrt(varVY),
	}
	if ax, ay, ok := e.model.Acceleration(u.State.X); ok {
		m.HasAcc = true
		m.AX, m.AY = ax, ay
	}
	return m
}

// Smooth runs a Rauch-Tung-Striebel backward pass over one chain in
// place. The last update is unchanged. Each smoothed state is moved into
// the frame of the update it is smoothed against before use. If any step
// fails the chain is left untouched and the error returned.
func (e *Estimator) Smooth(updates []Update) error {
	n := len(updates)
	if n < 2 {
		return nil
	}

	smoothed := make([]kalman.State, n)
	smoothed[n-1] = updates[n-1].State
	for k := n - 2; k >= 0; k-- {
		cur, next := updates[k], updates[k+1]
		dt := track.Seconds(cur.Time, next.Time)

		ns := smoothed[k+1]
		if next.Center != cur.Center {
			ns = kalman.State{
				X: e.proj.ReprojectInto(ns.X, next.Center, cur.Center, e.model),
				P: ns.P,
			}
		}

		f := e.model.Transition(dt)
		q := e.model.ProcessNoise(dt, e.settings.QVar())
		s, err := kalman.SmoothStep(cur.State, ns, f, q, e.settings.SmoothScale)
		if err != nil {
			return fmt.Errorf("failed to smooth update %d of %d: %w", k, n, err)
		}
		if err := e.model.CheckState(s); err != nil {
			return fmt.Errorf("failed to smooth update %d of %d: %w", k, n, err)
		}
		smoothed[k] = s
	}

	for k := 0; k < n-1; k++ {
		updates[k].State = smoothed[k]
		if updates[k].HasWGS84 {
			e.storeWGS84(&updates[k])
		}
	}
	return nil
}

// Interpolate resamples a chain every dtSec seconds starting at the first
// update. Grid points between two updates blend a forward prediction of
// the earlier one with a backward prediction of the later one, weighted
// by Settings.InterpMode. The first and last updates are kept. A grid
// point whose prediction fails is left out and counted.
func (e *Estimator) Interpolate(updates []Update, dtSec float64) ([]Update, InterpStats) {
	var stats InterpStats
	if len(updates) == 0 {
		return nil, stats
	}
	if dtSec <= 0 {
		out := make([]Update, len(updates))
		for i := range updates {
			out[i] = updates[i].Clone()
		}
		stats.Points = len(out)
		return out, stats
	}

	incr := time.Duration(math.Round(dtSec * float64(time.Second)))
	qVar := e.settings.ResampleQVar()
	minDT := e.settings.MinDT

	out := []Update{updates[0].Clone()}
	tcur := updates[0].Time.Add(incr)
	for i := 1; i < len(updates); i++ {
		u0, u1 := updates[i-1], updates[i]
		for ; tcur.Before(u1.Time); tcur = tcur.Add(incr) {
			dt0 := track.Seconds(u0.Time, tcur)
			dt1 := track.Seconds(tcur, u1.Time)
			switch {
			case dt0 <= minDT:
				out = append(out, u0.Clone())
				continue
			case dt1 <= minDT:
				out = append(out, u1.Clone())
				continue
			}

			g, err := e.blend(u0, u1, tcur, dt0, dt1, qVar)
			if err != nil {
				stats.StepsFailed++
				continue
			}
			out = append(out, g)
		}
	}

	out = finalizeChain(out, updates[len(updates)-1], incr)
	stats.Points = len(out)
	return out, stats
}

// blend combines a forward prediction of u0 and a backward prediction of
// u1 at t. The result lives in u0's frame.
func (e *Estimator) blend(u0, u1 Update, t time.Time, dt0, dt1, qVar float64) (Update, error) {
	fwd, err := e.PredictUpdate(u0, t, qVar)
	if err != nil {
		return Update{}, err
	}

	back := u1
	if u1.Center != u0.Center {
		back.State = kalman.State{
			X: e.proj.ReprojectInto(u1.State.X, u1.Center, u0.Center, e.model),
			P: u1.State.P,
		}
		back.Center = u0.Center
	}
	bwd, err := e.PredictUpdate(back, t, qVar)
	if err != nil {
		return Update{}, err
	}

	f := interp.Factor(e.settings.InterpMode, dt0, dt0+dt1, e.maxPosVar(fwd.State), e.maxPosVar(bwd.State))
	s := kalman.Blend(fwd.State, bwd.State, f)
	if err := e.model.CheckState(s); err != nil {
		return Update{}, fmt.Errorf("failed to blend at %s: %w", t.Format(time.RFC3339Nano), err)
	}

	g := Update{
		Time:     t,
		State:    s,
		Center:   u0.Center,
		Valid:    true,
		NoSpeed:  u0.NoSpeed || u1.NoSpeed,
		NoAccel:  u0.NoAccel || u1.NoAccel,
		NoStdDev: u0.NoStdDev || u1.NoStdDev,
		Interp:   true,
	}
	if e.settings.StoreWGS84 {
		e.storeWGS84(&g)
	}
	return g, nil
}

func (e *Estimator) maxPosVar(s kalman.State) float64 {
	varX, varY, _ := e.model.PositionCov(s.P)
	return math.Max(varX, varY)
}

// finalizeChain ends the grid on the chain's last update. A last grid
// point closer than half an increment to it is replaced.
func finalizeChain(out []Update, last Update, incr time.Duration) []Update {
	if n := len(out); n >= 2 && last.Time.Sub(out[n-1].Time) < incr/2 {
		out = out[:n-1]
	}
	if n := len(out); n > 0 && !out[n-1].Time.Before(last.Time) {
		out = out[:n-1]
	}
	return append(out, last.Clone())
}

// Reference converts u into a finalized trajectory point, unprojecting
// with u's own projection center.
func (e *Estimator) Reference(u Update) track.Reference {
	m := e.toMeasurement(u)
	varX, varY, covXY := e.model.PositionCov(u.State.P)
	ref := track.Reference{
		Time:          u.Time,
		SourceID:      u.SourceID,
		Lat:           m.Lat,
		Lon:           m.Lon,
		X:             m.X,
		Y:             m.Y,
		HasVel:        true,
		VX:            m.VX,
		VY:            m.VY,
		HasAcc:        m.HasAcc,
		AX:            m.AX,
		AY:            m.AY,
		Cov:           u.State.RawP(),
		CovDim:        u.State.Dim(),
		XStdDev:       math.Sqrt(varX),
		YStdDev:       math.Sqrt(varY),
		XYCov:         covXY,
		ResetPos:      u.Reinit,
		NoSpeedPos:    u.NoSpeed,
		NoAccelPos:    u.NoAccel,
		NoStdDevPos:   u.NoStdDev,
		ProjChangePos: u.ProjChange,
		Interpolated:  u.Interp,
	}
	if u.Interp {
		ref.SourceID = 0
	}
	return ref
}
