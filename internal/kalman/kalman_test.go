package kalman

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/trackrecon/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewModel(t *testing.T) {
	tests := []struct {
		name    string
		wantDim int
		wantErr bool
	}{
		{"", 4, false},
		{"cv", 4, false},
		{"ca", 6, false},
		{"imm", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewModel(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Dim() != tt.wantDim {
				t.Errorf("Dim() = %d, want %d", m.Dim(), tt.wantDim)
			}
		})
	}
}

func TestTransition_CV(t *testing.T) {
	f := NewCV().Transition(2)
	want := mat.NewDense(4, 4, []float64{
		1, 2, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 2,
		0, 0, 0, 1,
	})
	if !mat.Equal(f, want) {
		t.Errorf("F =\n%v\nwant\n%v", mat.Formatted(f), mat.Formatted(want))
	}
}

func TestTransition_CA(t *testing.T) {
	f := NewCA().Transition(2)
	assert.Equal(t, 2.0, f.At(0, 1))
	assert.Equal(t, 2.0, f.At(0, 2))
	assert.Equal(t, 2.0, f.At(1, 2))
	assert.Equal(t, 2.0, f.At(3, 5))
	assert.Equal(t, 0.0, f.At(0, 3))
}

func TestContinuousWhiteNoise(t *testing.T) {
	q := ContinuousWhiteNoise(2, 2, 3)
	assert.InDelta(t, 3*8.0/3, q.At(0, 0), 1e-12)
	assert.InDelta(t, 3*2.0, q.At(0, 1), 1e-12)
	assert.InDelta(t, 3*2.0, q.At(1, 1), 1e-12)

	// Negative steps use the magnitude.
	qn := ContinuousWhiteNoise(2, -2, 3)
	assert.True(t, mat.Equal(q, qn))

	q3 := ContinuousWhiteNoise(3, 1, 1)
	assert.InDelta(t, 1.0/20, q3.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0, q3.At(2, 2), 1e-12)

	assert.Panics(t, func() { ContinuousWhiteNoise(4, 1, 1) })
}

func TestProcessNoise_BlockDiagonal(t *testing.T) {
	q := NewCV().ProcessNoise(1, 2)
	assert.Equal(t, 0.0, q.At(0, 2))
	assert.Equal(t, 0.0, q.At(1, 3))
	assert.InDelta(t, q.At(0, 0), q.At(2, 2), 1e-12)
	assert.InDelta(t, q.At(0, 1), q.At(2, 3), 1e-12)
}

func TestMeasurement_MissingVelocityIsInflated(t *testing.T) {
	model := NewCV()
	unc := track.Uncertainty{PosVar: 100, SpeedVar: 25, AccVar: 4}

	m := track.Measurement{X: 10, Y: 20}
	z, r := model.Measurement(&m, unc, 1e6)
	assert.Equal(t, 10.0, z.AtVec(0))
	assert.Equal(t, 20.0, z.AtVec(2))
	assert.Equal(t, 0.0, z.AtVec(1))
	assert.Equal(t, 100.0, r.At(0, 0))
	assert.Equal(t, 1e6, r.At(1, 1))
	assert.Equal(t, 1e6, r.At(3, 3))

	m.HasVel, m.VX, m.VY = true, 3, 4
	z, r = model.Measurement(&m, unc, 1e6)
	assert.Equal(t, 3.0, z.AtVec(1))
	assert.Equal(t, 4.0, z.AtVec(3))
	assert.Equal(t, 25.0, r.At(1, 1))
}

func TestMeasurement_OwnAccuracyWins(t *testing.T) {
	model := NewCA()
	unc := track.Uncertainty{PosVar: 100, SpeedVar: 25, AccVar: 4}
	m := track.Measurement{
		X: 1, Y: 2,
		HasStdDevPos: true, XStdDev: 3, YStdDev: 4, XYCov: 1.5,
		HasVel: true, VX: 1, VY: 1, HasStdDevVel: true, VXStdDev: 2, VYStdDev: 2,
		HasAcc: true, AX: 0.5, AY: -0.5,
	}
	z, r := model.Measurement(&m, unc, 1e6)

	assert.Equal(t, 9.0, r.At(0, 0))
	assert.Equal(t, 16.0, r.At(3, 3))
	assert.Equal(t, 1.5, r.At(0, 3))
	assert.Equal(t, 1.5, r.At(3, 0))
	assert.Equal(t, 4.0, r.At(1, 1))
	assert.Equal(t, 4.0, r.At(2, 2)) // acc without stddev uses unc.AccVar
	assert.Equal(t, 0.5, z.AtVec(2))
	assert.Equal(t, -0.5, z.AtVec(5))
}

func TestStateCheck(t *testing.T) {
	s := NewState([]float64{1, 2, 3, 4}, diag(1, 1, 1, 1))
	require.NoError(t, s.Check())
	require.NoError(t, NewCV().CheckState(s))

	bad := s.Clone()
	bad.X.SetVec(1, math.NaN())
	assert.True(t, errors.Is(bad.Check(), ErrInvalidState))

	bad = s.Clone()
	bad.P.Set(2, 2, -1)
	assert.True(t, errors.Is(bad.Check(), ErrInvalidState))

	bad = s.Clone()
	bad.P.Set(3, 3, math.Inf(1))
	assert.True(t, errors.Is(bad.Check(), ErrInvalidState))

	assert.True(t, errors.Is(NewCA().CheckState(s), ErrDimension))
	assert.Error(t, State{}.Check())
}

func TestCheckState_PositionCrossCovariance(t *testing.T) {
	cv := NewCV()
	ix, iy := cv.idx(0, 0), cv.idx(1, 0)

	s := NewState([]float64{1, 2, 3, 4}, diag(1, 1, 1, 1))
	s.P.Set(ix, iy, math.NaN())
	s.P.Set(iy, ix, math.NaN())
	require.NoError(t, s.Check(), "diagonal is still finite")
	assert.True(t, errors.Is(cv.CheckState(s), ErrInvalidState))

	s = NewState([]float64{1, 2, 3, 4}, diag(1, 1, 1, 1))
	s.P.Set(ix, iy, math.Inf(-1))
	assert.True(t, errors.Is(cv.CheckState(s), ErrInvalidState))
}

func TestStateCloneIsDeep(t *testing.T) {
	s := NewState([]float64{1, 2}, []float64{1, 0, 0, 1})
	c := s.Clone()
	c.X.SetVec(0, 9)
	c.P.Set(0, 0, 9)
	assert.Equal(t, 1.0, s.X.AtVec(0))
	assert.Equal(t, 1.0, s.P.At(0, 0))
	assert.Equal(t, []float64{1, 2}, s.RawX())
	assert.Equal(t, []float64{1, 0, 0, 1}, s.RawP())
}

func TestPredict_ConstantVelocity(t *testing.T) {
	model := NewCV()
	s := NewState([]float64{0, 10, 0, -5}, diag(1, 1, 1, 1))

	p := Predict(s, model.Transition(2), model.ProcessNoise(2, 0))
	px, py := model.Position(p.X)
	assert.InDelta(t, 20, px, 1e-12)
	assert.InDelta(t, -10, py, 1e-12)

	// P grows by F P Fᵀ: var(x) = 1 + dt² var(vx).
	assert.InDelta(t, 5, p.P.At(0, 0), 1e-12)

	// Input untouched.
	assert.Equal(t, 0.0, s.X.AtVec(0))
}

func TestUpdate_ReducesVariance(t *testing.T) {
	model := NewCV()
	s := NewState([]float64{0, 0, 0, 0}, diag(100, 100, 100, 100))
	z := mat.NewVecDense(4, []float64{10, 0, 10, 0})
	r := mat.NewDense(4, 4, diag(100, 1e6, 100, 1e6))

	u, err := Update(s, z, model.MeasurementMatrix(), r)
	require.NoError(t, err)

	// Equal prior and measurement variance: halfway, half variance.
	assert.InDelta(t, 5, u.X.AtVec(0), 1e-9)
	assert.InDelta(t, 50, u.P.At(0, 0), 1e-9)
	assert.Less(t, u.P.At(1, 1), 100.0)
	require.NoError(t, model.CheckState(u))
}

func TestUpdate_Singular(t *testing.T) {
	model := NewCV()
	s := NewState([]float64{0, 0, 0, 0}, make([]float64, 16))
	z := mat.NewVecDense(4, nil)
	r := mat.NewDense(4, 4, nil)

	_, err := Update(s, z, model.MeasurementMatrix(), r)
	assert.True(t, errors.Is(err, ErrSingular))
}

func TestUpdate_DimensionMismatch(t *testing.T) {
	s := NewState([]float64{0, 0, 0, 0}, diag(1, 1, 1, 1))
	_, err := Update(s, mat.NewVecDense(6, nil), NewCA().MeasurementMatrix(), mat.NewDense(6, 6, nil))
	assert.True(t, errors.Is(err, ErrDimension))
}

func TestSmoothStep_ConsistentDataUnchanged(t *testing.T) {
	model := NewCV()
	cur := NewState([]float64{0, 10, 0, 5}, diag(4, 1, 4, 1))
	f := model.Transition(1)
	q := model.ProcessNoise(1, 1)

	// next is exactly the prediction of cur: no correction.
	next := Predict(cur, f, q)
	sm, err := SmoothStep(cur, next, f, q, 1)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.InDelta(t, cur.X.AtVec(i), sm.X.AtVec(i), 1e-9)
		assert.InDelta(t, cur.P.At(i, i), sm.P.At(i, i), 1e-9)
	}
}

func TestSmoothStep_PullsTowardsFuture(t *testing.T) {
	model := NewCV()
	cur := NewState([]float64{0, 0, 0, 0}, diag(100, 100, 100, 100))
	next := NewState([]float64{10, 0, 10, 0}, diag(1, 1, 1, 1))
	f := model.Transition(1)
	q := model.ProcessNoise(1, 1)

	sm, err := SmoothStep(cur, next, f, q, 1)
	require.NoError(t, err)
	assert.Greater(t, sm.X.AtVec(0), 0.0)
	assert.Less(t, sm.P.At(0, 0), 100.0)

	// A zero gain scale disables the correction.
	sm0, err := SmoothStep(cur, next, f, q, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, sm0.X.AtVec(0))
}

func TestSmoothStep_Singular(t *testing.T) {
	model := NewCV()
	cur := NewState([]float64{0, 0, 0, 0}, make([]float64, 16))
	_, err := SmoothStep(cur, cur, model.Transition(1), mat.NewDense(4, 4, nil), 1)
	assert.True(t, errors.Is(err, ErrSingular))
}

func TestBlend(t *testing.T) {
	a := NewState([]float64{0, 0}, []float64{4, 0, 0, 4})
	b := NewState([]float64{10, 2}, []float64{8, 0, 0, 8})

	mid := Blend(a, b, 0.25)
	assert.InDelta(t, 2.5, mid.X.AtVec(0), 1e-12)
	assert.InDelta(t, 0.5, mid.X.AtVec(1), 1e-12)
	assert.InDelta(t, 5, mid.P.At(0, 0), 1e-12)

	assert.True(t, mat.Equal(a.X, Blend(a, b, 0).X))
	assert.True(t, mat.Equal(b.P, Blend(a, b, 1).P))
}

func TestAccessors(t *testing.T) {
	cv := NewCV()
	x := mat.NewVecDense(4, []float64{1, 2, 3, 4})
	vx, vy := cv.Velocity(x)
	assert.Equal(t, 2.0, vx)
	assert.Equal(t, 4.0, vy)
	_, _, ok := cv.Acceleration(x)
	assert.False(t, ok)

	ca := NewCA()
	xa := mat.NewVecDense(6, []float64{1, 2, 3, 4, 5, 6})
	ax, ay, ok := ca.Acceleration(xa)
	require.True(t, ok)
	assert.Equal(t, 3.0, ax)
	assert.Equal(t, 6.0, ay)

	ca.SetPosition(xa, 7, 8)
	px, py := ca.Position(xa)
	assert.Equal(t, 7.0, px)
	assert.Equal(t, 8.0, py)

	p := mat.NewDense(4, 4, []float64{
		1, 0, 0.5, 0,
		0, 2, 0, 0,
		0.5, 0, 3, 0,
		0, 0, 0, 4,
	})
	varX, varY, cov := cv.PositionCov(p)
	assert.Equal(t, 1.0, varX)
	assert.Equal(t, 3.0, varY)
	assert.Equal(t, 0.5, cov)
	vvx, vvy := cv.VelocityVar(p)
	assert.Equal(t, 2.0, vvx)
	assert.Equal(t, 4.0, vvy)
}

func diag(vs ...float64) []float64 {
	n := len(vs)
	out := make([]float64, n*n)
	for i, v := range vs {
		out[i*n+i] = v
	}
	return out
}
