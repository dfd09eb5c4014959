package kalman

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ContinuousWhiteNoise returns the process noise block of one axis for a
// model tracking order derivatives (2 or 3), a step of |dt| seconds and
// spectral density q.
func ContinuousWhiteNoise(order int, dt, q float64) *mat.Dense {
	dt = math.Abs(dt)
	dt2 := dt * dt
	dt3 := dt2 * dt
	var m *mat.Dense
	switch order {
	case 2:
		m = mat.NewDense(2, 2, []float64{
			dt3 / 3, dt2 / 2,
			dt2 / 2, dt,
		})
	case 3:
		dt4 := dt3 * dt
		dt5 := dt4 * dt
		m = mat.NewDense(3, 3, []float64{
			dt5 / 20, dt4 / 8, dt3 / 6,
			dt4 / 8, dt3 / 3, dt2 / 2,
			dt3 / 6, dt2 / 2, dt,
		})
	default:
		panic(fmt.Sprintf("kalman: unsupported white noise order %d", order))
	}
	m.Scale(q, m)
	return m
}

// Predict propagates s through F with additive noise Q:
//
//	x = F x
//	P = F P Fᵀ + Q
func Predict(s State, f, q mat.Matrix) State {
	n := s.Dim()
	x := mat.NewVecDense(n, nil)
	x.MulVec(f, s.X)

	var fp mat.Dense
	fp.Mul(f, s.P)
	p := mat.NewDense(n, n, nil)
	p.Mul(&fp, f.T())
	p.Add(p, q)
	symmetrize(p)

	return State{X: x, P: p}
}

// Update corrects s with measurement z, observation matrix H and noise R.
// The covariance uses the Joseph form
//
//	P = (I - K H) P (I - K H)ᵀ + K R Kᵀ
//
// which stays symmetric and positive semi-definite under rounding.
// Returns ErrSingular if the innovation covariance cannot be inverted.
func Update(s State, z mat.Vector, h, r mat.Matrix) (State, error) {
	n := s.Dim()
	mr, mc := h.Dims()
	if mc != n || z.Len() != mr {
		return State{}, fmt.Errorf("%w: H is %dx%d, z is %d, state is %d", ErrDimension, mr, mc, z.Len(), n)
	}

	// Step 1: innovation y = z - H x
	var hx mat.VecDense
	hx.MulVec(h, s.X)
	var y mat.VecDense
	y.SubVec(z, &hx)

	// Step 2: innovation covariance S = H P Hᵀ + R
	var pht mat.Dense
	pht.Mul(s.P, h.T())
	var sm mat.Dense
	sm.Mul(h, &pht)
	sm.Add(&sm, r)

	var sInv mat.Dense
	if err := sInv.Inverse(&sm); err != nil {
		return State{}, fmt.Errorf("%w: innovation covariance: %v", ErrSingular, err)
	}

	// Step 3: gain K = P Hᵀ S⁻¹
	var k mat.Dense
	k.Mul(&pht, &sInv)

	// Step 4: state correction
	var ky mat.VecDense
	ky.MulVec(&k, &y)
	x := mat.NewVecDense(n, nil)
	x.AddVec(s.X, &ky)

	// Step 5: Joseph form covariance
	ikh := identity(n)
	var kh mat.Dense
	kh.Mul(&k, h)
	ikh.Sub(ikh, &kh)

	var tmp mat.Dense
	tmp.Mul(ikh, s.P)
	p := mat.NewDense(n, n, nil)
	p.Mul(&tmp, ikh.T())

	var kr mat.Dense
	kr.Mul(&k, r)
	var krk mat.Dense
	krk.Mul(&kr, k.T())
	p.Add(p, &krk)
	symmetrize(p)

	return State{X: x, P: p}, nil
}

// SmoothStep runs one Rauch-Tung-Striebel backward step. cur is the
// filtered state at k, next the already smoothed state at k+1 expressed
// in the same frame as cur, and F, Q the transition and process noise
// from k to k+1. scale multiplies the smoother gain; 1 is the standard
// smoother.
//
//	Pp = F P Fᵀ + Q
//	C  = P Fᵀ Pp⁻¹
//	x  = x + C (x_next - F x)
//	P  = P + C (P_next - Pp) Cᵀ
func SmoothStep(cur, next State, f, q mat.Matrix, scale float64) (State, error) {
	n := cur.Dim()
	if next.Dim() != n {
		return State{}, fmt.Errorf("%w: smoothing %d against %d", ErrDimension, n, next.Dim())
	}

	pred := Predict(cur, f, q)

	var ppInv mat.Dense
	if err := ppInv.Inverse(pred.P); err != nil {
		return State{}, fmt.Errorf("%w: predicted covariance: %v", ErrSingular, err)
	}

	var pft mat.Dense
	pft.Mul(cur.P, f.T())
	var c mat.Dense
	c.Mul(&pft, &ppInv)
	if scale != 1 {
		c.Scale(scale, &c)
	}

	var dx mat.VecDense
	dx.SubVec(next.X, pred.X)
	var cdx mat.VecDense
	cdx.MulVec(&c, &dx)
	x := mat.NewVecDense(n, nil)
	x.AddVec(cur.X, &cdx)

	var dp mat.Dense
	dp.Sub(next.P, pred.P)
	var cdp mat.Dense
	cdp.Mul(&c, &dp)
	var cdpc mat.Dense
	cdpc.Mul(&cdp, c.T())
	p := mat.NewDense(n, n, nil)
	p.Add(cur.P, &cdpc)
	symmetrize(p)

	return State{X: x, P: p}, nil
}

// Blend returns the convex combination (1-f)·a + f·b of two states. The
// covariance is combined as a matrix so it stays positive semi-definite.
func Blend(a, b State, f float64) State {
	n := a.Dim()
	x := mat.NewVecDense(n, nil)
	x.AddScaledVec(x, 1-f, a.X)
	x.AddScaledVec(x, f, b.X)

	p := mat.NewDense(n, n, nil)
	var sa, sb mat.Dense
	sa.Scale(1-f, a.P)
	sb.Scale(f, b.P)
	p.Add(&sa, &sb)

	return State{X: x, P: p}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
