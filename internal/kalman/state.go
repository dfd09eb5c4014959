package kalman

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingular is returned when a matrix that must be inverted is not
	// invertible.
	ErrSingular = errors.New("kalman: singular matrix")
	// ErrInvalidState is returned when a state holds non-finite values or
	// a negative variance.
	ErrInvalidState = errors.New("kalman: invalid state")
	// ErrDimension is returned when vector and matrix shapes disagree.
	ErrDimension = errors.New("kalman: dimension mismatch")
)

// State is a state vector and its covariance.
type State struct {
	X *mat.VecDense
	P *mat.Dense
}

// NewState builds a State from a state vector and a row-major covariance.
func NewState(x []float64, p []float64) State {
	n := len(x)
	return State{
		X: mat.NewVecDense(n, append([]float64(nil), x...)),
		P: mat.NewDense(n, n, append([]float64(nil), p...)),
	}
}

// Dim returns the state dimension, or 0 for an empty State.
func (s State) Dim() int {
	if s.X == nil {
		return 0
	}
	return s.X.Len()
}

// Empty reports whether the State holds no data.
func (s State) Empty() bool {
	return s.X == nil || s.P == nil
}

// Clone returns a deep copy.
func (s State) Clone() State {
	if s.Empty() {
		return State{}
	}
	return State{
		X: mat.VecDenseCopyOf(s.X),
		P: mat.DenseCopyOf(s.P),
	}
}

// RawX returns a copy of the state vector.
func (s State) RawX() []float64 {
	if s.X == nil {
		return nil
	}
	out := make([]float64, s.X.Len())
	for i := range out {
		out[i] = s.X.AtVec(i)
	}
	return out
}

// RawP returns a row-major copy of the covariance.
func (s State) RawP() []float64 {
	if s.P == nil {
		return nil
	}
	r, c := s.P.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, s.P.RawRowView(i)...)
	}
	return out
}

// Check verifies that x is finite and that the diagonal of P is finite
// and non-negative.
func (s State) Check() error {
	if s.Empty() {
		return fmt.Errorf("%w: empty", ErrInvalidState)
	}
	n := s.X.Len()
	if r, c := s.P.Dims(); r != n || c != n {
		return fmt.Errorf("%w: covariance is %dx%d for state of %d", ErrDimension, r, c, n)
	}
	for i := 0; i < n; i++ {
		v := s.X.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: x[%d] = %v", ErrInvalidState, i, v)
		}
		d := s.P.At(i, i)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("%w: P[%d,%d] = %v", ErrInvalidState, i, i, d)
		}
		if d < 0 {
			return fmt.Errorf("%w: negative variance P[%d,%d] = %v", ErrInvalidState, i, i, d)
		}
	}
	return nil
}

// symmetrize replaces m with (m + mᵀ)/2 to remove rounding asymmetry.
func symmetrize(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			v := 0.5 * (m.At(i, j) + m.At(j, i))
			m.Set(i, j, v)
			m.Set(j, i, v)
		}
	}
}
