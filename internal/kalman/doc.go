// Package kalman owns the state-space model and the linear filter
// arithmetic used by the estimator.
//
// Responsibilities: the Model contract (state layout, transition,
// process and measurement noise, validity checks), the constant velocity
// and constant acceleration models, and the predict, update and
// Rauch-Tung-Striebel smoothing primitives on gonum matrices.
// Key types: Model, State.
//
// Every primitive returns new matrices; callers never see a State change
// underneath them.
package kalman
