// Package estimator owns the Kalman filter timeline of a single target.
//
// Responsibilities: initializing and stepping the filter on projected
// measurements, deciding when a target must be reinitialized, keeping the
// local projection centered near the target, Rauch-Tung-Striebel smoothing
// of finished chains, prediction, and resampling chains onto a uniform
// time grid by blending forward and backward predictions.
//
// An Estimator is owned by one goroutine. Settings, the filter model and
// the uncertainty table it is built from are read-only and may be shared.
package estimator
