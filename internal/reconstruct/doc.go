// Package reconstruct owns per-target trajectory reconstruction.
//
// Responsibilities: ordering and optionally resampling a target's raw
// measurements, running them through an estimator while splitting the
// result into chains at every reinitialization, finishing each chain with
// smoothing and resampling, converting the result into References, and
// counting everything that happened in a mergeable Summary. Sliced
// operation hands the tail of one slice's updates to the next so that
// long recordings can be processed piecewise.
package reconstruct
