// Package track owns the data model shared by every stage of the
// reconstruction pipeline.
//
// Responsibilities: sensor measurements as delivered by the decoding
// layer, per-source measurement uncertainty, per-source pre-filter
// resampling options, and the finalized Reference points handed to
// downstream consumers.
// Key types: Measurement, Uncertainty, UncertaintyTable, InterpOptions,
// Reference.
//
// Dependency rule: track depends on nothing else in this module.
package track
