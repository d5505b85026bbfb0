package models

import "errors"

// Error kinds surfaced by the segmentation pipeline. Callers match them with
// errors.Is; the wrapping error carries the detail.
var (
	// ErrMissingInput is returned when a mandatory input file is absent.
	ErrMissingInput = errors.New("missing input")

	// ErrModelNotFound is returned when model topology or weights are absent.
	ErrModelNotFound = errors.New("model not found")

	// ErrGeometryMismatch is returned when images expected to share a grid
	// differ in orientation code or shape.
	ErrGeometryMismatch = errors.New("geometry mismatch")

	// ErrEnsembleSample is returned when a single dropout sample fails.
	ErrEnsembleSample = errors.New("ensemble sample failure")

	// ErrToolInvocation wraps failures of delegated external tools.
	ErrToolInvocation = errors.New("tool invocation failed")
)
