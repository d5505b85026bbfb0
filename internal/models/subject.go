package models

import (
	"fmt"
	"strings"
)

// Modality names an MR contrast accepted by the segmentation models.
type Modality string

const (
	T1    Modality = "t1"
	FLAIR Modality = "flair"
	T2    Modality = "t2"
)

// Anchor is the mandatory modality that defines the reference grid.
const Anchor = T1

// ModalityOrder is the fixed channel order of every model family.
var ModalityOrder = []Modality{T1, FLAIR, T2}

// ParseModality maps a user-supplied name onto a Modality.
func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t1", "t1w":
		return T1, nil
	case "flair", "fl":
		return FLAIR, nil
	case "t2", "t2w":
		return T2, nil
	}
	return "", fmt.Errorf("unknown modality %q", s)
}

// Subject is the per-run identity of one segmentation job.
type Subject struct {
	// ID is the subject identifier used in output file names
	ID string

	// Dir is the subject working directory receiving outputs
	Dir string

	// Inputs maps each supplied modality to its image path; T1 is mandatory
	Inputs map[Modality]string

	// Output optionally overrides the final prediction path
	Output string
}

// Input returns the path supplied for m, or "".
func (s *Subject) Input(m Modality) string {
	if s.Inputs == nil {
		return ""
	}
	return s.Inputs[m]
}

// RunOptions are the caller-facing switches of a segmentation run.
type RunOptions struct {
	// NumMC is the number of Monte-Carlo dropout samples (>= 1)
	NumMC int

	// Threshold is the primary probability cutoff in [0, 1]
	Threshold float64

	// IgnoreOrientation trusts input geometry and skips reorientation
	IgnoreOrientation bool

	// RemoveCerebellum enables the cerebellum-excluded mask
	RemoveCerebellum bool

	// BiasCorrect runs bias-field correction before conforming
	BiasCorrect bool

	// Force overwrites an existing final prediction
	Force bool
}

// DefaultRunOptions mirrors the defaults of the command line.
func DefaultRunOptions() RunOptions {
	return RunOptions{NumMC: 20, Threshold: 0.5}
}

// Validate checks option ranges.
func (o RunOptions) Validate() error {
	if o.NumMC < 1 {
		return fmt.Errorf("num_mc must be >= 1, got %d", o.NumMC)
	}
	if o.Threshold < 0 || o.Threshold > 1 {
		return fmt.Errorf("threshold must be in [0, 1], got %g", o.Threshold)
	}
	return nil
}
