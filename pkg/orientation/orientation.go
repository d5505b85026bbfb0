// Package orientation detects, canonicalises and restores the anatomical
// orientation of volumes.
//
// The pipeline works in one of two canonical frames, RPI or LPI. An input in
// any other frame (or an oblique one) is reoriented to the canonical frame of
// the same handedness, and the final mask is mapped back onto the original
// grid afterwards.
package orientation

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"icvmapper/internal/models"
	"icvmapper/pkg/volops"
)

// Canonical orientation codes.
const (
	RightCanonical = "RPI"
	LeftCanonical  = "LPI"
)

// IsCanonical reports whether code is one of the canonical codes.
func IsCanonical(code string) bool {
	return code == RightCanonical || code == LeftCanonical
}

// TargetFor returns the canonical code matching the handedness of code.
func TargetFor(code string) string {
	if strings.ContainsRune(code, 'R') {
		return RightCanonical
	}
	return LeftCanonical
}

// Normalizer canonicalises volumes and restores masks to the original frame.
type Normalizer struct {
	ops volops.Ops
	log log.FieldLogger
}

// NewNormalizer creates a Normalizer backed by ops.
func NewNormalizer(ops volops.Ops, logger log.FieldLogger) *Normalizer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Normalizer{ops: ops, log: logger}
}

// Normalize returns v in a canonical frame and whether it had to be
// reoriented. A canonical, axis-aligned input is returned as is. Oblique
// inputs are always reoriented using their closest axis code.
func (n *Normalizer) Normalize(v *models.Volume) (*models.Volume, bool, error) {
	if IsCanonical(v.Orientation) && !v.Oblique {
		return v, false, nil
	}
	target := TargetFor(v.Orientation)
	n.log.WithFields(log.Fields{
		"orientation": v.Orientation,
		"oblique":     v.Oblique,
		"target":      target,
	}).Warn("Input is not in RPI or LPI orientation; reorienting to standard orientation")

	out, err := n.ops.Reorient(v, target)
	if err != nil {
		return nil, false, fmt.Errorf("reorient %s to %s: %w", v.Orientation, target, err)
	}
	return out, true, nil
}

// Restore maps a mask on the canonical grid of original back onto original's
// grid: axes are permuted back exactly and original's transform is copied
// onto the result, so oblique inputs get their exact affine back.
func (n *Normalizer) Restore(mask, original *models.Volume) (*models.Volume, error) {
	back, err := n.ops.Reorient(mask, original.Orientation)
	if err != nil {
		return nil, fmt.Errorf("restore orientation %s: %w", original.Orientation, err)
	}
	out, err := n.ops.CopyGeometryFrom(back, original)
	if err != nil {
		return nil, fmt.Errorf("restore orientation: %w", err)
	}
	return out, nil
}

// Compare checks that two images share orientation code and grid shape. It
// never reorients either image.
func Compare(a, b *models.Volume) error {
	if a.Orientation != b.Orientation {
		return fmt.Errorf("%w: orientations differ (%s vs %s)", models.ErrGeometryMismatch, a.Orientation, b.Orientation)
	}
	if a.Dims != b.Dims {
		return fmt.Errorf("%w: voxel dimensions differ (%v vs %v)", models.ErrGeometryMismatch, a.Dims, b.Dims)
	}
	return nil
}
