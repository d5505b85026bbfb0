// Package volops provides the voxel-level geometry and filtering primitives
// the segmentation pipeline delegates to: reorientation, cropping, reslicing,
// resampling, smoothing, connected components and hole filling.
//
// Ops is the capability the pipeline depends on; Native is a pure-Go
// implementation of it. Every operation returns a new volume and leaves its
// inputs untouched.
package volops

import (
	"fmt"

	"icvmapper/internal/models"
)

// Ops is the set of volume primitives used by the pipeline.
type Ops interface {
	// Reorient permutes and flips voxel axes so that the result carries the
	// target orientation code. No interpolation takes place.
	Reorient(v *models.Volume, target string) (*models.Volume, error)

	// CropToContent crops v to the bounding box of its non-zero voxels grown
	// by margin voxels on every side.
	CropToContent(v *models.Volume, margin int) (*models.Volume, error)

	// ResliceOnto samples v on the grid of ref with trilinear interpolation
	// through world coordinates. Voxels outside v are zero.
	ResliceOnto(v, ref *models.Volume) (*models.Volume, error)

	// Resample changes the grid to shape while keeping the physical extent,
	// using trilinear interpolation.
	Resample(v *models.Volume, shape [3]int) (*models.Volume, error)

	// Smooth applies an isotropic Gaussian with the given FWHM in voxels.
	Smooth(v *models.Volume, fwhm float64) (*models.Volume, error)

	// LargestComponent keeps the largest 26-connected non-zero component as
	// a binary mask.
	LargestComponent(v *models.Volume) (*models.Volume, error)

	// FillHoles sets background voxels not connected to the grid border to
	// one and returns a binary mask.
	FillHoles(v *models.Volume) (*models.Volume, error)

	// CopyGeometryFrom returns v's voxel data with ref's transform. Shapes
	// must match.
	CopyGeometryFrom(v, ref *models.Volume) (*models.Volume, error)
}

// Threshold returns a binary mask of voxels strictly greater than t.
func Threshold(v *models.Volume, t float64) *models.Volume {
	out := make([]float64, len(v.Data))
	for i, x := range v.Data {
		if x > t {
			out[i] = 1
		}
	}
	return v.WithData(out)
}

// Multiply returns the voxel-wise product a*b on a's geometry.
func Multiply(a, b *models.Volume) (*models.Volume, error) {
	if a.Dims != b.Dims {
		return nil, fmt.Errorf("%w: multiply %v by %v", models.ErrGeometryMismatch, a.Dims, b.Dims)
	}
	out := make([]float64, len(a.Data))
	for i := range out {
		out[i] = a.Data[i] * b.Data[i]
	}
	return a.WithData(out), nil
}

// Subtract returns the voxel-wise difference a-b on a's geometry.
func Subtract(a, b *models.Volume) (*models.Volume, error) {
	if a.Dims != b.Dims {
		return nil, fmt.Errorf("%w: subtract %v from %v", models.ErrGeometryMismatch, b.Dims, a.Dims)
	}
	out := make([]float64, len(a.Data))
	for i := range out {
		out[i] = a.Data[i] - b.Data[i]
	}
	return a.WithData(out), nil
}
