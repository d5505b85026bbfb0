// Package stats computes volumetric summaries of segmentation masks.
package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"icvmapper/internal/models"
)

// MaskStats summarises a binary mask.
type MaskStats struct {
	Voxels      int
	VoxelVolume float64 // mm^3 per voxel
	VolumeMM3   float64
	VolumeML    float64
}

// MaskVolume counts the non-zero voxels of mask and converts the count to
// physical volume using the mask's affine.
func MaskVolume(mask *models.Volume) MaskStats {
	n := mask.CountNonZero()
	vox := mask.Affine.VoxelVolume()
	return MaskStats{
		Voxels:      n,
		VoxelVolume: vox,
		VolumeMM3:   float64(n) * vox,
		VolumeML:    float64(n) * vox / 1000,
	}
}

// Intensity summarises image values inside a mask.
type Intensity struct {
	Mean   float64
	StdDev float64
}

// MaskedIntensity returns the mean and standard deviation of img over the
// non-zero voxels of mask. Both must share a grid.
func MaskedIntensity(img, mask *models.Volume) (Intensity, error) {
	if img.Dims != mask.Dims {
		return Intensity{}, fmt.Errorf("%w: image %v, mask %v", models.ErrGeometryMismatch, img.Dims, mask.Dims)
	}
	weights := make([]float64, len(mask.Data))
	n := 0
	for i, m := range mask.Data {
		if m != 0 {
			weights[i] = 1
			n++
		}
	}
	if n == 0 {
		return Intensity{}, nil
	}
	mean, variance := stat.PopMeanVariance(img.Data, weights)
	return Intensity{Mean: mean, StdDev: math.Sqrt(variance)}, nil
}
