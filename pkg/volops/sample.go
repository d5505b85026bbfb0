package volops

import (
	"fmt"
	"math"

	"icvmapper/internal/models"
)

// edgeTolerance admits sample points a hair outside the grid caused by
// floating point error in composed transforms.
const edgeTolerance = 1e-6

// ResliceOnto implements Ops.
func (Native) ResliceOnto(v, ref *models.Volume) (*models.Volume, error) {
	inv, err := v.Affine.Inverse()
	if err != nil {
		return nil, fmt.Errorf("reslice: %w", err)
	}
	m := inv.Mul(ref.Affine)

	out := make([]float64, ref.Len())
	nx, ny := ref.Dims[0], ref.Dims[1]
	parallelSlabs(ref.Dims[2], func(lo, hi int) {
		for k := lo; k < hi; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					x, y, z := m.Apply(float64(i), float64(j), float64(k))
					out[i+nx*(j+ny*k)] = trilinear(v, x, y, z, false)
				}
			}
		}
	})
	return models.NewVolume(out, ref.Dims, ref.Affine)
}

// Resample implements Ops. The image box (voxel edges, not centres) is kept
// fixed, so spacing grows by old/new along each axis.
func (Native) Resample(v *models.Volume, shape [3]int) (*models.Volume, error) {
	for a, n := range shape {
		if n <= 0 {
			return nil, fmt.Errorf("resample: invalid size %d on axis %d", n, a)
		}
	}
	var f [3]float64
	s := models.Identity()
	for a := 0; a < 3; a++ {
		f[a] = float64(v.Dims[a]) / float64(shape[a])
		s[a][a] = f[a]
		s[a][3] = (f[a] - 1) / 2
	}

	out := make([]float64, shape[0]*shape[1]*shape[2])
	nx, ny := shape[0], shape[1]
	parallelSlabs(shape[2], func(lo, hi int) {
		for k := lo; k < hi; k++ {
			z := (float64(k)+0.5)*f[2] - 0.5
			for j := 0; j < ny; j++ {
				y := (float64(j)+0.5)*f[1] - 0.5
				for i := 0; i < nx; i++ {
					x := (float64(i)+0.5)*f[0] - 0.5
					out[i+nx*(j+ny*k)] = trilinear(v, x, y, z, true)
				}
			}
		}
	})
	return models.NewVolume(out, shape, v.Affine.Mul(s))
}

// trilinear samples v at a continuous voxel position. With clamp the position
// is pulled onto the grid; otherwise points off the grid read as zero.
func trilinear(v *models.Volume, x, y, z float64, clamp bool) float64 {
	p := [3]float64{x, y, z}
	var i0, i1 [3]int
	var w [3]float64
	for a := 0; a < 3; a++ {
		hi := float64(v.Dims[a] - 1)
		c := p[a]
		if clamp {
			c = math.Max(0, math.Min(hi, c))
		} else {
			if c < -edgeTolerance || c > hi+edgeTolerance {
				return 0
			}
			c = math.Max(0, math.Min(hi, c))
		}
		f := math.Floor(c)
		i0[a] = int(f)
		i1[a] = min(i0[a]+1, v.Dims[a]-1)
		w[a] = c - f
	}

	c000 := v.At(i0[0], i0[1], i0[2])
	c100 := v.At(i1[0], i0[1], i0[2])
	c010 := v.At(i0[0], i1[1], i0[2])
	c110 := v.At(i1[0], i1[1], i0[2])
	c001 := v.At(i0[0], i0[1], i1[2])
	c101 := v.At(i1[0], i0[1], i1[2])
	c011 := v.At(i0[0], i1[1], i1[2])
	c111 := v.At(i1[0], i1[1], i1[2])

	c00 := c000*(1-w[0]) + c100*w[0]
	c10 := c010*(1-w[0]) + c110*w[0]
	c01 := c001*(1-w[0]) + c101*w[0]
	c11 := c011*(1-w[0]) + c111*w[0]
	c0 := c00*(1-w[1]) + c10*w[1]
	c1 := c01*(1-w[1]) + c11*w[1]
	return c0*(1-w[2]) + c1*w[2]
}
