package volops

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"icvmapper/internal/models"
)

// fwhmToSigma converts a full width at half maximum into a Gaussian sigma.
var fwhmToSigma = 1 / math.Sqrt(8*math.Ln2)

// Smooth implements Ops. The kernel is truncated at four sigma and the
// boundary is mirrored about the edge voxel border.
func (Native) Smooth(v *models.Volume, fwhm float64) (*models.Volume, error) {
	if fwhm < 0 {
		return nil, fmt.Errorf("smooth: negative fwhm %g", fwhm)
	}
	if fwhm == 0 {
		return v.Clone(), nil
	}
	kernel, radius := gaussianKernel(fwhm * fwhmToSigma)

	out := v.Clone()
	for axis := 0; axis < 3; axis++ {
		if v.Dims[axis] == 1 {
			continue
		}
		out.Data = convolveAxis(out.Data, v.Dims, axis, kernel, radius)
	}
	return out, nil
}

func gaussianKernel(sigma float64) ([]float64, int) {
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	for k := -radius; k <= radius; k++ {
		kernel[k+radius] = math.Exp(-float64(k*k) / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel, radius
}

func convolveAxis(src []float64, dims [3]int, axis int, kernel []float64, radius int) []float64 {
	strides := [3]int{1, dims[0], dims[0] * dims[1]}
	var others [2]int
	n := 0
	for a := 0; a < 3; a++ {
		if a != axis {
			others[n] = a
			n++
		}
	}
	length, stride := dims[axis], strides[axis]
	o1, o2 := others[0], others[1]

	out := make([]float64, len(src))
	parallelSlabs(dims[o2], func(lo, hi int) {
		line := make([]float64, length)
		for c2 := lo; c2 < hi; c2++ {
			for c1 := 0; c1 < dims[o1]; c1++ {
				base := c1*strides[o1] + c2*strides[o2]
				for t := 0; t < length; t++ {
					line[t] = src[base+t*stride]
				}
				for t := 0; t < length; t++ {
					var sum float64
					for k := -radius; k <= radius; k++ {
						sum += kernel[k+radius] * line[reflect(t+k, length)]
					}
					out[base+t*stride] = sum
				}
			}
		}
	})
	return out
}

// reflect maps an out-of-range index by mirroring about the edge (d c b a |
// a b c d | d c b a).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// LargestComponent implements Ops. Ties keep the component found first in
// storage order.
func (Native) LargestComponent(v *models.Volume) (*models.Volume, error) {
	labels := make([]int32, v.Len())
	var queue []int
	var best int32
	bestSize := 0
	var next int32

	for seed, x := range v.Data {
		if x == 0 || labels[seed] != 0 {
			continue
		}
		next++
		labels[seed] = next
		queue = append(queue[:0], seed)
		size := 0
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++
			forNeighbors(v.Dims, idx, true, func(nb int) {
				if v.Data[nb] != 0 && labels[nb] == 0 {
					labels[nb] = next
					queue = append(queue, nb)
				}
			})
		}
		if size > bestSize {
			best, bestSize = next, size
		}
	}

	out := make([]float64, v.Len())
	if bestSize > 0 {
		for i, l := range labels {
			if l == best {
				out[i] = 1
			}
		}
	}
	return v.WithData(out), nil
}

// FillHoles implements Ops. Background connectivity is 6-neighbour.
func (Native) FillHoles(v *models.Volume) (*models.Volume, error) {
	nx, ny, nz := v.Dims[0], v.Dims[1], v.Dims[2]
	outside := make([]bool, v.Len())
	var queue []int
	push := func(idx int) {
		if v.Data[idx] == 0 && !outside[idx] {
			outside[idx] = true
			queue = append(queue, idx)
		}
	}
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if x == 0 || y == 0 || z == 0 || x == nx-1 || y == ny-1 || z == nz-1 {
					push(v.Index(x, y, z))
				}
			}
		}
	}
	for len(queue) > 0 {
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		forNeighbors(v.Dims, idx, false, push)
	}

	out := make([]float64, v.Len())
	for i := range out {
		if !outside[i] {
			out[i] = 1
		}
	}
	return v.WithData(out), nil
}

// forNeighbors calls fn with every in-grid neighbour of idx, using 26- or
// 6-connectivity.
func forNeighbors(dims [3]int, idx int, full bool, fn func(int)) {
	nx, ny := dims[0], dims[1]
	x := idx % nx
	y := (idx / nx) % ny
	z := idx / (nx * ny)
	for dz := -1; dz <= 1; dz++ {
		zz := z + dz
		if zz < 0 || zz >= dims[2] {
			continue
		}
		for dy := -1; dy <= 1; dy++ {
			yy := y + dy
			if yy < 0 || yy >= ny {
				continue
			}
			for dx := -1; dx <= 1; dx++ {
				xx := x + dx
				if xx < 0 || xx >= nx {
					continue
				}
				steps := abs(dx) + abs(dy) + abs(dz)
				if steps == 0 || (!full && steps != 1) {
					continue
				}
				fn(xx + nx*(yy+ny*zz))
			}
		}
	}
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
