package volops

import (
	"fmt"
	"runtime"
	"sync"

	"icvmapper/internal/models"
)

// Native implements Ops in Go without external tools.
type Native struct{}

var _ Ops = Native{}

// Reorient implements Ops.
func (Native) Reorient(v *models.Volume, target string) (*models.Volume, error) {
	if err := models.ValidateCode(target); err != nil {
		return nil, err
	}
	if v.Orientation == target {
		return v.Clone(), nil
	}

	// src[i] is the input axis feeding output axis i
	var src [3]int
	var flip [3]bool
	for i := 0; i < 3; i++ {
		axis, positive, _ := models.AxisOf(target[i])
		found := false
		for j := 0; j < 3; j++ {
			a, p, err := models.AxisOf(v.Orientation[j])
			if err != nil {
				return nil, err
			}
			if a == axis {
				src[i], flip[i], found = j, p != positive, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("cannot map %s onto %s", v.Orientation, target)
		}
	}

	var dims [3]int
	var t models.Affine
	t[3][3] = 1
	for i := 0; i < 3; i++ {
		j := src[i]
		dims[i] = v.Dims[j]
		if flip[i] {
			t[j][i] = -1
			t[j][3] = float64(v.Dims[j] - 1)
		} else {
			t[j][i] = 1
		}
	}

	data := make([]float64, v.Len())
	var o [3]int
	n := 0
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				for i, c := range [3]int{x, y, z} {
					if flip[i] {
						c = v.Dims[src[i]] - 1 - c
					}
					o[src[i]] = c
				}
				data[n] = v.Data[v.Index(o[0], o[1], o[2])]
				n++
			}
		}
	}
	return models.NewVolume(data, dims, v.Affine.Mul(t))
}

// CropToContent implements Ops. The box is clamped to the input grid; an
// all-zero volume is returned uncropped.
func (Native) CropToContent(v *models.Volume, margin int) (*models.Volume, error) {
	lo := [3]int{v.Dims[0], v.Dims[1], v.Dims[2]}
	hi := [3]int{-1, -1, -1}
	i := 0
	for z := 0; z < v.Dims[2]; z++ {
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[0]; x++ {
				if v.Data[i] != 0 {
					for a, c := range [3]int{x, y, z} {
						lo[a] = min(lo[a], c)
						hi[a] = max(hi[a], c)
					}
				}
				i++
			}
		}
	}
	if hi[0] < 0 {
		return v.Clone(), nil
	}

	var dims [3]int
	for a := 0; a < 3; a++ {
		lo[a] = max(0, lo[a]-margin)
		hi[a] = min(v.Dims[a]-1, hi[a]+margin)
		dims[a] = hi[a] - lo[a] + 1
	}

	data := make([]float64, 0, dims[0]*dims[1]*dims[2])
	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			start := v.Index(lo[0], y, z)
			data = append(data, v.Data[start:start+dims[0]]...)
		}
	}

	shift := models.Identity()
	shift[0][3], shift[1][3], shift[2][3] = float64(lo[0]), float64(lo[1]), float64(lo[2])
	return models.NewVolume(data, dims, v.Affine.Mul(shift))
}

// CopyGeometryFrom implements Ops.
func (Native) CopyGeometryFrom(v, ref *models.Volume) (*models.Volume, error) {
	if v.Dims != ref.Dims {
		return nil, fmt.Errorf("%w: cannot copy geometry of %v onto %v", models.ErrGeometryMismatch, ref.Dims, v.Dims)
	}
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return models.NewVolume(data, v.Dims, ref.Affine)
}

// parallelSlabs splits [0, n) into contiguous ranges processed concurrently.
func parallelSlabs(n int, fn func(lo, hi int)) {
	workers := min(runtime.GOMAXPROCS(0), n)
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
