package volops

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icvmapper/internal/models"
)

// newVolume builds a volume whose voxels are filled by fn.
func newVolume(t *testing.T, dims [3]int, affine models.Affine, fn func(x, y, z int) float64) *models.Volume {
	t.Helper()
	data := make([]float64, dims[0]*dims[1]*dims[2])
	i := 0
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				data[i] = fn(x, y, z)
				i++
			}
		}
	}
	v, err := models.NewVolume(data, dims, affine)
	require.NoError(t, err)
	return v
}

func ramp(x, y, z int) float64 { return float64(x + 10*y + 100*z) }

func scaled(sx, sy, sz float64) models.Affine {
	a := models.Identity()
	a[0][0], a[1][1], a[2][2] = sx, sy, sz
	a[0][3], a[1][3], a[2][3] = -10, 4, 7
	return a
}

// assertWorldPreserved checks that every voxel of got holds the value of the
// voxel of want at the same world position.
func assertWorldPreserved(t *testing.T, want, got *models.Volume) {
	t.Helper()
	inv, err := want.Affine.Inverse()
	require.NoError(t, err)
	for z := 0; z < got.Dims[2]; z++ {
		for y := 0; y < got.Dims[1]; y++ {
			for x := 0; x < got.Dims[0]; x++ {
				wx, wy, wz := got.Affine.Apply(float64(x), float64(y), float64(z))
				i, j, k := inv.Apply(wx, wy, wz)
				require.Equal(t, want.At(int(math.Round(i)), int(math.Round(j)), int(math.Round(k))), got.At(x, y, z))
			}
		}
	}
}

func TestReorientFlip(t *testing.T) {
	v := newVolume(t, [3]int{4, 3, 2}, scaled(1, 2, 3), ramp)
	require.Equal(t, "LPI", v.Orientation)

	got, err := Native{}.Reorient(v, "RPI")
	require.NoError(t, err)
	assert.Equal(t, "RPI", got.Orientation)
	assert.Equal(t, v.Dims, got.Dims)
	assert.Equal(t, v.At(3, 0, 0), got.At(0, 0, 0))
	assertWorldPreserved(t, v, got)
}

func TestReorientPermutationRoundTrip(t *testing.T) {
	a := models.Affine{
		{0, 0, -1.5, 30},
		{1, 0, 0, -20},
		{0, 2, 0, 5},
		{0, 0, 0, 1},
	}
	v := newVolume(t, [3]int{5, 4, 3}, a, ramp)
	require.Equal(t, "PIR", v.Orientation)

	canon, err := Native{}.Reorient(v, "LPI")
	require.NoError(t, err)
	assert.Equal(t, "LPI", canon.Orientation)
	assert.Equal(t, [3]int{3, 5, 4}, canon.Dims)
	assertWorldPreserved(t, v, canon)

	back, err := Native{}.Reorient(canon, v.Orientation)
	require.NoError(t, err)
	assert.Equal(t, v.Dims, back.Dims)
	assert.Equal(t, v.Data, back.Data)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, v.Affine[i][j], back.Affine[i][j], 1e-12)
		}
	}
}

func TestReorientSameCodeCopies(t *testing.T) {
	v := newVolume(t, [3]int{2, 2, 2}, models.Identity(), ramp)
	got, err := Native{}.Reorient(v, "LPI")
	require.NoError(t, err)
	got.Data[0] = -1
	assert.Equal(t, 0.0, v.Data[0])

	_, err = Native{}.Reorient(v, "LLI")
	assert.Error(t, err)
}

func TestCropToContent(t *testing.T) {
	v := newVolume(t, [3]int{10, 10, 10}, scaled(1, 1, 1), func(x, y, z int) float64 {
		if x >= 3 && x <= 5 && y >= 4 && y <= 6 && z >= 2 && z <= 8 {
			return 1
		}
		return 0
	})

	got, err := Native{}.CropToContent(v, 1)
	require.NoError(t, err)
	assert.Equal(t, [3]int{5, 5, 9}, got.Dims)
	assert.Equal(t, v.CountNonZero(), got.CountNonZero())
	assertWorldPreserved(t, v, got)

	wide, err := Native{}.CropToContent(v, 4)
	require.NoError(t, err)
	assert.Equal(t, [3]int{10, 10, 10}, wide.Dims)

	empty := v.WithData(make([]float64, v.Len()))
	same, err := Native{}.CropToContent(empty, 1)
	require.NoError(t, err)
	assert.Equal(t, v.Dims, same.Dims)
}

func TestResliceOntoSelfAndCrop(t *testing.T) {
	v := newVolume(t, [3]int{6, 5, 4}, scaled(2, 2, 2), ramp)

	self, err := Native{}.ResliceOnto(v, v)
	require.NoError(t, err)
	for i := range v.Data {
		assert.InDelta(t, v.Data[i], self.Data[i], 1e-9)
	}

	crop, err := Native{}.CropToContent(newVolume(t, v.Dims, v.Affine, func(x, y, z int) float64 {
		if x > 1 && y > 1 {
			return 1
		}
		return 0
	}), 0)
	require.NoError(t, err)
	onCrop, err := Native{}.ResliceOnto(v, crop)
	require.NoError(t, err)
	assert.Equal(t, crop.Dims, onCrop.Dims)
	assert.InDelta(t, v.At(2, 2, 0), onCrop.At(0, 0, 0), 1e-9)
}

func TestResliceOutsideIsZero(t *testing.T) {
	v := newVolume(t, [3]int{4, 4, 4}, models.Identity(), func(x, y, z int) float64 { return 1 })
	shifted := models.Identity()
	shifted[0][3] = 100
	ref := newVolume(t, [3]int{4, 4, 4}, shifted, func(x, y, z int) float64 { return 0 })

	got, err := Native{}.ResliceOnto(v, ref)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CountNonZero())
}

func TestResampleKeepsExtent(t *testing.T) {
	v := newVolume(t, [3]int{8, 8, 4}, scaled(1, 1, 2), func(x, y, z int) float64 { return 3 })

	got, err := Native{}.Resample(v, [3]int{16, 4, 4})
	require.NoError(t, err)
	assert.Equal(t, [3]int{16, 4, 4}, got.Dims)
	for _, x := range got.Data {
		assert.InDelta(t, 3, x, 1e-12)
	}
	assert.InDelta(t, 0.5, got.Affine.Spacing()[0], 1e-12)
	assert.InDelta(t, 2.0, got.Affine.Spacing()[1], 1e-12)

	// the outer voxel edge stays where it was
	ex, _, _ := v.Affine.Apply(-0.5, 0, 0)
	gx, _, _ := got.Affine.Apply(-0.5, 0, 0)
	assert.InDelta(t, ex, gx, 1e-12)

	_, err = Native{}.Resample(v, [3]int{0, 1, 1})
	assert.Error(t, err)
}

func TestResampleLinearRamp(t *testing.T) {
	v := newVolume(t, [3]int{4, 1, 1}, models.Identity(), func(x, y, z int) float64 { return float64(x) })
	got, err := Native{}.Resample(v, [3]int{8, 1, 1})
	require.NoError(t, err)
	// interior samples follow the ramp, edges are clamped
	assert.InDelta(t, 0.0, got.Data[0], 1e-12)
	assert.InDelta(t, 0.25, got.Data[1], 1e-12)
	assert.InDelta(t, 1.75, got.Data[4], 1e-12)
	assert.InDelta(t, 3.0, got.Data[7], 1e-12)
}

func TestSmooth(t *testing.T) {
	dims := [3]int{15, 15, 15}
	impulse := newVolume(t, dims, models.Identity(), func(x, y, z int) float64 {
		if x == 7 && y == 7 && z == 7 {
			return 1
		}
		return 0
	})

	got, err := Native{}.Smooth(impulse, 3)
	require.NoError(t, err)
	var sum float64
	for _, x := range got.Data {
		sum += x
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.Less(t, got.At(7, 7, 7), 1.0)
	assert.InDelta(t, got.At(6, 7, 7), got.At(8, 7, 7), 1e-12)
	assert.Equal(t, 1.0, impulse.At(7, 7, 7))

	flat := newVolume(t, dims, models.Identity(), func(x, y, z int) float64 { return 2 })
	smoothFlat, err := Native{}.Smooth(flat, 2)
	require.NoError(t, err)
	for _, x := range smoothFlat.Data {
		assert.InDelta(t, 2, x, 1e-9)
	}

	_, err = Native{}.Smooth(flat, -1)
	assert.Error(t, err)
}

func TestReflect(t *testing.T) {
	assert.Equal(t, 0, reflect(-1, 4))
	assert.Equal(t, 1, reflect(-2, 4))
	assert.Equal(t, 3, reflect(4, 4))
	assert.Equal(t, 2, reflect(5, 4))
	assert.Equal(t, 0, reflect(7, 1))
}

func TestLargestComponent(t *testing.T) {
	dims := [3]int{12, 12, 12}
	v := newVolume(t, dims, models.Identity(), func(x, y, z int) float64 {
		switch {
		case x >= 1 && x <= 4 && y >= 1 && y <= 4 && z >= 1 && z <= 4:
			return 1 // 64 voxels
		case x >= 8 && x <= 9 && y >= 8 && y <= 9 && z >= 8 && z <= 9:
			return 1 // 8 voxels
		case x == 5 && y == 5 && z == 5:
			return 1 // diagonal neighbour of the big cube
		}
		return 0
	})

	got, err := Native{}.LargestComponent(v)
	require.NoError(t, err)
	assert.Equal(t, 65, got.CountNonZero())
	assert.Equal(t, 1.0, got.At(5, 5, 5))
	assert.Equal(t, 0.0, got.At(8, 8, 8))

	empty, err := Native{}.LargestComponent(v.WithData(make([]float64, v.Len())))
	require.NoError(t, err)
	assert.Zero(t, empty.CountNonZero())
}

func TestFillHoles(t *testing.T) {
	dims := [3]int{9, 9, 9}
	shell := func(x, y, z int) bool {
		in := x >= 2 && x <= 6 && y >= 2 && y <= 6 && z >= 2 && z <= 6
		core := x >= 3 && x <= 5 && y >= 3 && y <= 5 && z >= 3 && z <= 5
		return in && !core
	}
	closed := newVolume(t, dims, models.Identity(), func(x, y, z int) float64 {
		if shell(x, y, z) {
			return 1
		}
		return 0
	})
	got, err := Native{}.FillHoles(closed)
	require.NoError(t, err)
	assert.Equal(t, 125, got.CountNonZero())

	open := newVolume(t, dims, models.Identity(), func(x, y, z int) float64 {
		if shell(x, y, z) && !(x == 4 && y == 4 && z == 2) {
			return 1
		}
		return 0
	})
	got, err = Native{}.FillHoles(open)
	require.NoError(t, err)
	assert.Equal(t, open.CountNonZero(), got.CountNonZero())
}

func TestCopyGeometryFrom(t *testing.T) {
	v := newVolume(t, [3]int{3, 3, 3}, models.Identity(), ramp)
	ref := newVolume(t, [3]int{3, 3, 3}, scaled(-1, 1, 1), ramp)

	got, err := Native{}.CopyGeometryFrom(v, ref)
	require.NoError(t, err)
	assert.Equal(t, "RPI", got.Orientation)
	assert.Equal(t, v.Data, got.Data)

	other := newVolume(t, [3]int{3, 3, 2}, models.Identity(), ramp)
	_, err = Native{}.CopyGeometryFrom(v, other)
	assert.True(t, errors.Is(err, models.ErrGeometryMismatch))
}

func TestVoxelArithmetic(t *testing.T) {
	a := newVolume(t, [3]int{2, 1, 1}, models.Identity(), func(x, y, z int) float64 { return float64(x) + 0.5 })
	b := newVolume(t, [3]int{2, 1, 1}, models.Identity(), func(x, y, z int) float64 { return 2 })

	assert.Equal(t, []float64{0, 1}, Threshold(a, 0.5).Data)

	prod, err := Multiply(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3}, prod.Data)

	diff, err := Subtract(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1.5, -0.5}, diff.Data)

	c := newVolume(t, [3]int{1, 2, 1}, models.Identity(), func(x, y, z int) float64 { return 1 })
	_, err = Multiply(a, c)
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
	_, err = Subtract(a, c)
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
}
