package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 voxel-to-world transform in RAS+ world coordinates,
// the convention used by NIfTI sform/qform matrices.
type Affine [4][4]float64

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Mul returns a*b.
func (a Affine) Mul(b Affine) Affine {
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// Apply maps a continuous voxel coordinate to world space.
func (a Affine) Apply(i, j, k float64) (x, y, z float64) {
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}

// Inverse returns the inverse transform. Singular matrices are rejected.
func (a Affine) Inverse() (Affine, error) {
	m := mat.NewDense(4, 4, a.flat())
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Affine{}, fmt.Errorf("invert affine: %w", err)
	}
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

// VoxelVolume is the physical volume of one voxel (|det| of the linear part).
func (a Affine) VoxelVolume() float64 {
	m := mat.NewDense(3, 3, []float64{
		a[0][0], a[0][1], a[0][2],
		a[1][0], a[1][1], a[1][2],
		a[2][0], a[2][1], a[2][2],
	})
	return math.Abs(mat.Det(m))
}

// Spacing returns the column norms of the linear part.
func (a Affine) Spacing() [3]float64 {
	var s [3]float64
	for j := 0; j < 3; j++ {
		s[j] = math.Sqrt(a[0][j]*a[0][j] + a[1][j]*a[1][j] + a[2][j]*a[2][j])
	}
	return s
}

func (a Affine) flat() []float64 {
	out := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		out = append(out, a[i][:]...)
	}
	return out
}

// Volume is a scalar 3-D image with its spatial transform.
//
// Pipeline stages treat a Volume as immutable: every operation returns a new
// Volume rather than changing Data or Affine of its argument. Orientation is
// always derived from Affine, never set independently.
type Volume struct {
	// Data holds voxel intensities with x varying fastest, then y, then z
	Data []float64

	// Dims is the grid shape (x, y, z)
	Dims [3]int

	// Affine maps voxel indices to world millimetres
	Affine Affine

	// Orientation is the 3-letter axis code derived from Affine
	Orientation string

	// Oblique reports that Affine is not axis aligned; Orientation is then
	// the closest axis-aligned code
	Oblique bool
}

// NewVolume builds a Volume and derives its orientation code.
func NewVolume(data []float64, dims [3]int, affine Affine) (*Volume, error) {
	for i, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension %d on axis %d", d, i)
		}
	}
	if len(data) != dims[0]*dims[1]*dims[2] {
		return nil, fmt.Errorf("data length %d does not match dims %v", len(data), dims)
	}
	code, oblique, err := OrientationCode(affine)
	if err != nil {
		return nil, err
	}
	return &Volume{
		Data:        data,
		Dims:        dims,
		Affine:      affine,
		Orientation: code,
		Oblique:     oblique,
	}, nil
}

// Zeros allocates an empty volume on the given grid.
func Zeros(dims [3]int, affine Affine) (*Volume, error) {
	return NewVolume(make([]float64, dims[0]*dims[1]*dims[2]), dims, affine)
}

// Len is the number of voxels.
func (v *Volume) Len() int { return v.Dims[0] * v.Dims[1] * v.Dims[2] }

// Index converts a voxel position to an offset in Data.
func (v *Volume) Index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float64 { return v.Data[v.Index(x, y, z)] }

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return v.WithData(data)
}

// WithData returns a volume sharing this volume's geometry but holding data.
// The caller hands ownership of data to the new volume.
func (v *Volume) WithData(data []float64) *Volume {
	return &Volume{
		Data:        data,
		Dims:        v.Dims,
		Affine:      v.Affine,
		Orientation: v.Orientation,
		Oblique:     v.Oblique,
	}
}

// SameGrid reports whether both volumes share shape and orientation code.
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Dims == o.Dims && v.Orientation == o.Orientation
}

// CountNonZero returns the number of voxels different from zero.
func (v *Volume) CountNonZero() int {
	n := 0
	for _, x := range v.Data {
		if x != 0 {
			n++
		}
	}
	return n
}

// Tensor is the model input: one conformed channel per modality, stacked in
// the model descriptor's order with the anchor modality first.
type Tensor struct {
	// Modalities names each channel
	Modalities []Modality

	// Channels holds one voxel array per modality, all of size Dims
	Channels [][]float64

	// Dims is the spatial grid of every channel
	Dims [3]int

	// Affine is the geometry of the resampled anchor channel
	Affine Affine
}

// Shape returns the tensor shape as [batch, channels, x, y, z].
func (t *Tensor) Shape() [5]int {
	return [5]int{1, len(t.Channels), t.Dims[0], t.Dims[1], t.Dims[2]}
}

// Channel returns channel i as a Volume on the tensor grid.
func (t *Tensor) Channel(i int) (*Volume, error) {
	if i < 0 || i >= len(t.Channels) {
		return nil, fmt.Errorf("channel %d out of range [0,%d)", i, len(t.Channels))
	}
	return NewVolume(t.Channels[i], t.Dims, t.Affine)
}
