package regqc

import (
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icvmapper/internal/models"
	"icvmapper/pkg/nifti"
)

// cube returns a volume with a bright cube in the middle.
func cube(t *testing.T, dims [3]int, affine models.Affine) *models.Volume {
	t.Helper()
	v, err := models.Zeros(dims, affine)
	require.NoError(t, err)
	for z := dims[2] / 4; z < 3*dims[2]/4; z++ {
		for y := dims[1] / 4; y < 3*dims[1]/4; y++ {
			for x := dims[0] / 4; x < 3*dims[0]/4; x++ {
				v.Data[v.Index(x, y, z)] = 100
			}
		}
	}
	return v
}

func TestExtractSlice(t *testing.T) {
	vol := cube(t, [3]int{20, 16, 12}, models.Identity())
	view, err := NewViewer(vol, nil)
	require.NoError(t, err)

	for _, tc := range []struct {
		axis string
		w, h int
	}{
		{"x", 16, 12},
		{"y", 20, 12},
		{"z", 20, 16},
	} {
		img, err := view.ExtractSlice(tc.axis, 6)
		require.NoError(t, err)
		assert.Equal(t, tc.w, img.Bounds().Dx(), tc.axis)
		assert.Equal(t, tc.h, img.Bounds().Dy(), tc.axis)
	}

	img, err := view.ExtractSlice("z", 6)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), img.RGBAAt(10, 8).R, "cube is white")
	assert.Equal(t, uint8(0), img.RGBAAt(0, 0).R, "background is black")

	_, err = view.ExtractSlice("w", 0)
	assert.Error(t, err)
	_, err = view.ExtractSlice("z", 12)
	assert.Error(t, err)
}

func TestExtractSliceOutline(t *testing.T) {
	vol := cube(t, [3]int{20, 20, 20}, models.Identity())
	seg := vol.WithData(append([]float64(nil), vol.Data...))
	view, err := NewViewer(vol, seg)
	require.NoError(t, err)

	img, err := view.ExtractSlice("z", 10)
	require.NoError(t, err)
	// cube spans 5..14; rows are flipped so voxel row r is image row 19-r
	edge := img.RGBAAt(5, 19-10)
	assert.Equal(t, outline, edge)
	inside := img.RGBAAt(10, 19-10)
	assert.Equal(t, inside.R, inside.G, "interior is grey, not outlined")

	_, err = NewViewer(vol, cube(t, [3]int{10, 10, 10}, models.Identity()))
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
}

func TestStripClampsOffsets(t *testing.T) {
	vol := cube(t, [3]int{20, 16, 12}, models.Identity())
	view, err := NewViewer(vol, nil)
	require.NoError(t, err)

	strip, err := view.Strip("z", DefaultOffsets)
	require.NoError(t, err)
	assert.Equal(t, 5*20, strip.Bounds().Dx())
	assert.Equal(t, 16, strip.Bounds().Dy())
}

func writeVolume(t *testing.T, path string, v *models.Volume) {
	t.Helper()
	require.NoError(t, nifti.Write(path, v, nifti.Float32))
}

func TestCompareWritesImages(t *testing.T) {
	dir := t.TempDir()
	dims := [3]int{20, 16, 12}
	fixed := filepath.Join(dir, "fixed.nii.gz")
	reg := filepath.Join(dir, "moving_reg.nii.gz")
	seg := filepath.Join(dir, "seg.nii.gz")
	writeVolume(t, fixed, cube(t, dims, models.Identity()))
	writeVolume(t, reg, cube(t, dims, models.Identity()))
	writeVolume(t, seg, cube(t, dims, models.Identity()))

	out := filepath.Join(dir, "qc")
	report, err := Compare(Request{Fixed: fixed, Registered: reg, Segmentation: seg, OutDir: out}, nil)
	require.NoError(t, err)
	assert.Len(t, report.Strips, 6)
	assert.Equal(t, filepath.Join(out, ProcessDirName, "moving_reg_fixed_x.jpg"), report.Strips[0])

	for _, p := range append(report.Strips, report.CombinedFixed, report.CombinedReg) {
		assert.FileExists(t, p)
	}

	f, err := os.Open(report.CombinedReg)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	// widest strip is z (5 x 20); strips stack x, y, z
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 12+12+16, img.Bounds().Dy())
}

// Scenario D: differing orientation codes fail before anything is written.
func TestCompareOrientationMismatch(t *testing.T) {
	dir := t.TempDir()
	dims := [3]int{12, 12, 12}
	flipped := models.Identity()
	flipped[0][0] = -1

	fixed := filepath.Join(dir, "fixed.nii.gz")
	reg := filepath.Join(dir, "reg.nii.gz")
	writeVolume(t, fixed, cube(t, dims, models.Identity()))
	writeVolume(t, reg, cube(t, dims, flipped))

	out := filepath.Join(dir, "qc")
	_, err := Compare(Request{Fixed: fixed, Registered: reg, OutDir: out}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
	assert.NoDirExists(t, out)
}

func TestCompareShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	fixed := filepath.Join(dir, "fixed.nii.gz")
	reg := filepath.Join(dir, "reg.nii.gz")
	seg := filepath.Join(dir, "seg.nii.gz")
	writeVolume(t, fixed, cube(t, [3]int{12, 12, 12}, models.Identity()))
	writeVolume(t, reg, cube(t, [3]int{12, 12, 12}, models.Identity()))
	writeVolume(t, seg, cube(t, [3]int{12, 12, 10}, models.Identity()))

	out := filepath.Join(dir, "qc")
	_, err := Compare(Request{Fixed: fixed, Registered: reg, Segmentation: seg, OutDir: out}, nil)
	assert.ErrorIs(t, err, models.ErrGeometryMismatch)
	assert.NoDirExists(t, out)
}
