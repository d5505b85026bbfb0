package regqc

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"

	"icvmapper/internal/models"
)

// outline is the colour of segmentation boundaries.
var outline = color.RGBA{R: 255, A: 255}

// Viewer renders orthogonal slices of a volume with an optional
// segmentation outline.
type Viewer struct {
	vol *models.Volume
	seg *models.Volume

	// hi is the intensity mapped to white
	hi float64
}

// NewViewer creates a Viewer. seg may be nil; otherwise it must share vol's
// grid.
func NewViewer(vol, seg *models.Volume) (*Viewer, error) {
	if seg != nil && seg.Dims != vol.Dims {
		return nil, fmt.Errorf("%w: segmentation %v, image %v", models.ErrGeometryMismatch, seg.Dims, vol.Dims)
	}
	return &Viewer{vol: vol, seg: seg, hi: window(vol.Data)}, nil
}

// window returns the 99th percentile of the positive intensities.
func window(data []float64) float64 {
	var pos []float64
	for _, x := range data {
		if x > 0 {
			pos = append(pos, x)
		}
	}
	if len(pos) == 0 {
		return 1
	}
	sort.Float64s(pos)
	return stat.Quantile(0.99, stat.Empirical, pos, nil)
}

// axisIndex maps an axis name onto a voxel axis.
func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// planeAxes returns the voxel axes spanning the image columns and rows of a
// slice normal to axis.
func planeAxes(axis int) (col, row int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

// ExtractSlice renders the slice at position along axis. Rows run from the
// highest index down so the last voxel axis points up.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.RGBA, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= v.vol.Dims[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) on axis %s", position, v.vol.Dims[a], axis)
	}
	col, row := planeAxes(a)
	w, h := v.vol.Dims[col], v.vol.Dims[row]
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	voxel := func(c, r int) int {
		var p [3]int
		p[a], p[col], p[row] = position, c, r
		return v.vol.Index(p[0], p[1], p[2])
	}
	inSeg := func(c, r int) bool {
		if c < 0 || r < 0 || c >= w || r >= h {
			return false
		}
		return v.seg.Data[voxel(c, r)] != 0
	}

	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			x, y := c, h-1-r
			if v.seg != nil && inSeg(c, r) &&
				(!inSeg(c-1, r) || !inSeg(c+1, r) || !inSeg(c, r-1) || !inSeg(c, r+1)) {
				img.SetRGBA(x, y, outline)
				continue
			}
			g := uint8(math.Max(0, math.Min(255, v.vol.Data[voxel(c, r)]/v.hi*255)))
			img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img, nil
}

// Strip renders slices at centre+offset along axis, side by side. Offsets
// are clamped to the grid.
func (v *Viewer) Strip(axis string, offsets []int) (*image.RGBA, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	n := v.vol.Dims[a]
	var tiles []*image.RGBA
	for _, off := range offsets {
		pos := min(max(n/2+off, 0), n-1)
		tile, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, tile)
	}
	return concat(tiles, true), nil
}

// concat places images side by side, or stacked when horizontal is false.
func concat(tiles []*image.RGBA, horizontal bool) *image.RGBA {
	w, h := 0, 0
	for _, t := range tiles {
		b := t.Bounds()
		if horizontal {
			w += b.Dx()
			h = max(h, b.Dy())
		} else {
			w = max(w, b.Dx())
			h += b.Dy()
		}
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)
	at := image.Point{}
	for _, t := range tiles {
		b := t.Bounds()
		draw.Draw(out, b.Sub(b.Min).Add(at), t, b.Min, draw.Src)
		if horizontal {
			at.X += b.Dx()
		} else {
			at.Y += b.Dy()
		}
	}
	return out
}

// SaveSlice saves an image as JPEG.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
