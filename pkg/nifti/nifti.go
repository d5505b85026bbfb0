// Package nifti reads and writes single-file NIfTI-1 images (.nii, .nii.gz).
//
// Only the first 3-D volume of a 4-D file is loaded. Intensities are returned
// as float64 with scl_slope/scl_inter applied; the voxel-to-world transform is
// taken from the sform when present, otherwise from the qform quaternion, and
// finally from pixdim alone.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"icvmapper/internal/models"
)

// DataType is a NIfTI DT_* code.
type DataType int16

// Supported voxel types.
const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
)

const (
	headerSize = 348
	voxOffset  = 352
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// header is the on-disk NIfTI-1 header. Field order and widths follow
// nifti1.h; binary.Read packs it without padding to 348 bytes.
type header struct {
	SizeOfHdr    int32
	DataTypeName [10]byte
	DBName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte

	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	DataType      int16
	BitPix        int16
	SliceStart    int16
	PixDim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// Read loads the image at path.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(path) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	vol, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"path":        path,
		"dims":        vol.Dims,
		"orientation": vol.Orientation,
		"oblique":     vol.Oblique,
	}).Debug("Loaded volume")
	return vol, nil
}

// Decode parses an in-memory single-file NIfTI-1 image.
func Decode(raw []byte) (*models.Volume, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("file too short for a nifti1 header: %d bytes", len(raw))
	}
	h, order, err := readHeader(raw[:headerSize])
	if err != nil {
		return nil, err
	}

	dims := [3]int{1, 1, 1}
	for i := 0; i < 3; i++ {
		if int(h.Dim[0]) > i && h.Dim[i+1] > 0 {
			dims[i] = int(h.Dim[i+1])
		}
	}
	if h.Dim[0] > 3 && h.Dim[4] > 1 {
		log.WithFields(log.Fields{"frames": h.Dim[4]}).Debug("Reading first frame of 4-D image")
	}

	offset := int(h.VoxOffset)
	if offset < voxOffset {
		offset = voxOffset
	}
	n := dims[0] * dims[1] * dims[2]
	bpv := bytesPerVoxel(DataType(h.DataType))
	if bpv == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", h.DataType)
	}
	if len(raw) < offset+n*bpv {
		return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", offset+n*bpv, len(raw))
	}
	data := decodeVoxels(raw[offset:offset+n*bpv], DataType(h.DataType), order, n)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}
	return models.NewVolume(data, dims, affineFromHeader(h))
}

func readHeader(b []byte) (header, binary.ByteOrder, error) {
	var h header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return h, nil, err
	}
	// dim[0] outside [1,7] means the file was written big-endian
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
			return h, nil, err
		}
		if h.Dim[0] < 1 || h.Dim[0] > 7 {
			return h, nil, fmt.Errorf("cannot infer byte order: dim[0]=%d", h.Dim[0])
		}
	}
	switch {
	case h.SizeOfHdr != headerSize:
		return h, nil, fmt.Errorf("invalid header size %d", h.SizeOfHdr)
	case h.Magic != magicSingleFile:
		return h, nil, fmt.Errorf("invalid magic %q: header and data must share one file", h.Magic[:3])
	}
	return h, order, nil
}

func bytesPerVoxel(dt DataType) int {
	switch dt {
	case Uint8, Int8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func decodeVoxels(b []byte, dt DataType, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	switch dt {
	case Uint8:
		for i := range out {
			out[i] = float64(b[i])
		}
	case Int8:
		for i := range out {
			out[i] = float64(int8(b[i]))
		}
	case Int16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(b[2*i:])))
		}
	case Uint16:
		for i := range out {
			out[i] = float64(order.Uint16(b[2*i:]))
		}
	case Int32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(b[4*i:])))
		}
	case Float32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		}
	case Float64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	}
	return out
}

func affineFromHeader(h header) models.Affine {
	if h.SFormCode > 0 {
		a := models.Identity()
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SRowX[j])
			a[1][j] = float64(h.SRowY[j])
			a[2][j] = float64(h.SRowZ[j])
		}
		return a
	}

	dx, dy, dz := pixdim(h.PixDim[1]), pixdim(h.PixDim[2]), pixdim(h.PixDim[3])
	if h.QFormCode <= 0 {
		a := models.Identity()
		a[0][0], a[1][1], a[2][2] = dx, dy, dz
		return a
	}

	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	aa := 1 - (b*b + c*c + d*d)
	if aa < 1e-7 {
		// the quaternion is a 180 degree rotation; renormalise b, c, d
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		aa = 0
	} else {
		aa = math.Sqrt(aa)
	}
	qfac := 1.0
	if h.PixDim[0] < 0 {
		qfac = -1
	}
	dz *= qfac

	r := [3][3]float64{
		{aa*aa + b*b - c*c - d*d, 2 * (b*c - aa*d), 2 * (b*d + aa*c)},
		{2 * (b*c + aa*d), aa*aa + c*c - b*b - d*d, 2 * (c*d - aa*b)},
		{2 * (b*d - aa*c), 2 * (c*d + aa*b), aa*aa + d*d - c*c - b*b},
	}
	a := models.Identity()
	scale := [3]float64{dx, dy, dz}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i][j] = r[i][j] * scale[j]
		}
	}
	a[0][3], a[1][3], a[2][3] = float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)
	return a
}

func pixdim(v float32) float64 {
	if v <= 0 {
		return 1
	}
	return float64(v)
}

// Write stores vol at path with the given voxel type, gzip-compressing when
// the path ends in .gz. The file is written to a sibling temp file and renamed
// into place so readers never observe a partial image.
func Write(path string, vol *models.Volume, dt DataType) error {
	payload, err := Encode(vol, dt)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nifti-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var w io.Writer = tmp
	var zw *gzip.Writer
	if isGzip(path) {
		zw = gzip.NewWriter(tmp)
		w = zw
	}
	if _, err := w.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("compress %s: %w", path, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	log.WithFields(log.Fields{"path": path, "dims": vol.Dims}).Debug("Wrote volume")
	return nil
}

// Encode serialises vol as an uncompressed single-file NIfTI-1 image.
func Encode(vol *models.Volume, dt DataType) ([]byte, error) {
	bpv := bytesPerVoxel(dt)
	if bpv == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", dt)
	}

	spacing := vol.Affine.Spacing()
	h := header{
		SizeOfHdr: headerSize,
		Regular:   'r',
		DataType:  int16(dt),
		BitPix:    int16(bpv * 8),
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // millimetres
		SFormCode: 1,
		Magic:     magicSingleFile,
	}
	h.Dim = [8]int16{3, int16(vol.Dims[0]), int16(vol.Dims[1]), int16(vol.Dims[2]), 1, 1, 1, 1}
	h.PixDim = [8]float32{1, float32(spacing[0]), float32(spacing[1]), float32(spacing[2]), 1, 1, 1, 1}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(vol.Affine[0][j])
		h.SRowY[j] = float32(vol.Affine[1][j])
		h.SRowZ[j] = float32(vol.Affine[2][j])
	}
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = h.SRowX[3], h.SRowY[3], h.SRowZ[3]

	var buf bytes.Buffer
	buf.Grow(voxOffset + len(vol.Data)*bpv)
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	// empty extension block
	buf.Write([]byte{0, 0, 0, 0})

	b := make([]byte, bpv)
	for _, v := range vol.Data {
		switch dt {
		case Uint8:
			b[0] = uint8(clampRound(v, 0, math.MaxUint8))
		case Int8:
			b[0] = byte(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		case Int16:
			binary.LittleEndian.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		case Uint16:
			binary.LittleEndian.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
		case Int32:
			binary.LittleEndian.PutUint32(b, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		case Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// BaseName strips the directory and the .nii/.nii.gz extension of path.
func BaseName(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range []string{".nii.gz", ".nii", ".gz"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
