// Package regqc renders registration comparison images: slices of the fixed
// image and the registration output at matching positions, with an optional
// segmentation outline on both.
package regqc

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"icvmapper/internal/models"
	"icvmapper/pkg/nifti"
	"icvmapper/pkg/orientation"
)

// DefaultOffsets are the slice positions, in voxels from the centre.
var DefaultOffsets = []int{-30, -15, 0, 15, 30}

// ProcessDirName receives the per-axis strips.
const ProcessDirName = "reg_process"

// Request names the images to compare.
type Request struct {
	Fixed      string
	Registered string

	// Segmentation is optional
	Segmentation string

	// OutDir defaults to the registered image's directory
	OutDir string

	// Prefix defaults to the registered image's base name
	Prefix string

	// Offsets defaults to DefaultOffsets
	Offsets []int
}

// Report lists the files written.
type Report struct {
	Strips        []string
	CombinedFixed string
	CombinedReg   string
}

// Compare checks that the images share orientation and grid, then writes
// per-axis strips and one combined image per input. Nothing is written when
// the geometry check fails.
func Compare(req Request, logger log.FieldLogger) (*Report, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	fixed, err := nifti.Read(req.Fixed)
	if err != nil {
		return nil, fmt.Errorf("failed to load fixed image: %w", err)
	}
	reg, err := nifti.Read(req.Registered)
	if err != nil {
		return nil, fmt.Errorf("failed to load registered image: %w", err)
	}
	if err := orientation.Compare(fixed, reg); err != nil {
		return nil, fmt.Errorf("fixed and registered images: %w", err)
	}
	var seg *models.Volume
	if req.Segmentation != "" {
		if seg, err = nifti.Read(req.Segmentation); err != nil {
			return nil, fmt.Errorf("failed to load segmentation: %w", err)
		}
		if err := orientation.Compare(reg, seg); err != nil {
			return nil, fmt.Errorf("segmentation: %w", err)
		}
	}

	fixedView, err := NewViewer(fixed, seg)
	if err != nil {
		return nil, err
	}
	regView, err := NewViewer(reg, seg)
	if err != nil {
		return nil, err
	}

	outDir := req.OutDir
	if outDir == "" {
		outDir = filepath.Dir(req.Registered)
	}
	prefix := req.Prefix
	if prefix == "" {
		prefix = nifti.BaseName(req.Registered)
	}
	offsets := req.Offsets
	if len(offsets) == 0 {
		offsets = DefaultOffsets
	}
	procDir := filepath.Join(outDir, ProcessDirName)
	if err := os.MkdirAll(procDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	report := &Report{}
	var fixedStrips, regStrips []*image.RGBA
	for _, axis := range []string{"x", "y", "z"} {
		for _, side := range []struct {
			name   string
			view   *Viewer
			strips *[]*image.RGBA
		}{
			{"fixed", fixedView, &fixedStrips},
			{"reg", regView, &regStrips},
		} {
			strip, err := side.view.Strip(axis, offsets)
			if err != nil {
				return nil, err
			}
			path := filepath.Join(procDir, fmt.Sprintf("%s_%s_%s.jpg", prefix, side.name, axis))
			if err := SaveSlice(strip, path); err != nil {
				return nil, fmt.Errorf("failed to save %s: %w", path, err)
			}
			*side.strips = append(*side.strips, strip)
			report.Strips = append(report.Strips, path)
		}
	}

	report.CombinedFixed = filepath.Join(outDir, prefix+"_combined_fixed.jpg")
	if err := SaveSlice(concat(fixedStrips, false), report.CombinedFixed); err != nil {
		return nil, err
	}
	report.CombinedReg = filepath.Join(outDir, prefix+"_combined_reg.jpg")
	if err := SaveSlice(concat(regStrips, false), report.CombinedReg); err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"fixed":      req.Fixed,
		"registered": req.Registered,
		"strips":     len(report.Strips),
	}).Info("Registration comparison written")
	return report, nil
}
