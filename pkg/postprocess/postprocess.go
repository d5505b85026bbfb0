// Package postprocess turns ensemble probability maps into binary masks on
// the anchor's native grid.
package postprocess

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"icvmapper/internal/models"
	"icvmapper/pkg/volops"
)

// Settings are the post-processing parameters.
type Settings struct {
	Threshold           float64
	SmoothFWHM          float64
	CerebellumFWHM      float64
	CerebellumThreshold float64
}

// DefaultSettings returns the standard parameters.
func DefaultSettings() Settings {
	return Settings{Threshold: 0.5, SmoothFWHM: 3, CerebellumFWHM: 2, CerebellumThreshold: 0.25}
}

// Result holds every stage of the primary mask.
type Result struct {
	// Thresholded is the mean map cut at the threshold on the model grid
	Thresholded *models.Volume

	// Probability is the mean map resliced onto the native grid
	Probability *models.Volume

	// Component is the largest connected component of the smoothed,
	// re-thresholded probability
	Component *models.Volume

	// Mask is Component with holes filled
	Mask *models.Volume

	// Empty reports that no voxel survived
	Empty bool
}

// CerebellumResult holds the stages of the cerebellum-excluded mask.
type CerebellumResult struct {
	Probability *models.Volume
	Cerebellum  *models.Volume
	Mask        *models.Volume
	Empty       bool
}

// Processor runs the post-processing chains.
type Processor struct {
	ops      volops.Ops
	settings Settings
	log      log.FieldLogger
}

// NewProcessor creates a Processor.
func NewProcessor(ops volops.Ops, settings Settings, logger log.FieldLogger) *Processor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{ops: ops, settings: settings, log: logger}
}

// Primary thresholds mean, reslices it onto native, smooths and
// re-thresholds it, keeps the largest component and fills its holes.
// An empty mask is reported through Result.Empty.
func (p *Processor) Primary(mean, native *models.Volume) (*Result, error) {
	res := &Result{Thresholded: volops.Threshold(mean, p.settings.Threshold)}

	prob, err := p.ops.ResliceOnto(mean, native)
	if err != nil {
		return nil, fmt.Errorf("reslice probability: %w", err)
	}
	res.Probability = prob

	smoothed, err := p.ops.Smooth(prob, p.settings.SmoothFWHM)
	if err != nil {
		return nil, fmt.Errorf("smooth probability: %w", err)
	}
	component, err := p.ops.LargestComponent(volops.Threshold(smoothed, p.settings.Threshold))
	if err != nil {
		return nil, fmt.Errorf("largest component: %w", err)
	}
	res.Component = component

	mask, err := p.ops.FillHoles(component)
	if err != nil {
		return nil, fmt.Errorf("fill holes: %w", err)
	}
	res.Mask = mask
	res.Empty = mask.CountNonZero() == 0

	entry := p.log.WithFields(log.Fields{"voxels": mask.CountNonZero(), "threshold": p.settings.Threshold})
	if res.Empty {
		entry.Warn("Predicted mask is empty")
	} else {
		entry.Debug("Primary mask post-processed")
	}
	return res, nil
}

// Cerebellum derives the cerebellum mask from its ensemble mean and removes
// it from primary, keeping the largest remaining component.
func (p *Processor) Cerebellum(mean, native, primary *models.Volume) (*CerebellumResult, error) {
	prob, err := p.ops.ResliceOnto(mean, native)
	if err != nil {
		return nil, fmt.Errorf("reslice cerebellum probability: %w", err)
	}
	smoothed, err := p.ops.Smooth(prob, p.settings.CerebellumFWHM)
	if err != nil {
		return nil, fmt.Errorf("smooth cerebellum probability: %w", err)
	}
	cereb := volops.Threshold(smoothed, p.settings.CerebellumThreshold)

	diff, err := volops.Subtract(primary, cereb)
	if err != nil {
		return nil, fmt.Errorf("subtract cerebellum: %w", err)
	}
	mask, err := p.ops.LargestComponent(volops.Threshold(diff, 0))
	if err != nil {
		return nil, fmt.Errorf("largest component: %w", err)
	}

	res := &CerebellumResult{
		Probability: prob,
		Cerebellum:  cereb,
		Mask:        mask,
		Empty:       mask.CountNonZero() == 0,
	}
	p.log.WithFields(log.Fields{
		"cerebellum": cereb.CountNonZero(),
		"remaining":  mask.CountNonZero(),
	}).Debug("Cerebellum removed")
	return res, nil
}
