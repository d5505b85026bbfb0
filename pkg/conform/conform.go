// Package conform turns oriented per-modality volumes into the model input
// tensor: crop (anchor) or reslice (secondaries), percentile cutoff, sample-wise
// standardization and resampling to the model grid.
package conform

import (
	"context"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"icvmapper/internal/models"
	"icvmapper/pkg/volops"
)

// Settings controls the conforming steps.
type Settings struct {
	// CutoffPercent clips intensities outside [p, 100-p] percentiles
	CutoffPercent float64

	// CropMargin is the voxel margin kept around the anchor's content
	CropMargin int

	// TargetShape is the model input grid
	TargetShape [3]int
}

// DefaultSettings returns the settings the models were trained with.
func DefaultSettings() Settings {
	return Settings{CutoffPercent: 5, CropMargin: 1, TargetShape: [3]int{160, 160, 160}}
}

// Channel holds the stages of one conformed modality.
type Channel struct {
	Modality     models.Modality
	Cropped      *models.Volume
	Cutoff       *models.Volume
	Standardized *models.Volume
	Resampled    *models.Volume
}

// Result is the conformed tensor plus the per-modality stages behind it.
type Result struct {
	Tensor   *models.Tensor
	Channels []Channel
}

// Conformer prepares model input tensors.
type Conformer struct {
	ops      volops.Ops
	settings Settings
	log      log.FieldLogger
}

// NewConformer creates a Conformer.
func NewConformer(ops volops.Ops, settings Settings, logger log.FieldLogger) *Conformer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Conformer{ops: ops, settings: settings, log: logger}
}

// Conform builds the tensor for the modalities in order, which must start
// with the anchor. Every secondary is resliced onto the cropped anchor grid
// so channels stay voxel-aligned.
func (c *Conformer) Conform(ctx context.Context, order []models.Modality, volumes map[models.Modality]*models.Volume) (*Result, error) {
	if len(order) == 0 || order[0] != models.Anchor {
		return nil, fmt.Errorf("modality order %v must start with %s", order, models.Anchor)
	}
	for _, m := range order {
		if volumes[m] == nil {
			return nil, fmt.Errorf("%w: no volume for modality %s", models.ErrMissingInput, m)
		}
	}

	res := &Result{
		Tensor: &models.Tensor{
			Modalities: append([]models.Modality(nil), order...),
			Dims:       c.settings.TargetShape,
		},
	}

	var anchorCrop *models.Volume
	for i, m := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := c.log.WithField("modality", m)
		entry.Info("Pre-processing modality")

		var cropped *models.Volume
		var err error
		if i == 0 {
			cropped, err = c.ops.CropToContent(volumes[m], c.settings.CropMargin)
			anchorCrop = cropped
		} else {
			cropped, err = c.ops.ResliceOnto(volumes[m], anchorCrop)
		}
		if err != nil {
			return nil, fmt.Errorf("crop %s: %w", m, err)
		}

		cut, err := Cutoff(cropped, c.settings.CutoffPercent)
		if err != nil {
			return nil, fmt.Errorf("cutoff %s: %w", m, err)
		}
		std := Standardize(cut)
		resampled, err := c.ops.Resample(std, c.settings.TargetShape)
		if err != nil {
			return nil, fmt.Errorf("resample %s: %w", m, err)
		}
		entry.WithFields(log.Fields{"cropped": cropped.Dims, "resampled": resampled.Dims}).Debug("Conformed modality")

		if i == 0 {
			res.Tensor.Affine = resampled.Affine
		}
		res.Tensor.Channels = append(res.Tensor.Channels, resampled.Data)
		res.Channels = append(res.Channels, Channel{
			Modality:     m,
			Cropped:      cropped,
			Cutoff:       cut,
			Standardized: std,
			Resampled:    resampled,
		})
	}
	return res, nil
}

// Cutoff clips v to its [percent, 100-percent] percentile range.
func Cutoff(v *models.Volume, percent float64) (*models.Volume, error) {
	if percent < 0 || percent >= 50 {
		return nil, fmt.Errorf("cutoff percent %g outside [0, 50)", percent)
	}
	sorted := make([]float64, len(v.Data))
	copy(sorted, v.Data)
	sort.Float64s(sorted)
	low := stat.Quantile(percent/100, stat.LinInterp, sorted, nil)
	high := stat.Quantile(1-percent/100, stat.LinInterp, sorted, nil)

	out := make([]float64, len(v.Data))
	for i, x := range v.Data {
		out[i] = math.Min(high, math.Max(low, x))
	}
	return v.WithData(out), nil
}

// Standardize subtracts the mean and divides by the population standard
// deviation. A constant volume becomes all zeros.
func Standardize(v *models.Volume) *models.Volume {
	out := make([]float64, len(v.Data))
	copy(out, v.Data)
	mean, variance := stat.PopMeanVariance(out, nil)
	floats.AddConst(-mean, out)
	if sd := math.Sqrt(variance); sd > 0 {
		floats.Scale(1/sd, out)
	}
	return v.WithData(out)
}
