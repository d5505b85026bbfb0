// Package inference selects the segmentation model for the available
// modalities and runs it as a Monte-Carlo-Dropout ensemble.
package inference

import (
	"fmt"
	"os"
	"path/filepath"

	"icvmapper/internal/models"
)

// Family is one row of the model selection table.
type Family struct {
	// Name is the primary (whole-brain) model name
	Name string

	// Cerebellum is the topology name of the cerebellum model
	Cerebellum string

	// Modalities is the channel order the model expects
	Modalities []models.Modality
}

var families = []Family{
	{Name: "hfb_t1only_mcdp_multi", Cerebellum: "hfb_t1", Modalities: []models.Modality{models.T1}},
	{Name: "hfb_t1fl_mcdp_multi", Cerebellum: "hfb_t1fl", Modalities: []models.Modality{models.T1, models.FLAIR}},
	{Name: "hfb_t1t2_mcdp_multi", Cerebellum: "hfb_t1t2", Modalities: []models.Modality{models.T1, models.T2}},
	{Name: "hfb_multi_mcdp_contrast", Cerebellum: "hfb_t1flt2_mcdp_contrast", Modalities: []models.Modality{models.T1, models.FLAIR, models.T2}},
}

// CerebellumWeights is the weights file shared by every cerebellum topology.
const CerebellumWeights = "cereb_model_weights.h5"

// Families returns a copy of the selection table.
func Families() []Family {
	out := make([]Family, len(families))
	copy(out, families)
	return out
}

// Select returns the family whose modality set equals the available
// modalities. The anchor is mandatory.
func Select(available []models.Modality) (Family, error) {
	have := make(map[models.Modality]bool, len(available))
	for _, m := range available {
		have[m] = true
	}
	if !have[models.Anchor] {
		return Family{}, fmt.Errorf("%w: %s image is required", models.ErrMissingInput, models.Anchor)
	}
	for _, f := range families {
		if len(f.Modalities) != len(have) {
			continue
		}
		match := true
		for _, m := range f.Modalities {
			if !have[m] {
				match = false
				break
			}
		}
		if match {
			return f, nil
		}
	}
	return Family{}, fmt.Errorf("no model for modalities %v", available)
}

// Descriptor locates the artifacts of one model.
type Descriptor struct {
	Name         string
	Architecture string
	Weights      string
	Modalities   []models.Modality
}

// Primary returns the whole-brain model descriptor under dir.
func (f Family) Primary(dir string) Descriptor {
	return Descriptor{
		Name:         f.Name,
		Architecture: filepath.Join(dir, f.Name+"_model.json"),
		Weights:      filepath.Join(dir, f.Name+"_model_weights.h5"),
		Modalities:   f.Modalities,
	}
}

// CerebellumModel returns the cerebellum model descriptor under dir.
func (f Family) CerebellumModel(dir string) Descriptor {
	return Descriptor{
		Name:         f.Cerebellum,
		Architecture: filepath.Join(dir, f.Cerebellum+"_model.json"),
		Weights:      filepath.Join(dir, CerebellumWeights),
		Modalities:   f.Modalities,
	}
}

// Verify checks that both model files exist.
func (d Descriptor) Verify() error {
	for _, p := range []string{d.Architecture, d.Weights} {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			return fmt.Errorf("%w: %s does not exist, download the models and rerun", models.ErrModelNotFound, p)
		}
	}
	return nil
}
