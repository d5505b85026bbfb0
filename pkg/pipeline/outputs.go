package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"icvmapper/internal/models"
	"icvmapper/pkg/nifti"
)

// ProcessDirName is the per-subject directory receiving intermediate volumes.
const ProcessDirName = "pred_process_hfb"

// Outputs is the file naming table of one subject run.
type Outputs struct {
	// Prediction is the final mask in the input's orientation
	Prediction string

	// PredictionStdOrient is the mask in canonical orientation, written only
	// when the input was reoriented
	PredictionStdOrient string

	Masked          string
	MaskedStdOrient string

	CerebellumPrediction string
	WocPrediction        string
	WocStdOrient         string
	MaskedWoc            string
	MaskedWocStdOrient   string

	// ProcessDir holds intermediate volumes
	ProcessDir string

	subject       *models.Subject
	model         string
	biasCorrected bool
}

// NewOutputs builds the naming table for subj. model is the primary model
// family name.
func NewOutputs(subj *models.Subject, model string, biasCorrected bool) *Outputs {
	dir, id := subj.Dir, subj.ID
	o := &Outputs{
		ProcessDir:    filepath.Join(dir, ProcessDirName),
		subject:       subj,
		model:         model,
		biasCorrected: biasCorrected,
	}

	if subj.Output != "" {
		o.Prediction = subj.Output
		o.PredictionStdOrient = filepath.Join(dir, stem(subj.Output)+"_std_orient.nii.gz")
	} else {
		o.Prediction = filepath.Join(dir, id+"_T1acq_nu_HfB_pred.nii.gz")
		o.PredictionStdOrient = filepath.Join(dir, id+"_T1acq_nu_HfB_pred_std_orient.nii.gz")
	}

	maskedBase := stem(subj.Input(models.T1))
	acq := id + "_T1acq"
	if biasCorrected {
		maskedBase = id + "_T1_nu"
		acq = id + "_T1acq_nu"
	}
	o.Masked = filepath.Join(dir, maskedBase+"_masked.nii.gz")
	o.MaskedStdOrient = filepath.Join(dir, maskedBase+"_masked_std_orient.nii.gz")
	o.MaskedWoc = filepath.Join(dir, maskedBase+"_masked_woc.nii.gz")
	o.MaskedWocStdOrient = filepath.Join(dir, maskedBase+"_masked_woc_std_orient.nii.gz")

	o.CerebellumPrediction = filepath.Join(dir, acq+"_cerebellum_pred.nii.gz")
	o.WocPrediction = filepath.Join(dir, acq+"_HfB_woc_pred.nii.gz")
	o.WocStdOrient = filepath.Join(dir, id+"_T1acq_nu_HfB_woc_pred_std_orient.nii.gz")
	return o
}

// BiasCorrected returns the bias-corrected image path for modality m read
// from input. When the conventional name is the input itself the corrected
// image gets an _n4 suffix so the input is never overwritten.
func (o *Outputs) BiasCorrected(m models.Modality, input string) string {
	id := o.subject.ID
	var dst string
	switch m {
	case models.FLAIR:
		dst = filepath.Join(o.subject.Dir, id+"_T1acq_nu_FL.nii.gz")
	case models.T2:
		dst = filepath.Join(o.subject.Dir, id+"_T1acq_nu_T2.nii.gz")
	default:
		dst = filepath.Join(o.subject.Dir, id+"_T1_nu.nii.gz")
	}
	if samePath(dst, input) {
		dst = filepath.Join(o.subject.Dir, stem(input)+"_n4.nii.gz")
	}
	return dst
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// StdOrient returns where the reoriented copy of input is written.
func (o *Outputs) StdOrient(input string) string {
	return filepath.Join(o.subject.Dir, stem(input)+"_std_orient.nii.gz")
}

// Stage returns the path of an intermediate volume for input.
func (o *Outputs) Stage(input, stage string) string {
	return filepath.Join(o.ProcessDir, fmt.Sprintf("%s_%s.nii.gz", stem(input), stage))
}

// Intermediate names the model-level intermediates in ProcessDir.
func (o *Outputs) Intermediate(name string) string {
	switch name {
	case "hfb_prob", "hfb_pred":
		return filepath.Join(o.ProcessDir, name+".nii.gz")
	case "cereb_pred_prob":
		return filepath.Join(o.ProcessDir, o.subject.ID+"_hfb_cereb_pred_prob.nii.gz")
	default:
		return filepath.Join(o.ProcessDir, fmt.Sprintf("%s_%s_%s.nii.gz", o.subject.ID, o.model, name))
	}
}

// stem strips directories and NIfTI extensions, then anything after the
// first dot.
func stem(path string) string {
	base := nifti.BaseName(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}
