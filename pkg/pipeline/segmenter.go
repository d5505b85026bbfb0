// Package pipeline runs the per-subject segmentation: orientation
// normalization, modality conforming, the dropout ensemble, post-processing,
// orientation restoration, cerebellum removal and mask compositing.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"icvmapper/internal/models"
	"icvmapper/pkg/biascorr"
	"icvmapper/pkg/config"
	"icvmapper/pkg/conform"
	"icvmapper/pkg/inference"
	"icvmapper/pkg/nifti"
	"icvmapper/pkg/orientation"
	"icvmapper/pkg/postprocess"
	"icvmapper/pkg/stats"
	"icvmapper/pkg/volops"
)

// LockFileName is the per-subject lock taken for the duration of a run.
const LockFileName = ".icvmapper.lock"

// Params holds the segmentation parameters.
type Params struct {
	// ModelDir contains the model topology and weight files
	ModelDir string

	// Options are the caller-facing run switches
	Options models.RunOptions

	// Conform controls cropping, intensity cutoff and the model grid
	Conform conform.Settings

	// SmoothFWHM, CerebellumFWHM and CerebellumThreshold drive
	// post-processing; the primary threshold comes from Options
	SmoothFWHM          float64
	CerebellumFWHM      float64
	CerebellumThreshold float64

	// Workers bounds concurrent dropout samples
	Workers int

	// Seed is the base dropout seed
	Seed int64

	// SaveIntermediates writes per-stage volumes into the subject's
	// pred_process_hfb directory
	SaveIntermediates bool
}

// ParamsFromConfig combines file configuration with run options.
func ParamsFromConfig(cfg *config.Config, opts models.RunOptions) *Params {
	return &Params{
		ModelDir: cfg.Models.Dir,
		Options:  opts,
		Conform: conform.Settings{
			CutoffPercent: cfg.Pipeline.CutoffPercent,
			CropMargin:    cfg.Pipeline.CropMargin,
			TargetShape:   cfg.Pipeline.TargetShape,
		},
		SmoothFWHM:          cfg.Pipeline.SmoothFWHM,
		CerebellumFWHM:      cfg.Pipeline.CerebellumFWHM,
		CerebellumThreshold: cfg.Pipeline.CerebellumThreshold,
		Workers:             cfg.Pipeline.Workers,
		SaveIntermediates:   cfg.Output.SaveIntermediates,
	}
}

// Artifact is one file written by a run.
type Artifact struct {
	Kind string
	Path string
}

// Result summarises a run.
type Result struct {
	RunID   string
	Subject string

	// Skipped is set when the final prediction already existed
	Skipped bool

	// Family is the selected primary model
	Family string

	// Orientation is the anchor's input orientation code
	Orientation string

	// Reoriented reports that inputs were moved to a canonical frame and
	// masks were restored afterwards
	Reoriented bool

	// Samples is the number of dropout samples averaged
	Samples int

	// Empty reports an empty primary mask
	Empty bool

	// WocEmpty reports an empty cerebellum-excluded mask
	WocEmpty bool

	Stats    stats.MaskStats
	WocStats *stats.MaskStats

	// Intensity is the anchor image inside the final mask
	Intensity stats.Intensity

	Artifacts []Artifact
	Duration  time.Duration
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithOps overrides the volume primitives.
func WithOps(ops volops.Ops) Option {
	return func(s *Segmenter) {
		if ops != nil {
			s.ops = ops
		}
	}
}

// WithCorrector sets the bias-field corrector.
func WithCorrector(c biascorr.Corrector) Option {
	return func(s *Segmenter) {
		s.corrector = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Segmenter) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Segmenter runs subjects through the segmentation pipeline.
type Segmenter struct {
	params    *Params
	runtime   inference.Runtime
	ops       volops.Ops
	corrector biascorr.Corrector
	log       log.FieldLogger
}

// NewSegmenter creates a Segmenter that loads models through runtime.
func NewSegmenter(params *Params, runtime inference.Runtime, opts ...Option) *Segmenter {
	s := &Segmenter{
		params:  params,
		runtime: runtime,
		ops:     volops.Native{},
		log:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run carries the state of one subject run between stages.
type run struct {
	*Segmenter
	subj    *models.Subject
	out     *Outputs
	res     *Result
	log     *log.Entry
	family  inference.Family
	inputs  map[models.Modality]string
	native  map[models.Modality]*models.Volume
	std     map[models.Modality]*models.Volume
	tensor  *models.Tensor
	primary *postprocess.Result
	// canonical is the hole-filled primary mask on the canonical anchor grid
	canonical *models.Volume
}

// Run segments one subject. Missing inputs and model files are reported
// before any image is read. An existing prediction is left untouched unless
// Options.Force is set.
func (s *Segmenter) Run(ctx context.Context, subj *models.Subject) (*Result, error) {
	start := time.Now()
	opts := s.params.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	r := &run{
		Segmenter: s,
		subj:      subj,
		res:       &Result{RunID: runID, Subject: subj.ID},
		log:       s.log.WithFields(log.Fields{"subject": subj.ID, "run_id": runID}),
		inputs:    make(map[models.Modality]string),
		native:    make(map[models.Modality]*models.Volume),
		std:       make(map[models.Modality]*models.Volume),
	}

	if err := r.preflight(); err != nil {
		return nil, err
	}
	if exists(r.out.Prediction) && !opts.Force {
		r.log.WithField("prediction", r.out.Prediction).Info("Segmentation already exists, use force to overwrite")
		r.res.Skipped = true
		return r.res, nil
	}
	if err := r.verifyModels(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(subj.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create subject directory: %w", err)
	}
	lock := flock.New(filepath.Join(subj.Dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire subject lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("subject %s is locked by another run", subj.ID)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.log.WithError(err).Warn("Failed to release subject lock")
		}
		_ = os.Remove(lock.Path())
	}()

	if s.params.SaveIntermediates {
		if err := os.MkdirAll(r.out.ProcessDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"Step 1: Bias field correction", r.biasCorrect},
		{"Step 2: Checking orientation", r.orient},
		{"Step 3: Conforming modalities", r.conform},
		{"Step 4: Predicting with Monte-Carlo dropout", r.predict},
		{"Step 5: Restoring orientation and compositing", r.composite},
		{"Step 6: Removing cerebellum", r.removeCerebellum},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.log.Info(step.name)
		if err := step.fn(ctx); err != nil {
			return nil, err
		}
	}

	r.res.Duration = time.Since(start)
	r.log.WithFields(log.Fields{
		"voxels":   r.res.Stats.Voxels,
		"volumeML": r.res.Stats.VolumeML,
		"duration": r.res.Duration.Round(time.Millisecond),
	}).Info("Segmentation complete")
	return r.res, nil
}

// preflight checks inputs and selects the model family without reading any
// image.
func (r *run) preflight() error {
	t1 := r.subj.Input(models.T1)
	if t1 == "" || !exists(t1) {
		return fmt.Errorf("%w: %s image %q does not exist", models.ErrMissingInput, models.T1, t1)
	}
	available := Available(r.subj)
	for _, m := range available {
		if !exists(r.subj.Input(m)) {
			return fmt.Errorf("%w: %s image %q does not exist", models.ErrMissingInput, m, r.subj.Input(m))
		}
	}

	family, err := inference.Select(available)
	if err != nil {
		return err
	}
	r.family = family
	r.res.Family = family.Name
	r.out = NewOutputs(r.subj, family.Name, r.params.Options.BiasCorrect)
	r.log = r.log.WithField("model", family.Name)
	return nil
}

// verifyModels checks the primary and, when requested, the cerebellum model
// files.
func (r *run) verifyModels() error {
	if err := r.family.Primary(r.params.ModelDir).Verify(); err != nil {
		return err
	}
	if r.params.Options.RemoveCerebellum {
		if err := r.family.CerebellumModel(r.params.ModelDir).Verify(); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) biasCorrect(ctx context.Context) error {
	for _, m := range r.family.Modalities {
		r.inputs[m] = r.subj.Input(m)
	}
	if !r.params.Options.BiasCorrect {
		r.log.Debug("Bias field correction disabled")
		return nil
	}
	if r.corrector == nil {
		return fmt.Errorf("%w: bias correction requested but no corrector configured", models.ErrToolInvocation)
	}
	for _, m := range r.family.Modalities {
		dst := r.out.BiasCorrected(m, r.inputs[m])
		if err := r.corrector.Correct(ctx, r.inputs[m], dst); err != nil {
			return fmt.Errorf("bias correction of %s: %w", m, err)
		}
		r.inputs[m] = dst
		r.record("bias_corrected", dst)
	}
	return nil
}

func (r *run) orient(ctx context.Context) error {
	normalizer := orientation.NewNormalizer(r.ops, r.log)
	for _, m := range r.family.Modalities {
		vol, err := nifti.Read(r.inputs[m])
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", m, err)
		}
		r.native[m] = vol
		if m == models.Anchor {
			r.res.Orientation = vol.Orientation
		}

		if r.params.Options.IgnoreOrientation {
			r.std[m] = vol
			continue
		}
		std, changed, err := normalizer.Normalize(vol)
		if err != nil {
			return fmt.Errorf("orientation of %s: %w", m, err)
		}
		r.std[m] = std
		if !changed {
			continue
		}
		if m == models.Anchor {
			r.res.Reoriented = true
		}
		if err := r.write("std_orient_input", r.out.StdOrient(r.inputs[m]), std, nifti.Float32); err != nil {
			return err
		}
	}
	r.log.WithFields(log.Fields{
		"orientation": r.res.Orientation,
		"reoriented":  r.res.Reoriented,
	}).Debug("Orientation checked")
	return nil
}

func (r *run) conform(ctx context.Context) error {
	c := conform.NewConformer(r.ops, r.params.Conform, r.log)
	res, err := c.Conform(ctx, r.family.Modalities, r.std)
	if err != nil {
		return err
	}
	r.tensor = res.Tensor

	if r.params.SaveIntermediates {
		for _, ch := range res.Channels {
			in := r.inputs[ch.Modality]
			r.saveIntermediate(r.out.Stage(in, "cropped"), ch.Cropped, nifti.Float32)
			r.saveIntermediate(r.out.Stage(in, "cropped_thresholded"), ch.Cutoff, nifti.Float32)
			r.saveIntermediate(r.out.Stage(in, "cropped_thresholded_standardized"), ch.Standardized, nifti.Float32)
			r.saveIntermediate(r.out.Stage(in, "resampled"), ch.Resampled, nifti.Float32)
		}
	}
	return nil
}

func (r *run) ensemble(ctx context.Context, d inference.Descriptor) (*inference.Result, error) {
	predictor, err := r.runtime.Load(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", d.Name, err)
	}
	e := &inference.Ensemble{Workers: r.params.Workers, Seed: r.params.Seed, Log: r.log}
	r.log.WithFields(log.Fields{"samples": r.params.Options.NumMC, "model": d.Name}).Info("Running dropout ensemble")
	return e.Run(ctx, predictor, r.tensor, r.params.Options.NumMC)
}

func (r *run) processor() *postprocess.Processor {
	return postprocess.NewProcessor(r.ops, postprocess.Settings{
		Threshold:           r.params.Options.Threshold,
		SmoothFWHM:          r.params.SmoothFWHM,
		CerebellumFWHM:      r.params.CerebellumFWHM,
		CerebellumThreshold: r.params.CerebellumThreshold,
	}, r.log)
}

func (r *run) predict(ctx context.Context) error {
	ens, err := r.ensemble(ctx, r.family.Primary(r.params.ModelDir))
	if err != nil {
		return err
	}
	r.res.Samples = ens.Samples

	pp, err := r.processor().Primary(ens.Mean, r.std[models.Anchor])
	if err != nil {
		return err
	}
	r.primary = pp
	r.res.Empty = pp.Empty

	if err := r.write("probability", r.out.Intermediate("hfb_prob"), ens.Mean, nifti.Float32); err != nil {
		return err
	}
	if err := r.write("thresholded", r.out.Intermediate("hfb_pred"), pp.Thresholded, nifti.Uint8); err != nil {
		return err
	}
	if r.params.SaveIntermediates {
		r.saveIntermediate(r.out.Intermediate("pred_prob"), pp.Probability, nifti.Float32)
		r.saveIntermediate(r.out.Intermediate("pred"), pp.Component, nifti.Uint8)
	}
	return nil
}

// restore maps a canonical mask back to the anchor's input grid, writing
// the canonical variant to stdPath when the input was reoriented. It
// returns the hole-filled canonical mask and the final mask.
func (r *run) restore(mask *models.Volume, stdPath string) (canonical, final *models.Volume, err error) {
	canonical, err = r.ops.FillHoles(mask)
	if err != nil {
		return nil, nil, fmt.Errorf("fill holes: %w", err)
	}
	if !r.res.Reoriented {
		return canonical, canonical, nil
	}
	if err := r.write("mask_std_orient", stdPath, canonical, nifti.Uint8); err != nil {
		return nil, nil, err
	}
	normalizer := orientation.NewNormalizer(r.ops, r.log)
	back, err := normalizer.Restore(canonical, r.native[models.Anchor])
	if err != nil {
		return nil, nil, err
	}
	final, err = r.ops.FillHoles(back)
	if err != nil {
		return nil, nil, fmt.Errorf("fill holes: %w", err)
	}
	return canonical, final, nil
}

// mask multiplies the anchor by final, and the canonical anchor by
// canonical when the input was reoriented.
func (r *run) mask(final, canonical *models.Volume, path, stdPath string) error {
	masked, err := volops.Multiply(r.native[models.Anchor], final)
	if err != nil {
		return fmt.Errorf("mask anchor: %w", err)
	}
	if err := r.write("masked", path, masked, nifti.Float32); err != nil {
		return err
	}
	if !r.res.Reoriented {
		return nil
	}
	maskedStd, err := volops.Multiply(r.std[models.Anchor], canonical)
	if err != nil {
		return fmt.Errorf("mask canonical anchor: %w", err)
	}
	return r.write("masked_std_orient", stdPath, maskedStd, nifti.Float32)
}

func (r *run) composite(ctx context.Context) error {
	canonical, final, err := r.restore(r.primary.Mask, r.out.PredictionStdOrient)
	if err != nil {
		return err
	}
	r.canonical = canonical
	if err := r.write("prediction", r.out.Prediction, final, nifti.Uint8); err != nil {
		return err
	}
	if err := r.mask(final, canonical, r.out.Masked, r.out.MaskedStdOrient); err != nil {
		return err
	}
	r.res.Stats = stats.MaskVolume(final)
	intensity, err := stats.MaskedIntensity(r.native[models.Anchor], final)
	if err != nil {
		return err
	}
	r.res.Intensity = intensity
	r.log.WithFields(log.Fields{
		"voxels":    r.res.Stats.Voxels,
		"volume_ml": r.res.Stats.VolumeML,
		"mean":      intensity.Mean,
	}).Debug("Final mask statistics")
	if r.res.Empty {
		r.log.WithField("prediction", r.out.Prediction).Warn("Empty brain mask, check the input image")
	}
	return nil
}

func (r *run) removeCerebellum(ctx context.Context) error {
	if !r.params.Options.RemoveCerebellum {
		return nil
	}
	ens, err := r.ensemble(ctx, r.family.CerebellumModel(r.params.ModelDir))
	if err != nil {
		return err
	}
	woc, err := r.processor().Cerebellum(ens.Mean, r.std[models.Anchor], r.canonical)
	if err != nil {
		return err
	}
	r.res.WocEmpty = woc.Empty

	if r.params.SaveIntermediates {
		r.saveIntermediate(r.out.Intermediate("cereb_pred_prob"), woc.Probability, nifti.Float32)
		r.saveIntermediate(r.out.Intermediate("woc_pred"), woc.Mask, nifti.Uint8)
	}
	if err := r.write("cerebellum", r.out.CerebellumPrediction, woc.Cerebellum, nifti.Uint8); err != nil {
		return err
	}

	canonical, final, err := r.restore(woc.Mask, r.out.WocStdOrient)
	if err != nil {
		return err
	}
	if err := r.write("woc_prediction", r.out.WocPrediction, final, nifti.Uint8); err != nil {
		return err
	}
	if err := r.mask(final, canonical, r.out.MaskedWoc, r.out.MaskedWocStdOrient); err != nil {
		return err
	}
	st := stats.MaskVolume(final)
	r.res.WocStats = &st
	return nil
}

func (r *run) write(kind, path string, vol *models.Volume, dt nifti.DataType) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := nifti.Write(path, vol, dt); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	r.record(kind, path)
	return nil
}

func (r *run) record(kind, path string) {
	r.res.Artifacts = append(r.res.Artifacts, Artifact{Kind: kind, Path: path})
	r.log.WithFields(log.Fields{"kind": kind, "path": path}).Debug("Wrote artifact")
}

// saveIntermediate writes a stage volume; failures are logged, not fatal.
func (r *run) saveIntermediate(path string, vol *models.Volume, dt nifti.DataType) {
	if err := nifti.Write(path, vol, dt); err != nil {
		r.log.WithError(err).WithField("path", path).Warn("Failed to save intermediary result")
		return
	}
	r.record("intermediate", path)
}

// Artifact returns the first artifact path of kind, or "".
func (res *Result) Artifact(kind string) string {
	for _, a := range res.Artifacts {
		if a.Kind == kind {
			return a.Path
		}
	}
	return ""
}

