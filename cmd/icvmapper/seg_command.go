package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"icvmapper/internal/models"
	"icvmapper/pkg/biascorr"
	"icvmapper/pkg/inference"
	"icvmapper/pkg/pipeline"
)

type segFlags struct {
	spec pipeline.SubjectSpec

	numMC             int
	threshold         float64
	removeCerebellum  bool
	biasCorrect       bool
	ignoreOrientation bool
	force             bool

	modelDir          string
	workers           int
	seed              int64
	saveIntermediates bool
}

func newSegCommand(ctx *cliContext) *cobra.Command {
	var f segFlags

	cmd := &cobra.Command{
		Use:   "seg",
		Short: "Segment the intracranial volume of one subject",
		Long: `Segment the intracranial volume of one subject.

Either a subject directory (-s) following the naming convention
<subj>/<subj>_T1_nu.nii.gz, <subj>_T1acq_nu_FL.nii.gz, <subj>_T1acq_nu_T2.nii.gz
or explicit image paths (--t1w, --flair, --t2w) must be given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			opts := models.RunOptions{
				NumMC:             cfg.Pipeline.NumMC,
				Threshold:         cfg.Pipeline.Threshold,
				RemoveCerebellum:  f.removeCerebellum,
				BiasCorrect:       f.biasCorrect,
				IgnoreOrientation: f.ignoreOrientation,
				Force:             f.force,
			}
			if flags.Changed("num_mc") {
				opts.NumMC = f.numMC
			}
			if flags.Changed("thresh") {
				opts.Threshold = f.threshold
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			params := pipeline.ParamsFromConfig(cfg, opts)
			if flags.Changed("models") {
				params.ModelDir = f.modelDir
			}
			if flags.Changed("workers") {
				params.Workers = f.workers
			}
			if flags.Changed("save-intermediates") {
				params.SaveIntermediates = f.saveIntermediates
			}
			params.Seed = f.seed

			subj, err := pipeline.ResolveSubject(f.spec)
			if err != nil {
				return err
			}

			runtime := inference.NewCommandRuntime(cfg.Tools.Predict, cfg.Tools.PredictArgs...)
			runtime.Log = logger
			corrector := biascorr.NewCommand(cfg.Tools.BiasCorrect)
			corrector.Log = logger

			segmenter := pipeline.NewSegmenter(params, runtime,
				pipeline.WithCorrector(corrector),
				pipeline.WithLogger(logger),
			)
			res, err := segmenter.Run(cmd.Context(), subj)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Skipped {
				fmt.Fprintf(out, "Segmentation already exists for %s (use --force to overwrite)\n", subj.ID)
				return nil
			}
			fmt.Fprint(out, renderSummary(res))
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.spec.SubjectDir, "subj", "s", "", "Input subject directory (if naming follows the convention)")
	fl.StringVar(&f.spec.Session, "ses", "", "Session suffix for longitudinal subjects (<subj>/*<ses>)")
	fl.StringVar(&f.spec.T1, "t1w", "", "Input T1-weighted image")
	fl.StringVar(&f.spec.FLAIR, "flair", "", "Input FLAIR image (optional)")
	fl.StringVar(&f.spec.T2, "t2w", "", "Input T2-weighted image (optional)")
	fl.StringVarP(&f.spec.Output, "out", "o", "", "Output prediction path")
	fl.BoolVar(&f.removeCerebellum, "rmcereb", false, "Also produce a mask with the cerebellum removed")
	fl.BoolVarP(&f.biasCorrect, "bias", "b", false, "Run bias field correction before segmentation")
	fl.IntVarP(&f.numMC, "num_mc", "n", 20, "Number of Monte-Carlo dropout samples")
	fl.Float64Var(&f.threshold, "thresh", 0.5, "Probability threshold of the brain mask")
	fl.BoolVar(&f.ignoreOrientation, "ign_ort", false, "Trust the input orientation and skip reorientation")
	fl.BoolVarP(&f.force, "force", "f", false, "Overwrite an existing segmentation")
	fl.StringVar(&f.modelDir, "models", "", "Model directory (overrides models.dir)")
	fl.IntVar(&f.workers, "workers", 0, "Concurrent dropout samples (overrides pipeline.workers)")
	fl.Int64Var(&f.seed, "seed", 0, "Base dropout seed")
	fl.BoolVar(&f.saveIntermediates, "save-intermediates", false, "Write per-stage volumes to pred_process_hfb")

	return cmd
}
