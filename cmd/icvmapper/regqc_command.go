package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"icvmapper/pkg/regqc"
)

func newRegQCCommand(ctx *cliContext) *cobra.Command {
	var req regqc.Request

	cmd := &cobra.Command{
		Use:   "regqc",
		Short: "Render a registration comparison of a fixed and a registered image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			report, err := regqc.Compare(req, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", report.CombinedFixed, report.CombinedReg)
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.Fixed, "fixed", "f", "", "Fixed image used in registration")
	cmd.Flags().StringVarP(&req.Registered, "reg", "r", "", "Registration output")
	cmd.Flags().StringVarP(&req.Segmentation, "seg", "s", "", "Segmentation mask (optional)")
	cmd.Flags().StringVarP(&req.OutDir, "out", "o", "", "Output directory")
	cmd.Flags().StringVar(&req.Prefix, "prefix", "", "Output file prefix")
	cmd.Flags().IntSliceVar(&req.Offsets, "offsets", nil, "Slice offsets from the centre in voxels")
	_ = cmd.MarkFlagRequired("fixed")
	_ = cmd.MarkFlagRequired("reg")

	return cmd
}
