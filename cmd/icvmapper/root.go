package main

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"icvmapper/pkg/config"
)

// cliContext carries the persistent flags shared by every command.
type cliContext struct {
	configPath string
	verbose    bool
}

func (c *cliContext) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// logger builds the run logger writing to w at the configured level.
func (c *cliContext) logger(cfg *config.Config, w io.Writer) (*log.Logger, error) {
	logger := log.New()
	logger.SetOutput(w)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level, err := log.ParseLevel(cfg.Output.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("output.logLevel: %w", err)
	}
	if c.verbose {
		level = log.DebugLevel
	}
	logger.SetLevel(level)
	return logger, nil
}

func newRootCommand() *cobra.Command {
	ctx := &cliContext{}

	rootCmd := &cobra.Command{
		Use:           "icvmapper",
		Short:         "Intracranial volume segmentation from structural MRI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newSegCommand(ctx))
	rootCmd.AddCommand(newRegQCCommand(ctx))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
