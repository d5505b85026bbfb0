// Package config provides configuration loading and management for icvmapper.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Pipeline parameters
	Pipeline struct {
		// NumMC is the number of Monte-Carlo dropout samples per ensemble
		NumMC int `yaml:"numMC"`

		// Threshold is the primary probability cutoff
		Threshold float64 `yaml:"threshold"`

		// CutoffPercent is the lower percentile clipped before standardization;
		// the upper bound is 100-CutoffPercent
		CutoffPercent float64 `yaml:"cutoffPercent"`

		// CropMargin is the voxel margin kept around the anchor's content
		CropMargin int `yaml:"cropMargin"`

		// TargetShape is the model input grid
		TargetShape [3]int `yaml:"targetShape"`

		// SmoothFWHM is the Gaussian width (voxels) applied to the native
		// resolution probability map
		SmoothFWHM float64 `yaml:"smoothFWHM"`

		// CerebellumFWHM is the Gaussian width for the cerebellum map
		CerebellumFWHM float64 `yaml:"cerebellumFWHM"`

		// CerebellumThreshold is the cutoff of the smoothed cerebellum map
		CerebellumThreshold float64 `yaml:"cerebellumThreshold"`

		// Workers bounds how many dropout samples run at once
		Workers int `yaml:"workers"`
	} `yaml:"pipeline"`

	// Model artifact location
	Models struct {
		// Dir holds <family>_model.json and <family>_model_weights.h5 files
		Dir string `yaml:"dir"`
	} `yaml:"models"`

	// External tools
	Tools struct {
		// BiasCorrect is the bias-field correction executable
		BiasCorrect string `yaml:"biasCorrect"`

		// Predict is the inference runtime executable
		Predict string `yaml:"predict"`

		// PredictArgs are extra arguments passed before the generated ones
		PredictArgs []string `yaml:"predictArgs,omitempty"`
	} `yaml:"tools"`

	// Output parameters
	Output struct {
		// SaveIntermediates writes per-stage volumes into the subject's
		// pred_process_hfb directory
		SaveIntermediates bool `yaml:"saveIntermediates"`

		// LogLevel is a logrus level name
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Pipeline.NumMC = 20
	cfg.Pipeline.Threshold = 0.5
	cfg.Pipeline.CutoffPercent = 5
	cfg.Pipeline.CropMargin = 1
	cfg.Pipeline.TargetShape = [3]int{160, 160, 160}
	cfg.Pipeline.SmoothFWHM = 3
	cfg.Pipeline.CerebellumFWHM = 2
	cfg.Pipeline.CerebellumThreshold = 0.25
	cfg.Pipeline.Workers = runtime.NumCPU()

	cfg.Models.Dir = "models"

	cfg.Tools.BiasCorrect = "N4BiasFieldCorrection"
	cfg.Tools.Predict = "icvmapper-predict"

	cfg.Output.SaveIntermediates = false
	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if p.NumMC < 1 {
		errs = append(errs, fmt.Errorf("pipeline.numMC must be >= 1, got %d", p.NumMC))
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.threshold must be in [0, 1], got %g", p.Threshold))
	}
	if p.CutoffPercent < 0 || p.CutoffPercent >= 50 {
		errs = append(errs, fmt.Errorf("pipeline.cutoffPercent must be in [0, 50), got %g", p.CutoffPercent))
	}
	if p.CropMargin < 0 {
		errs = append(errs, fmt.Errorf("pipeline.cropMargin must be >= 0, got %d", p.CropMargin))
	}
	for i, n := range p.TargetShape {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.targetShape[%d] must be > 0, got %d", i, n))
		}
	}
	if p.SmoothFWHM < 0 || p.CerebellumFWHM < 0 {
		errs = append(errs, errors.New("pipeline smoothing widths must be >= 0"))
	}
	if p.CerebellumThreshold < 0 || p.CerebellumThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.cerebellumThreshold must be in [0, 1], got %g", p.CerebellumThreshold))
	}
	if p.Workers < 1 {
		errs = append(errs, fmt.Errorf("pipeline.workers must be >= 1, got %d", p.Workers))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
