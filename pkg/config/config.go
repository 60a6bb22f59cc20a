// Package config provides configuration loading and management for jointmrf.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"jointmrf/pkg/labels"
	"jointmrf/pkg/mrf"
	"jointmrf/pkg/potential"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Graph parameters
	Graph struct {
		// NodesPerEdge controls the coarse grid resolution along the shortest axis
		NodesPerEdge int `yaml:"nodesPerEdge"`

		// Bidirectional adds the reverse of every edge
		Bidirectional bool `yaml:"bidirectional"`

		// Problem is one of registration, segmentation or joint
		Problem string `yaml:"problem"`
	} `yaml:"graph"`

	// Label space parameters
	Labels struct {
		// Samples is the number of displacement samples on each side of zero
		Samples int `yaml:"samples"`

		// ScalingFactor globally scales all displacements
		ScalingFactor float64 `yaml:"scalingFactor"`

		// Spacing overrides the default displacement sample spacing when set
		Spacing []float64 `yaml:"spacing,omitempty"`

		// Segmentations is the number of segmentation classes
		Segmentations int `yaml:"segmentations"`
	} `yaml:"labels"`

	// Energy weights
	Weights struct {
		Unary    float64 `yaml:"unary"`
		Pairwise float64 `yaml:"pairwise"`

		// Coupling additionally scales the registration/segmentation coupling
		Coupling float64 `yaml:"coupling"`
	} `yaml:"weights"`

	// Potential parameters
	Potential struct {
		// Similarity is the registration unary measure, ncc or sad
		Similarity string `yaml:"similarity"`

		// ClassMeans gives one intensity per class; empty means estimated
		ClassMeans []float64 `yaml:"classMeans,omitempty"`

		// ContrastSigma scales the segmentation edge weight
		ContrastSigma float64 `yaml:"contrastSigma"`

		// CouplingPenalty is the cost of disagreeing with the atlas
		CouplingPenalty float64 `yaml:"couplingPenalty"`

		// SmoothnessTruncation caps the displacement smoothness cost, 0 disables
		SmoothnessTruncation float64 `yaml:"smoothnessTruncation"`
	} `yaml:"potential"`

	// Solver parameters
	Solver struct {
		// Iterations is the maximum number of solver sweeps
		Iterations int `yaml:"iterations"`
	} `yaml:"solver"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default graph parameters
	cfg.Graph.NodesPerEdge = 8
	cfg.Graph.Bidirectional = false
	cfg.Graph.Problem = mrf.Joint.String()

	// Set default label parameters
	cfg.Labels.Samples = 2
	cfg.Labels.ScalingFactor = 1.0
	cfg.Labels.Segmentations = 2

	// Set default weights
	cfg.Weights.Unary = 1.0
	cfg.Weights.Pairwise = 1.0
	cfg.Weights.Coupling = 1.0

	// Set default potential parameters
	cfg.Potential.Similarity = string(potential.SimilarityNCC)
	cfg.Potential.ContrastSigma = 10.0
	cfg.Potential.CouplingPenalty = 1.0

	cfg.Solver.Iterations = mrf.DefaultIterations

	cfg.Output.Verbose = true
	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks value ranges and names
func (c *Config) Validate() error {
	if c.Graph.NodesPerEdge < 2 {
		return fmt.Errorf("graph.nodesPerEdge must be at least 2, got %d", c.Graph.NodesPerEdge)
	}
	kind, err := mrf.ParseKind(c.Graph.Problem)
	if err != nil {
		return fmt.Errorf("graph.problem: %w", err)
	}
	if c.Labels.Samples < 0 {
		return fmt.Errorf("labels.samples must not be negative, got %d", c.Labels.Samples)
	}
	if c.Labels.ScalingFactor <= 0 {
		return fmt.Errorf("labels.scalingFactor must be positive, got %f", c.Labels.ScalingFactor)
	}
	if kind != mrf.Registration && c.Labels.Segmentations < 1 {
		return fmt.Errorf("labels.segmentations must be at least 1 for a %s problem", kind)
	}
	if n := len(c.Potential.ClassMeans); n > 0 && n != c.Labels.Segmentations {
		return fmt.Errorf("potential.classMeans has %d entries for %d classes", n, c.Labels.Segmentations)
	}
	switch potential.Similarity(c.Potential.Similarity) {
	case potential.SimilarityNCC, potential.SimilaritySAD:
	default:
		return fmt.Errorf("potential.similarity: unknown measure %q", c.Potential.Similarity)
	}
	if c.Weights.Unary < 0 || c.Weights.Pairwise < 0 || c.Weights.Coupling < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	if c.Solver.Iterations < 1 {
		return fmt.Errorf("solver.iterations must be at least 1, got %d", c.Solver.Iterations)
	}
	return nil
}

// ProblemKind returns the configured problem kind
func (c *Config) ProblemKind() (mrf.Kind, error) {
	return mrf.ParseKind(c.Graph.Problem)
}

// LabelSpace returns the label-space descriptor; the dimension is filled in
// once the fixed image is known.
func (c *Config) LabelSpace() labels.Space {
	return labels.Space{
		Samples:       c.Labels.Samples,
		Spacing:       c.Labels.Spacing,
		ScalingFactor: c.Labels.ScalingFactor,
		Segmentations: c.Labels.Segmentations,
	}
}

// BuilderOptions returns the problem builder options
func (c *Config) BuilderOptions() mrf.Options {
	return mrf.Options{
		UnaryWeight:    c.Weights.Unary,
		PairwiseWeight: c.Weights.Pairwise,
		CouplingWeight: c.Weights.Coupling,
		Bidirectional:  c.Graph.Bidirectional,
		Iterations:     c.Solver.Iterations,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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
