package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"jointmrf/pkg/config"
	"jointmrf/pkg/imageio"
	"jointmrf/pkg/potential"
	"jointmrf/pkg/registration"
	"jointmrf/pkg/solver"
	"jointmrf/pkg/visualization"
)

// runOptions holds the input and output paths of the run command
type runOptions struct {
	fixed    string
	moving   string
	atlas    string
	training string
	base     string
	outDir   string
	sliceGap float64
	fit      bool
	dense    bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build, solve and decode one registration/segmentation problem",
	Long: `Loads the fixed image and, depending on the configured problem, the moving
image and atlas, solves the MRF with iterated conditional modes and writes the
deformation field and segmentation to the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("log-level") && cfg.Output.LogLevel != "" {
			logger = newLogger(cfg.Output.LogLevel)
			slog.SetDefault(logger)
		}
		return runPipeline(cfg, runOpts, logger)
	},
}

func init() {
	runCmd.Flags().StringVar(&runOpts.fixed, "fixed", "", "Fixed image file or slice directory (required)")
	runCmd.Flags().StringVar(&runOpts.moving, "moving", "", "Moving image file or slice directory")
	runCmd.Flags().StringVar(&runOpts.atlas, "atlas", "", "Label image on the moving image, required for joint problems")
	runCmd.Flags().StringVar(&runOpts.training, "training", "", "Label image on the fixed image used to estimate class means")
	runCmd.Flags().StringVar(&runOpts.base, "base", "", "Dense deformation YAML applied before the displacement labels")
	runCmd.Flags().StringVar(&runOpts.outDir, "out", "output", "Output directory")
	runCmd.Flags().Float64Var(&runOpts.sliceGap, "slice-gap", 1.0, "Distance between slices of a slice directory")
	runCmd.Flags().BoolVar(&runOpts.fit, "fit-slices", false, "Resample slices whose size differs from the first slice")
	runCmd.Flags().BoolVar(&runOpts.dense, "dense", false, "Also write the deformation interpolated onto every sample")

	runCmd.MarkFlagRequired("fixed")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cfg *config.Config, opts runOptions, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	kind, err := cfg.ProblemKind()
	if err != nil {
		return err
	}
	load := imageio.LoadOptions{SliceGap: opts.sliceGap, FitSlices: opts.fit}

	params := &registration.Params{
		NodesPerEdge:         cfg.Graph.NodesPerEdge,
		Labels:               cfg.LabelSpace(),
		Kind:                 kind,
		Options:              cfg.BuilderOptions(),
		Similarity:           potential.Similarity(cfg.Potential.Similarity),
		ClassMeans:           cfg.Potential.ClassMeans,
		ContrastSigma:        cfg.Potential.ContrastSigma,
		CouplingPenalty:      cfg.Potential.CouplingPenalty,
		SmoothnessTruncation: cfg.Potential.SmoothnessTruncation,
		Logger:               logger,
	}

	if params.Fixed, err = imageio.LoadVolume(opts.fixed, load); err != nil {
		return fmt.Errorf("failed to load fixed image: %w", err)
	}
	logger.Info("loaded fixed image", "size", params.Fixed.Size)
	if opts.moving != "" {
		if params.Moving, err = imageio.LoadVolume(opts.moving, load); err != nil {
			return fmt.Errorf("failed to load moving image: %w", err)
		}
	}
	if opts.atlas != "" {
		if params.Atlas, err = imageio.LoadLabelImage(opts.atlas); err != nil {
			return fmt.Errorf("failed to load atlas: %w", err)
		}
	}
	if opts.training != "" {
		if params.Training, err = imageio.LoadLabelImage(opts.training); err != nil {
			return fmt.Errorf("failed to load training labels: %w", err)
		}
	}
	if opts.base != "" {
		if params.BaseDeformation, err = imageio.LoadDeformation(opts.base); err != nil {
			return fmt.Errorf("failed to load base deformation: %w", err)
		}
	}

	start := time.Now()
	res, err := registration.NewRegisterer(params).Process(solver.NewICM(logger))
	if err != nil {
		return err
	}
	logger.Info("solved", "kind", kind.String(), "energy", res.Energy, "elapsed", time.Since(start).String())

	return writeResult(res, opts, cfg.Output.Verbose, logger)
}

func writeResult(res *registration.Result, opts runOptions, preview bool, logger *slog.Logger) error {
	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if res.Deformation != nil {
		path := filepath.Join(opts.outDir, "deformation.yaml")
		if err := imageio.SaveDeformation(path, res.Deformation); err != nil {
			return err
		}
		logger.Info("deformation written", "path", path)
		if opts.dense {
			if err := imageio.SaveDeformation(filepath.Join(opts.outDir, "dense_deformation.yaml"), res.DenseDeformation); err != nil {
				return err
			}
		}
	}
	if res.Segmentation != nil {
		path := filepath.Join(opts.outDir, "segmentation")
		if res.Segmentation.Dim() == 2 {
			path += ".png"
		}
		if err := imageio.SaveLabelImage(path, res.Segmentation); err != nil {
			return err
		}
		logger.Info("segmentation written", "path", path)
	}
	if preview {
		return writePreviews(res, filepath.Join(opts.outDir, "preview"))
	}
	return nil
}

// writePreviews renders normalised z-slices of the outputs
func writePreviews(res *registration.Result, dir string) error {
	if res.Segmentation != nil {
		if err := visualization.NewLabelViewer(res.Segmentation).SaveSliceSequence("z", filepath.Join(dir, "segmentation")); err != nil {
			return fmt.Errorf("failed to write segmentation preview: %w", err)
		}
	}
	if res.DenseDeformation != nil {
		if err := visualization.NewMagnitudeViewer(res.DenseDeformation).SaveSliceSequence("z", filepath.Join(dir, "magnitude")); err != nil {
			return fmt.Errorf("failed to write magnitude preview: %w", err)
		}
	}
	return nil
}
