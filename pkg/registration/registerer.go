// Package registration runs the joint registration and segmentation pipeline:
// it derives the grid from the fixed image, wires the potential providers,
// flattens the requested problem, hands it to a solver and decodes the labels.
package registration

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"jointmrf/internal/models"
	"jointmrf/pkg/grid"
	"jointmrf/pkg/labels"
	"jointmrf/pkg/mrf"
	"jointmrf/pkg/potential"
	"jointmrf/pkg/solver"
)

// Params holds the inputs and settings of one pipeline run.
type Params struct {
	// Fixed is the reference image; both grids are derived from it
	Fixed *models.Volume

	// Moving is registered onto Fixed. Required unless Kind is Segmentation
	Moving *models.Volume

	// Atlas is a label image on the moving image. Required for the joint problem
	Atlas *models.LabelImage

	// Training optionally labels the fixed image to estimate class means
	Training *models.LabelImage

	// BaseDeformation is a dense deformation applied before the displacement
	// labels, e.g. the result of a previous run
	BaseDeformation *models.DeformationField

	// NodesPerEdge sets the coarse grid resolution
	NodesPerEdge int

	// Labels describes both label spaces. A nil Spacing selects the default
	Labels labels.Space

	// Kind selects the problem to build
	Kind mrf.Kind

	// Options are passed to the problem builder
	Options mrf.Options

	// Similarity selects the registration unary
	Similarity potential.Similarity

	// ClassMeans gives one intensity per segmentation class. When empty the
	// means are estimated from Training or from intensity quantiles
	ClassMeans []float64

	// ContrastSigma scales the segmentation edge weight
	ContrastSigma float64

	// CouplingPenalty is the cost of disagreeing with the atlas
	CouplingPenalty float64

	// SmoothnessTruncation caps the displacement smoothness cost
	SmoothnessTruncation float64

	// Logger receives progress checkpoints; nil discards them
	Logger *slog.Logger
}

// Result holds the decoded outputs of a run. Fields of a half that was not
// solved are nil.
type Result struct {
	// Deformation has one displacement per coarse node
	Deformation *models.DeformationField

	// DenseDeformation interpolates Deformation onto every fixed image sample
	DenseDeformation *models.DeformationField

	// Segmentation has one class per fixed image sample
	Segmentation *models.LabelImage

	// Labels is the raw solver output
	Labels []int

	// Energy is the energy of Labels under the built problem
	Energy float64
}

// Registerer runs the pipeline for one set of parameters.
type Registerer struct {
	params *Params
	logger *slog.Logger

	grid    *grid.Grid
	model   *mrf.Model
	problem *mrf.Problem
}

// NewRegisterer creates a registerer with the provided parameters.
func NewRegisterer(params *Params) *Registerer {
	logger := params.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registerer{params: params, logger: logger}
}

// Grid returns the grid of the last run
func (r *Registerer) Grid() *grid.Grid { return r.grid }

// Problem returns the problem built by the last run
func (r *Registerer) Problem() *mrf.Problem { return r.problem }

func (r *Registerer) validate() error {
	p := r.params
	if p.Fixed == nil {
		return fmt.Errorf("fixed image is required")
	}
	if err := p.Fixed.Validate(); err != nil {
		return fmt.Errorf("fixed image: %w", err)
	}
	if d := p.Fixed.Dim(); d < 2 || d > 3 {
		return fmt.Errorf("fixed image dimension %d not supported (must be 2 or 3)", d)
	}
	if p.NodesPerEdge < 2 {
		return fmt.Errorf("nodes per edge must be at least 2, got %d", p.NodesPerEdge)
	}
	needReg := p.Kind == mrf.Registration || p.Kind == mrf.Joint
	needSeg := p.Kind == mrf.Segmentation || p.Kind == mrf.Joint
	if needReg {
		if p.Moving == nil {
			return fmt.Errorf("%s problem requires a moving image", p.Kind)
		}
		if err := p.Moving.Validate(); err != nil {
			return fmt.Errorf("moving image: %w", err)
		}
		if p.Moving.Dim() != p.Fixed.Dim() {
			return fmt.Errorf("moving image has dimension %d, fixed image %d", p.Moving.Dim(), p.Fixed.Dim())
		}
	}
	if p.Labels.Samples < 0 {
		return fmt.Errorf("negative displacement sample count %d", p.Labels.Samples)
	}
	if needSeg && p.Labels.Segmentations < 1 {
		return fmt.Errorf("%s problem requires at least one segmentation class", p.Kind)
	}
	if p.Kind == mrf.Joint && p.Atlas == nil {
		return fmt.Errorf("joint problem requires an atlas label image")
	}
	if len(p.ClassMeans) > 0 && len(p.ClassMeans) != p.Labels.Segmentations {
		return fmt.Errorf("%d class means for %d classes", len(p.ClassMeans), p.Labels.Segmentations)
	}
	if p.Atlas != nil && p.Atlas.Dim() != p.Fixed.Dim() {
		return fmt.Errorf("atlas has dimension %d, fixed image %d", p.Atlas.Dim(), p.Fixed.Dim())
	}
	if p.Training != nil && !sameSize(p.Training.Size, p.Fixed.Size) {
		return fmt.Errorf("training labels have size %v, fixed image %v", p.Training.Size, p.Fixed.Size)
	}
	if b := p.BaseDeformation; b != nil {
		if !sameSize(b.Size, p.Fixed.Size) {
			return fmt.Errorf("base deformation has size %v, fixed image %v", b.Size, p.Fixed.Size)
		}
		if len(b.Vectors) != p.Fixed.Len() {
			return fmt.Errorf("base deformation has %d vectors, fixed image has %d samples",
				len(b.Vectors), p.Fixed.Len())
		}
		for i, v := range b.Vectors {
			if len(v) != p.Fixed.Dim() {
				return fmt.Errorf("base deformation vector %d has %d components, expected %d", i, len(v), p.Fixed.Dim())
			}
		}
	}
	return nil
}

func sameSize(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// classMeans returns configured means, means estimated from the training
// labels, or evenly spaced intensity quantiles of the fixed image.
func (r *Registerer) classMeans() ([]float64, error) {
	p := r.params
	k := p.Labels.Segmentations
	if len(p.ClassMeans) > 0 {
		return p.ClassMeans, nil
	}
	if p.Training != nil {
		means, err := potential.EstimateMeans(p.Fixed, p.Training, k)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate class means: %w", err)
		}
		return means, nil
	}
	sorted := append([]float64(nil), p.Fixed.Pix...)
	sort.Float64s(sorted)
	means := make([]float64, k)
	for c := range means {
		means[c] = stat.Quantile((float64(c)+0.5)/float64(k), stat.Empirical, sorted, nil)
	}
	return means, nil
}

func (r *Registerer) providers() (mrf.Providers, error) {
	p := r.params
	var prov mrf.Providers
	if p.Kind != mrf.Segmentation {
		unary, err := potential.NewUnaryRegistration(p.Similarity, p.Fixed, p.Moving, r.grid.Radius(), p.BaseDeformation)
		if err != nil {
			return prov, err
		}
		prov.UnaryRegistration = unary
		prov.PairwiseRegistration = potential.Smoothness{
			Spacing:    r.grid.PixelSpacing(),
			Truncation: p.SmoothnessTruncation,
		}
	}
	if p.Kind != mrf.Registration {
		means, err := r.classMeans()
		if err != nil {
			return prov, err
		}
		r.logger.Info("segmentation classes", "means", means)
		prov.UnarySegmentation = potential.NewIntensityClasses(p.Fixed, means, potential.DefaultScale(p.Fixed), p.ContrastSigma)
	}
	if p.Kind == mrf.Joint {
		prov.PairwiseSegReg = potential.NewAtlasCoupling(p.Atlas, p.CouplingPenalty)
	}
	return prov, nil
}

// Process runs the complete pipeline with s and returns the decoded result.
func (r *Registerer) Process(s solver.Solver) (*Result, error) {
	if s == nil {
		return nil, fmt.Errorf("solver is required")
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	p := r.params

	// Step 1: grids
	r.grid = grid.New(p.Fixed, p.NodesPerEdge, grid.WithLogger(r.logger))

	// Step 2: potentials
	prov, err := r.providers()
	if err != nil {
		return nil, fmt.Errorf("failed to set up potentials: %w", err)
	}
	space := p.Labels
	space.Dim = r.grid.Dim()
	if space.ScalingFactor == 0 {
		space.ScalingFactor = 1
	}
	if space.Spacing != nil && len(space.Spacing) != space.Dim {
		return nil, fmt.Errorf("invalid parameters: label spacing has %d components, expected %d", len(space.Spacing), space.Dim)
	}
	r.model = mrf.NewModel(r.grid, space, prov, mrf.WithModelLogger(r.logger))

	// Step 3: flatten
	r.problem = mrf.NewBuilder(r.model, p.Options, mrf.WithBuilderLogger(r.logger)).Build(p.Kind)

	// Step 4: solve
	r.logger.Info("solving", "kind", p.Kind.String(), "nodes", r.problem.NumNodes, "labels", r.problem.NumLabels)
	lbl, err := s.Solve(r.problem)
	if err != nil {
		return nil, fmt.Errorf("solver failed: %w", err)
	}
	if len(lbl) != r.problem.NumNodes {
		return nil, fmt.Errorf("solver returned %d labels for %d nodes", len(lbl), r.problem.NumNodes)
	}
	if i := outOfRange(lbl, r.problem.NumLabels); i >= 0 {
		return nil, fmt.Errorf("solver returned label %d at node %d outside [0,%d)", lbl[i], i, r.problem.NumLabels)
	}

	// Step 5: decode
	res := &Result{Labels: lbl, Energy: r.problem.Energy(lbl)}
	dec := mrf.NewDecoder(r.model)
	switch p.Kind {
	case mrf.Registration:
		res.Deformation = dec.DecodeDeformation(lbl)
	case mrf.Segmentation:
		res.Segmentation = dec.DecodeSegmentation(lbl)
	case mrf.Joint:
		if i := outOfRange(lbl[:r.grid.NumRegNodes()], r.model.NumRegLabels()); i >= 0 {
			return nil, fmt.Errorf("solver chose infeasible label %d for registration node %d", lbl[i], i)
		}
		if i := outOfRange(lbl[r.grid.NumRegNodes():], r.model.NumSegLabels()); i >= 0 {
			return nil, fmt.Errorf("solver chose infeasible label %d for segmentation node %d", lbl[r.grid.NumRegNodes()+i], i)
		}
		res.Deformation, res.Segmentation = dec.Decode(lbl)
	}
	if res.Deformation != nil {
		res.DenseDeformation = dec.DenseDeformation(res.Deformation)
		r.logger.Info("deformation decoded", "maxMagnitude", maxMagnitude(res.Deformation))
	}
	r.logger.Info("pipeline complete", "energy", res.Energy)
	return res, nil
}

func outOfRange(lbl []int, n int) int {
	for i, l := range lbl {
		if l < 0 || l >= n {
			return i
		}
	}
	return -1
}

func maxMagnitude(f *models.DeformationField) float64 {
	m := 0.0
	for _, v := range f.Vectors {
		m = max(m, floats.Norm(v, 2))
	}
	return m
}
