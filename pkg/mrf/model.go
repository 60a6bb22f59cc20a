// Package mrf flattens the joint registration/segmentation graph into the array
// layout consumed by a discrete multi-label solver and decodes the solver's
// labelling back into a deformation field and a label image.
//
// Registration nodes (the coarse grid) are numbered first, [0, nReg), followed
// by segmentation nodes (the full grid), [nReg, nReg+nSeg).
package mrf

import (
	"fmt"
	"io"
	"log/slog"

	"jointmrf/pkg/grid"
	"jointmrf/pkg/labels"
	"jointmrf/pkg/potential"
)

// Providers bundles the potential roles. Roles a problem kind never queries may be nil.
type Providers struct {
	UnaryRegistration    potential.UnaryRegistration
	UnarySegmentation    potential.UnarySegmentation
	PairwiseRegistration potential.PairwiseRegistration
	PairwiseSegReg       potential.PairwiseSegReg
}

// Model dispatches potential queries on graph nodes and label indices to the
// providers, converting nodes to full-grid coordinates and displacement labels to
// scaled displacement vectors.
//
// A Model reuses internal buffers between calls and is not safe for concurrent use.
type Model struct {
	grid      *grid.Grid
	space     labels.Space
	providers Providers
	logger    *slog.Logger

	disp [][]float64

	ia, ib []int
	da, db []float64
}

// ModelOption configures a Model
type ModelOption func(*Model)

// WithModelLogger sets the sink for diagnostics such as negative potentials.
func WithModelLogger(l *slog.Logger) ModelOption {
	return func(m *Model) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewModel creates a dispatcher over g. When space.Spacing is nil the default
// sample spacing derived from the coarse grid is used. NewModel panics if the
// label space does not match the grid dimension.
func NewModel(g *grid.Grid, space labels.Space, p Providers, opts ...ModelOption) *Model {
	if g == nil {
		panic("mrf.NewModel: grid is nil")
	}
	if space.Dim == 0 {
		space.Dim = g.Dim()
	}
	if space.Spacing == nil {
		space.Spacing = labels.DefaultSpacing(g.PixelSpacing(), space.Samples)
	}
	if space.Dim != g.Dim() {
		panic(fmt.Sprintf("mrf.NewModel: label space dimension %d, grid dimension %d", space.Dim, g.Dim()))
	}
	if err := space.Validate(); err != nil {
		panic("mrf.NewModel: " + err.Error())
	}

	dim := g.Dim()
	m := &Model{
		grid:      g,
		space:     space,
		providers: p,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		disp:      space.Table(),
		ia:        make([]int, dim),
		ib:        make([]int, dim),
		da:        make([]float64, dim),
		db:        make([]float64, dim),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Grid returns the underlying grid
func (m *Model) Grid() *grid.Grid { return m.grid }

// Space returns the resolved label space
func (m *Model) Space() labels.Space { return m.space }

// NumRegLabels returns the number of displacement labels
func (m *Model) NumRegLabels() int { return m.space.NumDisplacements() }

// NumSegLabels returns the number of segmentation classes
func (m *Model) NumSegLabels() int { return m.space.NumSegmentations() }

func (m *Model) coarseToFull(dst []int, node int) []int {
	m.grid.FlatToMultiInto(dst, node, grid.Coarse)
	return m.grid.CoarseToFullInto(dst, dst)
}

// UnaryRegistration returns the cost of displacement label at coarse node.
func (m *Model) UnaryRegistration(node, label int) float64 {
	idx := m.coarseToFull(m.ia, node)
	copy(m.da, m.disp[label])
	return m.providers.UnaryRegistration.Potential(idx, m.da)
}

// UnarySegmentation returns the cost of class label at full-grid node.
// Negative costs are reported to the logger and returned unchanged.
func (m *Model) UnarySegmentation(node, label int) float64 {
	idx := m.grid.FlatToMultiInto(m.ia, node, grid.Full)
	result := m.providers.UnarySegmentation.Potential(idx, label)
	if result < 0 {
		m.logger.Warn("negative segmentation potential", "index", idx, "label", label, "value", result)
	}
	return result
}

// PairwiseRegistration returns the cost of labels la, lb on coarse nodes a, b.
func (m *Model) PairwiseRegistration(a, b, la, lb int) float64 {
	ia := m.coarseToFull(m.ia, a)
	ib := m.coarseToFull(m.ib, b)
	copy(m.da, m.disp[la])
	copy(m.db, m.disp[lb])
	return m.providers.PairwiseRegistration.Potential(ia, ib, m.da, m.db)
}

// PairwiseSegReg returns the coupling cost between displacement label regLabel at
// coarse node and class segLabel at full-grid node full.
func (m *Model) PairwiseSegReg(coarse, full, regLabel, segLabel int) float64 {
	ic := m.coarseToFull(m.ia, coarse)
	ifull := m.grid.FlatToMultiInto(m.ib, full, grid.Full)
	copy(m.da, m.disp[regLabel])
	return m.providers.PairwiseSegReg.Potential(ic, ifull, m.da, segLabel)
}

// SegmentationWeight returns the edge weight between full-grid nodes a and b.
func (m *Model) SegmentationWeight(a, b int) float64 {
	ia := m.grid.FlatToMultiInto(m.ia, a, grid.Full)
	ib := m.grid.FlatToMultiInto(m.ib, b, grid.Full)
	result := m.providers.UnarySegmentation.Weight(ia, ib)
	if result < 0 {
		m.logger.Warn("negative segmentation weight", "a", ia, "b", ib, "value", result)
	}
	return result
}
