// Package grid implements the index arithmetic shared by the coarse registration
// grid and the full resolution segmentation grid.
//
// Both grids are addressed by flat indices built from per-axis divisor vectors
// (divisor[0] = 1, divisor[d] = divisor[d-1] * size[d-1]), so axis 0 varies
// fastest. A coarse node maps onto the full grid by scaling each coordinate with
// the ratio of the coarse to the full physical spacing.
package grid

import (
	"fmt"
	"io"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"jointmrf/internal/models"
)

// Kind selects one of the two grids.
type Kind int

const (
	// Coarse is the registration grid of control nodes
	Coarse Kind = iota
	// Full is the segmentation grid with one node per image sample
	Full
)

func (k Kind) String() string {
	switch k {
	case Coarse:
		return "coarse"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// indexGuard absorbs representation error when a coarse coordinate is scaled onto
// the full grid, e.g. 3 * (8/3) evaluating to 7.999999.
const indexGuard = 1e-9

// ImageSource provides the geometry of the fixed image a grid is built on.
type ImageSource interface {
	ImageGeometry() models.Geometry
}

// Grid holds the geometry of both grids. It is immutable once built.
type Grid struct {
	dim int

	imageSize     []int
	imageSpacing  []float64
	imageDivisors []int

	gridSize     []int
	gridDivisors []int
	// gridPixelSpacing is the coarse spacing in full-grid samples
	gridPixelSpacing []float64
	// gridSpacing is the coarse spacing in physical units
	gridSpacing []float64

	origin    []float64
	direction *mat.Dense

	// radius of the coupling window in full-grid samples
	radius []int

	nRegNodes int
	nSegNodes int

	logger *slog.Logger
}

// Option configures a Grid
type Option func(*Grid)

// WithLogger sets the sink for construction checkpoints.
func WithLogger(l *slog.Logger) Option {
	return func(g *Grid) {
		if l != nil {
			g.logger = l
		}
	}
}

// New builds the coarse and full grids for src. nodesPerEdge controls the coarse
// resolution: the axis with the fewest samples receives roughly nodesPerEdge nodes.
//
// New panics when src is nil, its dimension is not 2 or 3, its geometry is
// inconsistent, or nodesPerEdge < 2.
func New(src ImageSource, nodesPerEdge int, opts ...Option) *Grid {
	if src == nil {
		panic("grid.New: image source is nil")
	}
	geo := src.ImageGeometry()
	dim := geo.Dim()
	if dim < 2 || dim > 3 {
		panic(fmt.Sprintf("grid.New: dimension %d not supported (must be 2 or 3)", dim))
	}
	if err := geo.Validate(); err != nil {
		panic("grid.New: " + err.Error())
	}
	if nodesPerEdge < 2 {
		panic(fmt.Sprintf("grid.New: nodesPerEdge must be at least 2, got %d", nodesPerEdge))
	}

	g := &Grid{
		dim:              dim,
		imageSize:        append([]int(nil), geo.Size...),
		imageSpacing:     append([]float64(nil), geo.Spacing...),
		imageDivisors:    make([]int, dim),
		gridSize:         make([]int, dim),
		gridDivisors:     make([]int, dim),
		gridPixelSpacing: make([]float64, dim),
		gridSpacing:      make([]float64, dim),
		origin:           append([]float64(nil), geo.Origin...),
		radius:           make([]int, dim),
		nRegNodes:        1,
		nSegNodes:        1,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if geo.Direction != nil {
		g.direction = mat.DenseCopyOf(geo.Direction)
	}
	for _, opt := range opts {
		opt(g)
	}

	g.setSpacing(nodesPerEdge)

	for d := 0; d < dim; d++ {
		s := g.gridPixelSpacing[d]
		g.gridSize[d] = int(float64(g.imageSize[d]) / s)
		// Without unit spacing the last node sits on the last sample and
		// the truncated quotient misses it.
		if s != 1.0 {
			g.gridSize[d]++
		}
		g.nRegNodes *= g.gridSize[d]
		g.nSegNodes *= g.imageSize[d]

		if d > 0 {
			g.imageDivisors[d] = g.imageDivisors[d-1] * g.imageSize[d-1]
			g.gridDivisors[d] = g.gridDivisors[d-1] * g.gridSize[d-1]
		} else {
			g.imageDivisors[d] = 1
			g.gridDivisors[d] = 1
		}
		g.radius[d] = int(s / 2)
	}

	g.logger.Info("grid sized",
		"dim", dim,
		"imageSize", g.imageSize,
		"gridSize", g.gridSize,
		"gridPixelSpacing", g.gridPixelSpacing,
		"regNodes", g.nRegNodes,
		"segNodes", g.nSegNodes,
		"regEdges", g.NumRegEdges())

	return g
}

// setSpacing derives the coarse spacing from the number of nodes per edge.
// Spacing is chosen so that coarse nodes land on the first and last sample.
func (g *Grid) setSpacing(nodesPerEdge int) {
	minSpacing := 999999
	for d := 0; d < g.dim; d++ {
		q := g.imageSize[d] / (nodesPerEdge - 1)
		if q < minSpacing {
			minSpacing = q - 1
		}
	}
	if minSpacing < 1 {
		minSpacing = 1
	}
	for d := 0; d < g.dim; d++ {
		div := g.imageSize[d] / minSpacing
		if div < 1 {
			div = 1
		}
		spacing := float64(g.imageSize[d]) / float64(div)
		if spacing > 1.0 {
			spacing -= 1.0 / float64(div)
		}
		g.gridPixelSpacing[d] = spacing
		g.gridSpacing[d] = spacing * g.imageSpacing[d]
	}
}

// Dim returns the dimensionality of both grids
func (g *Grid) Dim() int { return g.dim }

// NumRegNodes returns the number of coarse grid nodes
func (g *Grid) NumRegNodes() int { return g.nRegNodes }

// NumSegNodes returns the number of full grid nodes
func (g *Grid) NumSegNodes() int { return g.nSegNodes }

// NumNodes returns the size of the joint node numbering
func (g *Grid) NumNodes() int { return g.nRegNodes + g.nSegNodes }

// Size returns a copy of the per-axis size of the requested grid
func (g *Grid) Size(kind Kind) []int {
	if kind == Coarse {
		return append([]int(nil), g.gridSize...)
	}
	return append([]int(nil), g.imageSize...)
}

// Divisors returns a copy of the divisor vector of the requested grid
func (g *Grid) Divisors(kind Kind) []int {
	if kind == Coarse {
		return append([]int(nil), g.gridDivisors...)
	}
	return append([]int(nil), g.imageDivisors...)
}

// PixelSpacing returns the coarse spacing expressed in full-grid samples
func (g *Grid) PixelSpacing() []float64 { return append([]float64(nil), g.gridPixelSpacing...) }

// Spacing returns the coarse spacing in physical units
func (g *Grid) Spacing() []float64 { return append([]float64(nil), g.gridSpacing...) }

// Radius returns the half-width of the coupling window in full-grid samples
func (g *Grid) Radius() []int { return append([]int(nil), g.radius...) }

// Origin returns the physical origin shared by both grids
func (g *Grid) Origin() []float64 { return append([]float64(nil), g.origin...) }

// CoarseGeometry describes the coarse grid as an image geometry.
func (g *Grid) CoarseGeometry() models.Geometry {
	geo := models.Geometry{
		Size:    append([]int(nil), g.gridSize...),
		Spacing: append([]float64(nil), g.gridSpacing...),
		Origin:  append([]float64(nil), g.origin...),
	}
	if g.direction != nil {
		geo.Direction = mat.DenseCopyOf(g.direction)
	}
	return geo
}

// FullGeometry describes the full grid, identical to the fixed image geometry.
func (g *Grid) FullGeometry() models.Geometry {
	geo := models.Geometry{
		Size:    append([]int(nil), g.imageSize...),
		Spacing: append([]float64(nil), g.imageSpacing...),
		Origin:  append([]float64(nil), g.origin...),
	}
	if g.direction != nil {
		geo.Direction = mat.DenseCopyOf(g.direction)
	}
	return geo
}

func (g *Grid) sizes(kind Kind) ([]int, []int) {
	switch kind {
	case Coarse:
		return g.gridSize, g.gridDivisors
	case Full:
		return g.imageSize, g.imageDivisors
	default:
		panic(fmt.Sprintf("grid: unknown grid kind %d", int(kind)))
	}
}

// FlatToMulti returns the coordinate of flat index i on the requested grid.
func (g *Grid) FlatToMulti(i int, kind Kind) []int {
	return g.FlatToMultiInto(make([]int, g.dim), i, kind)
}

// FlatToMultiInto is FlatToMulti writing into dst, which must have length Dim.
func (g *Grid) FlatToMultiInto(dst []int, i int, kind Kind) []int {
	_, div := g.sizes(kind)
	for d := g.dim - 1; d >= 0; d-- {
		dst[d] = i / div[d]
		i -= dst[d] * div[d]
	}
	return dst
}

// MultiToFlat is the inverse of FlatToMulti.
func (g *Grid) MultiToFlat(idx []int, kind Kind) int {
	_, div := g.sizes(kind)
	i := 0
	for d := 0; d < g.dim; d++ {
		i += idx[d] * div[d]
	}
	return i
}

// CoarseToFullMulti maps a coarse coordinate onto the full grid.
func (g *Grid) CoarseToFullMulti(idx []int) []int {
	full := make([]int, g.dim)
	g.coarseToFullInto(full, idx)
	return full
}

// CoarseToFullInto is CoarseToFullMulti writing into dst; dst may alias idx.
func (g *Grid) CoarseToFullInto(dst, idx []int) []int {
	g.coarseToFullInto(dst, idx)
	return dst
}

func (g *Grid) coarseToFullInto(dst, idx []int) {
	for d := 0; d < g.dim; d++ {
		dst[d] = int(math.Floor(float64(idx[d])*g.gridSpacing[d]/g.imageSpacing[d] + indexGuard))
	}
}

// CoarseNodeToFull returns the full-grid coordinate of coarse node i.
func (g *Grid) CoarseNodeToFull(i int) []int {
	idx := g.FlatToMulti(i, Coarse)
	g.coarseToFullInto(idx, idx)
	return idx
}

// InBounds reports whether idx is a valid coordinate on the requested grid.
func (g *Grid) InBounds(idx []int, kind Kind) bool {
	size, _ := g.sizes(kind)
	for d := 0; d < g.dim; d++ {
		if idx[d] < 0 || idx[d] >= size[d] {
			return false
		}
	}
	return true
}

// latticeEdges counts the forward axis-aligned edges of a lattice.
func latticeEdges(size []int) int {
	total := 0
	for d := range size {
		n := size[d] - 1
		if n <= 0 {
			continue
		}
		for e := range size {
			if e != d {
				n *= size[e]
			}
		}
		total += n
	}
	return total
}

// NumRegEdges returns the number of forward edges of the coarse lattice.
func (g *Grid) NumRegEdges() int { return latticeEdges(g.gridSize) }

// NumSegEdges returns the number of forward edges of the full lattice.
func (g *Grid) NumSegEdges() int { return latticeEdges(g.imageSize) }

// NumSegRegEdges returns the number of coupling edges, i.e. the total count of
// in-bounds window members over all coarse nodes. It is computed by clipping
// each window per axis, independently of the enumeration.
func (g *Grid) NumSegRegEdges() int {
	total := 0
	center := make([]int, g.dim)
	for i := 0; i < g.nRegNodes; i++ {
		g.FlatToMultiInto(center, i, Coarse)
		g.coarseToFullInto(center, center)
		n := 1
		for d := 0; d < g.dim; d++ {
			lo := max(center[d]-g.radius[d], 0)
			hi := min(center[d]+g.radius[d], g.imageSize[d]-1)
			if hi < lo {
				n = 0
				break
			}
			n *= hi - lo + 1
		}
		total += n
	}
	return total
}
