package mrf

import (
	"fmt"
	"io"
	"log/slog"

	"jointmrf/pkg/grid"
)

// Kind selects which energy a Builder flattens.
type Kind int

const (
	// Registration builds the displacement problem on the coarse grid
	Registration Kind = iota
	// Segmentation builds the class problem on the full grid
	Segmentation
	// Joint builds both problems plus the coupling edges as one energy
	Joint
)

func (k Kind) String() string {
	switch k {
	case Registration:
		return "registration"
	case Segmentation:
		return "segmentation"
	case Joint:
		return "joint"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "registration":
		return Registration, nil
	case "segmentation":
		return Segmentation, nil
	case "joint":
		return Joint, nil
	default:
		return 0, fmt.Errorf("unknown problem kind %q", s)
	}
}

// Options holds the weights and switches applied while flattening.
type Options struct {
	// UnaryWeight multiplies every unary cost
	UnaryWeight float64
	// PairwiseWeight multiplies every pairwise block
	PairwiseWeight float64
	// CouplingWeight additionally multiplies the seg-reg coupling blocks
	CouplingWeight float64
	// Bidirectional adds the reverse of every edge
	Bidirectional bool
	// Iterations is handed to the solver; 0 selects DefaultIterations
	Iterations int
}

// DefaultOptions returns unit weights, forward edges only and the default
// solver iteration count.
func DefaultOptions() Options {
	return Options{
		UnaryWeight:    1,
		PairwiseWeight: 1,
		CouplingWeight: 1,
		Iterations:     DefaultIterations,
	}
}

// Builder flattens the graph of a Model into a Problem.
type Builder struct {
	model  *Model
	opts   Options
	logger *slog.Logger
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithBuilderLogger sets the sink for build checkpoints.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a builder over m.
func NewBuilder(m *Model, opts Options, bopts ...BuilderOption) *Builder {
	if m == nil {
		panic("mrf.NewBuilder: model is nil")
	}
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultIterations
	}
	b := &Builder{model: m, opts: opts, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, o := range bopts {
		o(b)
	}
	return b
}

// Options returns the effective options
func (b *Builder) Options() Options { return b.opts }

// counts returns the node, label and edge counts of the requested problem,
// computed from the grid alone.
func (b *Builder) counts(kind Kind) (nodes, nLabels, edges int) {
	g := b.model.grid
	switch kind {
	case Registration:
		nodes, nLabels, edges = g.NumRegNodes(), b.model.NumRegLabels(), g.NumRegEdges()
	case Segmentation:
		nodes, nLabels, edges = g.NumSegNodes(), b.model.NumSegLabels(), g.NumSegEdges()
	case Joint:
		nodes = g.NumNodes()
		nLabels = max(b.model.NumRegLabels(), b.model.NumSegLabels())
		edges = g.NumRegEdges() + g.NumSegEdges() + g.NumSegRegEdges()
	default:
		panic(fmt.Sprintf("mrf.Builder: unknown problem kind %d", int(kind)))
	}
	if b.opts.Bidirectional {
		edges *= 2
	}
	return nodes, nLabels, edges
}

func (b *Builder) checkProviders(kind Kind) {
	p := b.model.providers
	needReg := kind == Registration || kind == Joint
	needSeg := kind == Segmentation || kind == Joint
	if needReg && (p.UnaryRegistration == nil || p.PairwiseRegistration == nil) {
		panic(fmt.Sprintf("mrf.Builder: %s problem needs registration providers", kind))
	}
	if needSeg && p.UnarySegmentation == nil {
		panic(fmt.Sprintf("mrf.Builder: %s problem needs a segmentation provider", kind))
	}
	if kind == Joint && p.PairwiseSegReg == nil {
		panic("mrf.Builder: joint problem needs a coupling provider")
	}
	if needSeg && b.model.NumSegLabels() < 1 {
		panic(fmt.Sprintf("mrf.Builder: %s problem needs at least one segmentation class", kind))
	}
}

// build holds the arrays of one Build call and the write cursor.
type build struct {
	p     *Problem
	edge  int
	block int // nLabels * nLabels
}

// next reserves the next edge slot and returns its pairwise block.
func (s *build) next(a, c int, weight float64) []float64 {
	if s.edge >= s.p.NumEdges {
		panic(fmt.Sprintf("mrf.Builder: traversal produced more than the %d precomputed edges", s.p.NumEdges))
	}
	e := s.edge
	s.p.Edges[2*e] = a
	s.p.Edges[2*e+1] = c
	s.p.EdgeWeights[e] = weight
	s.edge++
	return s.p.Pairwise[e*s.block : (e+1)*s.block]
}

// Build traverses every node in order and returns the flattened problem. Build
// panics if a provider required by kind is missing or if the traversal does not
// produce exactly the precomputed number of edges.
func (b *Builder) Build(kind Kind) *Problem {
	b.checkProviders(kind)
	nodes, nLabels, edges := b.counts(kind)

	p := &Problem{
		Kind:        kind,
		NumNodes:    nodes,
		NumLabels:   nLabels,
		NumEdges:    edges,
		Unary:       make([]float64, nodes*nLabels),
		Edges:       make([]int, 2*edges),
		Pairwise:    make([]float64, edges*nLabels*nLabels),
		EdgeWeights: make([]float64, edges),
		Iterations:  b.opts.Iterations,
	}
	b.logger.Info("arrays allocated",
		"kind", kind.String(),
		"nodes", nodes,
		"labels", nLabels,
		"edges", edges,
		"pairwiseEntries", len(p.Pairwise))

	s := &build{p: p, block: nLabels * nLabels}
	switch kind {
	case Registration:
		b.buildRegistration(s)
	case Segmentation:
		b.buildSegmentation(s, 0)
	case Joint:
		b.buildJoint(s)
	}

	if s.edge != edges {
		panic(fmt.Sprintf("mrf.Builder: traversal produced %d edges, precomputed %d", s.edge, edges))
	}
	b.logger.Info("build complete", "kind", kind.String(), "edges", s.edge)
	return p
}

func (b *Builder) buildRegistration(s *build) {
	g := b.model.grid
	var nb []int
	for n := 0; n < g.NumRegNodes(); n++ {
		nb = g.AppendForwardRegistrationNeighbors(nb[:0], n)
		b.regEdges(s, n, nb, false)
		if b.opts.Bidirectional {
			b.regEdges(s, n, nb, true)
		}
		b.regUnary(s, n)
	}
}

func (b *Builder) buildSegmentation(s *build, offset int) {
	g := b.model.grid
	var nb []int
	for n := 0; n < g.NumSegNodes(); n++ {
		nb = g.AppendForwardSegmentationNeighbors(nb[:0], n)
		b.segEdges(s, offset, n, nb, false)
		if b.opts.Bidirectional {
			b.segEdges(s, offset, n, nb, true)
		}
		b.segUnary(s, offset, n)
	}
}

func (b *Builder) buildJoint(s *build) {
	g := b.model.grid
	nReg := g.NumRegNodes()
	win := g.NewWindow()
	var nb, window []int
	for n := 0; n < nReg; n++ {
		nb = g.AppendForwardRegistrationNeighbors(nb[:0], n)
		window = win.AppendNeighbors(window[:0], n)
		b.regEdges(s, n, nb, false)
		b.couplingEdges(s, n, window, false)
		if b.opts.Bidirectional {
			b.regEdges(s, n, nb, true)
			b.couplingEdges(s, n, window, true)
		}
		b.regUnary(s, n)
	}
	b.buildSegmentation(s, nReg)
}

func (b *Builder) regEdges(s *build, n int, nb []int, reverse bool) {
	m := b.model
	L := s.p.NumLabels
	nl := m.NumRegLabels()
	for _, d := range nb {
		a, c := n, d
		if reverse {
			a, c = d, n
		}
		block := s.next(a, c, 1)
		for l1 := 0; l1 < nl; l1++ {
			for l2 := 0; l2 < nl; l2++ {
				block[l1*L+l2] = b.opts.PairwiseWeight * m.PairwiseRegistration(a, c, l1, l2)
			}
		}
	}
}

func (b *Builder) segEdges(s *build, offset, n int, nb []int, reverse bool) {
	m := b.model
	L := s.p.NumLabels
	nl := m.NumSegLabels()
	for _, d := range nb {
		a, c := n, d
		if reverse {
			a, c = d, n
		}
		block := s.next(offset+a, offset+c, m.SegmentationWeight(a, c))
		for l1 := 0; l1 < nl; l1++ {
			for l2 := 0; l2 < nl; l2++ {
				if l1 != l2 {
					block[l1*L+l2] = b.opts.PairwiseWeight
				}
			}
		}
	}
}

// couplingEdges links coarse node n with the segmentation nodes of its window.
// Registration labels index the rows of a forward block and the columns of a
// reverse one.
func (b *Builder) couplingEdges(s *build, n int, window []int, reverse bool) {
	m := b.model
	L := s.p.NumLabels
	nReg := m.grid.NumRegNodes()
	nr, ns := m.NumRegLabels(), m.NumSegLabels()
	w := b.opts.PairwiseWeight * b.opts.CouplingWeight
	for _, f := range window {
		if !reverse {
			block := s.next(n, nReg+f, 1)
			for lr := 0; lr < nr; lr++ {
				for ls := 0; ls < ns; ls++ {
					block[lr*L+ls] = w * m.PairwiseSegReg(n, f, lr, ls)
				}
			}
			continue
		}
		block := s.next(nReg+f, n, 1)
		for ls := 0; ls < ns; ls++ {
			for lr := 0; lr < nr; lr++ {
				block[ls*L+lr] = w * m.PairwiseSegReg(n, f, lr, ls)
			}
		}
	}
}

func (b *Builder) regUnary(s *build, n int) {
	m := b.model
	N := s.p.NumNodes
	nl := m.NumRegLabels()
	for l := 0; l < s.p.NumLabels; l++ {
		if l < nl {
			s.p.Unary[l*N+n] = b.opts.UnaryWeight * m.UnaryRegistration(n, l)
		} else {
			s.p.Unary[l*N+n] = InfeasibleCost
		}
	}
}

func (b *Builder) segUnary(s *build, offset, n int) {
	m := b.model
	N := s.p.NumNodes
	nl := m.NumSegLabels()
	for l := 0; l < s.p.NumLabels; l++ {
		if l < nl {
			s.p.Unary[l*N+offset+n] = b.opts.UnaryWeight * m.UnarySegmentation(n, l)
		} else {
			s.p.Unary[l*N+offset+n] = InfeasibleCost
		}
	}
}

// Grid returns the grid of the underlying model
func (b *Builder) Grid() *grid.Grid { return b.model.grid }
