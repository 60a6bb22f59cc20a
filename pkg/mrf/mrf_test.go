package mrf

import (
	"bytes"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"testing"

	"jointmrf/internal/models"
	"jointmrf/pkg/grid"
	"jointmrf/pkg/labels"
)

// encode recovers the label index of a displacement built with unit spacing
// and one sample per side in 2D.
func encode(d []float64) float64 { return (d[0] + 1) + 3*(d[1]+1) }

type fakeRegUnary struct{}

func (fakeRegUnary) Potential(idx []int, disp []float64) float64 {
	return float64(1000*idx[0]+100*idx[1]) + encode(disp)
}

type fakeSegUnary struct{ negative bool }

func (f fakeSegUnary) Potential(idx []int, label int) float64 {
	if f.negative {
		return -1
	}
	return float64(100*idx[0]+10*idx[1]) + float64(label)
}

func (fakeSegUnary) Weight(a, b []int) float64 {
	return 1 + float64(a[0]+4*a[1]) + 0.5*float64(b[0]+4*b[1])
}

type fakeRegPair struct{}

func (fakeRegPair) Potential(a, b []int, da, db []float64) float64 {
	return 10000*float64(a[0]) + 100*encode(da) + encode(db)
}

type fakeCoupling struct {
	coarse, full [][]int
}

func (f *fakeCoupling) Potential(coarseIdx, fullIdx []int, disp []float64, label int) float64 {
	f.coarse = append(f.coarse, append([]int(nil), coarseIdx...))
	f.full = append(f.full, append([]int(nil), fullIdx...))
	return 100*encode(disp) + float64(label)
}

// newTestModel builds the 4x4 scenario: a 2x2 coarse grid, nine displacement
// labels with unit spacing and two segmentation classes.
func newTestModel(t *testing.T, opts ...ModelOption) (*Model, *fakeCoupling) {
	t.Helper()
	g := grid.New(models.NewGeometry(4, 4), 2)
	c := &fakeCoupling{}
	space := labels.Space{Samples: 1, Spacing: []float64{1, 1}, ScalingFactor: 1, Segmentations: 2}
	m := NewModel(g, space, Providers{
		UnaryRegistration:    fakeRegUnary{},
		UnarySegmentation:    fakeSegUnary{},
		PairwiseRegistration: fakeRegPair{},
		PairwiseSegReg:       c,
	}, opts...)
	return m, c
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic, got none", name)
		}
	}()
	fn()
}

// TestLayoutConformance verifies array sizes for every problem kind
func TestLayoutConformance(t *testing.T) {
	tests := []struct {
		kind          Kind
		bidirectional bool
		nodes, labels int
		edges         int
	}{
		{Registration, false, 4, 9, 4},
		{Registration, true, 4, 9, 8},
		{Segmentation, false, 16, 2, 24},
		{Segmentation, true, 16, 2, 48},
		{Joint, false, 20, 9, 44},
		{Joint, true, 20, 9, 88},
	}
	m, _ := newTestModel(t)
	for _, tt := range tests {
		name := tt.kind.String()
		if tt.bidirectional {
			name += "/bidirectional"
		}
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Bidirectional = tt.bidirectional
			p := NewBuilder(m, opts).Build(tt.kind)

			if p.NumNodes != tt.nodes || p.NumLabels != tt.labels || p.NumEdges != tt.edges {
				t.Errorf("Expected %d nodes, %d labels, %d edges, got %d, %d, %d",
					tt.nodes, tt.labels, tt.edges, p.NumNodes, p.NumLabels, p.NumEdges)
			}
			if len(p.Unary) != p.NumNodes*p.NumLabels {
				t.Errorf("Expected %d unary entries, got %d", p.NumNodes*p.NumLabels, len(p.Unary))
			}
			if len(p.Pairwise) != p.NumEdges*p.NumLabels*p.NumLabels {
				t.Errorf("Expected %d pairwise entries, got %d", p.NumEdges*p.NumLabels*p.NumLabels, len(p.Pairwise))
			}
			if len(p.Edges) != 2*p.NumEdges || len(p.EdgeWeights) != p.NumEdges {
				t.Errorf("Expected %d edge entries and %d weights, got %d and %d",
					2*p.NumEdges, p.NumEdges, len(p.Edges), len(p.EdgeWeights))
			}
			if err := p.Validate(); err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
			if p.Iterations != DefaultIterations {
				t.Errorf("Expected %d iterations, got %d", DefaultIterations, p.Iterations)
			}
		})
	}
}

// TestLayoutConformance3D verifies array sizes on a 7x5x4 image, whose coarse
// grid is 4x3x3
func TestLayoutConformance3D(t *testing.T) {
	g := grid.New(models.NewGeometry(7, 5, 4), 3)
	space := labels.Space{Samples: 1, Spacing: []float64{1, 1, 1}, ScalingFactor: 1, Segmentations: 3}
	m := NewModel(g, space, Providers{
		UnaryRegistration:    fakeRegUnary{},
		UnarySegmentation:    fakeSegUnary{},
		PairwiseRegistration: fakeRegPair{},
		PairwiseSegReg:       &fakeCoupling{},
	})

	tests := []struct {
		kind          Kind
		nodes, labels int
		edges         int
	}{
		{Registration, 36, 27, 75},
		{Segmentation, 140, 3, 337},
		{Joint, 176, 27, 622},
	}
	for _, tt := range tests {
		for _, bidirectional := range []bool{false, true} {
			opts := DefaultOptions()
			opts.Bidirectional = bidirectional
			p := NewBuilder(m, opts).Build(tt.kind)

			edges := tt.edges
			if bidirectional {
				edges *= 2
			}
			if p.NumNodes != tt.nodes || p.NumLabels != tt.labels || p.NumEdges != edges {
				t.Errorf("%s/%v: expected %d nodes, %d labels, %d edges, got %d, %d, %d",
					tt.kind, bidirectional, tt.nodes, tt.labels, edges, p.NumNodes, p.NumLabels, p.NumEdges)
			}
			if err := p.Validate(); err != nil {
				t.Errorf("%s/%v: unexpected validation error: %v", tt.kind, bidirectional, err)
			}
		}
	}
}

// TestRegistrationProblem checks edge order, unary placement and block contents
func TestRegistrationProblem(t *testing.T) {
	m, _ := newTestModel(t)
	opts := DefaultOptions()
	opts.UnaryWeight = 2
	opts.PairwiseWeight = 0.5
	p := NewBuilder(m, opts).Build(Registration)

	wantEdges := []int{0, 1, 0, 2, 1, 3, 2, 3}
	if !reflect.DeepEqual(p.Edges, wantEdges) {
		t.Errorf("Expected edges %v, got %v", wantEdges, p.Edges)
	}
	for e, w := range p.EdgeWeights {
		if w != 1 {
			t.Errorf("Expected weight 1 on edge %d, got %f", e, w)
		}
	}

	// Coarse node 1 sits at full position (3, 0)
	for l := 0; l < 9; l++ {
		want := 2 * (3000 + float64(l))
		if got := p.Unary[l*p.NumNodes+1]; got != want {
			t.Errorf("Expected unary[%d*N+1] = %f, got %f", l, want, got)
		}
	}

	// Edge 2 runs from coarse node 1 at x=3
	for _, c := range [][2]int{{0, 0}, {4, 7}, {8, 1}} {
		want := 0.5 * (30000 + 100*float64(c[0]) + float64(c[1]))
		if got := p.PairwiseAt(2, c[0], c[1]); got != want {
			t.Errorf("Expected block entry %v = %f, got %f", c, want, got)
		}
		if got := p.Pairwise[2*81+c[0]*9+c[1]]; got != want {
			t.Errorf("Expected raw entry %v = %f, got %f", c, want, got)
		}
	}
}

// TestBidirectionalEdges checks that reverse edges follow each node's forward
// edges and are evaluated with the first endpoint owning l1
func TestBidirectionalEdges(t *testing.T) {
	m, _ := newTestModel(t)
	opts := DefaultOptions()
	opts.Bidirectional = true
	p := NewBuilder(m, opts).Build(Registration)

	wantEdges := []int{0, 1, 0, 2, 1, 0, 2, 0, 1, 3, 3, 1, 2, 3, 3, 2}
	if !reflect.DeepEqual(p.Edges, wantEdges) {
		t.Errorf("Expected edges %v, got %v", wantEdges, p.Edges)
	}
	// Edge 2 is (1, 0): node 1 at x=3 comes first
	if got := p.PairwiseAt(2, 5, 2); got != 30502 {
		t.Errorf("Expected reverse block entry 30502, got %f", got)
	}
	if got := p.PairwiseAt(0, 5, 2); got != 502 {
		t.Errorf("Expected forward block entry 502, got %f", got)
	}

	s := NewBuilder(m, opts).Build(Segmentation)
	// Node 0 emits (0,1),(0,4) then the reverse edges (1,0),(4,0)
	want := []int{0, 1, 0, 4, 1, 0, 4, 0}
	if !reflect.DeepEqual(s.Edges[:8], want) {
		t.Errorf("Expected edges %v, got %v", want, s.Edges[:8])
	}
	if s.EdgeWeights[0] != 1.5 || s.EdgeWeights[2] != 2 {
		t.Errorf("Expected weights 1.5 and 2, got %v", s.EdgeWeights[:3])
	}
}

// TestSegmentationProblem checks Potts blocks and local numbering
func TestSegmentationProblem(t *testing.T) {
	m, _ := newTestModel(t)
	opts := DefaultOptions()
	opts.PairwiseWeight = 3
	p := NewBuilder(m, opts).Build(Segmentation)

	want := []float64{0, 3, 3, 0}
	if !reflect.DeepEqual(p.Pairwise[:4], want) {
		t.Errorf("Expected Potts block %v, got %v", want, p.Pairwise[:4])
	}
	// Full node 5 is (1, 1)
	if got := p.UnaryAt(5, 1); got != 111 {
		t.Errorf("Expected unary 111, got %f", got)
	}
	if p.Edges[0] != 0 || p.Edges[1] != 1 || p.Edges[2] != 0 || p.Edges[3] != 4 {
		t.Errorf("Expected first edges (0,1),(0,4), got %v", p.Edges[:4])
	}
}

// TestJointProblem checks global numbering, coupling edges and infeasible labels
func TestJointProblem(t *testing.T) {
	m, c := newTestModel(t)
	p := NewBuilder(m, DefaultOptions()).Build(Joint)

	// Node 0: two registration edges then its window [0 1 4 5]
	wantHead := []int{0, 1, 0, 2, 0, 4, 0, 5, 0, 8, 0, 9}
	if !reflect.DeepEqual(p.Edges[:12], wantHead) {
		t.Errorf("Expected leading edges %v, got %v", wantHead, p.Edges[:12])
	}
	// Node 1: one registration edge then the window [2 3 6 7]
	wantNext := []int{1, 3, 1, 6, 1, 7, 1, 10, 1, 11}
	if !reflect.DeepEqual(p.Edges[12:22], wantNext) {
		t.Errorf("Expected edges %v, got %v", wantNext, p.Edges[12:22])
	}

	// Coupling block: registration label rows, class columns
	if got := p.PairwiseAt(2, 4, 1); got != 401 {
		t.Errorf("Expected coupling entry 401, got %f", got)
	}
	if got := p.PairwiseAt(2, 4, 5); got != 0 {
		t.Errorf("Expected 0 for an invalid class, got %f", got)
	}
	if !reflect.DeepEqual(c.coarse[0], []int{0, 0}) {
		t.Errorf("Expected coarse position [0 0], got %v", c.coarse[0])
	}
	// The first coupling call of node 1 sees its full-grid position
	first := 4 * 9 * 2
	if !reflect.DeepEqual(c.coarse[first], []int{3, 0}) || !reflect.DeepEqual(c.full[first], []int{2, 0}) {
		t.Errorf("Expected coarse [3 0] and full [2 0], got %v and %v", c.coarse[first], c.full[first])
	}

	// Segmentation nodes start at 4 and carry the infeasible cost above class 1
	if got := p.UnaryAt(4+5, 1); got != 111 {
		t.Errorf("Expected unary 111, got %f", got)
	}
	if got := p.UnaryAt(4+5, 2); got != InfeasibleCost {
		t.Errorf("Expected infeasible cost, got %f", got)
	}
	if got := p.UnaryAt(0, 8); got != 8 {
		t.Errorf("Expected unary 8, got %f", got)
	}

	// The segmentation lattice follows the coupling edges
	segStart := 4 + 16
	if p.Edges[2*segStart] != 4 || p.Edges[2*segStart+1] != 5 {
		t.Errorf("Expected first segmentation edge (4,5), got (%d,%d)", p.Edges[2*segStart], p.Edges[2*segStart+1])
	}
}

// TestJointBidirectionalCoupling checks the transposed reverse coupling block
func TestJointBidirectionalCoupling(t *testing.T) {
	m, _ := newTestModel(t)
	opts := DefaultOptions()
	opts.Bidirectional = true
	opts.CouplingWeight = 2
	p := NewBuilder(m, opts).Build(Joint)

	// Node 0: 2 reg + 4 coupling forward, then 2 reg + 4 coupling reverse
	e := 8
	if p.Edges[2*e] != 4 || p.Edges[2*e+1] != 0 {
		t.Errorf("Expected reverse coupling edge (4,0), got (%d,%d)", p.Edges[2*e], p.Edges[2*e+1])
	}
	if got := p.PairwiseAt(e, 1, 4); got != 2*401 {
		t.Errorf("Expected reverse coupling entry 802, got %f", got)
	}
	if got := p.PairwiseAt(2, 4, 1); got != 2*401 {
		t.Errorf("Expected forward coupling entry 802, got %f", got)
	}
}

// TestBuildPreconditions checks panics for missing providers
func TestBuildPreconditions(t *testing.T) {
	g := grid.New(models.NewGeometry(4, 4), 2)
	space := labels.Space{Samples: 1, ScalingFactor: 1, Segmentations: 2}
	m := NewModel(g, space, Providers{UnarySegmentation: fakeSegUnary{}})
	b := NewBuilder(m, DefaultOptions())

	expectPanic(t, "registration without providers", func() { b.Build(Registration) })
	expectPanic(t, "joint without coupling", func() { b.Build(Joint) })
	expectPanic(t, "unknown kind", func() { b.Build(Kind(9)) })
	expectPanic(t, "nil model", func() { NewBuilder(nil, DefaultOptions()) })
	expectPanic(t, "dimension mismatch", func() {
		NewModel(g, labels.Space{Dim: 3, Samples: 1, Spacing: []float64{1, 1, 1}}, Providers{})
	})

	if p := b.Build(Segmentation); p.NumNodes != 16 {
		t.Errorf("Expected 16 nodes, got %d", p.NumNodes)
	}
}

// TestDefaultLabelSpacing verifies the spacing derived from the grid
func TestDefaultLabelSpacing(t *testing.T) {
	g := grid.New(models.NewGeometry(4, 4), 2)
	m := NewModel(g, labels.Space{Samples: 2, ScalingFactor: 1}, Providers{})
	sp := m.Space().Spacing
	if len(sp) != 2 || math.Abs(sp[0]-0.6) > 1e-12 || math.Abs(sp[1]-0.6) > 1e-12 {
		t.Errorf("Expected spacing [0.6 0.6], got %v", sp)
	}
	if m.NumRegLabels() != 25 {
		t.Errorf("Expected 25 displacement labels, got %d", m.NumRegLabels())
	}
}

// TestNegativeSegmentationLogged checks the diagnostic for negative potentials
func TestNegativeSegmentationLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	g := grid.New(models.NewGeometry(4, 4), 2)
	space := labels.Space{Samples: 1, ScalingFactor: 1, Segmentations: 2}
	m := NewModel(g, space, Providers{UnarySegmentation: fakeSegUnary{negative: true}}, WithModelLogger(logger))

	if got := m.UnarySegmentation(3, 0); got != -1 {
		t.Errorf("Expected the negative value unchanged, got %f", got)
	}
	if !strings.Contains(buf.String(), "negative segmentation potential") {
		t.Errorf("Expected a warning, got %q", buf.String())
	}
}

// TestBuildLogsCheckpoints checks the build checkpoints
func TestBuildLogsCheckpoints(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m, _ := newTestModel(t)
	NewBuilder(m, DefaultOptions(), WithBuilderLogger(logger)).Build(Registration)

	out := buf.String()
	for _, msg := range []string{"arrays allocated", "build complete"} {
		if !strings.Contains(out, msg) {
			t.Errorf("Expected log message %q in %q", msg, out)
		}
	}
}

// TestEnergy checks the energy of a hand-built problem
func TestEnergy(t *testing.T) {
	p := &Problem{
		NumNodes:    2,
		NumLabels:   2,
		NumEdges:    1,
		Unary:       []float64{1, 2, 3, 4}, // label 0: n0=1 n1=2, label 1: n0=3 n1=4
		Edges:       []int{0, 1},
		Pairwise:    []float64{0, 5, 7, 0},
		EdgeWeights: []float64{2},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Unexpected validation error: %v", err)
	}

	tests := []struct {
		labels []int
		want   float64
	}{
		{[]int{0, 0}, 3},
		{[]int{0, 1}, 1 + 4 + 10},
		{[]int{1, 0}, 3 + 2 + 14},
		{[]int{1, 1}, 7},
	}
	for _, tt := range tests {
		if got := p.Energy(tt.labels); got != tt.want {
			t.Errorf("Energy(%v): expected %f, got %f", tt.labels, tt.want, got)
		}
	}
	expectPanic(t, "short labelling", func() { p.Energy([]int{0}) })
}

// TestValidateRejects checks that malformed problems are reported
func TestValidateRejects(t *testing.T) {
	base := func() *Problem {
		return &Problem{
			NumNodes: 2, NumLabels: 1, NumEdges: 1,
			Unary: []float64{0, 0}, Edges: []int{0, 1},
			Pairwise: []float64{0}, EdgeWeights: []float64{1},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Problem)
	}{
		{"short unary", func(p *Problem) { p.Unary = p.Unary[:1] }},
		{"node out of range", func(p *Problem) { p.Edges[1] = 2 }},
		{"self loop", func(p *Problem) { p.Edges[1] = 0 }},
		{"missing weight", func(p *Problem) { p.EdgeWeights = nil }},
		{"long pairwise", func(p *Problem) { p.Pairwise = append(p.Pairwise, 0) }},
	}
	for _, tt := range tests {
		p := base()
		tt.mutate(p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

// TestParseKind checks configuration names
func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Registration, Segmentation, Joint} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("Expected %v, got %v (%v)", k, got, err)
		}
	}
	if _, err := ParseKind("both"); err == nil {
		t.Errorf("Expected error for unknown kind")
	}
}
