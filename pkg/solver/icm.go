package solver

import (
	"fmt"
	"io"
	"log/slog"

	"gonum.org/v1/gonum/floats"

	"jointmrf/pkg/mrf"
)

// incidence is one edge seen from one of its endpoints
type incidence struct {
	edge  int
	other int
	// first reports whether the node is Edges[2*edge], i.e. owns the block row
	first bool
}

// ICM is iterated conditional modes: starting from the unary minimum, every
// node in turn takes the label minimising its local energy given the current
// labels of its neighbours. It converges to a local minimum.
type ICM struct {
	logger *slog.Logger
}

// NewICM creates an ICM solver. A nil logger discards sweep diagnostics.
func NewICM(logger *slog.Logger) *ICM {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ICM{logger: logger}
}

// Solve implements Solver. It runs at most p.Iterations sweeps and stops
// early when a sweep changes no label.
func (s *ICM) Solve(p *mrf.Problem) ([]int, error) {
	if p == nil {
		return nil, fmt.Errorf("icm: problem is nil")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("icm: invalid problem: %w", err)
	}
	iterations := p.Iterations
	if iterations <= 0 {
		iterations = mrf.DefaultIterations
	}

	adj := make([][]incidence, p.NumNodes)
	for e := 0; e < p.NumEdges; e++ {
		a, b := p.Edges[2*e], p.Edges[2*e+1]
		adj[a] = append(adj[a], incidence{edge: e, other: b, first: true})
		adj[b] = append(adj[b], incidence{edge: e, other: a, first: false})
	}

	L := p.NumLabels
	cost := make([]float64, L)
	labels := make([]int, p.NumNodes)
	for n := range labels {
		for l := 0; l < L; l++ {
			cost[l] = p.UnaryAt(n, l)
		}
		labels[n] = floats.MinIdx(cost)
	}
	s.logger.Debug("icm initialised", "energy", p.Energy(labels))

	for it := 0; it < iterations; it++ {
		changed := 0
		for n := range labels {
			for l := 0; l < L; l++ {
				c := p.UnaryAt(n, l)
				for _, inc := range adj[n] {
					w := p.EdgeWeights[inc.edge]
					if inc.first {
						c += w * p.PairwiseAt(inc.edge, l, labels[inc.other])
					} else {
						c += w * p.PairwiseAt(inc.edge, labels[inc.other], l)
					}
				}
				cost[l] = c
			}
			// keep the current label on ties
			best := floats.MinIdx(cost)
			if cost[best] < cost[labels[n]] {
				labels[n] = best
				changed++
			}
		}
		s.logger.Debug("icm sweep", "iteration", it, "changed", changed, "energy", p.Energy(labels))
		if changed == 0 {
			break
		}
	}
	return labels, nil
}
