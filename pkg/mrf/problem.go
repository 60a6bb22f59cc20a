package mrf

import (
	"fmt"
	"math"
)

// DefaultIterations is the solver iteration count handed over with a problem
const DefaultIterations = 20

// InfeasibleCost is the unary cost of a label outside a node's own label space
// in a joint problem.
const InfeasibleCost = 1e9

// Problem is a flattened pairwise MRF in the layout expected by a discrete
// solver:
//
//	Unary[l*NumNodes + n]              cost of label l at node n
//	Edges[2*e], Edges[2*e+1]           endpoints of edge e
//	Pairwise[e*L*L + l1*L + l2]        cost of (l1 at Edges[2e], l2 at Edges[2e+1])
//	EdgeWeights[e]                     multiplier of the block of edge e
type Problem struct {
	Kind Kind

	NumNodes  int
	NumLabels int
	NumEdges  int

	Unary       []float64
	Edges       []int
	Pairwise    []float64
	EdgeWeights []float64

	Iterations int
}

// Validate checks that the arrays conform to the layout.
func (p *Problem) Validate() error {
	if p.NumNodes <= 0 {
		return fmt.Errorf("problem has no nodes")
	}
	if p.NumLabels <= 0 {
		return fmt.Errorf("problem has no labels")
	}
	if len(p.Unary) != p.NumNodes*p.NumLabels {
		return fmt.Errorf("unary length %d, expected %d", len(p.Unary), p.NumNodes*p.NumLabels)
	}
	if len(p.Edges) != 2*p.NumEdges {
		return fmt.Errorf("edge array length %d, expected %d", len(p.Edges), 2*p.NumEdges)
	}
	if len(p.EdgeWeights) != p.NumEdges {
		return fmt.Errorf("edge weight length %d, expected %d", len(p.EdgeWeights), p.NumEdges)
	}
	if want := p.NumEdges * p.NumLabels * p.NumLabels; len(p.Pairwise) != want {
		return fmt.Errorf("pairwise length %d, expected %d", len(p.Pairwise), want)
	}
	for i, n := range p.Edges {
		if n < 0 || n >= p.NumNodes {
			return fmt.Errorf("edge %d references node %d outside [0, %d)", i/2, n, p.NumNodes)
		}
	}
	for e := 0; e < p.NumEdges; e++ {
		if p.Edges[2*e] == p.Edges[2*e+1] {
			return fmt.Errorf("edge %d is a self loop on node %d", e, p.Edges[2*e])
		}
	}
	for i, v := range p.Unary {
		if math.IsNaN(v) {
			return fmt.Errorf("unary entry %d is NaN", i)
		}
	}
	for i, v := range p.Pairwise {
		if math.IsNaN(v) {
			return fmt.Errorf("pairwise entry %d is NaN", i)
		}
	}
	return nil
}

// Energy returns the cost of a labelling: the sum of unaries plus the weighted
// pairwise blocks of every edge. labels must hold one label per node.
func (p *Problem) Energy(labels []int) float64 {
	if len(labels) != p.NumNodes {
		panic(fmt.Sprintf("mrf.Problem.Energy: %d labels for %d nodes", len(labels), p.NumNodes))
	}
	n, L := p.NumNodes, p.NumLabels
	energy := 0.0
	for node, l := range labels {
		energy += p.Unary[l*n+node]
	}
	for e := 0; e < p.NumEdges; e++ {
		a, b := p.Edges[2*e], p.Edges[2*e+1]
		energy += p.EdgeWeights[e] * p.Pairwise[e*L*L+labels[a]*L+labels[b]]
	}
	return energy
}

// UnaryAt returns the unary cost of label l at node n
func (p *Problem) UnaryAt(n, l int) float64 { return p.Unary[l*p.NumNodes+n] }

// PairwiseAt returns the block entry of edge e for labels l1, l2
func (p *Problem) PairwiseAt(e, l1, l2 int) float64 {
	return p.Pairwise[e*p.NumLabels*p.NumLabels+l1*p.NumLabels+l2]
}
