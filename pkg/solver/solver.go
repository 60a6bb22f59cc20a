// Package solver defines the contract of a discrete multi-label MRF solver and
// ships iterated conditional modes as a reference implementation.
package solver

import (
	"jointmrf/pkg/mrf"
)

// Solver minimises the energy of a flattened problem. The returned labelling
// holds one label in [0, p.NumLabels) per node, in node order.
type Solver interface {
	Solve(p *mrf.Problem) ([]int, error)
}

// Func adapts a plain function to the Solver interface
type Func func(p *mrf.Problem) ([]int, error)

// Solve calls f(p)
func (f Func) Solve(p *mrf.Problem) ([]int, error) { return f(p) }
