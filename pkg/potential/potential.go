// Package potential defines the provider roles queried while an MRF problem is
// built, together with reference implementations for each role.
//
// Coordinates are full-grid sample indices. Displacements are already scaled by
// the label space and are expressed in sample units of the fixed image.
package potential

// UnaryRegistration scores a displacement at a fixed image position.
type UnaryRegistration interface {
	Potential(idx []int, disp []float64) float64
}

// UnarySegmentation scores a class label at a fixed image position and weighs
// the segmentation edge between two neighbouring positions.
type UnarySegmentation interface {
	Potential(idx []int, label int) float64
	Weight(a, b []int) float64
}

// PairwiseRegistration scores the displacements of two neighbouring control nodes.
type PairwiseRegistration interface {
	Potential(a, b []int, da, db []float64) float64
}

// PairwiseSegReg couples the displacement of a control node with the class label
// of a full-grid sample in its support window. coarseIdx is the position of the
// control node on the full grid.
type PairwiseSegReg interface {
	Potential(coarseIdx, fullIdx []int, disp []float64, label int) float64
}

// Similarity selects a registration unary measure
type Similarity string

const (
	// SimilarityNCC selects the correlation based measure
	SimilarityNCC Similarity = "ncc"
	// SimilaritySAD selects the mean absolute difference
	SimilaritySAD Similarity = "sad"
)
