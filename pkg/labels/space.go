// Package labels describes the two label spaces of the joint problem: a symmetric
// discretisation of displacement vectors for registration nodes and a small set
// of class ids for segmentation nodes.
package labels

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Space is the label-space descriptor handed to the potential dispatcher.
//
// Displacement labels enumerate every vector whose components are integers in
// [-Samples, Samples]; the index decomposes with axis 0 varying fastest, so the
// zero displacement is the centre label. The physical displacement of a label is
// its sample vector multiplied component-wise by Spacing and by ScalingFactor.
type Space struct {
	// Dim is the dimensionality of displacement vectors
	Dim int

	// Samples is the number of displacement samples on each side of zero, per axis
	Samples int

	// Spacing is the distance between neighbouring samples along each axis
	Spacing []float64

	// ScalingFactor globally scales all displacements
	ScalingFactor float64

	// Segmentations is the number of segmentation classes
	Segmentations int
}

// DefaultSpacing returns the sample spacing used when none is configured:
// 0.4 * gridPixelSpacing / samples per axis, or zero when samples is 0.
func DefaultSpacing(gridPixelSpacing []float64, samples int) []float64 {
	sp := make([]float64, len(gridPixelSpacing))
	if samples <= 0 {
		return sp
	}
	copy(sp, gridPixelSpacing)
	floats.Scale(0.4/float64(samples), sp)
	return sp
}

// Validate checks the descriptor for consistency.
func (s Space) Validate() error {
	if s.Dim < 2 || s.Dim > 3 {
		return fmt.Errorf("label space dimension %d not supported", s.Dim)
	}
	if s.Samples < 0 {
		return fmt.Errorf("negative displacement sample count %d", s.Samples)
	}
	if len(s.Spacing) != s.Dim {
		return fmt.Errorf("label spacing has %d components, expected %d", len(s.Spacing), s.Dim)
	}
	if s.Segmentations < 0 {
		return fmt.Errorf("negative segmentation class count %d", s.Segmentations)
	}
	return nil
}

// NumDisplacements returns the number of displacement labels, (2*Samples+1)^Dim.
func (s Space) NumDisplacements() int {
	side := 2*s.Samples + 1
	n := 1
	for d := 0; d < s.Dim; d++ {
		n *= side
	}
	return n
}

// NumSegmentations returns the number of segmentation labels
func (s Space) NumSegmentations() int { return s.Segmentations }

// ZeroLabel returns the index of the zero displacement
func (s Space) ZeroLabel() int { return (s.NumDisplacements() - 1) / 2 }

// Sample returns the integer sample vector of displacement label l.
func (s Space) Sample(l int) []int {
	if l < 0 || l >= s.NumDisplacements() {
		panic(fmt.Sprintf("labels.Sample: label %d outside [0,%d)", l, s.NumDisplacements()))
	}
	side := 2*s.Samples + 1
	v := make([]int, s.Dim)
	for d := 0; d < s.Dim; d++ {
		v[d] = l%side - s.Samples
		l /= side
	}
	return v
}

// Label returns the displacement label whose sample vector is v.
func (s Space) Label(v []int) int {
	side := 2*s.Samples + 1
	l, stride := 0, 1
	for d := 0; d < s.Dim; d++ {
		if v[d] < -s.Samples || v[d] > s.Samples {
			panic(fmt.Sprintf("labels.Label: component %d out of range in %v", d, v))
		}
		l += (v[d] + s.Samples) * stride
		stride *= side
	}
	return l
}

// Factor returns the per-axis scale Spacing * ScalingFactor.
func (s Space) Factor() []float64 {
	f := append([]float64(nil), s.Spacing...)
	floats.Scale(s.ScalingFactor, f)
	return f
}

// Displacement returns the scaled displacement vector of label l.
func (s Space) Displacement(l int) []float64 {
	return s.DisplacementInto(make([]float64, s.Dim), l)
}

// DisplacementInto writes the scaled displacement of label l into dst.
func (s Space) DisplacementInto(dst []float64, l int) []float64 {
	if l < 0 || l >= s.NumDisplacements() {
		panic(fmt.Sprintf("labels.Displacement: label %d outside [0,%d)", l, s.NumDisplacements()))
	}
	side := 2*s.Samples + 1
	for d := 0; d < s.Dim; d++ {
		dst[d] = float64(l%side-s.Samples) * s.Spacing[d] * s.ScalingFactor
		l /= side
	}
	return dst
}

// Table precomputes the scaled displacement of every label.
func (s Space) Table() [][]float64 {
	t := make([][]float64, s.NumDisplacements())
	for l := range t {
		t[l] = s.Displacement(l)
	}
	return t
}
