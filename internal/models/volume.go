package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Geometry describes the sampling of a D-dimensional image: its size in samples,
// the physical spacing between samples, the physical position of the first sample
// and the direction cosines of the axes.
type Geometry struct {
	// Size is the number of samples along each axis
	Size []int

	// Spacing is the physical distance between neighbouring samples, per axis
	Spacing []float64

	// Origin is the physical position of the sample at index 0
	Origin []float64

	// Direction holds the direction cosines as a D×D matrix (column d is axis d)
	Direction *mat.Dense
}

// NewGeometry creates a geometry with unit spacing, zero origin and identity direction.
func NewGeometry(size ...int) Geometry {
	d := len(size)
	g := Geometry{
		Size:    append([]int(nil), size...),
		Spacing: make([]float64, d),
		Origin:  make([]float64, d),
	}
	for i := range g.Spacing {
		g.Spacing[i] = 1
	}
	g.Direction = identity(d)
	return g
}

func identity(d int) *mat.Dense {
	if d == 0 {
		return nil
	}
	m := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Dim returns the dimensionality of the geometry
func (g Geometry) Dim() int { return len(g.Size) }

// Len returns the number of samples
func (g Geometry) Len() int {
	if len(g.Size) == 0 {
		return 0
	}
	n := 1
	for _, s := range g.Size {
		n *= s
	}
	return n
}

// Inside reports whether idx lies within the sample grid.
func (g Geometry) Inside(idx []int) bool {
	if len(idx) != len(g.Size) {
		return false
	}
	for d, v := range idx {
		if v < 0 || v >= g.Size[d] {
			return false
		}
	}
	return true
}

// Offset returns the flat offset of idx, axis 0 varying fastest.
func (g Geometry) Offset(idx []int) int {
	off, stride := 0, 1
	for d, v := range idx {
		off += v * stride
		stride *= g.Size[d]
	}
	return off
}

// Index converts a flat offset back to a multi-index.
func (g Geometry) Index(off int) []int {
	idx := make([]int, len(g.Size))
	for d := range g.Size {
		idx[d] = off % g.Size[d]
		off /= g.Size[d]
	}
	return idx
}

// PhysicalPoint maps a sample index to its physical position,
// Origin + Direction·(idx ⊙ Spacing). A nil Direction is the identity.
func (g Geometry) PhysicalPoint(idx []int) []float64 {
	d := g.Dim()
	scaled := mat.NewVecDense(d, nil)
	for k := 0; k < d; k++ {
		scaled.SetVec(k, float64(idx[k])*g.Spacing[k])
	}
	if g.Direction != nil {
		scaled.MulVec(g.Direction, mat.VecDenseCopyOf(scaled))
	}
	scaled.AddVec(scaled, mat.NewVecDense(d, append([]float64(nil), g.Origin...)))
	return scaled.RawVector().Data
}

// Clone returns a deep copy of the geometry
func (g Geometry) Clone() Geometry {
	c := Geometry{
		Size:    append([]int(nil), g.Size...),
		Spacing: append([]float64(nil), g.Spacing...),
		Origin:  append([]float64(nil), g.Origin...),
	}
	if g.Direction != nil {
		c.Direction = mat.DenseCopyOf(g.Direction)
	}
	return c
}

// Validate checks that the per-axis vectors agree with the dimensionality.
func (g Geometry) Validate() error {
	d := len(g.Size)
	if d == 0 {
		return fmt.Errorf("geometry has no axes")
	}
	if len(g.Spacing) != d || len(g.Origin) != d {
		return fmt.Errorf("geometry vectors disagree: size %d, spacing %d, origin %d",
			d, len(g.Spacing), len(g.Origin))
	}
	for i, s := range g.Size {
		if s <= 0 {
			return fmt.Errorf("axis %d has non-positive size %d", i, s)
		}
		if g.Spacing[i] <= 0 {
			return fmt.Errorf("axis %d has non-positive spacing %f", i, g.Spacing[i])
		}
	}
	if g.Direction != nil {
		r, c := g.Direction.Dims()
		if r != d || c != d {
			return fmt.Errorf("direction matrix is %dx%d, expected %dx%d", r, c, d, d)
		}
	}
	return nil
}

// Volume is a scalar image of dimension 2 or 3 stored as a flat array
// with axis 0 varying fastest (Pix[x + y*sx + z*sx*sy]).
type Volume struct {
	Geometry

	// Pix holds the sample intensities
	Pix []float64
}

// NewVolume allocates a zero-filled volume with default geometry.
func NewVolume(size ...int) *Volume {
	g := NewGeometry(size...)
	return &Volume{Geometry: g, Pix: make([]float64, g.Len())}
}

// At returns the intensity at idx. idx must be inside the volume.
func (v *Volume) At(idx []int) float64 { return v.Pix[v.Offset(idx)] }

// Set stores val at idx
func (v *Volume) Set(idx []int, val float64) { v.Pix[v.Offset(idx)] = val }

// LabelImage holds one integer class id per image sample.
type LabelImage struct {
	Geometry

	Pix []int
}

// NewLabelImage allocates a label image sharing a copy of g.
func NewLabelImage(g Geometry) *LabelImage {
	c := g.Clone()
	return &LabelImage{Geometry: c, Pix: make([]int, c.Len())}
}

// At returns the label at idx
func (l *LabelImage) At(idx []int) int { return l.Pix[l.Offset(idx)] }

// Set stores label at idx
func (l *LabelImage) Set(idx []int, label int) { l.Pix[l.Offset(idx)] = label }

// DeformationField stores one displacement vector per node of a grid.
// Vectors are expressed in image index units of the fixed image.
type DeformationField struct {
	Geometry

	// Vectors has one D-vector per grid node in flat order
	Vectors [][]float64
}

// NewDeformationField allocates a zero deformation field on g.
func NewDeformationField(g Geometry) *DeformationField {
	c := g.Clone()
	vecs := make([][]float64, c.Len())
	for i := range vecs {
		vecs[i] = make([]float64, c.Dim())
	}
	return &DeformationField{Geometry: c, Vectors: vecs}
}

// At returns the displacement stored at idx
func (f *DeformationField) At(idx []int) []float64 { return f.Vectors[f.Offset(idx)] }

// ImageGeometry returns the geometry itself so that any image embedding a
// Geometry can act as the source of a grid.
func (g Geometry) ImageGeometry() Geometry { return g }
