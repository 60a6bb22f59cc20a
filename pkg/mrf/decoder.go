package mrf

import (
	"fmt"

	"jointmrf/internal/models"
	"jointmrf/pkg/grid"
	"jointmrf/pkg/interpolation"
)

// Decoder reshapes a solver labelling into a coarse deformation field and a
// full resolution label image.
type Decoder struct {
	model *Model
}

// NewDecoder creates a decoder for problems built from m.
func NewDecoder(m *Model) *Decoder {
	if m == nil {
		panic("mrf.NewDecoder: model is nil")
	}
	return &Decoder{model: m}
}

// Decode splits a joint labelling, registration nodes first, into its two
// halves. It panics if len(labels) differs from the joint node count.
func (d *Decoder) Decode(labels []int) (*models.DeformationField, *models.LabelImage) {
	g := d.model.grid
	if len(labels) != g.NumNodes() {
		panic(fmt.Sprintf("mrf.Decoder.Decode: %d labels for %d nodes", len(labels), g.NumNodes()))
	}
	nReg := g.NumRegNodes()
	return d.DecodeDeformation(labels[:nReg]), d.DecodeSegmentation(labels[nReg:])
}

// DecodeDeformation converts one displacement label per coarse node into the
// scaled displacement vectors of the coarse grid. Labels must lie in the
// displacement label space.
func (d *Decoder) DecodeDeformation(labels []int) *models.DeformationField {
	g := d.model.grid
	if len(labels) != g.NumRegNodes() {
		panic(fmt.Sprintf("mrf.Decoder.DecodeDeformation: %d labels for %d coarse nodes", len(labels), g.NumRegNodes()))
	}
	field := models.NewDeformationField(g.CoarseGeometry())
	idx := make([]int, g.Dim())
	for n, l := range labels {
		g.FlatToMultiInto(idx, n, grid.Coarse)
		d.model.space.DisplacementInto(field.At(idx), l)
	}
	return field
}

// DecodeSegmentation copies one class label per full-grid node into a label
// image on the fixed image geometry.
func (d *Decoder) DecodeSegmentation(labels []int) *models.LabelImage {
	g := d.model.grid
	if len(labels) != g.NumSegNodes() {
		panic(fmt.Sprintf("mrf.Decoder.DecodeSegmentation: %d labels for %d full nodes", len(labels), g.NumSegNodes()))
	}
	li := models.NewLabelImage(g.FullGeometry())
	idx := make([]int, g.Dim())
	for n, l := range labels {
		g.FlatToMultiInto(idx, n, grid.Full)
		li.Set(idx, l)
	}
	return li
}

// DenseDeformation interpolates a coarse field onto every sample of the full
// grid. The result can serve as base deformation of a following pass.
func (d *Decoder) DenseDeformation(field *models.DeformationField) *models.DeformationField {
	g := d.model.grid
	dim := g.Dim()
	if field == nil || field.Len() != g.NumRegNodes() || field.Dim() != dim {
		panic("mrf.Decoder.DenseDeformation: field does not match the coarse grid")
	}

	// one scalar volume per displacement component
	comps := make([]*interpolation.Linear, dim)
	for c := 0; c < dim; c++ {
		vol := &models.Volume{Geometry: field.Geometry.Clone(), Pix: make([]float64, field.Len())}
		for i, v := range field.Vectors {
			vol.Pix[i] = v[c]
		}
		comps[c] = interpolation.NewLinear(vol)
	}

	coarseSize := g.Size(grid.Coarse)
	pixSpacing := g.PixelSpacing()
	dense := models.NewDeformationField(g.FullGeometry())
	idx := make([]int, dim)
	ci := make([]float64, dim)
	for n := range dense.Vectors {
		g.FlatToMultiInto(idx, n, grid.Full)
		for k := 0; k < dim; k++ {
			c := float64(idx[k]) / pixSpacing[k]
			ci[k] = min(max(c, 0), float64(coarseSize[k]-1))
		}
		for c := 0; c < dim; c++ {
			dense.Vectors[n][c] = comps[c].Evaluate(ci)
		}
	}
	return dense
}
