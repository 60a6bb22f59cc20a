package potential

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"jointmrf/internal/models"
	"jointmrf/pkg/interpolation"
)

// IntensityClasses models each segmentation class by a mean intensity. The unary
// cost of a class is the absolute deviation from its mean divided by Scale, and
// edges are weighted by intensity contrast so that boundaries prefer strong edges.
type IntensityClasses struct {
	img *models.Volume

	// Means holds one mean intensity per class
	Means []float64

	// Scale divides the intensity deviation; values <= 0 mean 1
	Scale float64

	// Sigma is the contrast scale of the edge weight; values <= 0 make all weights 1
	Sigma float64
}

// NewIntensityClasses creates a class model over img.
func NewIntensityClasses(img *models.Volume, means []float64, scale, sigma float64) *IntensityClasses {
	if img == nil {
		panic("potential.NewIntensityClasses: image is nil")
	}
	if len(means) == 0 {
		panic("potential.NewIntensityClasses: at least one class mean is required")
	}
	return &IntensityClasses{
		img:   img,
		Means: append([]float64(nil), means...),
		Scale: scale,
		Sigma: sigma,
	}
}

// Potential implements UnarySegmentation.
func (c *IntensityClasses) Potential(idx []int, label int) float64 {
	if label < 0 || label >= len(c.Means) {
		panic(fmt.Sprintf("potential.IntensityClasses: label %d outside [0,%d)", label, len(c.Means)))
	}
	cost := math.Abs(c.img.At(idx) - c.Means[label])
	if c.Scale > 0 {
		cost /= c.Scale
	}
	return cost
}

// Weight implements UnarySegmentation with exp(-(I(a)-I(b))^2 / (2 sigma^2)).
func (c *IntensityClasses) Weight(a, b []int) float64 {
	if c.Sigma <= 0 {
		return 1
	}
	diff := c.img.At(a) - c.img.At(b)
	return math.Exp(-diff * diff / (2 * c.Sigma * c.Sigma))
}

// EstimateMeans computes the mean intensity of every class from a labelled image.
// Classes without samples are an error.
func EstimateMeans(img *models.Volume, li *models.LabelImage, classes int) ([]float64, error) {
	if img.Len() != li.Len() {
		return nil, fmt.Errorf("image has %d samples, label image has %d", img.Len(), li.Len())
	}
	groups := make([][]float64, classes)
	for i, l := range li.Pix {
		if l < 0 || l >= classes {
			return nil, fmt.Errorf("label %d at sample %d outside [0,%d)", l, i, classes)
		}
		groups[l] = append(groups[l], img.Pix[i])
	}
	means := make([]float64, classes)
	for l, g := range groups {
		if len(g) == 0 {
			return nil, fmt.Errorf("class %d has no samples", l)
		}
		means[l] = stat.Mean(g, nil)
	}
	return means, nil
}

// DefaultScale returns the intensity standard deviation of img, or 1 for a flat image.
func DefaultScale(img *models.Volume) float64 {
	_, std := stat.MeanStdDev(img.Pix, nil)
	if std <= 0 || math.IsNaN(std) {
		return 1
	}
	return std
}

// AtlasCoupling ties registration and segmentation through an atlas label image
// defined on the moving image. A segmentation label that disagrees with the atlas
// label found at the displaced position costs Penalty. Displaced positions
// outside the atlas cost nothing.
type AtlasCoupling struct {
	atlas *models.LabelImage

	// Penalty is the cost of a disagreement
	Penalty float64

	pos []int
	ci  []float64
}

// NewAtlasCoupling creates a coupling potential over atlas.
func NewAtlasCoupling(atlas *models.LabelImage, penalty float64) *AtlasCoupling {
	if atlas == nil {
		panic("potential.NewAtlasCoupling: atlas is nil")
	}
	return &AtlasCoupling{
		atlas:   atlas,
		Penalty: penalty,
		pos:     make([]int, atlas.Dim()),
		ci:      make([]float64, atlas.Dim()),
	}
}

// Potential implements PairwiseSegReg.
func (a *AtlasCoupling) Potential(coarseIdx, fullIdx []int, disp []float64, label int) float64 {
	for d := range fullIdx {
		a.ci[d] = float64(fullIdx[d]) + disp[d]
	}
	pos, ok := interpolation.Nearest(a.atlas.Geometry, a.ci, a.pos)
	if !ok {
		return 0
	}
	if a.atlas.At(pos) != label {
		return a.Penalty
	}
	return 0
}
