package potential

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"jointmrf/internal/models"
	"jointmrf/pkg/interpolation"
)

const (
	// NCCNoOverlap is returned by NCC when no window sample maps into the moving image
	NCCNoOverlap = 0.5
	// SADNoOverlap is returned by SAD when no window sample maps into the moving image
	SADNoOverlap = 999999999
)

// windowSampler collects intensity pairs (fixed, moving) over a rectangular
// window around a fixed image position. Fixed samples outside the image and
// moving targets outside the moving buffer are skipped.
type windowSampler struct {
	fixed  *models.Volume
	moving *interpolation.Linear
	radius []int
	base   *models.DeformationField

	f, m []float64
	pos  []int
	off  []int
	ci   []float64
}

func newWindowSampler(fixed, moving *models.Volume, radius []int) windowSampler {
	if fixed == nil || moving == nil {
		panic("potential: fixed and moving volumes are required")
	}
	dim := fixed.Dim()
	if moving.Dim() != dim || len(radius) != dim {
		panic(fmt.Sprintf("potential: dimension mismatch (fixed %d, moving %d, radius %d)",
			dim, moving.Dim(), len(radius)))
	}
	return windowSampler{
		fixed:  fixed,
		moving: interpolation.NewLinear(moving),
		radius: append([]int(nil), radius...),
		pos:    make([]int, dim),
		off:    make([]int, dim),
		ci:     make([]float64, dim),
	}
}

func (w *windowSampler) setBase(field *models.DeformationField) {
	if field != nil && field.Len() != w.fixed.Len() {
		panic(fmt.Sprintf("potential: base deformation has %d vectors, fixed image has %d samples",
			field.Len(), w.fixed.Len()))
	}
	w.base = field
}

// sample fills w.f and w.m for the window centred on idx displaced by disp.
func (w *windowSampler) sample(idx []int, disp []float64) {
	w.f = w.f[:0]
	w.m = w.m[:0]
	dim := len(idx)
	for d := 0; d < dim; d++ {
		w.off[d] = -w.radius[d]
	}
	for {
		inside := true
		for d := 0; d < dim; d++ {
			w.pos[d] = idx[d] + w.off[d]
			if w.pos[d] < 0 || w.pos[d] >= w.fixed.Size[d] {
				inside = false
			}
		}
		if inside {
			off := w.fixed.Offset(w.pos)
			for d := 0; d < dim; d++ {
				w.ci[d] = float64(w.pos[d]) + disp[d]
				if w.base != nil {
					w.ci[d] += w.base.Vectors[off][d]
				}
			}
			if w.moving.Inside(w.ci) {
				w.f = append(w.f, w.fixed.Pix[off])
				w.m = append(w.m, w.moving.Evaluate(w.ci))
			}
		}
		if !w.advance(dim) {
			return
		}
	}
}

func (w *windowSampler) advance(dim int) bool {
	for d := 0; d < dim; d++ {
		w.off[d]++
		if w.off[d] <= w.radius[d] {
			return true
		}
		w.off[d] = -w.radius[d]
	}
	return false
}

// NCC scores a displacement by the normalised cross correlation r of the fixed
// window and the displaced moving window, returning 1 - r/2. Perfectly
// correlated windows score 0.5, anti-correlated ones 1.5.
type NCC struct {
	w windowSampler
}

// NewNCC creates a correlation potential sampling a window of the given radius.
func NewNCC(fixed, moving *models.Volume, radius []int) *NCC {
	return &NCC{w: newWindowSampler(fixed, moving, radius)}
}

// SetBaseDeformation sets a dense displacement added to every sample position,
// typically the result of a previous pass. nil clears it.
func (n *NCC) SetBaseDeformation(field *models.DeformationField) { n.w.setBase(field) }

// Potential implements UnaryRegistration.
func (n *NCC) Potential(idx []int, disp []float64) float64 {
	n.w.sample(idx, disp)
	return correlationCost(n.w.f, n.w.m)
}

func correlationCost(f, m []float64) float64 {
	if len(f) == 0 {
		return NCCNoOverlap
	}
	count := float64(len(f))
	sf := floats.Sum(f)
	sm := floats.Sum(m)
	sff := floats.Dot(f, f) - sf*sf/count
	smm := floats.Dot(m, m) - sm*sm/count
	sfm := floats.Dot(f, m) - sf*sm/count

	if smm*sff > 0 {
		return 1 - sfm/math.Sqrt(smm*sff)/2
	}
	// Flat windows carry no correlation; fall back on the sign of the covariance
	if sfm > 0 {
		return 0
	}
	return 1
}

// SAD scores a displacement by the mean absolute intensity difference between the
// fixed window and the displaced moving window.
type SAD struct {
	w windowSampler
}

// NewSAD creates a mean absolute difference potential with the given window radius.
func NewSAD(fixed, moving *models.Volume, radius []int) *SAD {
	return &SAD{w: newWindowSampler(fixed, moving, radius)}
}

// SetBaseDeformation sets a dense displacement added to every sample position.
func (s *SAD) SetBaseDeformation(field *models.DeformationField) { s.w.setBase(field) }

// Potential implements UnaryRegistration.
func (s *SAD) Potential(idx []int, disp []float64) float64 {
	s.w.sample(idx, disp)
	if len(s.w.f) == 0 {
		return SADNoOverlap
	}
	return floats.Distance(s.w.m, s.w.f, 1) / float64(len(s.w.f))
}

// NewUnaryRegistration selects a registration unary by name.
func NewUnaryRegistration(sim Similarity, fixed, moving *models.Volume, radius []int, base *models.DeformationField) (UnaryRegistration, error) {
	switch sim {
	case SimilarityNCC, "":
		p := NewNCC(fixed, moving, radius)
		p.SetBaseDeformation(base)
		return p, nil
	case SimilaritySAD:
		p := NewSAD(fixed, moving, radius)
		p.SetBaseDeformation(base)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown similarity measure %q", sim)
	}
}

// Smoothness penalises differing displacements of neighbouring control nodes by
// the squared difference, normalised per axis by Spacing and optionally capped.
type Smoothness struct {
	// Spacing normalises each axis, usually the coarse spacing in samples; nil means 1
	Spacing []float64

	// Truncation caps the cost when positive
	Truncation float64
}

// Potential implements PairwiseRegistration.
func (s Smoothness) Potential(a, b []int, da, db []float64) float64 {
	cost := 0.0
	for d := range da {
		diff := da[d] - db[d]
		if s.Spacing != nil {
			diff /= s.Spacing[d]
		}
		cost += diff * diff
	}
	if s.Truncation > 0 && cost > s.Truncation {
		return s.Truncation
	}
	return cost
}
