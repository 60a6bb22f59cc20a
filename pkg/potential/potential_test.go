package potential

import (
	"math"
	"testing"

	"jointmrf/internal/models"
)

// fillVolume creates a 2D volume from a pattern function
func fillVolume(w, h int, pattern func(x, y int) float64) *models.Volume {
	vol := models.NewVolume(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			vol.Set([]int{x, y}, pattern(x, y))
		}
	}
	return vol
}

func checkerboard(x, y int) float64 { return float64((x+y)%2) + float64(x)*0.1 }

// TestNoOverlapSentinels verifies the values returned when no sample overlaps
func TestNoOverlapSentinels(t *testing.T) {
	fixed := fillVolume(4, 4, checkerboard)
	moving := fillVolume(4, 4, checkerboard)
	far := []float64{100, 100}

	ncc := NewNCC(fixed, moving, []int{1, 1})
	if got := ncc.Potential([]int{1, 1}, far); got != 0.5 {
		t.Errorf("Expected NCC sentinel 0.5, got %v", got)
	}

	sad := NewSAD(fixed, moving, []int{1, 1})
	got := sad.Potential([]int{1, 1}, far)
	if got != 999999999 {
		t.Errorf("Expected SAD sentinel 999999999, got %v", got)
	}
	if math.IsNaN(got) || got == 0 {
		t.Errorf("SAD sentinel must be finite and non-zero, got %v", got)
	}
}

// TestNCCCorrelation checks correlated, anti-correlated and flat windows
func TestNCCCorrelation(t *testing.T) {
	fixed := fillVolume(5, 5, checkerboard)
	zero := []float64{0, 0}

	tests := []struct {
		name   string
		moving *models.Volume
		fixed  *models.Volume
		want   float64
	}{
		{"identical", fillVolume(5, 5, checkerboard), fixed, 0.5},
		{"scaled", fillVolume(5, 5, func(x, y int) float64 { return 3*checkerboard(x, y) + 7 }), fixed, 0.5},
		{"inverted", fillVolume(5, 5, func(x, y int) float64 { return 10 - checkerboard(x, y) }), fixed, 1.5},
		{"flat fixed", fillVolume(5, 5, func(x, y int) float64 { return float64((x+y)%2 + x) }), fillVolume(5, 5, func(x, y int) float64 { return 2 }), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewNCC(tt.fixed, tt.moving, []int{1, 1})
			if got := p.Potential([]int{2, 2}, zero); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected %f, got %f", tt.want, got)
			}
		})
	}
}

// TestSADDisplacement verifies that the correct displacement scores zero
func TestSADDisplacement(t *testing.T) {
	fixed := fillVolume(4, 4, func(x, y int) float64 { return float64(x) })
	moving := fillVolume(4, 4, func(x, y int) float64 { return float64(x) - 1 })
	sad := NewSAD(fixed, moving, []int{1, 1})

	if got := sad.Potential([]int{1, 1}, []float64{1, 0}); math.Abs(got) > 1e-12 {
		t.Errorf("Expected 0 at the true displacement, got %f", got)
	}
	if got := sad.Potential([]int{1, 1}, []float64{0, 0}); math.Abs(got-1) > 1e-12 {
		t.Errorf("Expected 1 without displacement, got %f", got)
	}

	// A base deformation shifts every sample the same way
	base := models.NewDeformationField(fixed.Geometry)
	for _, v := range base.Vectors {
		v[0] = 1
	}
	sad.SetBaseDeformation(base)
	if got := sad.Potential([]int{1, 1}, []float64{0, 0}); math.Abs(got) > 1e-12 {
		t.Errorf("Expected 0 with base deformation, got %f", got)
	}
}

// TestSamplingSkipsOutOfBounds checks that partial overlap still yields a score
func TestSamplingSkipsOutOfBounds(t *testing.T) {
	fixed := fillVolume(4, 4, func(x, y int) float64 { return float64(x) })
	moving := fillVolume(4, 4, func(x, y int) float64 { return float64(x) + 2 })
	sad := NewSAD(fixed, moving, []int{1, 1})

	// At the corner only 4 window samples are inside the fixed image
	if got := sad.Potential([]int{0, 0}, []float64{0, 0}); math.Abs(got-2) > 1e-12 {
		t.Errorf("Expected 2, got %f", got)
	}
}

// TestNewUnaryRegistration checks measure selection by name
func TestNewUnaryRegistration(t *testing.T) {
	fixed := fillVolume(4, 4, checkerboard)
	if _, err := NewUnaryRegistration(SimilarityNCC, fixed, fixed, []int{1, 1}, nil); err != nil {
		t.Errorf("Unexpected error for ncc: %v", err)
	}
	p, err := NewUnaryRegistration(SimilaritySAD, fixed, fixed, []int{1, 1}, nil)
	if err != nil {
		t.Fatalf("Unexpected error for sad: %v", err)
	}
	if _, ok := p.(*SAD); !ok {
		t.Errorf("Expected *SAD, got %T", p)
	}
	if _, err := NewUnaryRegistration("mi", fixed, fixed, []int{1, 1}, nil); err == nil {
		t.Errorf("Expected error for unknown measure")
	}
}

// TestSmoothness checks the pairwise registration cost
func TestSmoothness(t *testing.T) {
	a, b := []int{0, 0}, []int{3, 0}
	da, db := []float64{1, 0}, []float64{0, 2}

	if got := (Smoothness{}).Potential(a, b, da, db); got != 5 {
		t.Errorf("Expected 5, got %f", got)
	}
	if got := (Smoothness{Truncation: 3}).Potential(a, b, da, db); got != 3 {
		t.Errorf("Expected truncated 3, got %f", got)
	}
	if got := (Smoothness{Spacing: []float64{1, 2}}).Potential(a, b, da, db); got != 2 {
		t.Errorf("Expected normalised 2, got %f", got)
	}
	if got := (Smoothness{}).Potential(a, b, da, da); got != 0 {
		t.Errorf("Expected 0 for equal displacements, got %f", got)
	}
}

// TestIntensityClasses checks the segmentation unary and edge weight
func TestIntensityClasses(t *testing.T) {
	img := fillVolume(4, 1, func(x, y int) float64 { return float64(x * 10) })
	c := NewIntensityClasses(img, []float64{0, 30}, 2, 10)

	if got := c.Potential([]int{1, 0}, 0); got != 5 {
		t.Errorf("Expected 5, got %f", got)
	}
	if got := c.Potential([]int{3, 0}, 1); got != 0 {
		t.Errorf("Expected 0, got %f", got)
	}
	if got := c.Weight([]int{1, 0}, []int{1, 0}); got != 1 {
		t.Errorf("Expected weight 1 for equal intensities, got %f", got)
	}
	want := math.Exp(-0.5)
	if got := c.Weight([]int{0, 0}, []int{1, 0}); math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected weight %f, got %f", want, got)
	}
	for x := 0; x < 3; x++ {
		if w := c.Weight([]int{x, 0}, []int{x + 1, 0}); w < 0 {
			t.Errorf("Edge weight must be non-negative, got %f", w)
		}
	}
}

// TestEstimateMeans checks per-class means from a labelled image
func TestEstimateMeans(t *testing.T) {
	img := fillVolume(4, 1, func(x, y int) float64 { return float64(x) })
	li := models.NewLabelImage(img.Geometry)
	copy(li.Pix, []int{0, 0, 1, 1})

	means, err := EstimateMeans(img, li, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if means[0] != 0.5 || means[1] != 2.5 {
		t.Errorf("Expected [0.5 2.5], got %v", means)
	}
	if _, err := EstimateMeans(img, li, 3); err == nil {
		t.Errorf("Expected error for an empty class")
	}

	if s := DefaultScale(fillVolume(3, 3, func(x, y int) float64 { return 1 })); s != 1 {
		t.Errorf("Expected scale 1 for a flat image, got %f", s)
	}
}

// TestAtlasCoupling checks agreement with the displaced atlas label
func TestAtlasCoupling(t *testing.T) {
	atlas := models.NewLabelImage(models.NewGeometry(4, 4))
	for i := range atlas.Pix {
		if atlas.Index(i)[0] >= 2 {
			atlas.Pix[i] = 1
		}
	}
	c := NewAtlasCoupling(atlas, 2.5)
	coarse := []int{0, 0}

	if got := c.Potential(coarse, []int{1, 1}, []float64{1, 0}, 1); got != 0 {
		t.Errorf("Expected 0 on agreement, got %f", got)
	}
	if got := c.Potential(coarse, []int{1, 1}, []float64{1, 0}, 0); got != 2.5 {
		t.Errorf("Expected penalty 2.5 on disagreement, got %f", got)
	}
	if got := c.Potential(coarse, []int{3, 3}, []float64{5, 0}, 0); got != 0 {
		t.Errorf("Expected 0 outside the atlas, got %f", got)
	}
}
