package interpolation

import (
	"fmt"
	"math"

	"jointmrf/internal/models"
)

// Linear evaluates a volume at continuous indices by bilinear (2D) or
// trilinear (3D) interpolation of the surrounding samples.
type Linear struct {
	vol *models.Volume

	// end is the largest valid continuous index per axis
	end []float64
}

// NewLinear creates an interpolator over vol. vol must be 2D or 3D.
func NewLinear(vol *models.Volume) *Linear {
	if vol == nil {
		panic("interpolation.NewLinear: volume is nil")
	}
	d := vol.Dim()
	if d < 2 || d > 3 {
		panic(fmt.Sprintf("interpolation.NewLinear: dimension %d not supported", d))
	}
	end := make([]float64, d)
	for i, s := range vol.Size {
		end[i] = float64(s - 1)
	}
	return &Linear{vol: vol, end: end}
}

// Volume returns the interpolated volume
func (l *Linear) Volume() *models.Volume { return l.vol }

// Inside reports whether ci lies within the sample buffer, i.e. 0 <= ci[d] <= size[d]-1.
func (l *Linear) Inside(ci []float64) bool {
	for d, c := range ci {
		if c < 0 || c > l.end[d] || math.IsNaN(c) {
			return false
		}
	}
	return true
}

// Evaluate returns the interpolated intensity at ci. ci must be Inside.
func (l *Linear) Evaluate(ci []float64) float64 {
	dim := len(l.end)
	var base [3]int
	var frac [3]float64
	for d := 0; d < dim; d++ {
		b := int(math.Floor(ci[d]))
		f := ci[d] - float64(b)
		// On the last sample there is no upper neighbour
		if b >= l.vol.Size[d]-1 {
			b = l.vol.Size[d] - 1
			f = 0
		}
		base[d] = b
		frac[d] = f
	}

	var idx [3]int
	result := 0.0
	corners := 1 << dim
	for c := 0; c < corners; c++ {
		w := 1.0
		for d := 0; d < dim; d++ {
			if c&(1<<d) != 0 {
				if frac[d] == 0 {
					w = 0
					break
				}
				idx[d] = base[d] + 1
				w *= frac[d]
			} else {
				idx[d] = base[d]
				w *= 1 - frac[d]
			}
		}
		if w == 0 {
			continue
		}
		result += w * l.vol.At(idx[:dim])
	}
	return result
}

// Nearest returns the sample closest to ci and whether it lies inside the volume.
func Nearest(g models.Geometry, ci []float64, dst []int) ([]int, bool) {
	for d, c := range ci {
		dst[d] = int(math.Floor(c + 0.5))
	}
	return dst, g.Inside(dst)
}
