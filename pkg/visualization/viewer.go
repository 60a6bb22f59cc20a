// Package visualization renders slices of volumes, segmentations and
// deformation magnitudes as gray images for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"jointmrf/internal/models"
)

// Viewer extracts gray-scale slices from a scalar field on a 2D or 3D grid.
// Values are mapped linearly from [low, high] to the full 16-bit range.
type Viewer struct {
	// data holds one value per sample, axis 0 fastest
	data []float64

	// dimensions of the field; 2D fields have depth 1
	width  int
	height int
	depth  int

	low, high float64
}

// NewViewer creates a viewer over data. The display range is the data range.
func NewViewer(data []float64, width, height, depth int) *Viewer {
	v := &Viewer{data: data, width: width, height: height, depth: depth}
	if len(data) > 0 {
		v.low, v.high = floats.Min(data), floats.Max(data)
	}
	return v
}

func planeSize(g models.Geometry) (w, h, d int) {
	d = 1
	if g.Dim() == 3 {
		d = g.Size[2]
	}
	return g.Size[0], g.Size[1], d
}

// NewVolumeViewer shows the intensities of vol
func NewVolumeViewer(vol *models.Volume) *Viewer {
	w, h, d := planeSize(vol.Geometry)
	return NewViewer(vol.Pix, w, h, d)
}

// NewLabelViewer shows the classes of li spread over the gray range
func NewLabelViewer(li *models.LabelImage) *Viewer {
	w, h, d := planeSize(li.Geometry)
	data := make([]float64, len(li.Pix))
	for i, l := range li.Pix {
		data[i] = float64(l)
	}
	v := NewViewer(data, w, h, d)
	v.low = 0
	return v
}

// NewMagnitudeViewer shows the Euclidean length of every vector of field
func NewMagnitudeViewer(field *models.DeformationField) *Viewer {
	w, h, d := planeSize(field.Geometry)
	data := make([]float64, len(field.Vectors))
	for i, vec := range field.Vectors {
		data[i] = floats.Norm(vec, 2)
	}
	v := NewViewer(data, w, h, d)
	v.low = 0
	return v
}

// SetRange overrides the display range
func (v *Viewer) SetRange(low, high float64) {
	v.low, v.high = low, high
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	t := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(t*65535))))}
}

// ExtractSlice extracts a 2D slice along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(v.data[z*v.width*v.height+y*v.width+position]))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(v.data[z*v.width*v.height+position*v.width+x]))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(v.data[position*v.width*v.height+y*v.width+x]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// LabelSlice renders z-slice z of a label image
func LabelSlice(li *models.LabelImage, z int) (image.Image, error) {
	return NewLabelViewer(li).ExtractSlice("z", z)
}

// MagnitudeSlice renders z-slice z of the displacement magnitude of field
func MagnitudeSlice(field *models.DeformationField, z int) (image.Image, error) {
	return NewMagnitudeViewer(field).ExtractSlice("z", z)
}
