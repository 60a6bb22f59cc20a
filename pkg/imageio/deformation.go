package imageio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"jointmrf/internal/models"
)

// pointTolerance bounds the disagreement between stored node positions and
// the ones recomputed from the stored geometry.
const pointTolerance = 1e-6

// deformationFile is the YAML layout of a stored deformation field. Direction
// is stored row-major; Points holds the physical position of every node.
type deformationFile struct {
	Size      []int       `yaml:"size"`
	Spacing   []float64   `yaml:"spacing"`
	Origin    []float64   `yaml:"origin"`
	Direction []float64   `yaml:"direction,omitempty,flow"`
	Points    [][]float64 `yaml:"points,omitempty,flow"`
	Vectors   [][]float64 `yaml:"vectors,flow"`
}

// SaveDeformation writes field as YAML together with its direction cosines
// and the physical position of each node.
func SaveDeformation(path string, field *models.DeformationField) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f := deformationFile{
		Size:    field.Size,
		Spacing: field.Spacing,
		Origin:  field.Origin,
		Points:  make([][]float64, field.Len()),
		Vectors: field.Vectors,
	}
	if field.Direction != nil {
		f.Direction = mat.DenseCopyOf(field.Direction).RawMatrix().Data
	}
	for i := range f.Points {
		f.Points[i] = field.PhysicalPoint(field.Index(i))
	}

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("error marshaling deformation: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing deformation file: %w", err)
	}
	return nil
}

// LoadDeformation reads a field written by SaveDeformation. Stored node
// positions, when present, must agree with the stored geometry.
func LoadDeformation(path string) (*models.DeformationField, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading deformation file: %w", err)
	}
	var f deformationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing deformation file: %w", err)
	}

	geo := models.NewGeometry(f.Size...)
	if f.Spacing != nil {
		geo.Spacing = f.Spacing
	}
	if f.Origin != nil {
		geo.Origin = f.Origin
	}
	if f.Direction != nil {
		d := geo.Dim()
		if len(f.Direction) != d*d {
			return nil, fmt.Errorf("direction has %d entries, expected %d", len(f.Direction), d*d)
		}
		geo.Direction = mat.NewDense(d, d, f.Direction)
	}
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deformation geometry: %w", err)
	}
	if len(f.Vectors) != geo.Len() {
		return nil, fmt.Errorf("deformation has %d vectors, geometry has %d nodes", len(f.Vectors), geo.Len())
	}
	for i, v := range f.Vectors {
		if len(v) != geo.Dim() {
			return nil, fmt.Errorf("vector %d has %d components, expected %d", i, len(v), geo.Dim())
		}
	}
	if f.Points != nil {
		if err := checkPoints(geo, f.Points); err != nil {
			return nil, err
		}
	}
	return &models.DeformationField{Geometry: geo, Vectors: f.Vectors}, nil
}

func checkPoints(geo models.Geometry, points [][]float64) error {
	if len(points) != geo.Len() {
		return fmt.Errorf("deformation has %d points, geometry has %d nodes", len(points), geo.Len())
	}
	for i, p := range points {
		want := geo.PhysicalPoint(geo.Index(i))
		if len(p) != len(want) {
			return fmt.Errorf("point %d has %d components, expected %d", i, len(p), len(want))
		}
		for d := range want {
			if math.Abs(p[d]-want[d]) > pointTolerance {
				return fmt.Errorf("point %d at %v disagrees with geometry position %v", i, p, want)
			}
		}
	}
	return nil
}
