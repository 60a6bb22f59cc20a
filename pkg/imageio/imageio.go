// Package imageio loads 2D images and slice stacks into volumes and writes
// label images and deformation fields.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"jointmrf/internal/models"
)

// LoadOptions controls how slice stacks are assembled.
type LoadOptions struct {
	// SliceGap is the physical distance between consecutive slices; 0 means 1
	SliceGap float64

	// FitSlices resamples slices whose size differs from the first slice
	// instead of failing
	FitSlices bool
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".tif": true, ".tiff": true, ".bmp": true,
}

// LoadImage decodes a PNG, JPEG, TIFF or BMP file
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// ImageToVolume converts an image into a 2D volume of gray levels in [0, 1].
func ImageToVolume(img image.Image) *models.Volume {
	b := img.Bounds()
	vol := models.NewVolume(b.Dx(), b.Dy())
	copyGray(vol.Pix, img)
	return vol
}

func copyGray(dst []float64, img image.Image) {
	b := img.Bounds()
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < w; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			dst[y*w+x] = float64(g.Y) / 65535.0
		}
	}
}

// LoadVolume loads a single image file as a 2D volume, or a directory of
// slices ordered by the number in their file names as a 3D volume.
func LoadVolume(path string, opts LoadOptions) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		img, err := LoadImage(path)
		if err != nil {
			return nil, err
		}
		return ImageToVolume(img), nil
	}

	files, err := sliceFiles(path)
	if err != nil {
		return nil, err
	}

	var vol *models.Volume
	var w, h int
	for z, name := range files {
		img, err := LoadImage(filepath.Join(path, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load slice %s: %w", name, err)
		}
		// Store dimensions from first image
		if vol == nil {
			w, h = img.Bounds().Dx(), img.Bounds().Dy()
			vol = models.NewVolume(w, h, len(files))
			if opts.SliceGap > 0 {
				vol.Spacing[2] = opts.SliceGap
			}
		}
		if img.Bounds().Dx() != w || img.Bounds().Dy() != h {
			if !opts.FitSlices {
				return nil, fmt.Errorf("slice %s is %dx%d, expected %dx%d",
					name, img.Bounds().Dx(), img.Bounds().Dy(), w, h)
			}
			img = resample(img, w, h)
		}
		copyGray(vol.Pix[z*w*h:(z+1)*w*h], img)
	}
	return vol, nil
}

// resample scales img to w x h with bilinear filtering
func resample(img image.Image, w, h int) image.Image {
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)
	return dst
}

// sliceFiles lists the image files of dir sorted by slice number
func sliceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})
	return files, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

// LoadLabelImage loads a label image, taking the raw gray level of every
// pixel as its class id. Directories are read as slice stacks.
func LoadLabelImage(path string) (*models.LabelImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	names := []string{filepath.Base(path)}
	dir := filepath.Dir(path)
	if info.IsDir() {
		dir = path
		if names, err = sliceFiles(path); err != nil {
			return nil, err
		}
	}

	var li *models.LabelImage
	var w, h int
	for z, name := range names {
		img, err := LoadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		if li == nil {
			w, h = b.Dx(), b.Dy()
			geo := models.NewGeometry(w, h)
			if info.IsDir() {
				geo = models.NewGeometry(w, h, len(names))
			}
			li = models.NewLabelImage(geo)
		}
		if b.Dx() != w || b.Dy() != h {
			return nil, fmt.Errorf("label slice %s is %dx%d, expected %dx%d", name, b.Dx(), b.Dy(), w, h)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				li.Pix[z*w*h+y*w+x] = labelFromGray(g.Y, img.ColorModel())
			}
		}
	}
	return li, nil
}

// labelFromGray undoes the 8 to 16 bit expansion of 8-bit images
func labelFromGray(y uint16, m color.Model) int {
	if m == color.Gray16Model || m == color.RGBA64Model || m == color.NRGBA64Model {
		return int(y)
	}
	return int(y >> 8)
}

// LabelSliceImage renders slice z of li as a Gray16 image holding raw class ids.
func LabelSliceImage(li *models.LabelImage, z int) (*image.Gray16, error) {
	w, h, depth := planeSize(li.Geometry)
	if z < 0 || z >= depth {
		return nil, fmt.Errorf("slice %d outside [0,%d)", z, depth)
	}
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := li.Pix[z*w*h+y*w+x]
			if l < 0 || l > 65535 {
				return nil, fmt.Errorf("label %d at (%d,%d,%d) does not fit 16 bits", l, x, y, z)
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(l)})
		}
	}
	return img, nil
}

func planeSize(g models.Geometry) (w, h, depth int) {
	depth = 1
	if g.Dim() == 3 {
		depth = g.Size[2]
	}
	return g.Size[0], g.Size[1], depth
}

// SaveLabelImage writes li as 16-bit PNG. A 2D image is written to path; a 3D
// image becomes the directory path with one slice_NNN.png per slice.
func SaveLabelImage(path string, li *models.LabelImage) error {
	if li.Dim() == 2 {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		img, err := LabelSliceImage(li, 0)
		if err != nil {
			return err
		}
		return savePNG(path, img)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	for z := 0; z < li.Size[2]; z++ {
		img, err := LabelSliceImage(li, z)
		if err != nil {
			return err
		}
		if err := savePNG(filepath.Join(path, fmt.Sprintf("slice_%03d.png", z)), img); err != nil {
			return err
		}
	}
	return nil
}

func savePNG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
