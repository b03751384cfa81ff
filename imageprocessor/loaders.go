package imageprocessor

import (
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"
)

// ImageLoader is the interface that all image loaders must implement
type ImageLoader interface {
	// CanLoad checks if the loader can handle the given file
	CanLoad(path string) bool

	// LoadImage loads the image as a single-channel 8-bit Mat
	LoadImage(path string) (gocv.Mat, error)
}

// BaseImageLoader provides common functionality for all image loaders
type BaseImageLoader struct {
	SupportedFormats []FormatType
}

// CanLoad checks if this loader supports the file's format
func (l *BaseImageLoader) CanLoad(path string) bool {
	format := GetFileFormat(path)
	for _, supported := range l.SupportedFormats {
		if format == supported {
			return fileExists(path)
		}
	}
	return false
}

// DefaultLoadImage reads path as grayscale
func (l *BaseImageLoader) DefaultLoadImage(path string) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if img.Empty() {
		img.Close()
		return gocv.NewMat(), newImageLoadError("failed to load image", path)
	}
	return img, nil
}

// StandardImageLoader handles JPEG, PNG, BMP and WebP
type StandardImageLoader struct {
	BaseImageLoader
}

// NewStandardImageLoader creates a new loader for standard image formats
func NewStandardImageLoader() *StandardImageLoader {
	return &StandardImageLoader{
		BaseImageLoader: BaseImageLoader{
			SupportedFormats: []FormatType{FormatJPEG, FormatPNG, FormatBMP, FormatWEBP},
		},
	}
}

// LoadImage loads a standard image format
func (l *StandardImageLoader) LoadImage(path string) (gocv.Mat, error) {
	return l.DefaultLoadImage(path)
}

// TiffImageLoader handles TIFF, including 16-bit and multi-channel files
// that the grayscale reader rejects.
type TiffImageLoader struct {
	BaseImageLoader
}

// NewTiffImageLoader creates a new TIFF image loader
func NewTiffImageLoader() *TiffImageLoader {
	return &TiffImageLoader{
		BaseImageLoader: BaseImageLoader{
			SupportedFormats: []FormatType{FormatTIFF},
		},
	}
}

// LoadImage implements specialized loading for TIFF images
func (l *TiffImageLoader) LoadImage(path string) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if !img.Empty() {
		return img, nil
	}
	img.Close()

	raw := gocv.IMRead(path, gocv.IMReadUnchanged)
	defer raw.Close()
	if raw.Empty() {
		return gocv.NewMat(), newImageLoadError("failed to load TIFF image", path)
	}

	gray := gocv.NewMat()
	if raw.Channels() > 1 {
		gocv.CvtColor(raw, &gray, gocv.ColorBGRToGray)
	} else {
		raw.CopyTo(&gray)
	}
	if gray.Type() == gocv.MatTypeCV8UC1 {
		return gray, nil
	}
	defer gray.Close()

	out := gocv.NewMat()
	gray.ConvertToWithParams(&out, gocv.MatTypeCV8U, 1.0/256, 0)
	return out, nil
}

// downscale resizes img in place so that its longer side is at most maxSide.
func downscale(img *gocv.Mat, maxSide int) {
	if maxSide <= 0 {
		return
	}
	w, h := img.Cols(), img.Rows()
	longer := max(w, h)
	if longer <= maxSide {
		return
	}
	scale := float64(maxSide) / float64(longer)
	size := image.Point{X: max(1, int(float64(w)*scale)), Y: max(1, int(float64(h)*scale))}

	resized := gocv.NewMat()
	gocv.Resize(*img, &resized, size, 0, 0, gocv.InterpolationArea)
	img.Close()
	*img = resized
}

// fileExists checks if a file exists and is accessible
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// newImageLoadError creates a standardized error for image loading failures
func newImageLoadError(message, path string) error {
	return fmt.Errorf("%s: %s", message, path)
}
