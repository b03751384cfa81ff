package imageprocessor

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// ImageLoaderRegistry maintains a registry of image loaders
type ImageLoaderRegistry struct {
	loaders       map[string]ImageLoader
	defaultLoader ImageLoader
	mutex         sync.RWMutex
}

// NewImageLoaderRegistry creates a registry with the standard and TIFF
// loaders registered.
func NewImageLoaderRegistry() *ImageLoaderRegistry {
	registry := &ImageLoaderRegistry{
		loaders: make(map[string]ImageLoader),
	}

	standardLoader := NewStandardImageLoader()
	tiffLoader := NewTiffImageLoader()
	for ext, format := range formatExtensions {
		if format == FormatTIFF {
			registry.RegisterLoader(ext, tiffLoader)
		} else {
			registry.RegisterLoader(ext, standardLoader)
		}
	}

	registry.defaultLoader = standardLoader
	return registry
}

// RegisterLoader registers a new loader for a specific file extension
func (r *ImageLoaderRegistry) RegisterLoader(ext string, loader ImageLoader) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.loaders[strings.ToLower(ext)] = loader
}

// GetLoader returns the appropriate loader for the given path
func (r *ImageLoaderRegistry) GetLoader(path string) ImageLoader {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ext := strings.ToLower(filepath.Ext(path))
	if loader, ok := r.loaders[ext]; ok {
		return loader
	}
	return r.defaultLoader
}

// LoadImage loads path as grayscale and downscales it to maxSide when
// maxSide > 0.
func (r *ImageLoaderRegistry) LoadImage(path string, maxSide int) (gocv.Mat, error) {
	if GetFileFormat(path) == FormatUnknown {
		return gocv.NewMat(), fmt.Errorf("unsupported image format: %s", path)
	}
	loader := r.GetLoader(path)
	if loader == nil || !loader.CanLoad(path) {
		return gocv.NewMat(), fmt.Errorf("no suitable loader found for: %s", path)
	}
	img, err := loader.LoadImage(path)
	if err != nil {
		return img, err
	}
	downscale(&img, maxSide)
	return img, nil
}
