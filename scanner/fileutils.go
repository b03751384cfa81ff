package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"scenefinder/types"
)

// IsImageFile checks if a file extension belongs to an image file the
// extractor can decode
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".bmp", ".webp":
		return true
	case ".tif", ".tiff":
		return true
	default:
		return false
	}
}

// ListImages returns the IDs of the supported images under folder, sorted.
// An ID is the slash-separated path relative to folder. Subdirectories are
// only descended when recursive is set. When maxImages > 0 only the first
// maxImages IDs are kept.
func ListImages(folder string, recursive bool, maxImages int) ([]types.ImageID, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("cannot access image folder %s: %w", folder, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", folder)
	}

	var ids []types.ImageID
	if recursive {
		err = filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsImageFile(path) {
				return nil
			}
			rel, err := filepath.Rel(folder, path)
			if err != nil {
				return err
			}
			ids = append(ids, types.ImageID(filepath.ToSlash(rel)))
			return nil
		})
	} else {
		var entries []os.DirEntry
		entries, err = os.ReadDir(folder)
		for _, e := range entries {
			if !e.IsDir() && IsImageFile(e.Name()) {
				ids = append(ids, types.ImageID(e.Name()))
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", folder, err)
	}

	types.SortIDs(ids)
	if maxImages > 0 && len(ids) > maxImages {
		ids = ids[:maxImages]
	}
	return ids, nil
}

// ImagePath returns the file path of id under folder.
func ImagePath(folder string, id types.ImageID) string {
	return filepath.Join(folder, filepath.FromSlash(string(id)))
}
