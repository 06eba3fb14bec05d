package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// nativeExts decode with the Go image packages.
var nativeExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
}

// magickExts need ImageMagick (and its delegates) to decode.
var magickExts = map[string]struct{}{
	".bmp":  {},
	".webp": {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".pef":  {},
	".raf":  {},
	".srw":  {},
	".x3f":  {},
}

// ListImages returns all image-like files under root in lexical order.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// NeedsMagick reports whether path can only be decoded through ImageMagick.
func NeedsMagick(path string) bool {
	_, ok := magickExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := nativeExts[ext]; ok {
		return true
	}
	_, ok := magickExts[ext]
	return ok
}
