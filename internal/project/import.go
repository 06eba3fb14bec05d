package project

import (
	"fmt"
	"path/filepath"
	"strings"

	"montage/internal/fsutil"
	"montage/internal/geom"
)

// ImportOptions lays imported images out on a grid.
type ImportOptions struct {
	// Columns per grid row; zero puts every image in one row.
	Columns int
	// Overlap is the expected fraction shared by neighbouring tiles.
	Overlap float64
	// Stack imports the images as slices of one stack, all at the origin.
	Stack string
}

// ImportDirectory builds a one-layer project with a patch per image file
// under dir. The project is not saved.
func ImportDirectory(dir, projectPath string, opt ImportOptions) (*Project, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %v", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	if opt.Overlap < 0 || opt.Overlap >= 1 {
		return nil, fmt.Errorf("overlap must be in [0,1), got %v", opt.Overlap)
	}
	cols := opt.Columns
	if cols <= 0 {
		cols = len(files)
	}

	p := New(projectPath)
	layer := NewLayer("layer-0", 0)
	seen := make(map[string]int)
	for i, path := range files {
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if n := seen[id]; n > 0 {
			seen[id]++
			id = fmt.Sprintf("%s-%d", id, n)
		} else {
			seen[id] = 1
		}

		w, h, err := imageSize(path)
		if err != nil {
			return nil, err
		}
		var at geom.Affine
		if opt.Stack != "" {
			at = geom.Identity()
		} else {
			col, row := i%cols, i/cols
			at = geom.Translation(
				float64(col)*float64(w)*(1-opt.Overlap),
				float64(row)*float64(h)*(1-opt.Overlap),
			)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		layer.Add(&Patch{
			id:      id,
			path:    abs,
			width:   w,
			height:  h,
			aff:     at,
			visible: true,
			stack:   opt.Stack,
		})
	}
	p.Layers = append(p.Layers, layer)
	return p, nil
}
