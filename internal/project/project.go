// Package project is the on-disk host for alignment: a JSON document listing
// layers of placed image patches and their overlays. Its types implement the
// interfaces the align engine works against.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"montage/internal/align"
	"montage/internal/geom"
	"montage/internal/transform"
)

const fileVersion = 1

type fileDoc struct {
	Version int         `json:"version"`
	Layers  []layerFile `json:"layers"`
}

type layerFile struct {
	ID       string        `json:"id"`
	Z        float64       `json:"z"`
	Patches  []patchFile   `json:"patches"`
	Overlays []overlayFile `json:"overlays,omitempty"`
}

type patchFile struct {
	ID         string           `json:"id"`
	Image      string           `json:"image"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Affine     [6]float64       `json:"affine"`
	Locked     bool             `json:"locked,omitempty"`
	Visible    bool             `json:"visible"`
	Removed    bool             `json:"removed,omitempty"`
	Stack      string           `json:"stack,omitempty"`
	Transforms []transform.Spec `json:"transforms,omitempty"`
}

type overlayFile struct {
	ID     string       `json:"id"`
	Points []geom.Point `json:"points"`
}

// Project is a loaded document.
type Project struct {
	Path   string
	Layers []*Layer
}

// New returns an empty project that will be saved to path.
func New(path string) *Project {
	return &Project{Path: path}
}

// Load reads a project file. Relative image paths resolve against the
// file's directory.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %v", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse project %s: %v", path, err)
	}
	if doc.Version > fileVersion {
		return nil, fmt.Errorf("project %s has version %d, newest supported is %d", path, doc.Version, fileVersion)
	}

	dir := filepath.Dir(path)
	p := &Project{Path: path}
	for _, lf := range doc.Layers {
		layer := NewLayer(lf.ID, lf.Z)
		for _, pf := range lf.Patches {
			img := pf.Image
			if img != "" && !filepath.IsAbs(img) {
				img = filepath.Join(dir, img)
			}
			patch := &Patch{
				id:      pf.ID,
				path:    img,
				width:   pf.Width,
				height:  pf.Height,
				aff:     geom.FromArray(pf.Affine),
				locked:  pf.Locked,
				visible: pf.Visible,
				removed: pf.Removed,
				stack:   pf.Stack,
			}
			for _, spec := range pf.Transforms {
				ct, err := transform.FromSpec(spec)
				if err != nil {
					return nil, fmt.Errorf("patch %s: %w", pf.ID, err)
				}
				patch.cts = append(patch.cts, ct)
			}
			layer.Add(patch)
		}
		for _, of := range lf.Overlays {
			layer.AddOverlay(NewOverlay(of.ID, of.Points))
		}
		p.Layers = append(p.Layers, layer)
	}
	return p, nil
}

// Save writes the project to p.Path, replacing the file atomically.
func (p *Project) Save() error {
	dir := filepath.Dir(p.Path)
	doc := fileDoc{Version: fileVersion}
	for _, l := range p.Layers {
		lf := layerFile{ID: l.id, Z: l.z}
		for _, patch := range l.patches {
			visible, removed := patch.flags()
			pf := patchFile{
				ID:      patch.id,
				Image:   relativeTo(dir, patch.path),
				Width:   patch.width,
				Height:  patch.height,
				Affine:  patch.Affine().Array(),
				Locked:  patch.locked,
				Visible: visible,
				Removed: removed,
				Stack:   patch.stack,
			}
			for _, ct := range patch.CoordinateTransforms() {
				spec, err := transform.ToSpec(ct)
				if err != nil {
					return fmt.Errorf("patch %s: %w", patch.id, err)
				}
				pf.Transforms = append(pf.Transforms, spec)
			}
			lf.Patches = append(lf.Patches, pf)
		}
		for _, o := range l.overlays {
			lf.Overlays = append(lf.Overlays, overlayFile{ID: o.id, Points: o.Points()})
		}
		doc.Layers = append(doc.Layers, lf)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode project: %v", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %v", err)
	}
	tmp, err := os.CreateTemp(dir, ".montage-*.json")
	if err != nil {
		return fmt.Errorf("failed to write project: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write project: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write project: %v", err)
	}
	return os.Rename(tmp.Name(), p.Path)
}

func relativeTo(dir, path string) string {
	if path == "" {
		return ""
	}
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel
	}
	return path
}

// Layer finds a layer by id.
func (p *Project) Layer(id string) (*Layer, bool) {
	for _, l := range p.Layers {
		if l.id == id {
			return l, true
		}
	}
	return nil, false
}

// Patch finds a patch and its layer by patch id.
func (p *Project) Patch(id string) (*Patch, *Layer, bool) {
	for _, l := range p.Layers {
		for _, patch := range l.patches {
			if patch.id == id {
				return patch, l, true
			}
		}
	}
	return nil, nil, false
}

// Stack returns the patches of the named stack in layer order.
func (p *Project) Stack(name string) []*Patch {
	var out []*Patch
	for _, l := range p.Layers {
		for _, patch := range l.patches {
			if patch.stack == name && !patch.Removed() {
				out = append(out, patch)
			}
		}
	}
	return out
}

// AlignLayers exposes the layers to the engine.
func (p *Project) AlignLayers() []align.Layer {
	out := make([]align.Layer, len(p.Layers))
	for i, l := range p.Layers {
		out[i] = l
	}
	return out
}

// OverlayLayers exposes the layers with their overlays.
func (p *Project) OverlayLayers() []align.OverlayLayer {
	out := make([]align.OverlayLayer, len(p.Layers))
	for i, l := range p.Layers {
		out[i] = l
	}
	return out
}

// Placement is the resulting transform of one patch.
type Placement struct {
	LayerID    string
	PatchID    string
	Affine     [6]float64
	Visible    bool
	Removed    bool
	Transforms int
}

// Placements lists every patch's placement in layer order.
func (p *Project) Placements() []Placement {
	var out []Placement
	for _, l := range p.Layers {
		for _, patch := range l.patches {
			out = append(out, Placement{
				LayerID:    l.id,
				PatchID:    patch.id,
				Affine:     patch.Affine().Array(),
				Visible:    patch.Visible(),
				Removed:    patch.Removed(),
				Transforms: len(patch.CoordinateTransforms()),
			})
		}
	}
	return out
}
