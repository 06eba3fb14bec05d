package project

import (
	"fmt"
	"image"
	"math"
	"sync"

	"montage/internal/align"
	"montage/internal/geom"

	"golang.org/x/image/draw"
)

// Layer is one section of the project. Patch order is drawing order.
type Layer struct {
	id       string
	z        float64
	patches  []*Patch
	overlays []*Overlay
}

// NewLayer returns an empty layer.
func NewLayer(id string, z float64) *Layer {
	return &Layer{id: id, z: z}
}

func (l *Layer) ID() string { return l.id }
func (l *Layer) Z() float64 { return l.z }

// Add appends a patch on top of the layer.
func (l *Layer) Add(p *Patch) { l.patches = append(l.patches, p) }

// AddOverlay appends an overlay.
func (l *Layer) AddOverlay(o *Overlay) { l.overlays = append(l.overlays, o) }

// Patches lists the patches that have not been removed.
func (l *Layer) Patches() []align.Patch {
	var out []align.Patch
	for _, p := range l.patches {
		if !p.Removed() {
			out = append(out, p)
		}
	}
	return out
}

// All lists every patch including removed ones.
func (l *Layer) All() []*Patch {
	return append([]*Patch(nil), l.patches...)
}

func (l *Layer) Overlays() []align.Overlay {
	out := make([]align.Overlay, len(l.overlays))
	for i, o := range l.overlays {
		out[i] = o
	}
	return out
}

// FlatImage renders patches into the world box at scale using
// nearest-neighbour sampling of each patch's affine placement.
func (l *Layer) FlatImage(box geom.Rect, scale float64, patches []align.Patch) (*image.Gray, error) {
	if scale <= 0 || box.Empty() {
		return nil, fmt.Errorf("invalid render box %+v at scale %v", box, scale)
	}
	w := int(math.Ceil(box.Width * scale))
	h := int(math.Ceil(box.Height * scale))
	// Empty canvas stays black.
	dst := image.NewGray(image.Rect(0, 0, w, h))

	toCanvas := geom.Scale(scale, scale).Compose(geom.Translation(-box.X, -box.Y))
	for _, p := range patches {
		img, err := p.Image()
		if err != nil {
			return nil, fmt.Errorf("failed to load patch %s: %v", p.ID(), err)
		}
		m := toCanvas.Compose(p.Affine())
		draw.NearestNeighbor.Transform(dst, m.Aff3(), img, img.Bounds(), draw.Src, nil)
	}
	return dst, nil
}

// Overlay is a polyline in world coordinates drawn over a layer.
type Overlay struct {
	mu     sync.Mutex
	id     string
	points []geom.Point
}

// NewOverlay copies points into a new overlay.
func NewOverlay(id string, points []geom.Point) *Overlay {
	return &Overlay{id: id, points: append([]geom.Point(nil), points...)}
}

func (o *Overlay) ID() string { return o.id }

func (o *Overlay) Points() []geom.Point {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]geom.Point(nil), o.points...)
}

func (o *Overlay) Bounds() geom.Rect {
	return geom.BoundingBox(o.Points()...)
}

func (o *Overlay) Transform(fn func(geom.Point) geom.Point) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, p := range o.points {
		o.points[i] = fn(p)
	}
}
