package align

import (
	"image"

	"montage/internal/geom"
	"montage/internal/transform"
)

// Patch is one image placed in a layer. Affine maps patch pixels to the
// layer's world frame.
type Patch interface {
	ID() string
	Width() int
	Height() int
	Affine() geom.Affine
	SetAffine(geom.Affine)
	// PreConcatenate replaces the placement with b applied after it.
	PreConcatenate(b geom.Affine)
	BoundingBox() geom.Rect
	Visible() bool
	SetVisible(bool)
	Locked() bool
	Remove()
	Image() (*image.Gray, error)
	AppendCoordinateTransform(transform.CoordinateTransform)
}

// Layer is an ordered stack of patches; later patches are drawn on top.
type Layer interface {
	ID() string
	Patches() []Patch
	// FlatImage renders patches into the world box at the given scale.
	FlatImage(box geom.Rect, scale float64, patches []Patch) (*image.Gray, error)
}

// OverlayLayer is a layer that also carries vector overlays.
type OverlayLayer interface {
	Layer
	Overlays() []Overlay
}

// Overlay is vector data drawn in world coordinates on top of a layer.
type Overlay interface {
	ID() string
	Bounds() geom.Rect
	Transform(fn func(geom.Point) geom.Point)
}

func visiblePatches(l Layer) []Patch {
	var out []Patch
	for _, p := range l.Patches() {
		if p.Visible() {
			out = append(out, p)
		}
	}
	return out
}

func patchBounds(ps []Patch) geom.Rect {
	var box geom.Rect
	for i, p := range ps {
		if i == 0 {
			box = p.BoundingBox()
			continue
		}
		box = box.Union(p.BoundingBox())
	}
	return box
}
