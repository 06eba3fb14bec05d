package project

import (
	"image"
	"sync"

	"montage/internal/geom"
	"montage/internal/transform"
)

// Patch is an image placed in a layer. Its pixels are loaded on first use
// and kept in memory.
type Patch struct {
	mu      sync.Mutex
	id      string
	path    string
	width   int
	height  int
	aff     geom.Affine
	locked  bool
	visible bool
	removed bool
	stack   string
	cts     []transform.CoordinateTransform
	img     *image.Gray
}

// NewPatch places an in-memory image at a.
func NewPatch(id string, img *image.Gray, a geom.Affine) *Patch {
	b := img.Bounds()
	return &Patch{id: id, width: b.Dx(), height: b.Dy(), aff: a, visible: true, img: img}
}

func (p *Patch) ID() string   { return p.id }
func (p *Patch) Path() string { return p.path }
func (p *Patch) Width() int   { return p.width }
func (p *Patch) Height() int  { return p.height }

func (p *Patch) Affine() geom.Affine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aff
}

func (p *Patch) SetAffine(a geom.Affine) {
	p.mu.Lock()
	p.aff = a
	p.mu.Unlock()
}

// PreConcatenate applies b after the current placement.
func (p *Patch) PreConcatenate(b geom.Affine) {
	p.mu.Lock()
	p.aff = b.Compose(p.aff)
	p.mu.Unlock()
}

func (p *Patch) BoundingBox() geom.Rect {
	return p.Affine().BoundingBox(geom.NewRect(0, 0, float64(p.width), float64(p.height)))
}

func (p *Patch) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible && !p.removed
}

func (p *Patch) SetVisible(v bool) {
	p.mu.Lock()
	p.visible = v
	p.mu.Unlock()
}

func (p *Patch) Locked() bool { return p.locked }

// SetLocked pins the patch during montages.
func (p *Patch) SetLocked(v bool) { p.locked = v }

// Remove drops the patch from its layer.
func (p *Patch) Remove() {
	p.mu.Lock()
	p.removed = true
	p.mu.Unlock()
}

// Removed reports whether Remove was called.
func (p *Patch) Removed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}

func (p *Patch) flags() (visible, removed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible, p.removed
}

// Stack names the image stack the patch is a slice of, if any.
func (p *Patch) Stack() string { return p.stack }

// Image returns the patch pixels as 8-bit gray.
func (p *Patch) Image() (*image.Gray, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.img != nil {
		return p.img, nil
	}
	img, err := decodeGray(p.path)
	if err != nil {
		return nil, err
	}
	p.img = img
	return img, nil
}

func (p *Patch) AppendCoordinateTransform(ct transform.CoordinateTransform) {
	p.mu.Lock()
	p.cts = append(p.cts, ct)
	p.mu.Unlock()
}

// CoordinateTransforms lists the appended transforms in order.
func (p *Patch) CoordinateTransforms() []transform.CoordinateTransform {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transform.CoordinateTransform(nil), p.cts...)
}

// ToWorld maps a patch pixel through the appended transforms and the placement.
func (p *Patch) ToWorld(pt geom.Point) geom.Point {
	for _, ct := range p.CoordinateTransforms() {
		pt = ct.Apply(pt)
	}
	return p.Affine().Apply(pt)
}
