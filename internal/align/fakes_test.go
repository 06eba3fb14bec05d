package align

import (
	"image"
	"io"
	"log/slog"
	"math"
	"sync"

	"montage/internal/feature/featuretest"
	"montage/internal/geom"
	"montage/internal/model"
	"montage/internal/transform"
)

type fakePatch struct {
	mu      sync.Mutex
	id      string
	img     *image.Gray
	aff     geom.Affine
	visible bool
	locked  bool
	removed bool
	cts     []transform.CoordinateTransform
}

func newFakePatch(id string, img *image.Gray, x, y float64) *fakePatch {
	return &fakePatch{id: id, img: img, aff: geom.Translation(x, y), visible: true}
}

func (p *fakePatch) ID() string  { return p.id }
func (p *fakePatch) Width() int  { return p.img.Bounds().Dx() }
func (p *fakePatch) Height() int { return p.img.Bounds().Dy() }

func (p *fakePatch) Affine() geom.Affine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aff
}

func (p *fakePatch) SetAffine(a geom.Affine) {
	p.mu.Lock()
	p.aff = a
	p.mu.Unlock()
}

func (p *fakePatch) PreConcatenate(b geom.Affine) {
	p.mu.Lock()
	p.aff = b.Compose(p.aff)
	p.mu.Unlock()
}

func (p *fakePatch) BoundingBox() geom.Rect {
	return p.Affine().BoundingBox(geom.NewRect(0, 0, float64(p.Width()), float64(p.Height())))
}

func (p *fakePatch) Visible() bool     { return p.visible }
func (p *fakePatch) SetVisible(v bool) { p.visible = v }
func (p *fakePatch) Locked() bool      { return p.locked }
func (p *fakePatch) Remove()           { p.removed = true }

func (p *fakePatch) Image() (*image.Gray, error) { return p.img, nil }

func (p *fakePatch) AppendCoordinateTransform(ct transform.CoordinateTransform) {
	p.mu.Lock()
	p.cts = append(p.cts, ct)
	p.mu.Unlock()
}

func (p *fakePatch) origin() geom.Point {
	return p.Affine().Apply(geom.Pt(0, 0))
}

type fakeOverlay struct {
	id     string
	points []geom.Point
}

func (o *fakeOverlay) ID() string { return o.id }

func (o *fakeOverlay) Bounds() geom.Rect { return geom.BoundingBox(o.points...) }

func (o *fakeOverlay) Transform(fn func(geom.Point) geom.Point) {
	for i, p := range o.points {
		o.points[i] = fn(p)
	}
}

type fakeLayer struct {
	id       string
	patches  []*fakePatch
	overlays []*fakeOverlay
}

func (l *fakeLayer) ID() string { return l.id }

func (l *fakeLayer) Patches() []Patch {
	out := make([]Patch, len(l.patches))
	for i, p := range l.patches {
		out[i] = p
	}
	return out
}

func (l *fakeLayer) Overlays() []Overlay {
	out := make([]Overlay, len(l.overlays))
	for i, o := range l.overlays {
		out[i] = o
	}
	return out
}

// FlatImage composites patches with nearest-neighbour sampling; later
// patches cover earlier ones.
func (l *fakeLayer) FlatImage(box geom.Rect, scale float64, patches []Patch) (*image.Gray, error) {
	w := int(math.Ceil(box.Width * scale))
	h := int(math.Ceil(box.Height * scale))
	out := image.NewGray(image.Rect(0, 0, w, h))
	for i := range out.Pix {
		out.Pix[i] = featuretest.Background
	}

	type src struct {
		img *image.Gray
		inv geom.Affine
	}
	var srcs []src
	for _, p := range patches {
		inv, err := p.Affine().Inverse()
		if err != nil {
			return nil, err
		}
		img, _ := p.Image()
		srcs = append(srcs, src{img: img, inv: inv})
	}

	for v := 0; v < h; v++ {
		for u := 0; u < w; u++ {
			world := geom.Pt(box.X+float64(u)/scale, box.Y+float64(v)/scale)
			for i := len(srcs) - 1; i >= 0; i-- {
				local := srcs[i].inv.Apply(world)
				pt := image.Pt(int(math.Floor(local.X+0.5)), int(math.Floor(local.Y+0.5)))
				if pt.In(srcs[i].img.Bounds()) {
					out.Pix[v*out.Stride+u] = srcs[i].img.GrayAt(pt.X, pt.Y).Y
					break
				}
			}
		}
	}
	return out, nil
}

func layerOf(id string, ps ...*fakePatch) *fakeLayer {
	return &fakeLayer{id: id, patches: ps}
}

func quietEngine() *Engine {
	e := New(featuretest.Extractor{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.SetWorkers(4)
	return e
}

func translationParams() Params {
	p := DefaultParams()
	p.ExpectedModel = model.Translation
	p.DesiredModel = model.Translation
	return p
}

func blank(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = featuretest.Background
	}
	return img
}
