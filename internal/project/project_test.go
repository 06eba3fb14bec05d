package project

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"montage/internal/align"
	"montage/internal/feature/featuretest"
	"montage/internal/geom"
	"montage/internal/model"
	"montage/internal/transform"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestImportDirectoryLaysOutGrid(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writePNG(t, filepath.Join(dir, name), image.NewGray(image.Rect(0, 0, 40, 20)))
	}

	p, err := ImportDirectory(dir, filepath.Join(dir, "project.json"), ImportOptions{Columns: 2, Overlap: 0.25})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(p.Layers) != 1 || len(p.Layers[0].Patches()) != 3 {
		t.Fatalf("expected one layer of three patches")
	}
	want := []geom.Point{{X: 0, Y: 0}, {X: 30, Y: 0}, {X: 0, Y: 15}}
	for i, patch := range p.Layers[0].All() {
		if got := patch.Affine().Apply(geom.Point{}); got != want[i] {
			t.Fatalf("patch %s at %+v, expected %+v", patch.ID(), got, want[i])
		}
		if patch.Width() != 40 || patch.Height() != 20 {
			t.Fatalf("unexpected size %dx%d", patch.Width(), patch.Height())
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "tile.png")
	writePNG(t, imgPath, image.NewGray(image.Rect(0, 0, 8, 6)))

	p, err := ImportDirectory(dir, filepath.Join(dir, "out", "project.json"), ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	patch := p.Layers[0].All()[0]
	patch.SetAffine(geom.Affine{A: 1, B: 0.1, TX: 3, C: -0.1, D: 1, TY: 4})
	patch.SetLocked(true)
	patch.AppendCoordinateTransform(transform.Affine{M: geom.Translation(1, 2)})
	p.Layers[0].AddOverlay(NewOverlay("roi", []geom.Point{{X: 1, Y: 1}, {X: 5, Y: 2}}))
	if err := p.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	back, err := Load(p.Path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, _, ok := back.Patch("tile")
	if !ok {
		t.Fatalf("patch missing after load")
	}
	if got.Affine() != patch.Affine() || !got.Locked() || got.Path() != imgPath {
		t.Fatalf("patch not restored: %+v", got)
	}
	if pt := got.ToWorld(geom.Point{}); pt.Distance(patch.ToWorld(geom.Point{})) > 1e-12 {
		t.Fatalf("appended transform lost: %+v", pt)
	}
	if pts := back.Layers[0].overlays[0].Points(); len(pts) != 2 || pts[1] != geom.Pt(5, 2) {
		t.Fatalf("overlay not restored: %+v", pts)
	}
	img, err := got.Image()
	if err != nil || img.Bounds().Dx() != 8 {
		t.Fatalf("image not decodable after load: %v", err)
	}
}

func TestFlatImagePlacesPatches(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	src.SetGray(1, 1, color.Gray{Y: 255})
	layer := NewLayer("z", 0)
	layer.Add(NewPatch("p", src, geom.Translation(10, 5)))

	out, err := layer.FlatImage(geom.NewRect(0, 0, 20, 20), 1, layer.Patches())
	if err != nil {
		t.Fatalf("flat image: %v", err)
	}
	if out.GrayAt(11, 6).Y != 255 {
		t.Fatalf("expected the bright pixel at (11,6)")
	}
	if out.GrayAt(0, 0).Y != 0 {
		t.Fatalf("expected empty canvas to stay black")
	}
}

func TestRemovedPatchesLeaveTheLayer(t *testing.T) {
	layer := NewLayer("z", 0)
	a := NewPatch("a", image.NewGray(image.Rect(0, 0, 2, 2)), geom.Identity())
	b := NewPatch("b", image.NewGray(image.Rect(0, 0, 2, 2)), geom.Identity())
	layer.Add(a)
	layer.Add(b)
	a.Remove()
	if ps := layer.Patches(); len(ps) != 1 || ps[0].ID() != "b" {
		t.Fatalf("removed patch still listed")
	}
	if a.Visible() {
		t.Fatalf("removed patch must not be visible")
	}
}

func TestEngineAlignsProjectPatches(t *testing.T) {
	world := featuretest.NewWorld(200, 200, 11)
	layer := NewLayer("z", 0)
	layer.Add(NewPatch("left", world.Crop(0, 0, 100, 100), geom.Identity()))
	layer.Add(NewPatch("right", world.Crop(55, 5, 100, 100), geom.Translation(50, 0)))

	p := align.DefaultParams()
	p.ExpectedModel = model.Translation
	p.DesiredModel = model.Translation
	e := align.New(featuretest.Extractor{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := e.AlignPatches(context.Background(), layer.Patches(), nil, p, align.Options{TilesAreInPlace: true}); err != nil {
		t.Fatalf("align: %v", err)
	}
	right := layer.All()[1]
	if d := right.Affine().Apply(geom.Point{}).Distance(geom.Pt(55, 5)); d > 1 {
		t.Fatalf("right patch at %+v", right.Affine().Apply(geom.Point{}))
	}
}
