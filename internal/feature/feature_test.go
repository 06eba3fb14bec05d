package feature_test

import (
	"context"
	"image"
	"testing"

	"montage/internal/feature"
	"montage/internal/feature/featuretest"
	"montage/internal/geom"
)

func TestMatchFindsTranslatedLandmarks(t *testing.T) {
	world := featuretest.NewWorld(200, 200, 7)
	a := world.Crop(0, 0, 120, 120)
	b := world.Crop(40, 30, 120, 120)

	ctx := context.Background()
	var ex featuretest.Extractor
	fa, err := ex.Extract(ctx, a, feature.DefaultParams())
	if err != nil {
		t.Fatalf("extract a: %v", err)
	}
	fb, err := ex.Extract(ctx, b, feature.DefaultParams())
	if err != nil {
		t.Fatalf("extract b: %v", err)
	}

	matches := feature.Match(fa, fb, 0.92)
	correct := 0
	for _, m := range matches {
		if m.Target == m.Source.Sub(geom.Pt(40, 30)) {
			correct++
		}
	}
	if correct < 50 {
		t.Fatalf("expected at least 50 correct matches, got %d of %d", correct, len(matches))
	}
	if float64(correct) < 0.9*float64(len(matches)) {
		t.Fatalf("too many wrong matches: %d correct of %d", correct, len(matches))
	}
}

func TestMatchDropsAmbiguousTargets(t *testing.T) {
	a := []feature.Feature{
		{Location: geom.Pt(0, 0), Descriptor: []float32{10, 10}},
		{Location: geom.Pt(1, 0), Descriptor: []float32{10, 11}},
	}
	b := []feature.Feature{
		{Location: geom.Pt(5, 5), Descriptor: []float32{10, 10.5}},
		{Location: geom.Pt(6, 6), Descriptor: []float32{90, 90}},
	}
	if got := feature.Match(a, b, 0.92); len(got) != 0 {
		t.Fatalf("expected ambiguous target to be dropped, got %+v", got)
	}
}

func TestMatchNeedsTwoCandidates(t *testing.T) {
	a := []feature.Feature{{Descriptor: []float32{1}}}
	if got := feature.Match(a, a, 0.92); got != nil {
		t.Fatalf("expected no matches against a single feature, got %+v", got)
	}
}

type recordingExtractor struct {
	size image.Rectangle
}

func (r *recordingExtractor) Extract(_ context.Context, img *image.Gray, _ feature.Params) ([]feature.Feature, error) {
	r.size = img.Bounds()
	return []feature.Feature{{Location: geom.Pt(10, 20), Scale: 2}}, nil
}

func TestExtractScaledMapsLocationsBack(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 400, 200))
	rec := &recordingExtractor{}
	feats, err := feature.ExtractScaled(context.Background(), rec, img, feature.Params{MaxOctaveSize: 100})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if rec.size.Dx() != 100 || rec.size.Dy() != 50 {
		t.Fatalf("expected 100x50 extraction image, got %v", rec.size)
	}
	if len(feats) != 1 || feats[0].Location != geom.Pt(40, 80) || feats[0].Scale != 8 {
		t.Fatalf("unexpected mapped features %+v", feats)
	}
}

func TestExtractScaledSkipsTinyImages(t *testing.T) {
	rec := &recordingExtractor{}
	feats, err := feature.ExtractScaled(context.Background(), rec, image.NewGray(image.Rect(0, 0, 30, 30)), feature.DefaultParams())
	if err != nil || feats != nil {
		t.Fatalf("expected no features and no error, got %v, %v", feats, err)
	}
}
