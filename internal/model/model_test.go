package model

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"montage/internal/geom"
)

func gridMatches(a geom.Affine, n int) []PointMatch {
	var out []PointMatch
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			src := geom.Pt(float64(i)*13.5+2, float64(j)*9.25-4)
			out = append(out, PointMatch{Source: src, Target: a.Apply(src)})
		}
	}
	return out
}

func affineClose(a, b geom.Affine, tol float64) bool {
	x, y := a.Array(), b.Array()
	for i := range x {
		if math.Abs(x[i]-y[i]) > tol {
			return false
		}
	}
	return true
}

func TestFitRecoversEachFamily(t *testing.T) {
	cases := []struct {
		typ  Type
		want geom.Affine
	}{
		{Translation, geom.Translation(4.5, -3)},
		{Rigid, geom.Translation(10, 20).Compose(geom.Rotation(0.4))},
		{Similarity, geom.Translation(-7, 2).Compose(geom.Rotation(-0.2)).Compose(geom.Scale(1.3, 1.3))},
		{Affine, geom.Affine{A: 1.1, B: 0.2, TX: 5, C: -0.15, D: 0.9, TY: -8}},
	}
	for _, tc := range cases {
		t.Run(tc.typ.String(), func(t *testing.T) {
			m := New(tc.typ)
			if err := m.Fit(gridMatches(tc.want, 4)); err != nil {
				t.Fatalf("fit failed: %v", err)
			}
			if !affineClose(m.Affine(), tc.want, 1e-9) {
				t.Fatalf("expected %+v, got %+v", tc.want, m.Affine())
			}
		})
	}
}

func TestFitRejectsTooFewAndDegenerate(t *testing.T) {
	m := New(Affine)
	two := gridMatches(geom.Identity(), 1)
	if err := m.Fit(two); !errors.Is(err, ErrNotEnoughDataPoints) {
		t.Fatalf("expected ErrNotEnoughDataPoints, got %v", err)
	}
	collinear := []PointMatch{
		{Source: geom.Pt(0, 0), Target: geom.Pt(1, 1)},
		{Source: geom.Pt(1, 1), Target: geom.Pt(2, 2)},
		{Source: geom.Pt(2, 2), Target: geom.Pt(3, 3)},
	}
	if err := m.Fit(collinear); !errors.Is(err, ErrIllDefinedData) {
		t.Fatalf("expected ErrIllDefinedData, got %v", err)
	}
	if m.Affine() != geom.Identity() {
		t.Fatalf("failed fit must leave the model unchanged")
	}
}

func TestWeightedTranslationFavoursHeavyMatches(t *testing.T) {
	m := New(Translation)
	err := m.Fit([]PointMatch{
		{Source: geom.Pt(0, 0), Target: geom.Pt(10, 0), Weight: 3},
		{Source: geom.Pt(0, 0), Target: geom.Pt(2, 0), Weight: 1},
	})
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if got := m.Affine().TX; math.Abs(got-8) > 1e-12 {
		t.Fatalf("expected tx 8, got %v", got)
	}
}

func TestRansacRecoversNoiseFreeAffine(t *testing.T) {
	want := geom.Affine{A: 0.97, B: -0.12, TX: 33, C: 0.1, D: 1.02, TY: -15}
	candidates := gridMatches(want, 6)

	m := New(Affine)
	inliers, err := FilterRansac(m, candidates, RansacParams{
		Iterations:     1000,
		MaxEpsilon:     25,
		MinInlierRatio: 0.05,
		MinNumInliers:  9,
		MaxTrust:       4,
	}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("ransac failed: %v", err)
	}
	if len(inliers) != len(candidates) {
		t.Fatalf("expected 100%% inliers, got %d of %d", len(inliers), len(candidates))
	}
	if !affineClose(m.Affine(), want, 1e-9) {
		t.Fatalf("expected %+v, got %+v", want, m.Affine())
	}
}

func TestRansacRejectsOutliers(t *testing.T) {
	want := geom.Translation(12, 7)
	candidates := gridMatches(want, 5)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 10; i++ {
		src := geom.Pt(rng.Float64()*100, rng.Float64()*100)
		candidates = append(candidates, PointMatch{Source: src, Target: src.Add(geom.Pt(200+rng.Float64()*50, -90))})
	}

	m := New(Translation)
	inliers, err := FilterRansac(m, candidates, RansacParams{
		Iterations: 1000, MaxEpsilon: 5, MinInlierRatio: 0.05, MinNumInliers: 3, MaxTrust: 4,
	}, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("ransac failed: %v", err)
	}
	if len(inliers) != 25 {
		t.Fatalf("expected 25 inliers, got %d", len(inliers))
	}
	if !affineClose(m.Affine(), want, 1e-9) {
		t.Fatalf("expected %+v, got %+v", want, m.Affine())
	}
}

func TestRansacNeedsMinimumInliers(t *testing.T) {
	candidates := gridMatches(geom.Translation(1, 1), 1)
	m := New(Translation)
	_, err := FilterRansac(m, candidates, RansacParams{MaxEpsilon: 1, MinNumInliers: 3}, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
	_, err = FilterRansac(New(Affine), candidates, RansacParams{MaxEpsilon: 1}, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrNotEnoughDataPoints) {
		t.Fatalf("expected ErrNotEnoughDataPoints, got %v", err)
	}
}

func TestInterpolatedBlendsTowardRegularizer(t *testing.T) {
	sheared := geom.Affine{A: 1, B: 0.5, C: 0, D: 1}
	full := NewInterpolated(Affine, Rigid, 0)
	half := NewInterpolated(Affine, Rigid, 0.5)
	ms := gridMatches(sheared, 4)
	if err := full.Fit(ms); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if err := half.Fit(ms); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if !affineClose(full.Affine(), sheared, 1e-9) {
		t.Fatalf("lambda 0 must equal the primary fit")
	}
	if math.Abs(half.Affine().B) >= math.Abs(sheared.B) {
		t.Fatalf("regularized shear %v should shrink toward rigid", half.Affine().B)
	}
	if half.MinNumMatches() != 3 {
		t.Fatalf("expected min matches 3, got %d", half.MinNumMatches())
	}
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"translation", "Rigid", " similarity ", "3"} {
		if _, err := ParseType(name); err != nil {
			t.Fatalf("ParseType(%q): %v", name, err)
		}
	}
	if _, err := ParseType("projective"); err == nil {
		t.Fatalf("expected error for unknown model")
	}
}
