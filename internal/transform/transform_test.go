package transform

import (
	"math"
	"testing"

	"montage/internal/geom"
	"montage/internal/model"
)

func near(a, b geom.Point, tol float64) bool {
	return a.Distance(b) <= tol
}

func TestListAppliesInOrder(t *testing.T) {
	l := List{Affine{M: geom.Scale(2, 2)}, Affine{M: geom.Translation(5, 0)}}
	if got := l.Apply(geom.Pt(1, 1)); !near(got, geom.Pt(7, 2), 1e-12) {
		t.Fatalf("expected (7,2), got %+v", got)
	}
}

func TestMovingLeastSquaresInterpolatesControlPoints(t *testing.T) {
	matches := []model.PointMatch{
		{Source: geom.Pt(0, 0), Target: geom.Pt(1, 0)},
		{Source: geom.Pt(100, 0), Target: geom.Pt(100, 2)},
		{Source: geom.Pt(0, 100), Target: geom.Pt(-1, 101)},
		{Source: geom.Pt(100, 100), Target: geom.Pt(103, 99)},
	}
	mls, err := NewMovingLeastSquares(model.Affine, 1, matches)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	for _, pm := range matches {
		if got := mls.Apply(pm.Source); !near(got, pm.Target, 1e-9) {
			t.Fatalf("control point %+v mapped to %+v", pm.Source, got)
		}
	}
	// Near a control point the warp follows that point's displacement.
	got := mls.Apply(geom.Pt(1, 1))
	if !near(got, geom.Pt(2, 1), 0.5) {
		t.Fatalf("expected roughly (2,1), got %+v", got)
	}
}

func TestMovingLeastSquaresReproducesGlobalAffine(t *testing.T) {
	a := geom.Affine{A: 1.05, B: 0.1, TX: 3, C: -0.05, D: 0.95, TY: -2}
	var matches []model.PointMatch
	for _, s := range []geom.Point{{X: 0, Y: 0}, {X: 50, Y: 0}, {X: 0, Y: 50}, {X: 50, Y: 50}, {X: 20, Y: 35}} {
		matches = append(matches, model.PointMatch{Source: s, Target: a.Apply(s)})
	}
	mls, err := NewMovingLeastSquares(model.Affine, 1, matches)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	p := geom.Pt(12.5, 41)
	if got := mls.Apply(p); !near(got, a.Apply(p), 1e-6) {
		t.Fatalf("expected %+v, got %+v", a.Apply(p), got)
	}
}

func TestNewMovingLeastSquaresNeedsControlPoints(t *testing.T) {
	if _, err := NewMovingLeastSquares(model.Affine, 1, make([]model.PointMatch, 2)); err == nil {
		t.Fatalf("expected error for two control points")
	}
}

func TestSpecRoundTrip(t *testing.T) {
	mls, err := NewMovingLeastSquares(model.Translation, 1, []model.PointMatch{
		{Source: geom.Pt(10, 10), Target: geom.Pt(12, 9)},
	})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	orig := List{Affine{M: geom.Translation(-5, 7)}, mls, Affine{M: geom.Rotation(math.Pi / 6)}}

	data, err := Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, p := range []geom.Point{{X: 0, Y: 0}, {X: 15, Y: 3}, {X: -20, Y: 40}} {
		if !near(back.Apply(p), orig.Apply(p), 1e-9) {
			t.Fatalf("point %+v: decoded %+v, original %+v", p, back.Apply(p), orig.Apply(p))
		}
	}
}

func TestFromSpecRejectsUnknownKind(t *testing.T) {
	if _, err := FromSpec(Spec{Kind: "thin-plate"}); err == nil {
		t.Fatalf("expected error")
	}
}
