package geom

import (
	"errors"
	"math"
	"testing"
)

func TestAffineInverseRoundTrip(t *testing.T) {
	a := Translation(12, -7).Compose(Rotation(0.3)).Compose(Scale(1.5, 0.8))
	inv, err := a.Inverse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := Pt(31.5, -4.25)
	got := inv.Apply(a.Apply(p))
	if got.Distance(p) > 1e-9 {
		t.Fatalf("round trip drifted: %v -> %v", p, got)
	}
}

func TestAffineInverseSingular(t *testing.T) {
	_, err := Scale(0, 1).Inverse()
	if !errors.Is(err, ErrNoninvertible) {
		t.Fatalf("expected ErrNoninvertible, got %v", err)
	}
}

func TestComposeAppliesRightFirst(t *testing.T) {
	c := Translation(10, 0).Compose(Scale(2, 2))
	got := c.Apply(Pt(1, 1))
	if got != Pt(12, 2) {
		t.Fatalf("expected (12,2), got %v", got)
	}
}

func TestRectIntersectsExcludesSharedEdge(t *testing.T) {
	a := NewRect(0, 0, 10, 10)
	b := NewRect(10, 0, 10, 10)
	if a.Intersects(b) {
		t.Fatalf("edge-adjacent rectangles should not intersect")
	}
	c := NewRect(9, 9, 5, 5)
	if !a.Intersects(c) {
		t.Fatalf("overlapping rectangles should intersect")
	}
	if got := a.Intersection(c); got != NewRect(9, 9, 1, 1) {
		t.Fatalf("unexpected intersection %v", got)
	}
}

func TestBoundingBoxOfRotatedRect(t *testing.T) {
	box := Rotation(math.Pi / 2).BoundingBox(NewRect(0, 0, 4, 2))
	if math.Abs(box.Width-2) > 1e-9 || math.Abs(box.Height-4) > 1e-9 {
		t.Fatalf("unexpected box %v", box)
	}
}
