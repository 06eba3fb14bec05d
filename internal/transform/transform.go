// Package transform holds the coordinate transforms a patch can carry in
// addition to its affine placement.
package transform

import (
	"montage/internal/geom"
)

// CoordinateTransform maps a point from one frame to another.
type CoordinateTransform interface {
	Apply(p geom.Point) geom.Point
}

// Affine adapts geom.Affine to CoordinateTransform.
type Affine struct {
	M geom.Affine
}

func (a Affine) Apply(p geom.Point) geom.Point { return a.M.Apply(p) }

// List applies its transforms in order.
type List []CoordinateTransform

func (l List) Apply(p geom.Point) geom.Point {
	for _, t := range l {
		p = t.Apply(p)
	}
	return p
}
