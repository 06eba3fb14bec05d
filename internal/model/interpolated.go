package model

import "montage/internal/geom"

// InterpolatedModel blends two fitted models in matrix space:
// (1-lambda)*primary + lambda*regularizer. With a rigid regularizer this
// limits how far an affine tile may shear or scale.
type InterpolatedModel struct {
	primary     Model
	regularizer Model
	lambda      float64
	m           geom.Affine
}

// NewInterpolated returns an identity blend of the two families.
func NewInterpolated(primary, regularizer Type, lambda float64) *InterpolatedModel {
	im := &InterpolatedModel{
		primary:     New(primary),
		regularizer: New(regularizer),
		lambda:      lambda,
	}
	im.blend()
	return im
}

func (im *InterpolatedModel) blend() {
	a := im.primary.Affine()
	b := im.regularizer.Affine()
	l := im.lambda
	im.m = geom.Affine{
		A:  (1-l)*a.A + l*b.A,
		B:  (1-l)*a.B + l*b.B,
		TX: (1-l)*a.TX + l*b.TX,
		C:  (1-l)*a.C + l*b.C,
		D:  (1-l)*a.D + l*b.D,
		TY: (1-l)*a.TY + l*b.TY,
	}
}

func (im *InterpolatedModel) Type() Type                    { return im.primary.Type() }
func (im *InterpolatedModel) Affine() geom.Affine           { return im.m }
func (im *InterpolatedModel) Apply(p geom.Point) geom.Point { return im.m.Apply(p) }

// Lambda is the regularizer share.
func (im *InterpolatedModel) Lambda() float64 { return im.lambda }

func (im *InterpolatedModel) MinNumMatches() int {
	if a, b := im.primary.MinNumMatches(), im.regularizer.MinNumMatches(); a > b {
		return a
	}
	return im.regularizer.MinNumMatches()
}

func (im *InterpolatedModel) Fit(matches []PointMatch) error {
	p := im.primary.Copy()
	if err := p.Fit(matches); err != nil {
		return err
	}
	r := im.regularizer.Copy()
	if err := r.Fit(matches); err != nil {
		return err
	}
	im.primary, im.regularizer = p, r
	im.blend()
	return nil
}

func (im *InterpolatedModel) Set(a geom.Affine) {
	im.primary.Set(a)
	im.regularizer.Set(a)
	im.blend()
}

func (im *InterpolatedModel) Copy() Model {
	return &InterpolatedModel{
		primary:     im.primary.Copy(),
		regularizer: im.regularizer.Copy(),
		lambda:      im.lambda,
		m:           im.m,
	}
}
