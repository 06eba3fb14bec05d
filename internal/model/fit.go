package model

import (
	"fmt"
	"math"

	"montage/internal/geom"

	"gonum.org/v1/gonum/mat"
)

const degenerateSpread = 1e-12

// centroids returns the weighted centroids of sources and targets and the weight sum.
func centroids(matches []PointMatch) (sc, dc geom.Point, wsum float64) {
	for _, pm := range matches {
		w := pm.W()
		sc.X += w * pm.Source.X
		sc.Y += w * pm.Source.Y
		dc.X += w * pm.Target.X
		dc.Y += w * pm.Target.Y
		wsum += w
	}
	if wsum > 0 {
		sc = sc.Scale(1 / wsum)
		dc = dc.Scale(1 / wsum)
	}
	return sc, dc, wsum
}

func checkCount(matches []PointMatch, min int) error {
	if len(matches) < min {
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughDataPoints, len(matches), min)
	}
	return nil
}

// TranslationModel shifts every point by a constant offset.
type TranslationModel struct {
	tx, ty float64
}

func (m *TranslationModel) Type() Type          { return Translation }
func (m *TranslationModel) MinNumMatches() int  { return 1 }
func (m *TranslationModel) Affine() geom.Affine { return geom.Translation(m.tx, m.ty) }
func (m *TranslationModel) Copy() Model         { c := *m; return &c }

func (m *TranslationModel) Apply(p geom.Point) geom.Point {
	return geom.Point{X: p.X + m.tx, Y: p.Y + m.ty}
}

func (m *TranslationModel) Set(a geom.Affine) {
	m.tx, m.ty = a.TX, a.TY
}

func (m *TranslationModel) Fit(matches []PointMatch) error {
	if err := checkCount(matches, 1); err != nil {
		return err
	}
	sc, dc, wsum := centroids(matches)
	if wsum <= 0 {
		return ErrIllDefinedData
	}
	m.tx = dc.X - sc.X
	m.ty = dc.Y - sc.Y
	return nil
}

// RigidModel is rotation plus translation.
type RigidModel struct {
	m geom.Affine
}

func (m *RigidModel) Type() Type                    { return Rigid }
func (m *RigidModel) MinNumMatches() int            { return 2 }
func (m *RigidModel) Affine() geom.Affine           { return m.m }
func (m *RigidModel) Apply(p geom.Point) geom.Point { return m.m.Apply(p) }
func (m *RigidModel) Copy() Model                   { c := *m; return &c }

func (m *RigidModel) Set(a geom.Affine) {
	theta := math.Atan2(a.C-a.B, a.A+a.D)
	r := geom.Rotation(theta)
	r.TX, r.TY = a.TX, a.TY
	m.m = r
}

// Fit solves the weighted Procrustes problem in closed form.
func (m *RigidModel) Fit(matches []PointMatch) error {
	if err := checkCount(matches, 2); err != nil {
		return err
	}
	sc, dc, wsum := centroids(matches)
	if wsum <= 0 {
		return ErrIllDefinedData
	}

	var dotSum, crossSum, spread float64
	for _, pm := range matches {
		w := pm.W()
		sx, sy := pm.Source.X-sc.X, pm.Source.Y-sc.Y
		dx, dy := pm.Target.X-dc.X, pm.Target.Y-dc.Y
		dotSum += w * (sx*dx + sy*dy)
		crossSum += w * (sx*dy - sy*dx)
		spread += w * (sx*sx + sy*sy)
	}
	if spread < degenerateSpread {
		return fmt.Errorf("%w: coincident source points", ErrIllDefinedData)
	}

	theta := math.Atan2(crossSum, dotSum)
	cosT := math.Cos(theta)
	sinT := math.Sin(theta)

	m.m = geom.Affine{
		A: cosT, B: -sinT, TX: dc.X - (cosT*sc.X - sinT*sc.Y),
		C: sinT, D: cosT, TY: dc.Y - (sinT*sc.X + cosT*sc.Y),
	}
	return nil
}

// SimilarityModel is rotation, isotropic scale and translation.
type SimilarityModel struct {
	m geom.Affine
}

func (m *SimilarityModel) Type() Type                    { return Similarity }
func (m *SimilarityModel) MinNumMatches() int            { return 2 }
func (m *SimilarityModel) Affine() geom.Affine           { return m.m }
func (m *SimilarityModel) Apply(p geom.Point) geom.Point { return m.m.Apply(p) }
func (m *SimilarityModel) Copy() Model                   { c := *m; return &c }

func (m *SimilarityModel) Set(a geom.Affine) {
	s := (a.A + a.D) / 2
	r := (a.C - a.B) / 2
	m.m = geom.Affine{A: s, B: -r, TX: a.TX, C: r, D: s, TY: a.TY}
}

func (m *SimilarityModel) Fit(matches []PointMatch) error {
	if err := checkCount(matches, 2); err != nil {
		return err
	}
	sc, dc, wsum := centroids(matches)
	if wsum <= 0 {
		return ErrIllDefinedData
	}

	var dotSum, crossSum, spread float64
	for _, pm := range matches {
		w := pm.W()
		sx, sy := pm.Source.X-sc.X, pm.Source.Y-sc.Y
		dx, dy := pm.Target.X-dc.X, pm.Target.Y-dc.Y
		dotSum += w * (sx*dx + sy*dy)
		crossSum += w * (sx*dy - sy*dx)
		spread += w * (sx*sx + sy*sy)
	}
	if spread < degenerateSpread {
		return fmt.Errorf("%w: coincident source points", ErrIllDefinedData)
	}

	a := dotSum / spread
	b := crossSum / spread
	m.m = geom.Affine{
		A: a, B: -b, TX: dc.X - (a*sc.X - b*sc.Y),
		C: b, D: a, TY: dc.Y - (b*sc.X + a*sc.Y),
	}
	return nil
}

// AffineModel is a general 2x3 affine.
type AffineModel struct {
	m geom.Affine
}

func (m *AffineModel) Type() Type                    { return Affine }
func (m *AffineModel) MinNumMatches() int            { return 3 }
func (m *AffineModel) Affine() geom.Affine           { return m.m }
func (m *AffineModel) Apply(p geom.Point) geom.Point { return m.m.Apply(p) }
func (m *AffineModel) Set(a geom.Affine)             { m.m = a }
func (m *AffineModel) Copy() Model                   { c := *m; return &c }

// Fit solves the weighted overdetermined system with a QR factorization.
// Coordinates are centred first so large world offsets do not hurt conditioning.
func (m *AffineModel) Fit(matches []PointMatch) error {
	if err := checkCount(matches, 3); err != nil {
		return err
	}
	sc, dc, wsum := centroids(matches)
	if wsum <= 0 {
		return ErrIllDefinedData
	}

	var sxx, syy, sxy float64
	for _, pm := range matches {
		w := pm.W()
		x, y := pm.Source.X-sc.X, pm.Source.Y-sc.Y
		sxx += w * x * x
		syy += w * y * y
		sxy += w * x * y
	}
	if det := sxx*syy - sxy*sxy; det <= degenerateSpread*math.Max(1, (sxx+syy)*(sxx+syy)) {
		return fmt.Errorf("%w: collinear source points", ErrIllDefinedData)
	}

	n := len(matches)
	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)
	for i, pm := range matches {
		w := math.Sqrt(pm.W())
		x, y := pm.Source.X-sc.X, pm.Source.Y-sc.Y
		xp, yp := pm.Target.X-dc.X, pm.Target.Y-dc.Y

		A.Set(i*2, 0, w*x)
		A.Set(i*2, 1, w*y)
		A.Set(i*2, 2, w)
		B.SetVec(i*2, w*xp)

		A.Set(i*2+1, 3, w*x)
		A.Set(i*2+1, 4, w*y)
		A.Set(i*2+1, 5, w)
		B.SetVec(i*2+1, w*yp)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return fmt.Errorf("%w: %v", ErrIllDefinedData, err)
	}

	lin := geom.Affine{
		A: params.AtVec(0), B: params.AtVec(1),
		C: params.AtVec(3), D: params.AtVec(4),
	}
	// Undo the centring: d = L*s + dc + t' - L*sc.
	ls := lin.Apply(sc)
	lin.TX = dc.X + params.AtVec(2) - ls.X
	lin.TY = dc.Y + params.AtVec(5) - ls.Y
	m.m = lin
	return nil
}
