package transform

import (
	"fmt"
	"math"

	"montage/internal/geom"
	"montage/internal/model"
)

// MovingLeastSquares warps each point with a model fitted to the control
// points, weighted by inverse squared distance raised to Alpha.
type MovingLeastSquares struct {
	Model   model.Type
	Alpha   float64
	Matches []model.PointMatch
}

// NewMovingLeastSquares validates that the control points can constrain the model.
func NewMovingLeastSquares(t model.Type, alpha float64, matches []model.PointMatch) (*MovingLeastSquares, error) {
	if len(matches) < t.MinNumMatches() {
		return nil, fmt.Errorf("%w: %s moving least squares needs %d control points, have %d",
			model.ErrNotEnoughDataPoints, t, t.MinNumMatches(), len(matches))
	}
	return &MovingLeastSquares{
		Model:   t,
		Alpha:   alpha,
		Matches: append([]model.PointMatch(nil), matches...),
	}, nil
}

func (m *MovingLeastSquares) Apply(p geom.Point) geom.Point {
	weighted := make([]model.PointMatch, len(m.Matches))
	for i, pm := range m.Matches {
		d := p.SquaredDistance(pm.Source)
		if d == 0 {
			return pm.Target
		}
		weighted[i] = model.PointMatch{
			Source: pm.Source,
			Target: pm.Target,
			Weight: pm.W() / math.Pow(d, m.Alpha),
		}
	}

	local := model.New(m.Model)
	if err := local.Fit(weighted); err == nil {
		return local.Apply(p)
	}
	// Degenerate local configuration: fall back to the weighted shift.
	shift := model.New(model.Translation)
	if err := shift.Fit(weighted); err != nil {
		return p
	}
	return shift.Apply(p)
}
