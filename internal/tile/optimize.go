package tile

import (
	"context"
	"fmt"
	"math"
	"sort"

	"montage/internal/model"
)

// OptimizeParams bounds the global optimizer.
type OptimizeParams struct {
	MaxIterations int
	// Tolerance stops the solve once no tile corner moves further than this
	// many pixels in one iteration.
	Tolerance float64
}

// OptimizeResult summarises a solve. Errors are world-space distances between
// the two ends of every match.
type OptimizeResult struct {
	Iterations int
	Converged  bool
	MeanError  float64
	MaxError   float64
	// Unfitted lists tiles whose refit failed in the final iteration and kept
	// their previous model.
	Unfitted []int
}

// Optimize jointly refines the models of ids so that every edge's matches
// agree in world space. Tiles in fixed keep their models; when fixed is
// empty the lowest id is held in place. Each iteration refits the free tiles
// in id order against their neighbours' current models.
func (s *Set) Optimize(ctx context.Context, ids, fixed []int, p OptimizeParams) (OptimizeResult, error) {
	var res OptimizeResult
	if len(ids) == 0 {
		res.Converged = true
		return res, nil
	}

	members := memberSet(ids)
	isFixed := make(map[int]bool, len(fixed))
	for _, id := range fixed {
		if !members[id] {
			return res, fmt.Errorf("%w: tile %d", ErrFixedNotInSet, id)
		}
		isFixed[id] = true
	}
	order := sortedUnique(ids)
	if len(isFixed) == 0 {
		isFixed[order[0]] = true
	}

	incident := s.incident(members)
	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	for res.Iterations < maxIter {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations++
		res.Unfitted = res.Unfitted[:0]

		var moved float64
		for _, id := range order {
			if isFixed[id] || len(incident[id]) == 0 {
				continue
			}
			t := s.tiles[id]
			matches := s.worldTargets(id, incident[id])
			next := t.Model.Copy()
			if err := next.Fit(matches); err != nil {
				res.Unfitted = append(res.Unfitted, id)
				continue
			}
			if d := t.Model.Affine().MaxDisplacement(next.Affine(), t.Rect()); d > moved {
				moved = d
			}
			t.Model = next
		}
		if moved < p.Tolerance {
			res.Converged = true
			break
		}
	}

	res.MeanError, res.MaxError = s.residuals(members)
	return res, nil
}

// worldTargets builds id's fitting problem: local points of id mapped onto
// the neighbours' current world estimates of the same points.
func (s *Set) worldTargets(id int, edges []Edge) []model.PointMatch {
	var out []model.PointMatch
	for _, e := range edges {
		other := s.tiles[e.Other(id)].Model
		for _, pm := range e.MatchesFrom(id) {
			out = append(out, model.PointMatch{
				Source: pm.Source,
				Target: other.Apply(pm.Target),
				Weight: pm.Weight,
			})
		}
	}
	return out
}

func (s *Set) residuals(members map[int]bool) (mean, max float64) {
	var sum float64
	var n int
	for _, e := range s.Edges() {
		if !members[e.A] || !members[e.B] {
			continue
		}
		a, b := s.tiles[e.A].Model, s.tiles[e.B].Model
		for _, pm := range e.Matches {
			d := a.Apply(pm.Source).Distance(b.Apply(pm.Target))
			sum += d
			n++
			max = math.Max(max, d)
		}
	}
	if n > 0 {
		mean = sum / float64(n)
	}
	return mean, max
}

func sortedUnique(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}
