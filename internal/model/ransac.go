package model

import (
	"fmt"
	"math/rand"
	"sort"
)

// trustFloor keeps residuals this small even when the median residual is ~0,
// so noise-free fits are not thinned by floating-point jitter.
const trustFloor = 1e-3

// RansacParams configures FilterRansac.
type RansacParams struct {
	Iterations     int
	MaxEpsilon     float64
	MinInlierRatio float64
	MinNumInliers  int
	// MaxTrust drops refined inliers whose residual exceeds MaxTrust times the
	// median residual. Zero disables the filter.
	MaxTrust float64
}

// FilterRansac estimates m from candidates with RANSAC and returns the
// accepted inliers. On success m holds the fit to those inliers; on error it
// is left unchanged.
func FilterRansac(m Model, candidates []PointMatch, p RansacParams, rng *rand.Rand) ([]PointMatch, error) {
	min := m.MinNumMatches()
	if len(candidates) < min {
		return nil, fmt.Errorf("%w: %d candidates, need %d", ErrNotEnoughDataPoints, len(candidates), min)
	}
	iterations := p.Iterations
	if iterations <= 0 {
		iterations = 1000
	}

	var (
		best     []PointMatch
		bestCost float64
		sample   = make([]PointMatch, min)
		idx      = make([]int, len(candidates))
	)
	for i := range idx {
		idx[i] = i
	}

	for it := 0; it < iterations; it++ {
		// Partial Fisher-Yates: the first min entries of idx form the sample.
		for i := 0; i < min; i++ {
			j := i + rng.Intn(len(idx)-i)
			idx[i], idx[j] = idx[j], idx[i]
			sample[i] = candidates[idx[i]]
		}

		hyp := m.Copy()
		if err := hyp.Fit(sample); err != nil {
			continue
		}
		inliers := collectInliers(hyp, candidates, p.MaxEpsilon)
		if len(inliers) < min {
			continue
		}
		cost := Cost(hyp, inliers)
		if len(inliers) > len(best) || (len(inliers) == len(best) && cost < bestCost) {
			best, bestCost = inliers, cost
		}
		if len(best) == len(candidates) {
			break
		}
	}
	if best == nil {
		return nil, ErrNoModel
	}

	fit := m.Copy()
	inliers, err := refine(fit, candidates, best, p)
	if err != nil {
		return nil, err
	}

	if len(inliers) < p.MinNumInliers {
		return nil, fmt.Errorf("%w: %d inliers, need %d", ErrNoModel, len(inliers), p.MinNumInliers)
	}
	if ratio := float64(len(inliers)) / float64(len(candidates)); ratio < p.MinInlierRatio {
		return nil, fmt.Errorf("%w: inlier ratio %.3f below %.3f", ErrNoModel, ratio, p.MinInlierRatio)
	}

	if err := m.Fit(inliers); err != nil {
		return nil, err
	}
	return inliers, nil
}

// refine grows the consensus set while refitting, then thins it with the
// median trust filter until it is stable.
func refine(m Model, candidates, inliers []PointMatch, p RansacParams) ([]PointMatch, error) {
	for i := 0; i < 16; i++ {
		if err := m.Fit(inliers); err != nil {
			return nil, err
		}
		grown := collectInliers(m, candidates, p.MaxEpsilon)
		if len(grown) <= len(inliers) {
			break
		}
		inliers = grown
	}

	if p.MaxTrust <= 0 {
		return inliers, m.Fit(inliers)
	}
	for {
		if err := m.Fit(inliers); err != nil {
			return nil, err
		}
		residuals := make([]float64, len(inliers))
		for i, pm := range inliers {
			residuals[i] = Residual(m, pm)
		}
		limit := p.MaxTrust * median(residuals)
		if limit < trustFloor {
			limit = trustFloor
		}
		kept := inliers[:0:0]
		for i, pm := range inliers {
			if residuals[i] <= limit {
				kept = append(kept, pm)
			}
		}
		if len(kept) == len(inliers) {
			return inliers, nil
		}
		if len(kept) < m.MinNumMatches() {
			return nil, fmt.Errorf("%w: trust filter left %d matches", ErrNoModel, len(kept))
		}
		inliers = kept
	}
}

func collectInliers(m Model, candidates []PointMatch, epsilon float64) []PointMatch {
	var out []PointMatch
	for _, pm := range candidates {
		if Residual(m, pm) < epsilon {
			out = append(out, pm)
		}
	}
	return out
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	if len(s)%2 == 1 {
		return s[len(s)/2]
	}
	return (s[len(s)/2-1] + s[len(s)/2]) / 2
}
