package align

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"montage/internal/feature"
	"montage/internal/model"
	"montage/internal/tile"
)

// features returns the features of every tile that appears in pairs,
// extracting the ones not cached yet in parallel.
func (e *Engine) features(ctx context.Context, set *tile.Set, pairs []tile.Pair, p feature.Params) (map[int][]feature.Feature, error) {
	need := make(map[int]bool)
	var ids []int
	for _, pr := range pairs {
		for _, id := range [2]int{pr.A, pr.B} {
			if !need[id] {
				need[id] = true
				ids = append(ids, id)
			}
		}
	}

	slots := make([][]feature.Feature, len(ids))
	err := e.parallel(ctx, len(ids), func(i int) {
		patch := set.Tile(ids[i]).Ref.(Patch)
		img, err := patch.Image()
		if err != nil {
			e.log.Warn("failed to load patch image", "patch", patch.ID(), "error", err)
			return
		}
		key := imageKey(img, p)
		if fs, ok := e.cached(key); ok {
			slots[i] = fs
			return
		}
		fs, err := feature.ExtractScaled(ctx, e.extractor, img, p)
		if err != nil {
			e.log.Warn("feature extraction failed", "patch", patch.ID(), "error", err)
			return
		}
		slots[i] = fs
		e.remember(key, fs)
		e.log.Debug("features extracted", "patch", patch.ID(), "count", len(fs))
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int][]feature.Feature, len(ids))
	for i, id := range ids {
		out[id] = slots[i]
	}
	return out, nil
}

// matchPairs verifies each candidate pair and connects the accepted ones.
// It returns the number of accepted and rejected pairs.
func (e *Engine) matchPairs(ctx context.Context, set *tile.Set, pairs []tile.Pair, p Params) (accepted, rejected int, err error) {
	if len(pairs) == 0 {
		return 0, 0, nil
	}
	feats, err := e.features(ctx, set, pairs, p.Feature)
	if err != nil {
		return 0, 0, err
	}

	var mu sync.Mutex
	err = e.parallel(ctx, len(pairs), func(i int) {
		pr := pairs[i]
		inliers, err := e.matchPair(feats[pr.A], feats[pr.B], pr, p)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			rejected++
			e.log.Debug("pair rejected",
				"a", set.Tile(pr.A).Ref.(Patch).ID(),
				"b", set.Tile(pr.B).Ref.(Patch).ID(),
				"reason", err)
			return
		}
		accepted++
		set.Connect(pr.A, pr.B, inliers)
	})
	if err != nil {
		return accepted, rejected, err
	}
	set.SortEdges()
	return accepted, rejected, nil
}

var errNoCandidates = errors.New("no candidate correspondences")

func (e *Engine) matchPair(fa, fb []feature.Feature, pr tile.Pair, p Params) ([]model.PointMatch, error) {
	candidates := feature.Match(fa, fb, p.Rod)
	if len(candidates) == 0 {
		return nil, errNoCandidates
	}
	m := model.New(p.ExpectedModel)
	rng := rand.New(rand.NewSource(p.Seed ^ int64(pr.A*1_000_003+pr.B)))
	return model.FilterRansac(m, candidates, p.ransac(m.MinNumMatches()), rng)
}
