package align

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand"

	"montage/internal/feature"
	"montage/internal/geom"
	"montage/internal/model"
)

// alignBlocks registers the rendering of a whole component of the current
// layer against a component of the previous layer. On success it returns
// the world-space transform that moves the current patches onto the
// previous ones.
func (e *Engine) alignBlocks(ctx context.Context, prevLayer, curLayer Layer, prev, cur []Patch, p Params) (geom.Affine, error) {
	box1 := patchBounds(cur)
	box2 := patchBounds(prev)
	maxLen := math.Max(math.Max(box1.Width, box1.Height), math.Max(box2.Width, box2.Height))
	if maxLen <= 1 {
		return geom.Affine{}, fmt.Errorf("%w: empty block", ErrTooFewTiles)
	}
	limit := math.Min(maxLen, float64(2*p.Feature.MaxOctaveSize))
	s := (limit - 1) / maxLen

	img1, err := curLayer.FlatImage(box1, s, cur)
	if err != nil {
		return geom.Affine{}, fmt.Errorf("failed to render layer %s: %v", curLayer.ID(), err)
	}
	img2, err := prevLayer.FlatImage(box2, s, prev)
	if err != nil {
		return geom.Affine{}, fmt.Errorf("failed to render layer %s: %v", prevLayer.ID(), err)
	}

	fp := p.Feature
	fp.MaxOctaveSize = int(limit)
	imgs := [2]*image.Gray{img1, img2}
	var (
		feats [2][]feature.Feature
		errs  [2]error
	)
	if err := e.parallel(ctx, 2, func(i int) {
		feats[i], errs[i] = e.extractor.Extract(ctx, imgs[i], fp)
	}); err != nil {
		return geom.Affine{}, err
	}
	for _, err := range errs {
		if err != nil {
			return geom.Affine{}, err
		}
	}

	candidates := feature.Match(feats[0], feats[1], p.Rod)
	m := model.New(p.ExpectedModel)
	min := m.MinNumMatches()
	rng := rand.New(rand.NewSource(p.Seed))
	inliers, err := model.FilterRansac(m, candidates, model.RansacParams{
		Iterations:     1000,
		MaxEpsilon:     p.MaxEpsilon * s,
		MinInlierRatio: p.MinInlierRatio,
		MinNumInliers:  3 * min,
		MaxTrust:       3,
	}, rng)
	if err != nil {
		return geom.Affine{}, err
	}
	e.log.Debug("block registered", "layer", curLayer.ID(), "previous", prevLayer.ID(), "inliers", len(inliers))

	// Render pixels relate to world points by u = s*(w - box.min).
	toImg1 := geom.Scale(s, s).Compose(geom.Translation(-box1.X, -box1.Y))
	fromImg2 := geom.Translation(box2.X, box2.Y).Compose(geom.Scale(1/s, 1/s))
	return fromImg2.Compose(m.Affine()).Compose(toImg1), nil
}
