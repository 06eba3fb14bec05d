package align

import (
	"context"

	"montage/internal/geom"
	"montage/internal/logging"
	"montage/internal/model"
	"montage/internal/tile"
	"montage/internal/transform"
)

// deform records where the mosaic put every interesting tile's center,
// re-montages each layer on its own, and appends to each patch a moving
// least squares warp that carries the intra-layer centers back onto the
// mosaic centers.
func (r *run) deform(ctx context.Context, layers []Layer, global *tile.Set, interesting []int, isFixed map[string]bool, intra Params, opt Options) error {
	e := r.e

	centers := make(map[string]model.PointMatch, len(interesting))
	for _, id := range interesting {
		patch := patchOf(global, id)
		c := patch.Affine().Apply(localCenter(patch))
		centers[patch.ID()] = model.PointMatch{Source: c, Target: c}
	}

	for li, layer := range layers {
		if err := ctx.Err(); err != nil {
			return r.abort(err)
		}
		var patches []Patch
		for _, p := range visiblePatches(layer) {
			if _, ok := centers[p.ID()]; ok {
				patches = append(patches, p)
			}
		}
		if len(patches) == 0 {
			continue
		}

		local := buildSet(patches, intra)
		ids := local.IDs()
		comps := []tile.Component{tile.Component(ids)}
		if len(patches) > 1 {
			var localFixed []int
			for _, id := range ids {
				if p := patchOf(local, id); p.Locked() || isFixed[p.ID()] {
					localFixed = append(localFixed, id)
				}
			}
			var err error
			if _, comps, err = r.alignTiles(ctx, local, ids, localFixed, intra, opt, false); err != nil {
				return err
			}
		}

		for _, comp := range comps {
			matches := make([]model.PointMatch, 0, len(comp))
			for _, id := range comp {
				patch := patchOf(local, id)
				pm := centers[patch.ID()]
				pm.Source = patch.Affine().Apply(localCenter(patch))
				centers[patch.ID()] = pm
				matches = append(matches, pm)
			}

			mls, err := transform.NewMovingLeastSquares(deformModel(len(matches)), 1, matches)
			if err != nil {
				e.log.Warn("deformation skipped", "run_id", r.id, "layer", layer.ID(), "error", err)
				continue
			}
			for _, id := range comp {
				if err := ctx.Err(); err != nil {
					return r.abort(err)
				}
				patch := patchOf(local, id)
				toWorld := patch.Affine()
				toLocal, err := toWorld.Inverse()
				if err != nil {
					e.log.Warn("patch placement not invertible, not deformed", "patch", patch.ID(), "error", err)
					continue
				}
				patch.AppendCoordinateTransform(transform.List{
					transform.Affine{M: toWorld},
					mls,
					transform.Affine{M: toLocal},
				})
				r.report.Deformed++
			}
		}
		logging.LogLayer(e.log, r.id, li, layer.ID(), "deformed", map[string]any{"patches": len(patches)})
	}
	return nil
}

// deformModel is the richest model the control points can constrain.
func deformModel(points int) model.Type {
	switch {
	case points >= 3:
		return model.Affine
	case points == 2:
		return model.Rigid
	default:
		return model.Translation
	}
}

func localCenter(p Patch) geom.Point {
	return geom.Pt(float64(p.Width())/2, float64(p.Height())/2)
}
