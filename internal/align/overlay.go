package align

import (
	"context"

	"montage/internal/geom"
)

type placement struct {
	patch Patch
	box   geom.Rect
	inv   geom.Affine
	ok    bool
}

// CarryOverlays runs fn and then moves every overlay point along with the
// top-most patch whose old bounding box contained it. Points outside every
// patch stay where they are.
func (e *Engine) CarryOverlays(ctx context.Context, layers []OverlayLayer, fn func(context.Context) error) error {
	before := make([][]placement, len(layers))
	for li, layer := range layers {
		patches := layer.Patches()
		ps := make([]placement, len(patches))
		for i, p := range patches {
			inv, err := p.Affine().Inverse()
			if err != nil {
				e.log.Warn("patch placement not invertible, overlays will not follow it", "patch", p.ID(), "error", err)
			}
			ps[i] = placement{patch: p, box: p.BoundingBox(), inv: inv, ok: err == nil}
		}
		before[li] = ps
	}

	if err := fn(ctx); err != nil {
		return err
	}

	return e.parallel(ctx, len(layers), func(li int) {
		ps := before[li]
		move := func(pt geom.Point) geom.Point {
			for i := len(ps) - 1; i >= 0; i-- {
				if !ps[i].ok || !ps[i].box.Contains(pt) {
					continue
				}
				return ps[i].patch.Affine().Apply(ps[i].inv.Apply(pt))
			}
			return pt
		}
		for _, ov := range layers[li].Overlays() {
			ov.Transform(move)
		}
	})
}
