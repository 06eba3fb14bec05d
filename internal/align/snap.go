package align

import (
	"context"
	"fmt"

	"montage/internal/tile"
)

// Snap aligns patch to the visible patch of layer it overlaps most, which
// stays fixed. Only patch is moved.
func (e *Engine) Snap(ctx context.Context, patch Patch, layer Layer, p Params) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	box := patch.BoundingBox()
	var (
		target Patch
		best   float64
	)
	for _, other := range visiblePatches(layer) {
		if other.ID() == patch.ID() {
			continue
		}
		if a := box.Intersection(other.BoundingBox()).Area(); a > best {
			target, best = other, a
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: patch %s overlaps no other patch", ErrTooFewTiles, patch.ID())
	}

	r := e.newRun("snap", Options{})
	r.report.Layers = 1
	set := buildSet([]Patch{patch, target}, p)
	const snapped, fixed = 0, 1

	pairs := tile.OverlappingPairs(set, set.IDs())
	r.report.Tiles = 2
	r.report.Pairs = len(pairs)
	if err := r.advance(ctx, StatePairsGenerated, map[string]any{"target": target.ID()}); err != nil {
		return r.report, err
	}
	accepted, rejected, err := e.matchPairs(ctx, set, pairs, p)
	if err != nil {
		return r.report, r.abort(err)
	}
	r.report.Edges, r.report.Rejected = accepted, rejected
	if err := r.advance(ctx, StateMatched, map[string]any{"accepted": accepted}); err != nil {
		return r.report, err
	}

	comps := set.Components(set.IDs())
	r.report.Components = componentSizes(comps)
	r.report.Interesting = 2
	if err := r.advance(ctx, StatePartitioned, nil); err != nil {
		return r.report, err
	}

	res, err := set.Optimize(ctx, set.IDs(), []int{fixed}, tile.OptimizeParams{
		MaxIterations: p.MaxIterations,
		Tolerance:     p.ConvergenceTolerance,
	})
	if err != nil {
		return r.report, r.abort(err)
	}
	r.report.Iterations = res.Iterations
	r.report.MeanError, r.report.MaxError = res.MeanError, res.MaxError
	if err := r.advance(ctx, StateOptimized, nil); err != nil {
		return r.report, err
	}

	if accepted > 0 {
		patch.SetAffine(set.Tile(snapped).Model.Affine())
	}
	if err := r.advance(ctx, StateTransformsApplied, map[string]any{"moved": accepted > 0}); err != nil {
		return r.report, err
	}
	return r.complete(ctx)
}

// RegisterStackSlices aligns slices of a stack with reference held fixed.
func (e *Engine) RegisterStackSlices(ctx context.Context, slices []Patch, reference Patch, p Params, opt Options) (*Report, error) {
	if reference == nil {
		return nil, fmt.Errorf("%w: no reference slice", ErrFixedNotInSet)
	}
	return e.AlignPatches(ctx, slices, []Patch{reference}, p, opt)
}
