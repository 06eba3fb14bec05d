package align

import (
	"context"
	"fmt"

	"montage/internal/logging"
	"montage/internal/tile"
)

// buildSet creates one tile per patch, in order, with p's tile model
// initialised from the patch placement.
func buildSet(patches []Patch, p Params) *tile.Set {
	set := tile.NewSet()
	for _, patch := range patches {
		m := p.newModel()
		m.Set(patch.Affine())
		set.Add(float64(patch.Width()), float64(patch.Height()), m, patch)
	}
	return set
}

func patchOf(set *tile.Set, id int) Patch {
	return set.Tile(id).Ref.(Patch)
}

// fixedIDs maps fixed patches to their tile ids. With strict set, a fixed
// patch that has no tile is an error; otherwise it is ignored.
func fixedIDs(set *tile.Set, ids []int, fixed []Patch, strict bool) ([]int, error) {
	byPatch := make(map[string]int, len(ids))
	for _, id := range ids {
		byPatch[patchOf(set, id).ID()] = id
	}
	var out []int
	for _, f := range fixed {
		id, ok := byPatch[f.ID()]
		if !ok {
			if strict {
				return nil, fmt.Errorf("%w: patch %s", ErrFixedNotInSet, f.ID())
			}
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// anchors adds the lowest id of every component that has no fixed tile, so
// each component is solved relative to a tile that stays put.
func anchors(comps []tile.Component, fixed []int) []int {
	isFixed := make(map[int]bool, len(fixed))
	for _, id := range fixed {
		isFixed[id] = true
	}
	out := append([]int(nil), fixed...)
	for _, c := range comps {
		held := false
		for _, id := range c {
			if isFixed[id] {
				held = true
				break
			}
		}
		if !held && len(c) > 0 {
			out = append(out, c[0])
		}
	}
	return out
}

// alignTiles runs the single-layer pipeline over ids: pairing, matching,
// partitioning, the global solve and writing placements back to patches.
// With largestOnly only the largest component is solved and applied. It
// returns the solved ids and the partition of all ids.
func (r *run) alignTiles(ctx context.Context, set *tile.Set, ids []int, fixed []int, p Params, opt Options, largestOnly bool) ([]int, []tile.Component, error) {
	e := r.e

	var pairs []tile.Pair
	if opt.TilesAreInPlace {
		pairs = tile.OverlappingPairs(set, ids)
	} else {
		pairs = tile.AllPairs(ids)
	}
	r.report.Tiles += len(ids)
	r.report.Pairs += len(pairs)
	if err := r.advance(ctx, StatePairsGenerated, map[string]any{"tiles": len(ids), "pairs": len(pairs)}); err != nil {
		return nil, nil, err
	}

	accepted, rejected, err := e.matchPairs(ctx, set, pairs, p)
	if err != nil {
		return nil, nil, r.abort(err)
	}
	r.report.Edges += accepted
	r.report.Rejected += rejected
	if err := r.advance(ctx, StateMatched, map[string]any{"accepted": accepted, "rejected": rejected}); err != nil {
		return nil, nil, err
	}

	comps := set.Components(ids)
	if !largestOnly && opt.VirtualConnections && opt.TilesAreInPlace && len(comps) > 1 {
		if n := connectVirtually(set, ids, comps); n > 0 {
			r.report.VirtualEdges += n
			comps = set.Components(ids)
		}
	}
	interesting := ids
	if largestOnly {
		interesting = tile.Largest(comps)
	}
	r.report.Components = componentSizes(comps)
	r.report.Interesting += len(interesting)
	if err := r.advance(ctx, StatePartitioned, map[string]any{
		"components":  len(comps),
		"interesting": len(interesting),
	}); err != nil {
		return nil, nil, err
	}

	solveComps := comps
	if largestOnly {
		solveComps = []tile.Component{tile.Component(interesting)}
	}
	inSolve := make(map[int]bool, len(interesting))
	for _, id := range interesting {
		inSolve[id] = true
	}
	var held []int
	for _, id := range fixed {
		if inSolve[id] {
			held = append(held, id)
		}
	}
	res, err := set.Optimize(ctx, interesting, anchors(solveComps, held), tile.OptimizeParams{
		MaxIterations: p.MaxIterations,
		Tolerance:     p.ConvergenceTolerance,
	})
	if err != nil {
		return nil, nil, r.abort(err)
	}
	for _, id := range res.Unfitted {
		e.log.Debug("tile kept previous model", "patch", patchOf(set, id).ID())
	}
	r.report.Iterations += res.Iterations
	r.report.MeanError = res.MeanError
	if res.MaxError > r.report.MaxError {
		r.report.MaxError = res.MaxError
	}
	if err := r.advance(ctx, StateOptimized, map[string]any{
		"iterations": res.Iterations,
		"converged":  res.Converged,
		"mean_error": res.MeanError,
		"max_error":  res.MaxError,
	}); err != nil {
		return nil, nil, err
	}

	for _, id := range interesting {
		patchOf(set, id).SetAffine(set.Tile(id).Model.Affine())
	}
	if err := r.advance(ctx, StateTransformsApplied, map[string]any{"applied": len(interesting)}); err != nil {
		return nil, nil, err
	}
	return interesting, comps, nil
}

func componentSizes(cs []tile.Component) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = len(c)
	}
	return out
}

// AlignPatches registers patches to each other, holding fixed in place.
func (e *Engine) AlignPatches(ctx context.Context, patches, fixed []Patch, p Params, opt Options) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(patches) < 2 {
		return nil, fmt.Errorf("%w: %d patches", ErrTooFewTiles, len(patches))
	}
	set := buildSet(patches, p)
	ids := set.IDs()
	fixedTiles, err := fixedIDs(set, ids, fixed, true)
	if err != nil {
		return nil, err
	}

	r := e.newRun("align-patches", opt)
	r.report.Layers = 1
	interesting, comps, err := r.alignTiles(ctx, set, ids, fixedTiles, p, opt, opt.LargestGraphOnly)
	if err != nil {
		return r.report, err
	}
	r.applyPolicy(set, comps, interesting, opt)
	return r.complete(ctx)
}

// MontageLayers aligns the visible patches of every layer independently.
// Locked patches stay fixed; layers with fewer than two patches are skipped.
func (e *Engine) MontageLayers(ctx context.Context, layers []Layer, p Params, opt Options) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := e.newRun("montage-layers", opt)
	var sizes []int
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return r.report, r.abort(err)
		}
		patches := visiblePatches(layer)
		if len(patches) < 2 {
			logging.LogLayer(e.log, r.id, i, layer.ID(), "skipped", map[string]any{"patches": len(patches)})
			continue
		}
		set := buildSet(patches, p)
		ids := set.IDs()
		var locked []int
		for _, id := range ids {
			if patchOf(set, id).Locked() {
				locked = append(locked, id)
			}
		}
		interesting, comps, err := r.alignTiles(ctx, set, ids, locked, p, opt, opt.LargestGraphOnly)
		if err != nil {
			return r.report, err
		}
		r.applyPolicy(set, comps, interesting, opt)
		sizes = append(sizes, r.report.Components...)
		r.report.Layers++
		logging.LogLayer(e.log, r.id, i, layer.ID(), "aligned", map[string]any{"patches": len(patches), "components": len(comps)})
	}
	r.report.Components = sizes
	return r.complete(ctx)
}
