package align

import (
	"context"
	"fmt"

	"montage/internal/logging"
	"montage/internal/tile"
)

// AlignMultiLayerMosaic montages every layer with intra and registers each
// layer to the ones before it with cross. Patches in fixed stay in place.
func (e *Engine) AlignMultiLayerMosaic(ctx context.Context, layers []Layer, fixed []Patch, intra, cross Params, opt Options) (*Report, error) {
	if err := intra.Validate(); err != nil {
		return nil, err
	}
	if err := cross.Validate(); err != nil {
		return nil, fmt.Errorf("cross-layer: %w", err)
	}
	present := make(map[string]bool)
	for _, layer := range layers {
		for _, p := range visiblePatches(layer) {
			present[p.ID()] = true
		}
	}
	isFixed := make(map[string]bool, len(fixed))
	for _, f := range fixed {
		if !present[f.ID()] {
			return nil, fmt.Errorf("%w: patch %s", ErrFixedNotInSet, f.ID())
		}
		isFixed[f.ID()] = true
	}

	r := e.newRun("multi-layer-mosaic", opt)
	global := tile.NewSet()
	var (
		allFixed  []int
		prevIDs   []int
		prevLayer Layer
		total     int
	)

	for li, layer := range layers {
		if err := ctx.Err(); err != nil {
			return r.report, r.abort(err)
		}
		patches := visiblePatches(layer)
		if len(patches) == 0 {
			logging.LogLayer(e.log, r.id, li, layer.ID(), "skipped", nil)
			continue
		}
		total += len(patches)

		// Montage the layer on its own first.
		local := buildSet(patches, intra)
		var localFixed []int
		for _, id := range local.IDs() {
			if p := patchOf(local, id); p.Locked() || isFixed[p.ID()] {
				localFixed = append(localFixed, id)
			}
		}
		if len(patches) > 1 {
			if _, _, err := r.alignTiles(ctx, local, local.IDs(), localFixed, intra, opt, false); err != nil {
				return r.report, err
			}
		}

		// Fold the layer into the global graph with its intra edges.
		base := global.Len()
		var curIDs []int
		for _, patch := range patches {
			m := cross.newModel()
			m.Set(patch.Affine())
			id := global.Add(float64(patch.Width()), float64(patch.Height()), m, patch)
			curIDs = append(curIDs, id)
			if patch.Locked() || isFixed[patch.ID()] {
				allFixed = append(allFixed, id)
			}
		}
		for _, edge := range local.Edges() {
			global.Connect(base+edge.A, base+edge.B, edge.Matches)
		}

		if prevIDs != nil {
			if err := r.registerLayer(ctx, global, prevLayer, layer, prevIDs, curIDs, base, allFixed, intra, cross); err != nil {
				return r.report, err
			}
		}

		r.report.Layers++
		logging.LogLayer(e.log, r.id, li, layer.ID(), "aligned", map[string]any{
			"patches": len(patches),
			"tiles":   global.Len(),
		})
		prevIDs = curIDs
		prevLayer = layer
	}

	if global.Len() == 0 {
		return r.report, fmt.Errorf("%w: no visible patches", ErrTooFewTiles)
	}

	ids := global.IDs()
	comps := global.Components(ids)
	interesting := ids
	if opt.LargestGraphOnly {
		interesting = tile.Largest(comps)
	}
	if err := r.advance(ctx, StatePartitioned, map[string]any{
		"components":  len(comps),
		"interesting": len(interesting),
	}); err != nil {
		return r.report, err
	}
	r.applyPolicy(global, comps, interesting, opt)

	if opt.Deform {
		if err := r.deform(ctx, layers, global, interesting, isFixed, intra, opt); err != nil {
			return r.report, err
		}
	}
	// The per-layer passes above report their own partitions; the result
	// describes the whole mosaic.
	r.report.Tiles = total
	r.report.Components = componentSizes(comps)
	r.report.Interesting = len(interesting)
	return r.complete(ctx)
}

// registerLayer pre-aligns the current layer's components to the previous
// layer's, matches tiles across the two layers and re-solves the whole
// accumulated graph.
func (r *run) registerLayer(ctx context.Context, global *tile.Set, prevLayer, curLayer Layer, prevIDs, curIDs []int, base int, allFixed []int, intra, cross Params) error {
	e := r.e

	curComps := global.Components(curIDs)
	prevComps := previousComponents(global, base, prevIDs)

	for _, cur := range curComps {
		for _, prev := range prevComps {
			if err := ctx.Err(); err != nil {
				return r.abort(err)
			}
			curPatches := patchesOf(global, cur)
			b, err := e.alignBlocks(ctx, prevLayer, curLayer, patchesOf(global, prev), curPatches, cross)
			if err != nil {
				if ctx.Err() != nil {
					return r.abort(ctx.Err())
				}
				e.log.Info("block alignment failed",
					"run_id", r.id,
					"layer", curLayer.ID(),
					"previous", prevLayer.ID(),
					"error", err)
				continue
			}
			for _, id := range cur {
				patch := patchOf(global, id)
				patch.PreConcatenate(b)
				global.Tile(id).Model.Set(patch.Affine())
			}
			r.report.BlocksAligned++
		}
	}

	pairs := tile.OverlappingPairsBetween(global, prevIDs, curIDs)
	r.report.Pairs += len(pairs)
	accepted, rejected, err := e.matchPairs(ctx, global, pairs, cross)
	if err != nil {
		return r.abort(err)
	}
	r.report.Edges += accepted
	r.report.Rejected += rejected
	if err := r.advance(ctx, StateMatched, map[string]any{
		"layer":    curLayer.ID(),
		"pairs":    len(pairs),
		"accepted": accepted,
		"rejected": rejected,
	}); err != nil {
		return err
	}

	ids := global.IDs()
	res, err := global.Optimize(ctx, ids, anchors(global.Components(ids), allFixed), tile.OptimizeParams{
		MaxIterations: intra.MaxIterations,
		Tolerance:     intra.ConvergenceTolerance,
	})
	if err != nil {
		return r.abort(err)
	}
	r.report.Iterations += res.Iterations
	r.report.MeanError = res.MeanError
	if res.MaxError > r.report.MaxError {
		r.report.MaxError = res.MaxError
	}
	if err := r.advance(ctx, StateOptimized, map[string]any{
		"layer":      curLayer.ID(),
		"iterations": res.Iterations,
		"converged":  res.Converged,
		"max_error":  res.MaxError,
	}); err != nil {
		return err
	}

	for _, id := range ids {
		patchOf(global, id).SetAffine(global.Tile(id).Model.Affine())
	}
	return r.advance(ctx, StateTransformsApplied, map[string]any{"applied": len(ids)})
}

// previousComponents partitions the tiles added before base and keeps the
// members that belong to the previous layer, preserving component order.
func previousComponents(global *tile.Set, base int, prevIDs []int) []tile.Component {
	earlier := make([]int, base)
	for i := range earlier {
		earlier[i] = i
	}
	inPrev := make(map[int]bool, len(prevIDs))
	for _, id := range prevIDs {
		inPrev[id] = true
	}
	var out []tile.Component
	for _, c := range global.Components(earlier) {
		var kept tile.Component
		for _, id := range c {
			if inPrev[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

func patchesOf(set *tile.Set, ids []int) []Patch {
	out := make([]Patch, len(ids))
	for i, id := range ids {
		out[i] = patchOf(set, id)
	}
	return out
}
