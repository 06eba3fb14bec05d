package align

import (
	"montage/internal/model"
	"montage/internal/tile"
)

// applyPolicy hides and/or removes the patches outside interesting. It only
// acts under LargestGraphOnly; interesting patches are never touched.
func (r *run) applyPolicy(set *tile.Set, comps []tile.Component, interesting []int, opt Options) {
	if !opt.LargestGraphOnly || (!opt.HideDisconnected && !opt.DeleteDisconnected) {
		return
	}
	keep := make(map[int]bool, len(interesting))
	for _, id := range interesting {
		keep[id] = true
	}
	for _, c := range comps {
		for _, id := range c {
			if keep[id] {
				continue
			}
			patch := patchOf(set, id)
			if opt.HideDisconnected {
				patch.SetVisible(false)
				r.report.Hidden++
			}
			if opt.DeleteDisconnected {
				patch.Remove()
				r.report.Removed++
			}
		}
	}
	r.e.log.Info("disconnected patches handled",
		"run_id", r.id,
		"hidden", r.report.Hidden,
		"removed", r.report.Removed)
}

// connectVirtually links overlapping tiles of different components with
// the correspondence implied by their current placements: the corners of
// the overlap, expressed in each tile's local frame. It returns the number
// of edges added.
func connectVirtually(set *tile.Set, ids []int, comps []tile.Component) int {
	compOf := make(map[int]int, len(ids))
	for ci, c := range comps {
		for _, id := range c {
			compOf[id] = ci
		}
	}

	added := 0
	for _, pr := range tile.OverlappingPairs(set, ids) {
		if compOf[pr.A] == compOf[pr.B] {
			continue
		}
		ta, tb := set.Tile(pr.A), set.Tile(pr.B)
		overlap := ta.WorldBox().Intersection(tb.WorldBox())
		if overlap.Empty() {
			continue
		}
		invA, errA := ta.Model.Affine().Inverse()
		invB, errB := tb.Model.Affine().Inverse()
		if errA != nil || errB != nil {
			continue
		}
		var ms []model.PointMatch
		for _, c := range overlap.Corners() {
			ms = append(ms, model.PointMatch{Source: invA.Apply(c), Target: invB.Apply(c)})
		}
		set.Connect(pr.A, pr.B, ms)
		added++
	}
	set.SortEdges()
	return added
}

