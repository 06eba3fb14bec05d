package tile

import (
	"sort"

	"montage/internal/geom"
)

// Pair is a candidate tile pair with A < B, except for pairs produced by
// OverlappingPairsBetween where A comes from the first group.
type Pair struct {
	A, B int
}

// AllPairs returns every unordered pair of ids.
func AllPairs(ids []int) []Pair {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	var out []Pair
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			out = append(out, Pair{A: sorted[i], B: sorted[j]})
		}
	}
	return out
}

type sweepItem struct {
	id    int
	group int
	box   geom.Rect
}

// sweep reports every pair of items whose boxes overlap, scanning in order
// of the left edge.
func sweep(items []sweepItem, emit func(a, b sweepItem)) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].box.X != items[j].box.X {
			return items[i].box.X < items[j].box.X
		}
		return items[i].id < items[j].id
	})
	for i := range items {
		maxX := items[i].box.MaxX()
		for j := i + 1; j < len(items) && items[j].box.X < maxX; j++ {
			if items[i].box.Intersects(items[j].box) {
				emit(items[i], items[j])
			}
		}
	}
}

// OverlappingPairs returns the pairs of ids whose world boxes overlap.
func OverlappingPairs(s *Set, ids []int) []Pair {
	items := make([]sweepItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, sweepItem{id: id, box: s.Tile(id).WorldBox()})
	}
	var out []Pair
	sweep(items, func(a, b sweepItem) {
		if a.id > b.id {
			a, b = b, a
		}
		out = append(out, Pair{A: a.id, B: b.id})
	})
	sortPairs(out)
	return out
}

// OverlappingPairsBetween returns the overlapping pairs with A in group a and
// B in group b.
func OverlappingPairsBetween(s *Set, a, b []int) []Pair {
	items := make([]sweepItem, 0, len(a)+len(b))
	for _, id := range a {
		items = append(items, sweepItem{id: id, group: 0, box: s.Tile(id).WorldBox()})
	}
	for _, id := range b {
		items = append(items, sweepItem{id: id, group: 1, box: s.Tile(id).WorldBox()})
	}
	var out []Pair
	sweep(items, func(x, y sweepItem) {
		if x.group == y.group || x.id == y.id {
			return
		}
		if x.group == 1 {
			x, y = y, x
		}
		out = append(out, Pair{A: x.id, B: y.id})
	})
	sortPairs(out)
	return out
}

func sortPairs(ps []Pair) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].A != ps[j].A {
			return ps[i].A < ps[j].A
		}
		return ps[i].B < ps[j].B
	})
}
