package tile

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// Component is a connected set of tile ids, ascending.
type Component []int

// Components partitions ids into connected components using only edges
// whose both ends are in ids. Components are returned in order of their
// smallest id.
func (s *Set) Components(ids []int) []Component {
	members := memberSet(ids)
	g := simple.NewUndirectedGraph()
	for id := range members {
		g.AddNode(simple.Node(id))
	}
	for _, e := range s.Edges() {
		if members[e.A] && members[e.B] && !g.HasEdgeBetween(int64(e.A), int64(e.B)) {
			g.SetEdge(g.NewEdge(simple.Node(e.A), simple.Node(e.B)))
		}
	}

	starts := append([]int(nil), ids...)
	sort.Ints(starts)

	var (
		out     []Component
		current Component
	)
	bf := traverse.BreadthFirst{
		Visit: func(n graph.Node) {
			current = append(current, int(n.ID()))
		},
	}
	for _, id := range starts {
		start := simple.Node(id)
		if bf.Visited(start) {
			continue
		}
		current = nil
		bf.Walk(g, start, nil)
		sort.Ints(current)
		out = append(out, current)
	}
	return out
}

// Largest returns the component with the most tiles; the first one wins ties.
func Largest(cs []Component) Component {
	var best Component
	for _, c := range cs {
		if len(c) > len(best) {
			best = c
		}
	}
	return best
}
