// Package tile holds the registration graph: an arena of tiles addressed by
// integer id, the edge list of verified correspondences between them, and
// the algorithms that run over it (pair generation, connectivity and the
// global optimizer).
package tile

import (
	"errors"
	"sort"
	"sync"

	"montage/internal/geom"
	"montage/internal/model"
)

// ErrFixedNotInSet is returned when a fixed tile is not among the tiles to optimize.
var ErrFixedNotInSet = errors.New("fixed tile not in set")

// Tile is one image in the registration graph. Model maps tile-local pixel
// coordinates to the common frame.
type Tile struct {
	ID     int
	Width  float64
	Height float64
	Model  model.Model
	// Ref points back at the host object the tile was built from.
	Ref any
}

// Rect is the tile's local pixel rectangle.
func (t *Tile) Rect() geom.Rect {
	return geom.NewRect(0, 0, t.Width, t.Height)
}

// WorldBox is the bounding box of the tile under its current model.
func (t *Tile) WorldBox() geom.Rect {
	return t.Model.Affine().BoundingBox(t.Rect())
}

// Edge connects tiles A < B. Each match has Source in A's local frame and
// Target in B's local frame.
type Edge struct {
	A, B    int
	Matches []model.PointMatch
}

// Other returns the tile at the opposite end of the edge.
func (e Edge) Other(id int) int {
	if id == e.A {
		return e.B
	}
	return e.A
}

// MatchesFrom returns the matches with Source in id's local frame.
func (e Edge) MatchesFrom(id int) []model.PointMatch {
	if id == e.A {
		return e.Matches
	}
	return model.InverseAll(e.Matches)
}

// Set is the tile arena. Tiles are added, never removed, so ids stay valid
// for the lifetime of the set. Connect may be called concurrently.
type Set struct {
	tiles []*Tile

	mu    sync.Mutex
	edges []Edge
	adj   map[int][]int
}

// NewSet returns an empty arena.
func NewSet() *Set {
	return &Set{}
}

// Add appends a tile and returns its id.
func (s *Set) Add(width, height float64, m model.Model, ref any) int {
	id := len(s.tiles)
	s.tiles = append(s.tiles, &Tile{ID: id, Width: width, Height: height, Model: m, Ref: ref})
	return id
}

// Tile returns the tile with the given id.
func (s *Set) Tile(id int) *Tile {
	return s.tiles[id]
}

// Len is the number of tiles.
func (s *Set) Len() int {
	return len(s.tiles)
}

// IDs lists every tile id in ascending order.
func (s *Set) IDs() []int {
	ids := make([]int, len(s.tiles))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// Connect records verified matches between a and b. Matches are oriented
// with Source in a's frame; they are flipped when a > b.
func (s *Set) Connect(a, b int, matches []model.PointMatch) {
	if a == b || len(matches) == 0 {
		return
	}
	ms := append([]model.PointMatch(nil), matches...)
	if a > b {
		a, b = b, a
		ms = model.InverseAll(ms)
	}

	s.mu.Lock()
	s.edges = append(s.edges, Edge{A: a, B: b, Matches: ms})
	s.adj = nil
	s.mu.Unlock()
}

// SortEdges orders the edge list by (A, B) so results do not depend on the
// order concurrent matchers finished in.
func (s *Set) SortEdges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.SliceStable(s.edges, func(i, j int) bool {
		if s.edges[i].A != s.edges[j].A {
			return s.edges[i].A < s.edges[j].A
		}
		return s.edges[i].B < s.edges[j].B
	})
	s.adj = nil
}

// Edges returns a snapshot of the edge list.
func (s *Set) Edges() []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Edge(nil), s.edges...)
}

// Neighbors lists the tiles sharing an edge with id, ascending.
func (s *Set) Neighbors(id int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adj == nil {
		s.adj = make(map[int][]int)
		seen := make(map[[2]int]bool)
		for _, e := range s.edges {
			if seen[[2]int{e.A, e.B}] {
				continue
			}
			seen[[2]int{e.A, e.B}] = true
			s.adj[e.A] = append(s.adj[e.A], e.B)
			s.adj[e.B] = append(s.adj[e.B], e.A)
		}
		for k := range s.adj {
			sort.Ints(s.adj[k])
		}
	}
	return append([]int(nil), s.adj[id]...)
}

// incident returns, for each member tile, the edges whose both ends are members.
func (s *Set) incident(members map[int]bool) map[int][]Edge {
	out := make(map[int][]Edge)
	for _, e := range s.Edges() {
		if members[e.A] && members[e.B] {
			out[e.A] = append(out[e.A], e)
			out[e.B] = append(out[e.B], e)
		}
	}
	return out
}

func memberSet(ids []int) map[int]bool {
	m := make(map[int]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
