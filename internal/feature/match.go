package feature

import (
	"math"

	"montage/internal/model"
)

// Match pairs every feature of a with its nearest neighbour in b when the
// nearest descriptor distance is below rod times the second-nearest. Targets
// claimed by more than one source are dropped as ambiguous.
func Match(a, b []Feature, rod float64) []model.PointMatch {
	if len(a) == 0 || len(b) < 2 {
		return nil
	}

	type claim struct {
		src, dst int
	}
	var claims []claim
	claimed := make(map[int]int)
	for i, fa := range a {
		best, second := math.Inf(1), math.Inf(1)
		bestIdx := -1
		for j, fb := range b {
			d := descriptorDistance(fa.Descriptor, fb.Descriptor)
			switch {
			case d < best:
				second = best
				best, bestIdx = d, j
			case d < second:
				second = d
			}
		}
		if bestIdx < 0 || best >= rod*second {
			continue
		}
		claims = append(claims, claim{src: i, dst: bestIdx})
		claimed[bestIdx]++
	}

	var out []model.PointMatch
	for _, c := range claims {
		if claimed[c.dst] > 1 {
			continue
		}
		out = append(out, model.PointMatch{
			Source: a[c.src].Location,
			Target: b[c.dst].Location,
		})
	}
	return out
}

func descriptorDistance(x, y []float32) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(x[i]) - float64(y[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
