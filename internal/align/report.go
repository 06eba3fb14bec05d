package align

import "time"

// Report summarises one engine operation. Counters accumulate over every
// layer the operation touched.
type Report struct {
	RunID string
	State State

	Tiles    int
	Pairs    int
	Edges    int
	Rejected int
	// Components holds the component sizes of the final partition.
	Components []int

	Interesting int
	Hidden      int
	Removed     int

	Iterations int
	MeanError  float64
	MaxError   float64

	Layers        int
	BlocksAligned int
	Deformed      int
	VirtualEdges  int

	Duration time.Duration
}

// Meta flattens the report for job results and storage.
func (r *Report) Meta() map[string]any {
	return map[string]any{
		"run_id":         r.RunID,
		"state":          r.State.String(),
		"tiles":          r.Tiles,
		"pairs":          r.Pairs,
		"edges":          r.Edges,
		"rejected":       r.Rejected,
		"components":     r.Components,
		"interesting":    r.Interesting,
		"hidden":         r.Hidden,
		"removed":        r.Removed,
		"iterations":     r.Iterations,
		"mean_error":     r.MeanError,
		"max_error":      r.MaxError,
		"layers":         r.Layers,
		"blocks_aligned": r.BlocksAligned,
		"deformed":       r.Deformed,
		"virtual_edges":  r.VirtualEdges,
		"duration_ms":    r.Duration.Milliseconds(),
	}
}
