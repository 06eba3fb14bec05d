package align

import "fmt"

// State is the phase a run has reached.
type State int

const (
	StateIdle State = iota
	StatePairsGenerated
	StateMatched
	StatePartitioned
	StateOptimized
	StateTransformsApplied
	StateComplete
	StateAborted
)

var stateNames = [...]string{
	"idle",
	"pairs-generated",
	"matched",
	"partitioned",
	"optimized",
	"transforms-applied",
	"complete",
	"aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}
