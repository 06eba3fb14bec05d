package align

import (
	"fmt"

	"montage/internal/feature"
	"montage/internal/model"
)

// Params configures feature matching, model fitting and the global solve.
type Params struct {
	Feature feature.Params `json:"feature"`

	// Rod is the closest/next-closest descriptor distance ratio.
	Rod float64 `json:"rod"`
	// MaxEpsilon is the RANSAC inlier distance in pixels.
	MaxEpsilon         float64 `json:"max_epsilon"`
	MinInlierRatio     float64 `json:"min_inlier_ratio"`
	MinMatchMultiplier int     `json:"min_match_multiplier"`
	MaxTrust           float64 `json:"max_trust"`
	RansacIterations   int     `json:"ransac_iterations"`

	// ExpectedModel is fitted between tile pairs, DesiredModel per tile in
	// the global solve.
	ExpectedModel model.Type `json:"expected_model"`
	DesiredModel  model.Type `json:"desired_model"`

	Regularize       bool       `json:"regularize"`
	RegularizerModel model.Type `json:"regularizer_model"`
	Lambda           float64    `json:"lambda"`

	MaxIterations        int     `json:"max_iterations"`
	ConvergenceTolerance float64 `json:"convergence_tolerance"`

	Seed int64 `json:"seed"`
}

// DefaultParams returns the parameters used for light-microscopy montages.
func DefaultParams() Params {
	return Params{
		Feature:              feature.DefaultParams(),
		Rod:                  0.92,
		MaxEpsilon:           25,
		MinInlierRatio:       0.05,
		MinMatchMultiplier:   3,
		MaxTrust:             4,
		RansacIterations:     1000,
		ExpectedModel:        model.Rigid,
		DesiredModel:         model.Rigid,
		RegularizerModel:     model.Rigid,
		Lambda:               0.1,
		MaxIterations:        2000,
		ConvergenceTolerance: 0.01,
		Seed:                 1,
	}
}

// Clone returns an independent copy.
func (p Params) Clone() Params {
	return p
}

// Validate reports the first out-of-range parameter.
func (p Params) Validate() error {
	switch {
	case p.Feature.MaxOctaveSize <= 0:
		return fmt.Errorf("max octave size must be positive, got %d", p.Feature.MaxOctaveSize)
	case p.Rod <= 0 || p.Rod > 1:
		return fmt.Errorf("rod must be in (0,1], got %v", p.Rod)
	case p.MaxEpsilon <= 0:
		return fmt.Errorf("max epsilon must be positive, got %v", p.MaxEpsilon)
	case p.MinInlierRatio < 0 || p.MinInlierRatio > 1:
		return fmt.Errorf("min inlier ratio must be in [0,1], got %v", p.MinInlierRatio)
	case p.MinMatchMultiplier < 1:
		return fmt.Errorf("min match multiplier must be at least 1, got %d", p.MinMatchMultiplier)
	case p.RansacIterations < 1:
		return fmt.Errorf("ransac iterations must be positive, got %d", p.RansacIterations)
	case p.Regularize && (p.Lambda < 0 || p.Lambda > 1):
		return fmt.Errorf("lambda must be in [0,1], got %v", p.Lambda)
	case p.MaxIterations < 1:
		return fmt.Errorf("max iterations must be positive, got %d", p.MaxIterations)
	case p.ConvergenceTolerance < 0:
		return fmt.Errorf("convergence tolerance must not be negative, got %v", p.ConvergenceTolerance)
	}
	return nil
}

// newModel returns an identity instance of the per-tile model.
func (p Params) newModel() model.Model {
	if p.Regularize {
		return model.NewInterpolated(p.DesiredModel, p.RegularizerModel, p.Lambda)
	}
	return model.New(p.DesiredModel)
}

func (p Params) ransac(minMatches int) model.RansacParams {
	return model.RansacParams{
		Iterations:     p.RansacIterations,
		MaxEpsilon:     p.MaxEpsilon,
		MinInlierRatio: p.MinInlierRatio,
		MinNumInliers:  p.MinMatchMultiplier * minMatches,
		MaxTrust:       p.MaxTrust,
	}
}

// Options select how tiles are paired and what happens to tiles outside
// the largest connected component.
type Options struct {
	// TilesAreInPlace pairs only tiles whose current placements overlap.
	TilesAreInPlace bool `json:"tiles_are_in_place"`
	// LargestGraphOnly optimizes only the largest component.
	LargestGraphOnly   bool `json:"largest_graph_only"`
	HideDisconnected   bool `json:"hide_disconnected"`
	DeleteDisconnected bool `json:"delete_disconnected"`
	// Deform appends a non-rigid correction after a multi-layer mosaic.
	Deform bool `json:"deform"`
	// VirtualConnections bridges components through overlapping placements.
	VirtualConnections bool `json:"virtual_connections"`
	// RunID names the run in logs and reports; empty gets a random id.
	RunID string `json:"run_id,omitempty"`
}
