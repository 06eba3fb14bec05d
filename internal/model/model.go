// Package model implements the parametric 2D transforms fitted to point
// correspondences: translation, rigid, similarity and affine, plus a
// regularised blend of two of them. Fits are weighted least squares.
package model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"montage/internal/geom"
)

var (
	// ErrNotEnoughDataPoints means fewer correspondences than the model's minimum.
	ErrNotEnoughDataPoints = errors.New("not enough data points")
	// ErrIllDefinedData means the correspondences do not constrain the model (collinear, coincident).
	ErrIllDefinedData = errors.New("ill-defined data")
	// ErrNoModel means no hypothesis satisfied the inlier requirements.
	ErrNoModel = errors.New("no model found")
)

// Type selects a model family.
type Type int

const (
	Translation Type = iota
	Rigid
	Similarity
	Affine
)

var typeNames = [...]string{"translation", "rigid", "similarity", "affine"}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("model(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType accepts a model name (case-insensitive) or its index.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range typeNames {
		if s == name || s == fmt.Sprint(i) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown model type %q", s)
}

// MarshalText encodes the model name.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a model name.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MinNumMatches is the minimal sample size for the model family.
func (t Type) MinNumMatches() int {
	switch t {
	case Translation:
		return 1
	case Rigid, Similarity:
		return 2
	default:
		return 3
	}
}

// PointMatch is a correspondence: Source in one frame, Target in another.
// A zero Weight counts as 1.
type PointMatch struct {
	Source geom.Point `json:"source"`
	Target geom.Point `json:"target"`
	Weight float64    `json:"weight,omitempty"`
}

// W returns the effective weight.
func (m PointMatch) W() float64 {
	if m.Weight == 0 {
		return 1
	}
	return m.Weight
}

// Inverse swaps source and target.
func (m PointMatch) Inverse() PointMatch {
	return PointMatch{Source: m.Target, Target: m.Source, Weight: m.Weight}
}

// InverseAll flips every match in ms into a new slice.
func InverseAll(ms []PointMatch) []PointMatch {
	out := make([]PointMatch, len(ms))
	for i, m := range ms {
		out[i] = m.Inverse()
	}
	return out
}

// Model is a fitted transform. Implementations are not safe for concurrent
// mutation; use Copy to hand a model to another goroutine.
type Model interface {
	Type() Type
	MinNumMatches() int
	// Fit replaces the parameters with the weighted least-squares solution
	// mapping every Source onto its Target. On error the model is unchanged.
	Fit(matches []PointMatch) error
	Apply(p geom.Point) geom.Point
	Affine() geom.Affine
	// Set approximates an arbitrary affine within the model family.
	Set(a geom.Affine)
	Copy() Model
}

// New returns an identity model of the given family.
func New(t Type) Model {
	switch t {
	case Translation:
		return &TranslationModel{}
	case Rigid:
		return &RigidModel{m: geom.Identity()}
	case Similarity:
		return &SimilarityModel{m: geom.Identity()}
	default:
		return &AffineModel{m: geom.Identity()}
	}
}

// Residual is the distance between the transformed source and the target.
func Residual(m Model, pm PointMatch) float64 {
	return m.Apply(pm.Source).Distance(pm.Target)
}

// Cost returns the weighted mean residual of m over matches.
func Cost(m Model, matches []PointMatch) float64 {
	var sum, wsum float64
	for _, pm := range matches {
		w := pm.W()
		sum += w * Residual(m, pm)
		wsum += w
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// MaxResidual returns the largest residual of m over matches.
func MaxResidual(m Model, matches []PointMatch) float64 {
	var max float64
	for _, pm := range matches {
		max = math.Max(max, Residual(m, pm))
	}
	return max
}
