package transform

import (
	"encoding/json"
	"fmt"

	"montage/internal/geom"
	"montage/internal/model"
)

// Kinds stored in a Spec.
const (
	KindAffine = "affine"
	KindList   = "list"
	KindMLS    = "mls"
)

// Spec is the serialisable description of a CoordinateTransform.
type Spec struct {
	Kind     string             `json:"kind"`
	Affine   *[6]float64        `json:"affine,omitempty"`
	Model    model.Type         `json:"model,omitempty"`
	Alpha    float64            `json:"alpha,omitempty"`
	Matches  []model.PointMatch `json:"matches,omitempty"`
	Children []Spec             `json:"children,omitempty"`
}

// ToSpec describes t. Only the transforms of this package are supported.
func ToSpec(t CoordinateTransform) (Spec, error) {
	switch v := t.(type) {
	case Affine:
		a := v.M.Array()
		return Spec{Kind: KindAffine, Affine: &a}, nil
	case *Affine:
		return ToSpec(*v)
	case List:
		s := Spec{Kind: KindList}
		for _, c := range v {
			cs, err := ToSpec(c)
			if err != nil {
				return Spec{}, err
			}
			s.Children = append(s.Children, cs)
		}
		return s, nil
	case *MovingLeastSquares:
		return Spec{Kind: KindMLS, Model: v.Model, Alpha: v.Alpha, Matches: v.Matches}, nil
	default:
		return Spec{}, fmt.Errorf("unsupported coordinate transform %T", t)
	}
}

// FromSpec rebuilds the transform described by s.
func FromSpec(s Spec) (CoordinateTransform, error) {
	switch s.Kind {
	case KindAffine:
		if s.Affine == nil {
			return nil, fmt.Errorf("affine transform without coefficients")
		}
		return Affine{M: geom.FromArray(*s.Affine)}, nil
	case KindList:
		l := make(List, 0, len(s.Children))
		for _, c := range s.Children {
			t, err := FromSpec(c)
			if err != nil {
				return nil, err
			}
			l = append(l, t)
		}
		return l, nil
	case KindMLS:
		return NewMovingLeastSquares(s.Model, s.Alpha, s.Matches)
	default:
		return nil, fmt.Errorf("unknown transform kind %q", s.Kind)
	}
}

// Marshal encodes t as JSON through its Spec.
func Marshal(t CoordinateTransform) ([]byte, error) {
	s, err := ToSpec(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Unmarshal decodes a transform written by Marshal.
func Unmarshal(data []byte) (CoordinateTransform, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode transform: %v", err)
	}
	return FromSpec(s)
}
