// Package feature defines scale-invariant image features, the extractor
// boundary and the descriptor matcher used to propose correspondences.
package feature

import (
	"context"
	"image"
	"math"

	"montage/internal/geom"

	"golang.org/x/image/draw"
)

// Feature is a keypoint with its descriptor. Location is in the pixel frame
// of the image it was extracted from.
type Feature struct {
	Location    geom.Point
	Scale       float64
	Orientation float64
	Descriptor  []float32
}

// Params controls extraction.
type Params struct {
	// MaxOctaveSize caps the longer image side; larger images are downscaled
	// before extraction.
	MaxOctaveSize int `json:"max_octave_size"`
	// MinOctaveSize skips images whose longer side is smaller.
	MinOctaveSize int `json:"min_octave_size"`
}

// DefaultParams matches the usual SIFT setup for tiles of a few megapixels.
func DefaultParams() Params {
	return Params{MaxOctaveSize: 1024, MinOctaveSize: 64}
}

// Extractor finds features in a grayscale image.
type Extractor interface {
	Extract(ctx context.Context, img *image.Gray, p Params) ([]Feature, error)
}

// ExtractScaled downscales img so its longer side fits p.MaxOctaveSize, runs
// ex on it and maps the feature locations back to img's pixel frame.
func ExtractScaled(ctx context.Context, ex Extractor, img *image.Gray, p Params) ([]Feature, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longer := w
	if h > longer {
		longer = h
	}
	if longer == 0 || (p.MinOctaveSize > 0 && longer < p.MinOctaveSize) {
		return nil, nil
	}
	if p.MaxOctaveSize <= 0 || longer <= p.MaxOctaveSize {
		return ex.Extract(ctx, img, p)
	}

	s := float64(p.MaxOctaveSize) / float64(longer)
	dw := int(math.Max(1, math.Round(float64(w)*s)))
	dh := int(math.Max(1, math.Round(float64(h)*s)))
	small := Downscale(img, dw, dh)

	feats, err := ex.Extract(ctx, small, p)
	if err != nil {
		return nil, err
	}
	sx := float64(w) / float64(dw)
	sy := float64(h) / float64(dh)
	for i := range feats {
		feats[i].Location = geom.Pt(
			float64(b.Min.X)+feats[i].Location.X*sx,
			float64(b.Min.Y)+feats[i].Location.Y*sy,
		)
		feats[i].Scale *= (sx + sy) / 2
	}
	return feats, nil
}

// Downscale resamples img to w x h with bilinear interpolation.
func Downscale(img *image.Gray, w, h int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
