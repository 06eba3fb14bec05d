// Package featuretest builds synthetic landmark images whose features can be
// matched exactly, and an extractor for them. Tests across the module use it
// in place of SIFT.
package featuretest

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"

	"montage/internal/feature"
	"montage/internal/geom"
)

// Background is the gray level between landmarks.
const Background = 50

const (
	landmarkMin    = 150
	spacing        = 8
	descriptorSize = 128
)

// World is a large image sprinkled with uniquely coloured landmarks. Each
// landmark is a horizontal pair of pixels whose two values identify it.
type World struct {
	Img *image.Gray

	marks []landmark
}

type landmark struct {
	at     image.Point
	v1, v2 uint8
}

// NewWorld draws a w x h world. The same seed gives the same world.
func NewWorld(w, h int, seed int64) *World {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = Background
	}

	rng := rand.New(rand.NewSource(seed))
	var marks []landmark
	k := 0
	for y := 1; y+4 < h; y += spacing {
		for x := 1; x+5 < w; x += spacing {
			px := x + rng.Intn(4)
			py := y + rng.Intn(4)
			v1 := uint8(landmarkMin + k%101)
			v2 := uint8(landmarkMin + (k/101)%101)
			img.SetGray(px, py, color.Gray{Y: v1})
			img.SetGray(px+1, py, color.Gray{Y: v2})
			marks = append(marks, landmark{at: image.Pt(px, py), v1: v1, v2: v2})
			k++
		}
	}
	return &World{Img: img, marks: marks}
}

// Transformed redraws the world with every landmark moved by a. Landmarks
// are placed rather than resampled, so they stay detectable under rotation.
// Landmarks that leave the world are dropped.
func (wd *World) Transformed(a geom.Affine) *World {
	b := wd.Img.Bounds()
	img := image.NewGray(b)
	for i := range img.Pix {
		img.Pix[i] = Background
	}
	var marks []landmark
	for _, m := range wd.marks {
		to := a.Apply(geom.Pt(float64(m.at.X), float64(m.at.Y)))
		pt := image.Pt(int(math.Floor(to.X+0.5)), int(math.Floor(to.Y+0.5)))
		if pt.X < b.Min.X+1 || pt.X+2 > b.Max.X || !pt.In(b) {
			continue
		}
		img.SetGray(pt.X, pt.Y, color.Gray{Y: m.v1})
		img.SetGray(pt.X+1, pt.Y, color.Gray{Y: m.v2})
		marks = append(marks, landmark{at: pt, v1: m.v1, v2: m.v2})
	}
	return &World{Img: img, marks: marks}
}

// Crop copies the w x h window at (x, y) into a new image with origin 0,0.
// Pixels outside the world are background.
func (wd *World) Crop(x, y, w, h int) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			sx, sy := x+i, y+j
			if image.Pt(sx, sy).In(wd.Img.Bounds()) {
				out.Pix[j*out.Stride+i] = wd.Img.GrayAt(sx, sy).Y
			} else {
				out.Pix[j*out.Stride+i] = Background
			}
		}
	}
	return out
}

// Extractor detects the landmarks drawn by NewWorld. A landmark is found
// only when both of its pixels and its left neighbour are inside the image.
type Extractor struct{}

func (Extractor) Extract(ctx context.Context, img *image.Gray, _ feature.Params) ([]feature.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	var out []feature.Feature
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X + 1; x+1 < b.Max.X; x++ {
			left := img.GrayAt(x-1, y).Y
			v1 := img.GrayAt(x, y).Y
			v2 := img.GrayAt(x+1, y).Y
			if left < landmarkMin && v1 >= landmarkMin && v2 >= landmarkMin {
				out = append(out, feature.Feature{
					Location:   geom.Pt(float64(x), float64(y)),
					Scale:      1,
					Descriptor: descriptor(v1, v2),
				})
			}
		}
	}
	return out, nil
}

// descriptor spreads a landmark's two values into a pseudo-random vector so
// that unrelated landmarks are far apart and roughly equidistant, as with
// real SIFT descriptors.
func descriptor(v1, v2 uint8) []float32 {
	rng := rand.New(rand.NewSource(int64(v1)<<8 | int64(v2)))
	d := make([]float32, descriptorSize)
	for i := range d {
		d[i] = rng.Float32()
	}
	return d
}
