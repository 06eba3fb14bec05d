// Package cvsift extracts SIFT features with OpenCV.
package cvsift

import (
	"context"
	"fmt"
	"image"

	"montage/internal/feature"
	"montage/internal/geom"

	"gocv.io/x/gocv"
)

// Extractor runs cv::SIFT on grayscale images. It is safe for concurrent
// use; each call creates its own detector.
type Extractor struct{}

// New returns an OpenCV backed extractor.
func New() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, img *image.Gray, p feature.Params) ([]feature.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %v", err)
	}
	defer src.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	sift := gocv.NewSIFT()
	defer sift.Close()

	kps, desc := sift.DetectAndCompute(src, mask)
	defer desc.Close()

	if len(kps) == 0 || desc.Empty() {
		return nil, nil
	}
	if desc.Rows() != len(kps) {
		return nil, fmt.Errorf("descriptor rows %d do not match %d keypoints", desc.Rows(), len(kps))
	}

	b := img.Bounds()
	cols := desc.Cols()
	out := make([]feature.Feature, len(kps))
	for i, kp := range kps {
		d := make([]float32, cols)
		for c := 0; c < cols; c++ {
			d[c] = desc.GetFloatAt(i, c)
		}
		out[i] = feature.Feature{
			Location:    geom.Pt(float64(b.Min.X)+kp.X, float64(b.Min.Y)+kp.Y),
			Scale:       kp.Size,
			Orientation: kp.Angle,
			Descriptor:  d,
		}
	}
	return out, nil
}
