package project

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"sync"

	_ "image/jpeg"

	"montage/internal/fsutil"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	"gopkg.in/gographics/imagick.v3/imagick"
)

var magickOnce sync.Once

// decodeGray loads an image file as 8-bit gray. Formats the Go decoders do
// not handle are converted to PNG through ImageMagick first.
func decodeGray(path string) (*image.Gray, error) {
	var (
		img image.Image
		err error
	)
	if !fsutil.NeedsMagick(path) {
		img, err = decodeNative(path)
	}
	if img == nil {
		img, err = decodeMagick(path)
	}
	if err != nil {
		return nil, err
	}
	return toGray(img), nil
}

func decodeNative(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %v", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %v", path, err)
	}
	return img, nil
}

func decodeMagick(path string) (image.Image, error) {
	magickOnce.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read %s with ImageMagick: %v", path, err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return nil, fmt.Errorf("failed to convert %s: %v", path, err)
	}
	blob, err := mw.GetImageBlob()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %v", path, err)
	}
	img, err := png.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to decode converted %s: %v", path, err)
	}
	return img, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// imageSize reads only the header when the Go decoders understand the file.
func imageSize(path string) (int, int, error) {
	if !fsutil.NeedsMagick(path) {
		if f, err := os.Open(path); err == nil {
			cfg, _, err := image.DecodeConfig(f)
			f.Close()
			if err == nil {
				return cfg.Width, cfg.Height, nil
			}
		}
	}
	img, err := decodeGray(path)
	if err != nil {
		return 0, 0, err
	}
	return img.Bounds().Dx(), img.Bounds().Dy(), nil
}
