package loaders

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/cockroachdb/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

/** @brief Decoded image, always tightly packed RGBA8. */
type Image struct {
	Width  uint32
	Height uint32
	// Format name reported by the decoder, e.g. "png".
	Format string
	Pixels []byte
}

type ImageLoader struct{}

func (il *ImageLoader) Load(path string) (interface{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %s", path)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %s", path)
	}
	return ToRGBA(img, format), nil
}

// ToRGBA converts any decoded image to RGBA8 with the origin at (0, 0).
func ToRGBA(img image.Image, format string) *Image {
	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != bounds.Dx()*4 || bounds.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	}
	return &Image{
		Width:  uint32(bounds.Dx()),
		Height: uint32(bounds.Dy()),
		Format: format,
		Pixels: rgba.Pix,
	}
}
