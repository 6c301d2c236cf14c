// Package imageprocessor decodes biometric captures and computes the
// intensity statistics the built-in providers score against.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnreadable is returned when the input file cannot be read.
	ErrUnreadable = errors.New("input file is unreadable")
	// ErrUnsupportedFormat is returned when no registered codec accepts the input.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// MaxPixels bounds the decoded size of a capture. Larger images are
// rejected from their header before any pixel data is allocated.
const MaxPixels = 40_000_000

// Image is a decoded capture with a precomputed luminance plane.
type Image struct {
	Source image.Image
	Format string
	Width  int
	Height int
	// Gray holds luminance in [0,255], row-major.
	Gray []float64
	// Color is false when every pixel has R == G == B.
	Color bool
}

// Load reads and decodes the image at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return Decode(data)
}

// Decode decodes an in-memory capture.
func Decode(data []byte) (*Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedFormat)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedFormat, cfg.Width, cfg.Height, MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	bounds := img.Bounds()
	out := &Image{
		Source: img,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Gray:   make([]float64, bounds.Dx()*bounds.Dy()),
	}
	if out.Width == 0 || out.Height == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedFormat)
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.R != c.G || c.G != c.B {
				out.Color = true
			}
			out.Gray[i] = luminance(c)
			i++
		}
	}
	return out, nil
}

// RGB returns the 8-bit colour components of the pixel at (x, y), relative
// to the image origin.
func (im *Image) RGB(x, y int) (r, g, b uint8) {
	origin := im.Source.Bounds().Min
	c := color.NRGBAModel.Convert(im.Source.At(origin.X+x, origin.Y+y)).(color.NRGBA)
	return c.R, c.G, c.B
}

// At returns the luminance at (x, y).
func (im *Image) At(x, y int) float64 {
	return im.Gray[y*im.Width+x]
}

func luminance(c color.NRGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}
