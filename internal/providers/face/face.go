// Package face implements the BIQTFace reference provider, a skin-region
// face locator with exposure, focus and colourfulness metrics.
package face

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/example/biqt/internal/imageprocessor"
	"github.com/example/biqt/internal/quality"
)

// Name is the registered provider name.
const Name = "BIQTFace"

const (
	minSkinFraction = 0.05
	sharpnessRef    = 300.0
)

// Provider scores frontal face captures.
type Provider struct {
	info quality.ProviderInfo
}

// New returns the face provider.
func New() *Provider {
	return &Provider{info: quality.ProviderInfo{
		Name:           Name,
		Version:        "1.0.0",
		Description:    "Face image quality: skin-region localisation, exposure, focus and colourfulness.",
		Modality:       "face",
		SourceLanguage: "go",
		Attributes: []quality.Attribute{
			{Name: "quality", Description: "Overall quality score in [0,100]."},
			{Name: "skin_fraction", Description: "Share of pixels classified as skin."},
			{Name: "brightness", Description: "Mean luminance in [0,255]."},
			{Name: "sharpness", Description: "Variance of the Laplacian of the luminance plane."},
			{Name: "colorfulness", Description: "Hasler-Suesstrunk colourfulness."},
			{Name: "face_x", Description: "Left edge of the face bounding box."},
			{Name: "face_y", Description: "Top edge of the face bounding box."},
			{Name: "face_width", Description: "Width of the face bounding box."},
			{Name: "face_height", Description: "Height of the face bounding box."},
		},
	}}
}

// Info returns the provider metadata.
func (p *Provider) Info() quality.ProviderInfo { return p.info }

// Reentrant reports that concurrent evaluations are safe.
func (p *Provider) Reentrant() bool { return true }

// Evaluate scores the capture at path. Grayscale captures carry no skin
// tone and are reported as detection failures.
func (p *Provider) Evaluate(ctx context.Context, path string) (*quality.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return quality.Failure(Name, quality.CodeTimeout, err.Error()), nil
	}

	im, err := imageprocessor.Load(path)
	if err != nil {
		return imageprocessor.FailureEnvelope(Name, err), nil
	}
	if !im.Color {
		return quality.Failure(Name, quality.CodeDetectionFailed, "detection failed: no face found (grayscale input)"), nil
	}

	skin := imageprocessor.Select(im, func(x, y int) bool {
		r, g, b := im.RGB(x, y)
		return isSkin(r, g, b)
	})
	fraction := skin.Fraction(im)
	if fraction < minSkinFraction {
		return quality.Failure(Name, quality.CodeDetectionFailed, "detection failed: no face found"), nil
	}

	stats := imageprocessor.IntensityStats(im)
	sharpness := imageprocessor.Sharpness(im)
	exposure := 1 - math.Abs(stats.Mean-128)/128

	env := quality.NewEnvelope(Name)
	env.Features["face_x"] = float64(skin.MinX)
	env.Features["face_y"] = float64(skin.MinY)
	env.Features["face_width"] = float64(skin.MaxX - skin.MinX + 1)
	env.Features["face_height"] = float64(skin.MaxY - skin.MinY + 1)
	env.Features["face_center_x"] = skin.CentroidX
	env.Features["face_center_y"] = skin.CentroidY

	env.Metrics["skin_fraction"] = fraction
	env.Metrics["brightness"] = stats.Mean
	env.Metrics["sharpness"] = sharpness
	env.Metrics["colorfulness"] = colorfulness(im)
	env.Metrics["quality"] = 100 * (0.5*math.Min(1, sharpness/sharpnessRef) + 0.5*exposure)
	return env, nil
}

// isSkin is the Kovac RGB skin rule for daylight illumination.
func isSkin(r, g, b uint8) bool {
	ri, gi, bi := int(r), int(g), int(b)
	hi := max(ri, gi, bi)
	lo := min(ri, gi, bi)
	return ri > 95 && gi > 40 && bi > 20 &&
		hi-lo > 15 &&
		abs(ri-gi) > 15 && ri > gi && ri > bi
}

func colorfulness(im *imageprocessor.Image) float64 {
	n := im.Width * im.Height
	rg := make([]float64, 0, n)
	yb := make([]float64, 0, n)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			r, g, b := im.RGB(x, y)
			rg = append(rg, float64(r)-float64(g))
			yb = append(yb, 0.5*(float64(r)+float64(g))-float64(b))
		}
	}
	meanRG, stdRG := stat.MeanStdDev(rg, nil)
	meanYB, stdYB := stat.MeanStdDev(yb, nil)
	if math.IsNaN(stdRG) {
		stdRG = 0
	}
	if math.IsNaN(stdYB) {
		stdYB = 0
	}
	return math.Hypot(stdRG, stdYB) + 0.3*math.Hypot(meanRG, meanYB)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
