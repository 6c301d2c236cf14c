// Package iris implements the BIQTIris reference provider: a pupil locator
// and focus/contrast scorer for near-infrared iris captures.
package iris

import (
	"context"
	"math"

	"github.com/example/biqt/internal/imageprocessor"
	"github.com/example/biqt/internal/quality"
)

// Name is the registered provider name.
const Name = "BIQTIris"

const (
	darkCeiling      = 70.0
	darkSigma        = 1.5
	minPupilFraction = 0.002
	maxPupilFraction = 0.4
	sharpnessRef     = 500.0
	contrastRef      = 64.0
)

// Provider scores iris captures. It holds no mutable state.
type Provider struct {
	info quality.ProviderInfo
}

// New returns the iris provider.
func New() *Provider {
	return &Provider{info: quality.ProviderInfo{
		Name:           Name,
		Version:        "1.0.0",
		Description:    "Iris image quality: pupil localisation, focus and contrast.",
		Modality:       "iris",
		SourceLanguage: "go",
		Attributes: []quality.Attribute{
			{Name: "quality", Description: "Overall quality score in [0,100]."},
			{Name: "sharpness", Description: "Variance of the Laplacian of the luminance plane."},
			{Name: "contrast", Description: "Standard deviation of luminance."},
			{Name: "mean_intensity", Description: "Mean luminance in [0,255]."},
			{Name: "dark_fraction", Description: "Share of pixels classified as pupil."},
			{Name: "pupil_circularity", Description: "Pupil area over the area of its bounding ellipse."},
			{Name: "pupil_x", Description: "Pupil centroid column."},
			{Name: "pupil_y", Description: "Pupil centroid row."},
			{Name: "pupil_radius", Description: "Radius of a disc with the pupil's area."},
		},
	}}
}

// Info returns the provider metadata.
func (p *Provider) Info() quality.ProviderInfo { return p.info }

// Reentrant reports that concurrent evaluations are safe.
func (p *Provider) Reentrant() bool { return true }

// Evaluate scores the capture at path.
func (p *Provider) Evaluate(ctx context.Context, path string) (*quality.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return quality.Failure(Name, quality.CodeTimeout, err.Error()), nil
	}

	im, err := imageprocessor.Load(path)
	if err != nil {
		return imageprocessor.FailureEnvelope(Name, err), nil
	}

	stats := imageprocessor.IntensityStats(im)
	threshold := math.Min(stats.Mean-darkSigma*stats.StdDev, darkCeiling)
	pupil := imageprocessor.Select(im, func(x, y int) bool { return im.At(x, y) < threshold })

	fraction := pupil.Fraction(im)
	if pupil.Count == 0 || fraction < minPupilFraction || fraction > maxPupilFraction {
		return quality.Failure(Name, quality.CodeDetectionFailed, "detection failed: no pupil found"), nil
	}

	sharpness := imageprocessor.Sharpness(im)

	env := quality.NewEnvelope(Name)
	env.Features["image_width"] = float64(im.Width)
	env.Features["image_height"] = float64(im.Height)
	env.Features["pupil_x"] = pupil.CentroidX
	env.Features["pupil_y"] = pupil.CentroidY
	env.Features["pupil_radius"] = pupil.EquivalentRadius()

	env.Metrics["mean_intensity"] = stats.Mean
	env.Metrics["contrast"] = stats.StdDev
	env.Metrics["sharpness"] = sharpness
	env.Metrics["dark_fraction"] = fraction
	env.Metrics["pupil_circularity"] = circularity(pupil)
	env.Metrics["quality"] = 100 * (0.5*math.Min(1, sharpness/sharpnessRef) + 0.5*math.Min(1, stats.StdDev/contrastRef))
	return env, nil
}

func circularity(r imageprocessor.Region) float64 {
	w := float64(r.MaxX-r.MinX+1) / 2
	h := float64(r.MaxY-r.MinY+1) / 2
	if w <= 0 || h <= 0 {
		return 0
	}
	return math.Min(1, float64(r.Count)/(math.Pi*w*h))
}
