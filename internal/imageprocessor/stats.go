package imageprocessor

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Intensity summarises the luminance distribution of an image.
type Intensity struct {
	Mean   float64
	StdDev float64
}

// IntensityStats returns the mean and standard deviation of the luminance plane.
func IntensityStats(im *Image) Intensity {
	mean, std := stat.MeanStdDev(im.Gray, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return Intensity{Mean: mean, StdDev: std}
}

// Sharpness is the variance of the 4-neighbour Laplacian. Images smaller
// than 3x3 score zero.
func Sharpness(im *Image) float64 {
	if im.Width < 3 || im.Height < 3 {
		return 0
	}
	responses := make([]float64, 0, (im.Width-2)*(im.Height-2))
	for y := 1; y < im.Height-1; y++ {
		for x := 1; x < im.Width-1; x++ {
			lap := im.At(x-1, y) + im.At(x+1, y) + im.At(x, y-1) + im.At(x, y+1) - 4*im.At(x, y)
			responses = append(responses, lap)
		}
	}
	v := stat.Variance(responses, nil)
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// Region is the pixel mask statistics of a thresholded area.
type Region struct {
	Count                  int
	CentroidX, CentroidY   float64
	MinX, MinY, MaxX, MaxY int
}

// Fraction is the share of the image covered by the region.
func (r Region) Fraction(im *Image) float64 {
	return float64(r.Count) / float64(im.Width*im.Height)
}

// EquivalentRadius is the radius of a disc with the region's area.
func (r Region) EquivalentRadius() float64 {
	return math.Sqrt(float64(r.Count) / math.Pi)
}

// Select collects the pixels for which keep returns true.
func Select(im *Image, keep func(x, y int) bool) Region {
	r := Region{MinX: im.Width, MinY: im.Height, MaxX: -1, MaxY: -1}
	var sumX, sumY float64
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			if !keep(x, y) {
				continue
			}
			r.Count++
			sumX += float64(x)
			sumY += float64(y)
			r.MinX = min(r.MinX, x)
			r.MinY = min(r.MinY, y)
			r.MaxX = max(r.MaxX, x)
			r.MaxY = max(r.MaxY, y)
		}
	}
	if r.Count > 0 {
		r.CentroidX = sumX / float64(r.Count)
		r.CentroidY = sumY / float64(r.Count)
	}
	return r
}
