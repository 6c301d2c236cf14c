package imageprocessor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.bmp"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadable))
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

// pngHeader returns a PNG whose header claims width x height while the
// body holds a single pixel.
func pngHeader(t *testing.T, width, height uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()

	// Signature (8) then IHDR: length (4), type (4), data (13), crc (4).
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeRejectsOversizedImage(t *testing.T) {
	_, err := Decode(pngHeader(t, 8000, 8000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.Equal(t, 2, FailureEnvelope("BIQTIris", err).ErrorCode)
}

func TestDecodePixelLimitIsInclusive(t *testing.T) {
	// 8000x5000 is exactly MaxPixels; the truncated body fails later in decoding.
	_, err := Decode(pngHeader(t, 8000, 5000))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "exceeds")

	_, err = Decode(pngHeader(t, 8000, 5001))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestLoadGrayscale(t *testing.T) {
	im, err := Load(writePNG(t, uniform(8, 100)))
	require.NoError(t, err)
	assert.Equal(t, "png", im.Format)
	assert.Equal(t, 8, im.Width)
	assert.Equal(t, 8, im.Height)
	assert.False(t, im.Color)
	assert.InDelta(t, 100, im.At(3, 3), 1e-9)
}

func TestLoadColor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.SetNRGBA(1, 1, color.NRGBA{R: 200, G: 120, B: 90, A: 255})
	im, err := Load(writePNG(t, img))
	require.NoError(t, err)
	assert.True(t, im.Color)

	r, g, b := im.RGB(1, 1)
	assert.Equal(t, []uint8{200, 120, 90}, []uint8{r, g, b})
}

func TestIntensityStats(t *testing.T) {
	im, err := Load(writePNG(t, uniform(10, 42)))
	require.NoError(t, err)
	stats := IntensityStats(im)
	assert.InDelta(t, 42, stats.Mean, 1e-9)
	assert.InDelta(t, 0, stats.StdDev, 1e-9)
}

func TestSharpnessPrefersEdges(t *testing.T) {
	flat, err := Load(writePNG(t, uniform(16, 128)))
	require.NoError(t, err)
	sharp, err := Load(writePNG(t, checkerboard(16, 2)))
	require.NoError(t, err)

	assert.InDelta(t, 0, Sharpness(flat), 1e-9)
	assert.Greater(t, Sharpness(sharp), 1000.0)
}

func TestSelectRegion(t *testing.T) {
	img := uniform(10, 255)
	for y := 2; y <= 4; y++ {
		for x := 6; x <= 8; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
	im, err := Load(writePNG(t, img))
	require.NoError(t, err)

	region := Select(im, func(x, y int) bool { return im.At(x, y) < 50 })
	assert.Equal(t, 9, region.Count)
	assert.InDelta(t, 7, region.CentroidX, 1e-9)
	assert.InDelta(t, 3, region.CentroidY, 1e-9)
	assert.Equal(t, 6, region.MinX)
	assert.Equal(t, 8, region.MaxX)
	assert.InDelta(t, 0.09, region.Fraction(im), 1e-9)
}

func TestStage(t *testing.T) {
	path, cleanup, err := Stage([]byte("payload"), "upload/iris1.bmp")
	require.NoError(t, err)
	assert.Equal(t, ".bmp", filepath.Ext(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
