package videopipe

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frameforge/pipeline/internal/model"
)

func TestPtsFromFilename(t *testing.T) {
	n, ok := ptsFromFilename("/tmp/scene_42.png")
	require.True(t, ok)
	require.Equal(t, 42, n)

	_, ok = ptsFromFilename("/tmp/not_a_number.png")
	require.False(t, ok)
}

func TestIsUniformSolidImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "solid.png")

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: 100, G: 100, B: 100, A: 255})
		}
	}
	require.NoError(t, encodePNG(img, path))

	uniform, err := isUniform(path, 5.0, 0.5)
	require.NoError(t, err)
	require.True(t, uniform)
}

func TestIsUniformNoisyImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noisy.png")

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8((x * 37 + y * 91) % 256)
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	require.NoError(t, encodePNG(img, path))

	uniform, err := isUniform(path, 5.0, 0.5)
	require.NoError(t, err)
	require.False(t, uniform)
}

func TestRenumberReassignsContiguousIndices(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "scene_10.png")
	p2 := filepath.Join(dir, "scene_20.png")

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	require.NoError(t, encodePNG(img, p1))
	require.NoError(t, encodePNG(img, p2))

	frames := []model.Frame{
		{Second: 1.0, Path: p1},
		{Second: 2.0, Path: p2},
	}
	out := renumber(frames)
	require.Len(t, out, 2)
	require.Equal(t, 1, out[0].Index)
	require.Equal(t, 2, out[1].Index)
	require.FileExists(t, out[0].Path)
	require.FileExists(t, out[1].Path)
}

func TestStride(t *testing.T) {
	require.Equal(t, 1, stride(64))
	require.Equal(t, 2, stride(128))
}
