package videopipe

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frameforge/pipeline/internal/model"
)

func solidFrame(t *testing.T, dir, name string, v uint8) model.Frame {
	t.Helper()
	path := filepath.Join(dir, name)
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	require.NoError(t, encodePNG(img, path))
	return model.Frame{Second: 0, Path: path}
}

// gradientFrame writes a left-to-right brightness ramp. Every solid frame
// has the all-zero dHash whatever its brightness, so a distinct frame needs
// horizontal structure.
func gradientFrame(t *testing.T, dir, name string) model.Frame {
	t.Helper()
	path := filepath.Join(dir, name)
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			v := uint8(x * 16)
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	require.NoError(t, encodePNG(img, path))
	return model.Frame{Second: 0, Path: path}
}

func TestDedupeDropsIdenticalFrames(t *testing.T) {
	dir := t.TempDir()
	a := solidFrame(t, dir, "a.png", 50)
	b := solidFrame(t, dir, "b.png", 50) // identical content, different file
	c := gradientFrame(t, dir, "c.png")

	d := NewDeduper(8)
	kept := d.Dedupe("test-item", []model.Frame{a, b, c}, false)

	require.Len(t, kept, 2)
	require.Equal(t, a.Path, kept[0].Path)
	require.Equal(t, c.Path, kept[1].Path)
}

func TestDedupeKeepsUnreadableFrameConservatively(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "not-a-png.png")
	require.NoError(t, os.WriteFile(bogus, []byte("not an image"), 0o644))

	d := NewDeduper(8)
	kept := d.Dedupe("test-item", []model.Frame{{Path: bogus}}, false)
	require.Len(t, kept, 1)
}

func TestDedupeDeletesDuplicateFilesWhenRequested(t *testing.T) {
	dir := t.TempDir()
	a := solidFrame(t, dir, "a.png", 50)
	b := solidFrame(t, dir, "b.png", 50)

	d := NewDeduper(8)
	d.Dedupe("test-item", []model.Frame{a, b}, true)

	require.FileExists(t, a.Path)
	_, err := os.Stat(b.Path)
	require.True(t, os.IsNotExist(err))
}
