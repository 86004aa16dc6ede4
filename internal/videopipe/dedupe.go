package videopipe

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/obslog"
)

// Deduper computes a perceptual difference-hash per frame and drops
// chronological repeats, per spec.md §4.3. Its resize/grayscale step uses
// golang.org/x/image/draw the same way the corpus's frame-preprocessing
// code does for thumbnail generation.
type Deduper struct {
	hashSize int
}

func NewDeduper(hashSize int) *Deduper {
	if hashSize <= 0 {
		hashSize = 8
	}
	return &Deduper{hashSize: hashSize}
}

// Dedupe implements dedupe(frames, delete) -> kept_frames. Frames must
// already be in chronological order; the first occurrence of each hash
// wins, per the "earliest index wins" collision rule.
func (d *Deduper) Dedupe(item string, frames []model.Frame, deleteDuplicates bool) []model.Frame {
	seen := make(map[uint64]bool, len(frames))
	kept := make([]model.Frame, 0, len(frames))

	for _, f := range frames {
		hash, err := d.hashFrame(f.Path)
		if err != nil {
			// Unreadable frames are kept conservatively per spec.md §4.3.
			obslog.Log(item, "dedupe: could not hash frame, keeping conservatively", "path", f.Path, "error", err)
			kept = append(kept, f)
			continue
		}
		if seen[hash] {
			obslog.Log(item, "dedupe: dropping duplicate frame", "path", f.Path)
			if deleteDuplicates {
				_ = os.Remove(f.Path)
			}
			continue
		}
		seen[hash] = true
		kept = append(kept, f)
	}
	return kept
}

// hashFrame computes a (hashSize+1)x(hashSize) grayscale dHash: for each
// row, bit j is set when pixel[j+1] is brighter than pixel[j].
func (d *Deduper) hashFrame(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, err
	}

	w := d.hashSize + 1
	h := d.hashSize
	small := image.NewGray(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(small, small.Bounds(), img, img.Bounds(), draw.Over, nil)

	var hash uint64
	bit := uint(0)
	for y := 0; y < h; y++ {
		for x := 0; x < w-1; x++ {
			left := small.GrayAt(x, y)
			right := small.GrayAt(x+1, y)
			if right.Y > left.Y {
				hash |= 1 << bit
			}
			bit++
		}
	}
	return hash, nil
}
