package videopipe

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"gopkg.in/vansante/go-ffprobe.v2"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/obslog"
)

// FrameConfig is the subset of process-wide configuration the extractor
// needs.
type FrameConfig struct {
	SceneThresh float64
	MinFrames   int
	SolidStd    float64
	Downscale   float64
	Watchdog    time.Duration
}

// Extractor runs ffmpeg's scene-change filter and reads back the PNGs it
// produces, per spec.md §4.2. It is the direct generalization of the
// teacher's GenerateThumbs fixed-interval sampler to scene-adaptive
// sampling plus a uniform-frame floor.
type Extractor struct {
	cfg FrameConfig
}

func NewExtractor(cfg FrameConfig) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract implements C2: extract(video_path, out_dir, min_frames) -> frames.
// Frames are numbered contiguously from 1, chronologically ordered, with
// uniform-color frames already dropped.
func (e *Extractor) Extract(ctx context.Context, item, videoPath, outDir string) ([]model.Frame, error) {
	fps, err := e.probeFPS(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	if err := e.runSceneSelect(ctx, videoPath, outDir); err != nil {
		return nil, err
	}

	frames, err := e.collectFrames(outDir, fps)
	if err != nil {
		return nil, err
	}

	if len(frames) < e.cfg.MinFrames {
		obslog.Log(item, "frame extraction below floor, sampling uniformly", "have", len(frames), "want", e.cfg.MinFrames)
		more, err := e.sampleUniform(ctx, videoPath, outDir, fps, e.cfg.MinFrames-len(frames), len(frames))
		if err != nil {
			obslog.Log(item, "uniform sampling failed, continuing with what was extracted", "error", err)
		} else {
			frames = append(frames, more...)
		}
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].Second < frames[j].Second })
	return renumber(frames), nil
}

func (e *Extractor) probeFPS(ctx context.Context, videoPath string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.Watchdog)
	defer cancel()
	data, err := ffprobe.ProbeURL(probeCtx, videoPath)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindTransient, fmt.Errorf("probe fps: %w", err))
	}
	stream := data.FirstVideoStream()
	if stream == nil {
		return 0, apierr.Wrap(apierr.KindNoFrames, fmt.Errorf("no video stream in %s", videoPath))
	}
	parts := strings.SplitN(stream.AvgFrameRate, "/", 2)
	if len(parts) != 2 {
		return 25, nil
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 25, nil
	}
	return num / den, nil
}

func (e *Extractor) runSceneSelect(ctx context.Context, videoPath, outDir string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Watchdog)
	defer cancel()

	filter := fmt.Sprintf("select='gt(scene,%s)'", strconv.FormatFloat(e.cfg.SceneThresh, 'f', -1, 64))
	args := []string{
		"-i", videoPath,
		"-vf", filter,
		"-vsync", "vfr",
		"-frame_pts", "1",
		filepath.Join(outDir, "scene_%d.png"),
	}
	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apierr.Wrap(apierr.KindEncodingFailed, fmt.Errorf("ffmpeg scene select: %w (stderr: %s)", err, stderr.String()))
	}
	return nil
}

// collectFrames reads every scene_<pts>.png in outDir, drops uniform-color
// images, and converts the integer frame_pts filename suffix to a second
// offset via fps.
func (e *Extractor) collectFrames(outDir string, fps float64) ([]model.Frame, error) {
	matches, err := filepath.Glob(filepath.Join(outDir, "scene_*.png"))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, fmt.Errorf("glob frames: %w", err))
	}

	var out []model.Frame
	for _, path := range matches {
		pts, ok := ptsFromFilename(path)
		if !ok {
			continue
		}
		uniform, err := isUniform(path, e.cfg.SolidStd, e.cfg.Downscale)
		if err != nil || uniform {
			_ = os.Remove(path)
			continue
		}
		second := float64(pts)
		if fps > 0 {
			second = float64(pts) / fps
		}
		out = append(out, model.Frame{Second: second, Path: path})
	}
	return out, nil
}

func ptsFromFilename(path string) (int, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimPrefix(base, "scene_")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}

// sampleUniform is the minimum-frames floor of spec.md §4.2: sample
// additional frames at equal intervals when the scene-change pass didn't
// yield enough.
func (e *Extractor) sampleUniform(ctx context.Context, videoPath, outDir string, fps float64, need, startIndex int) ([]model.Frame, error) {
	duration, err := e.probeDurationSecs(ctx, videoPath)
	if err != nil || duration <= 0 {
		return nil, apierr.Wrap(apierr.KindNoFrames, fmt.Errorf("cannot determine duration for uniform sampling"))
	}

	step := duration / float64(need+1)
	var out []model.Frame
	for i := 0; i < need; i++ {
		ts := step * float64(i+1)
		path := filepath.Join(outDir, fmt.Sprintf("uniform_%d.png", startIndex+i))
		if err := e.extractFrameAt(ctx, videoPath, ts, path); err != nil {
			continue
		}
		uniform, err := isUniform(path, e.cfg.SolidStd, e.cfg.Downscale)
		if err != nil || uniform {
			_ = os.Remove(path)
			continue
		}
		out = append(out, model.Frame{Second: ts, Path: path})
	}
	return out, nil
}

func (e *Extractor) probeDurationSecs(ctx context.Context, videoPath string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.Watchdog)
	defer cancel()
	data, err := ffprobe.ProbeURL(probeCtx, videoPath)
	if err != nil {
		return 0, err
	}
	if data.Format == nil {
		return 0, fmt.Errorf("missing format")
	}
	return data.Format.DurationSeconds, nil
}

func (e *Extractor) extractFrameAt(ctx context.Context, videoPath string, ts float64, dst string) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Watchdog)
	defer cancel()
	args := []string{
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		dst,
	}
	cmd := exec.CommandContext(runCtx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg single-frame extract: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

// isUniform decodes the PNG at path, downscales it via draw.CatmullRom.Scale
// the way the teacher's frame_preprocess.go resizes webcam frames before
// further processing, and reports whether the downscaled pixels are equal
// within tolerance std (spec.md §4.2's uniform-color drop rule). Running the
// grayscale statistics on the reduced image instead of the full-resolution
// decode keeps the check cheap regardless of source resolution.
func isUniform(path string, std, downscale float64) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return false, err
	}

	small := downscaleForStats(img, downscale)

	bounds := small.Bounds()
	var sum, sumSq float64
	n := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := grayAt(small, x, y)
			sum += g
			sumSq += g * g
			n++
		}
	}
	if n == 0 {
		return true, nil
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance) <= std, nil
}

// downscaleForStats resizes img by factor (VP_DOWNSCALE) using
// draw.CatmullRom.Scale, floored at an 8px edge so tiny or degenerate
// factors never collapse the statistics window to nothing.
func downscaleForStats(img image.Image, factor float64) image.Image {
	bounds := img.Bounds()
	if factor <= 0 || factor >= 1 {
		factor = 1
	}
	w := int(float64(bounds.Dx()) * factor)
	h := int(float64(bounds.Dy()) * factor)
	if w < 8 {
		w = 8
	}
	if h < 8 {
		h = 8
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func grayAt(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	gray := color.GrayModel.Convert(color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff}).(color.Gray)
	return float64(gray.Y)
}

// renumber reassigns contiguous 1-based indices and renames frame files to
// the canonical "{index}_{second}.png" layout.
func renumber(frames []model.Frame) []model.Frame {
	out := make([]model.Frame, 0, len(frames))
	for i, f := range frames {
		f.Index = i + 1
		newPath := filepath.Join(filepath.Dir(f.Path), f.FileName())
		if newPath != f.Path {
			if err := os.Rename(f.Path, newPath); err == nil {
				f.Path = newPath
			}
		}
		out = append(out, f)
	}
	return out
}

// encodePNG is used by tests to synthesize frame fixtures.
func encodePNG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
