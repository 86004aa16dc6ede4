// Package videopipe implements the per-video processing chain (C1-C7):
// border detect/crop, scene-based frame extraction, perceptual
// deduplication, embedding, vector-store upsert and frame upload, composed
// into the single ordered transform the batch driver invokes per item. Its
// ffmpeg/ffprobe orchestration follows the subprocess idioms in the
// teacher's pipeline/ffmpeg.go, video/probe.go and subprocess/logging.go.
package videopipe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/obslog"
)

// CropConfig is the subset of process-wide configuration the crop step
// needs; it is passed explicitly rather than pulled from a global.
type CropConfig struct {
	Probes     int
	ClipSecs   float64
	SafeMargin int
	HWAccel    bool
	DetectArgs string
	Encoder    string
	Preset     string
	Tune       string
	CQ         int
	Watchdog   time.Duration
}

// Cropper runs ffprobe/ffmpeg to border-detect and re-encode a source
// video. The zero value is unusable; build one with NewCropper.
type Cropper struct {
	cfg CropConfig
}

func NewCropper(cfg CropConfig) *Cropper {
	return &Cropper{cfg: cfg}
}

// rect is an axis-aligned crop rectangle in source pixel coordinates.
type rect struct {
	W, H, X, Y int
}

var cropLineRe = regexp.MustCompile(`crop=(\d+):(\d+):(\d+):(\d+)`)

// Crop implements C1: probe duration, sample P equally-spaced timestamps,
// union their detected crop rectangles, and re-encode. On any detection or
// encode failure it falls back to a byte-copy of src at dst and returns
// croppedOK=false; it never deletes src.
func (c *Cropper) Crop(ctx context.Context, item string, src, dst string) (croppedOK bool, err error) {
	duration, err := c.probeDuration(ctx, src)
	if err != nil {
		obslog.Log(item, "crop: probe failed, falling back to byte-copy", "error", err)
		return false, c.byteCopy(src, dst)
	}

	box, ok := c.detectBox(ctx, item, src, duration)
	if !ok {
		obslog.Log(item, "crop: no crop rectangle detected, falling back to byte-copy")
		return false, c.byteCopy(src, dst)
	}

	if err := c.encode(ctx, src, dst, box); err != nil {
		obslog.Log(item, "crop: encode failed, falling back to byte-copy", "error", err)
		return false, c.byteCopy(src, dst)
	}
	return true, nil
}

func (c *Cropper) probeDuration(ctx context.Context, src string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Watchdog)
	defer cancel()

	var data *ffprobe.ProbeData
	operation := func() error {
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, src)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithMaxRetries(bo, 3)); err != nil {
		return 0, apierr.Wrap(apierr.KindTransient, fmt.Errorf("probe %s: %w", src, err))
	}
	if data.Format == nil {
		return 0, apierr.Wrap(apierr.KindEncodingFailed, fmt.Errorf("probe %s: missing format", src))
	}
	return data.Format.DurationSeconds, nil
}

// detectBox samples c.cfg.Probes equally-spaced timestamps and unions the
// crop rectangles ffmpeg's cropdetect filter reports, per spec.md §4.1.
func (c *Cropper) detectBox(ctx context.Context, item, src string, duration float64) (rect, bool) {
	probes := c.cfg.Probes
	if probes <= 0 {
		probes = 1
	}

	var union rect
	found := false
	for k := 0; k < probes; k++ {
		ts := duration * float64(k+1) / float64(probes+1)
		box, ok := c.detectAt(ctx, src, ts)
		if !ok {
			continue
		}
		if !found {
			union = box
			found = true
			continue
		}
		union = unionRect(union, box)
	}
	if !found {
		return rect{}, false
	}

	margin := c.cfg.SafeMargin
	union.X -= margin
	union.Y -= margin
	union.W += 2 * margin
	union.H += 2 * margin
	if union.X < 0 {
		union.X = 0
	}
	if union.Y < 0 {
		union.Y = 0
	}
	union.W = evenUp(union.W)
	union.H = evenUp(union.H)

	obslog.Log(item, "crop: detected box", "w", union.W, "h", union.H, "x", union.X, "y", union.Y)
	return union, true
}

func unionRect(a, b rect) rect {
	x0 := min(a.X, b.X)
	y0 := min(a.Y, b.Y)
	x1 := max(a.X+a.W, b.X+b.W)
	y1 := max(a.Y+a.H, b.Y+b.H)
	return rect{W: x1 - x0, H: y1 - y0, X: x0, Y: y0}
}

func evenUp(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (c *Cropper) detectAt(ctx context.Context, src string, ts float64) (rect, bool) {
	detectCtx, cancel := context.WithTimeout(ctx, c.cfg.Watchdog)
	defer cancel()

	args := []string{
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", src,
		"-t", strconv.FormatFloat(c.cfg.ClipSecs, 'f', 3, 64),
		"-vf", fmt.Sprintf("cropdetect=%s", c.cfg.DetectArgs),
		"-f", "null", "-",
	}
	cmd := exec.CommandContext(detectCtx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run() // ffmpeg with "-f null" exits non-zero on some inputs even when crop lines are emitted

	matches := cropLineRe.FindAllStringSubmatch(stderr.String(), -1)
	if len(matches) == 0 {
		return rect{}, false
	}
	last := matches[len(matches)-1]
	w, _ := strconv.Atoi(last[1])
	h, _ := strconv.Atoi(last[2])
	x, _ := strconv.Atoi(last[3])
	y, _ := strconv.Atoi(last[4])
	if w <= 0 || h <= 0 {
		return rect{}, false
	}
	return rect{W: w, H: h, X: x, Y: y}, true
}

func (c *Cropper) encode(ctx context.Context, src, dst string, box rect) error {
	encCtx, cancel := context.WithTimeout(ctx, c.cfg.Watchdog)
	defer cancel()

	args := []string{"-y"}
	if c.cfg.HWAccel {
		args = append(args, "-hwaccel", "cuda")
	}
	args = append(args,
		"-i", src,
		"-vf", fmt.Sprintf("crop=%d:%d:%d:%d,setsar=1:1,format=nv12", box.W, box.H, box.X, box.Y),
		"-c:v", c.cfg.Encoder,
		"-preset", c.cfg.Preset,
		"-tune", c.cfg.Tune,
		"-cq", strconv.Itoa(c.cfg.CQ),
		"-c:a", "copy",
		"-movflags", "+faststart",
		dst,
	)
	cmd := exec.CommandContext(encCtx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apierr.Wrap(apierr.KindEncodingFailed, fmt.Errorf("ffmpeg crop encode: %w (stderr: %s)", err, stderr.String()))
	}
	return nil
}

func (c *Cropper) byteCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("open %s for copy: %w", src, err))
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("create %s for copy: %w", dst, err))
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return apierr.Wrap(apierr.KindTransient, fmt.Errorf("copy %s to %s: %w", src, dst, err))
	}
	return nil
}
