package videopipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/obslog"
)

// ItemState is the per-item lifecycle of C7, spec.md §4.7:
// NEW -> DOWNLOADED -> CROPPED -> FRAMED -> DEDUPED -> EMBEDDED -> UPSERTED
// -> UPLOAD_QUEUED -> DONE, with a side exit to SKIPPED (missing source)
// or ERROR (any other phase failure).
type ItemState string

const (
	StateNew          ItemState = "NEW"
	StateDownloaded   ItemState = "DOWNLOADED"
	StateCropped      ItemState = "CROPPED"
	StateFramed       ItemState = "FRAMED"
	StateDeduped      ItemState = "DEDUPED"
	StateEmbedded     ItemState = "EMBEDDED"
	StateUpserted     ItemState = "UPSERTED"
	StateUploadQueued ItemState = "UPLOAD_QUEUED"
	StateDone         ItemState = "DONE"
	StateSkipped      ItemState = "SKIPPED"
	StateError        ItemState = "ERROR"
)

// ProcessResult reports the outcome of one Pipeline.Process call, per
// spec.md §4.7's contract: downloaded?, cropped?, frame_count,
// embedded_count, upload_dispatched, error.
type ProcessResult struct {
	Item             model.WorkItem
	State            ItemState
	Downloaded       bool
	Cropped          bool
	FrameCount       int
	EmbeddedCount    int
	UploadDispatched bool
	Err              error
}

// Pipeline composes C1-C6 into the single ordered per-video transform,
// spec.md §4.7. Phases never run concurrently for one item. Encoder batches
// are sent one after another; the frame upload runs in a single background
// goroutine that can outlive Process.
type Pipeline struct {
	Cropper     *Cropper
	Extractor   *Extractor
	Deduper     *Deduper
	Encoder     *Encoder
	VectorStore *VectorStore
	ObjectStore *ObjectStore
	Collection  string
}

// Process runs one WorkItem to completion or to its terminal failure mode.
// workdir is a scratch directory the caller creates and is responsible for
// removing; Process never removes it so callers can inspect frames after a
// failure.
func (p *Pipeline) Process(ctx context.Context, item model.WorkItem, workdir string) ProcessResult {
	result := ProcessResult{Item: item, State: StateNew}
	label := item.String()

	srcPath, err := p.ObjectStore.Download(ctx, item, workdir, false)
	if err != nil {
		if apierr.IsNotFound(err) {
			obslog.Log(label, "source not found, skipping")
			result.State = StateSkipped
			return result
		}
		result.Err = err
		result.State = StateError
		return result
	}
	result.Downloaded = true
	result.State = StateDownloaded

	croppedPath := filepath.Join(workdir, "cropped.mp4")
	croppedOK, err := p.Cropper.Crop(ctx, label, srcPath, croppedPath)
	if err != nil {
		// Crop failure falls back to the uncropped source per spec.md
		// §4.7; it is not itself a terminal error for the item.
		obslog.Log(label, "crop step failed, continuing uncropped", "error", err)
		croppedPath = srcPath
	}
	result.Cropped = croppedOK
	result.State = StateCropped

	framesDir := filepath.Join(workdir, "frames")
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		result.Err = apierr.Wrap(apierr.KindTransient, fmt.Errorf("create frames dir: %w", err))
		result.State = StateError
		return result
	}
	frames, err := p.Extractor.Extract(ctx, label, croppedPath, framesDir)
	if err != nil {
		result.Err = err
		result.State = StateError
		return result
	}
	result.State = StateFramed

	frames = p.Deduper.Dedupe(label, frames, true)
	result.State = StateDeduped
	if len(frames) == 0 {
		result.Err = apierr.Wrap(apierr.KindNoFrames, fmt.Errorf("no frames survived extraction+dedup for %s", label))
		result.State = StateError
		return result
	}
	result.FrameCount = len(frames)

	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = f.Path
	}
	vectors, err := p.Encoder.Encode(ctx, paths)
	if err != nil {
		result.Err = err
		result.State = StateError
		return result
	}
	result.EmbeddedCount = len(vectors)
	result.State = StateEmbedded

	points := buildVectorPoints(item, frames, vectors)
	if err := p.VectorStore.Upsert(ctx, p.Collection, points); err != nil {
		result.Err = err
		result.State = StateError
		return result
	}
	result.State = StateUpserted

	p.ObjectStore.UploadFramesAsync(item, frames)
	result.UploadDispatched = true
	result.State = StateDone

	return result
}

func buildVectorPoints(item model.WorkItem, frames []model.Frame, vectors []model.Embedding) []model.VectorPoint {
	points := make([]model.VectorPoint, len(frames))
	now := time.Now().UTC()
	for i, f := range frames {
		id := model.VectorPointID(item.Platform, item.Code, f.Index, f.Second)
		points[i] = model.VectorPoint{
			ID:     id,
			Vector: vectors[i],
			Payload: model.VectorPointPayload{
				UUID:        id.String(),
				CreatedAt:   now,
				Platform:    item.Platform,
				VideoCode:   item.Code,
				FrameNumber: f.Index,
				FrameSecond: f.Second,
				Path:        fmt.Sprintf("%s/%s/%s", item.Platform, item.Code, f.FileName()),
			},
		}
	}
	return points
}
