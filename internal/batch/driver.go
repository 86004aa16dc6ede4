// Package batch implements the checkpointed, resumable batch driver (C8):
// it pulls work items, dispatches them to the per-video pipeline under a
// bounded worker pool, retries individual failures, verifies and flips
// metadata-store flags, and reports progress. Its worker dispatch and
// panic-recovery idiom are adapted from the teacher's
// Coordinator.runHandlerAsync/recovered[T] pattern in pipeline/coordinator.go.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/jobprogress"
	"github.com/frameforge/pipeline/internal/metastore"
	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/obslog"
	"github.com/frameforge/pipeline/internal/videopipe"
)

// Config is the subset of process-wide settings the driver needs.
type Config struct {
	MaxWorkers          int
	BatchSize           int
	SleepBetweenBatches time.Duration
	MaxRetries          int
	Collection          string
	WorkDir             string
}

// Processor runs C7 for a single item. *videopipe.Pipeline satisfies this.
type Processor interface {
	Process(ctx context.Context, item model.WorkItem, workdir string) videopipe.ProcessResult
}

// Verifier is the slice of C5 the driver needs for its verify-and-flip
// step. *videopipe.VectorStore satisfies this.
type Verifier interface {
	CountByCode(ctx context.Context, collection, code string) (int, error)
}

// Driver runs WorkItems through a Processor, one batch at a time, per
// spec.md §4.8.
type Driver struct {
	Processor Processor
	Verifier  Verifier
	Store     *metastore.Store
	Cfg       Config
}

// New wires a production Driver around a real per-video pipeline and its
// vector store.
func New(pipeline *videopipe.Pipeline, store *metastore.Store, cfg Config) *Driver {
	return NewWithDeps(pipeline, pipeline.VectorStore, store, cfg)
}

// NewWithDeps builds a Driver from explicit Processor/Verifier seams,
// letting tests substitute fakes for the real ffmpeg/qdrant-backed
// implementations.
func NewWithDeps(processor Processor, verifier Verifier, store *metastore.Store, cfg Config) *Driver {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &Driver{Processor: processor, Verifier: verifier, Store: store, Cfg: cfg}
}

// itemRun is one WorkItem queued for a single-item retry, with the number
// of failed attempts it has had so far.
type itemRun struct {
	item     model.WorkItem
	attempts int
}

// RunItems processes a fixed, API-submitted list of items (job.items) in
// VP_BATCH_SIZE-sized batches with VP_MAX_WORKERS intra-batch concurrency.
// onItemDone is invoked once per item's terminal outcome (for populating the
// job's ItemResult list); it always fires exactly once per item, including
// SKIPPED and FAILED outcomes. onProgress, if non-nil, is wired as the
// jobprogress.Reporter's onUpdate and fires the bucketed/rate-limited
// progress percentage for GET /status/{jobId}.
func (d *Driver) RunItems(ctx context.Context, items []model.WorkItem, onItemDone func(model.WorkItem, videopipe.ProcessResult), onProgress func(int)) error {
	reporter := jobprogress.NewReporter(len(items), onProgress)

	pending := items
	for len(pending) > 0 {
		batchSize := d.Cfg.BatchSize
		if batchSize > len(pending) {
			batchSize = len(pending)
		}
		batchItems := pending[:batchSize]
		pending = pending[batchSize:]

		retries := d.runBatch(ctx, batchItems, onItemDone, reporter)
		if err := d.drainRetries(ctx, retries, onItemDone, reporter); err != nil {
			return err
		}

		if len(pending) > 0 {
			time.Sleep(d.Cfg.SleepBetweenBatches)
		}
	}
	return nil
}

// runBatch dispatches batchItems across a bounded worker pool and returns
// the subset that failed and should be retried.
func (d *Driver) runBatch(ctx context.Context, batchItems []model.WorkItem, onItemDone func(model.WorkItem, videopipe.ProcessResult), reporter *jobprogress.Reporter) []itemRun {
	type outcome struct {
		item   model.WorkItem
		result videopipe.ProcessResult
	}

	work := make(chan model.WorkItem, len(batchItems))
	results := make(chan outcome, len(batchItems))
	for _, it := range batchItems {
		work <- it
	}
	close(work)

	workers := d.Cfg.MaxWorkers
	if workers > len(batchItems) {
		workers = len(batchItems)
	}
	if workers < 1 {
		workers = 1
	}

	for w := 0; w < workers; w++ {
		go func() {
			for item := range work {
				result := d.runOneSafely(ctx, item)
				results <- outcome{item: item, result: result}
			}
		}()
	}

	var retries []itemRun
	for i := 0; i < len(batchItems); i++ {
		o := <-results
		d.finalizeOutcome(ctx, o.item, o.result, 0, onItemDone, reporter, &retries)
	}
	return retries
}

// drainRetries re-attempts failed items individually (retry batch size 1)
// up to Cfg.MaxRetries times, per spec.md §4.8.
func (d *Driver) drainRetries(ctx context.Context, retries []itemRun, onItemDone func(model.WorkItem, videopipe.ProcessResult), reporter *jobprogress.Reporter) error {
	queue := retries
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		result := d.runOneSafely(ctx, next.item)
		var more []itemRun
		d.finalizeOutcome(ctx, next.item, result, next.attempts, onItemDone, reporter, &more)
		queue = append(queue, more...)
	}
	return nil
}

// finalizeOutcome handles verification+flag-flip on success, enqueues a
// retry on a retryable failure within budget, or declares final failure
// (recording ExtractionError) once MaxRetries is exhausted.
func (d *Driver) finalizeOutcome(ctx context.Context, item model.WorkItem, result videopipe.ProcessResult, priorAttempts int, onItemDone func(model.WorkItem, videopipe.ProcessResult), reporter *jobprogress.Reporter, retries *[]itemRun) {
	label := item.String()

	switch {
	case result.State == videopipe.StateSkipped:
		obslog.Log(label, "item skipped, source not found")
		reporter.ItemDone()
		onItemDone(item, result)
		return

	case result.State == videopipe.StateDone:
		d.verifyAndFlip(ctx, item, result, onItemDone, reporter)
		return

	default:
		attempts := priorAttempts + 1
		if result.Err != nil && apierr.Retryable(result.Err) && attempts <= d.Cfg.MaxRetries {
			obslog.Log(label, "item failed, queuing retry", "attempt", attempts, "error", result.Err)
			*retries = append(*retries, itemRun{item: item, attempts: attempts})
			return
		}

		d.recordFinalFailure(ctx, item, result)
		reporter.ItemDone()
		onItemDone(item, result)
	}
}

// verifyAndFlip implements spec.md §4.8's "Verification and flag flip":
// after DONE, count_by_code must be strictly positive before flags flip.
// A zero count gets one additional verification attempt before the item
// is declared failed.
func (d *Driver) verifyAndFlip(ctx context.Context, item model.WorkItem, result videopipe.ProcessResult, onItemDone func(model.WorkItem, videopipe.ProcessResult), reporter *jobprogress.Reporter) {
	label := item.String()

	count, err := d.Verifier.CountByCode(ctx, d.Cfg.Collection, item.Code)
	if err != nil {
		obslog.LogError(label, "verification count_by_code failed", err)
		result.State = videopipe.StateError
		result.Err = err
		d.recordFinalFailure(ctx, item, result)
		reporter.ItemDone()
		onItemDone(item, result)
		return
	}
	if count == 0 {
		// One additional verification attempt for eventual-consistency lag.
		time.Sleep(250 * time.Millisecond)
		count, err = d.Verifier.CountByCode(ctx, d.Cfg.Collection, item.Code)
		if err != nil || count == 0 {
			result.State = videopipe.StateError
			result.Err = apierr.Wrap(apierr.KindConsistency, fmt.Errorf("count_by_code still zero after re-verification for %s", label))
			d.recordFinalFailure(ctx, item, result)
			reporter.ItemDone()
			onItemDone(item, result)
			return
		}
	}

	if err := d.Store.MarkExtractedAndEmbeddedByCode(ctx, item.Platform, item.Code); err != nil {
		obslog.LogError(label, "flag flip failed", err)
	}
	reporter.ItemDone()
	onItemDone(item, result)
}

func (d *Driver) recordFinalFailure(ctx context.Context, item model.WorkItem, result videopipe.ProcessResult) {
	if result.Err == nil {
		return
	}
	if err := d.Store.RecordError(ctx, item.Code, result.Err); err != nil {
		obslog.LogError(item.String(), "failed to record extraction error", err)
	}
}

// runOneSafely invokes Pipeline.Process with a recover guard the same way
// the teacher's recovered[T] wraps handler invocations, so a panic inside
// ffmpeg orchestration or the qdrant client surfaces as an ERROR result
// instead of crashing the driver.
func (d *Driver) runOneSafely(ctx context.Context, item model.WorkItem) (result videopipe.ProcessResult) {
	defer func() {
		if r := recover(); r != nil {
			obslog.LogNoJobID("panic in per-video pipeline, recovering", "item", item.String(), "panic", r, "trace", string(debug.Stack()))
			result = videopipe.ProcessResult{
				Item:  item,
				State: videopipe.StateError,
				Err:   apierr.Wrap(apierr.KindTransient, fmt.Errorf("panic processing %s: %v", item, r)),
			}
		}
	}()

	workdir := filepath.Join(d.Cfg.WorkDir, item.Platform, item.Code)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return videopipe.ProcessResult{
			Item:  item,
			State: videopipe.StateError,
			Err:   apierr.Wrap(apierr.KindTransient, fmt.Errorf("create workdir: %w", err)),
		}
	}
	return d.Processor.Process(ctx, item, workdir)
}

// RunFromMetastore is the reconciliation/cron entry point used by
// cmd/batchctl: it pages through metastore.PendingItems using the
// persisted checkpoint, advancing the checkpoint after each successfully
// processed batch, per spec.md §4.8's "Checkpoint" paragraph.
func (d *Driver) RunFromMetastore(ctx context.Context, platform string, maxBatches int) error {
	ckpt, err := d.Store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}

	for batchNum := 0; maxBatches <= 0 || batchNum < maxBatches; batchNum++ {
		rows, err := d.Store.PendingItems(ctx, platform, ckpt, d.Cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		items := make([]model.WorkItem, len(rows))
		for i, r := range rows {
			items[i] = model.WorkItem{Platform: r.Platform, Code: r.Code}
		}

		if err := d.RunItems(ctx, items, func(model.WorkItem, videopipe.ProcessResult) {}, nil); err != nil {
			return err
		}

		last := rows[len(rows)-1]
		ckpt = metastore.Checkpoint{LastCreatedAt: last.CreatedAt, LastID: last.ID}
		if err := d.Store.SaveCheckpoint(ctx, ckpt); err != nil {
			return err
		}

		time.Sleep(d.Cfg.SleepBetweenBatches)
	}
	return nil
}
