// Package jobprogress turns a stream of per-item "done" beacons from the
// batch driver into the monotonic, rate-limited progress number exposed by
// the job control plane's GET /status/{jobId}. Its shape is adapted from
// the teacher's progress.ProgressReporter: a mutex-guarded running value,
// a injectable clock for deterministic tests, and a bucketed threshold so
// callers aren't spammed with every single-item increment.
package jobprogress

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var reportBuckets = []float64{0, 25, 50, 75, 100}

const minReportInterval = 2 * time.Second

// Clock is overridden in tests to avoid real sleeps.
var Clock = clock.New()

// Reporter tracks processed/total counts for one job and calls onUpdate
// whenever the integer progress percentage crosses a bucket boundary or
// enough wall-clock time has passed since the last call, per spec.md §5's
// "progress = round(100*processed/total)" mapping.
type Reporter struct {
	onUpdate func(progress int)

	mu           sync.Mutex
	total        int
	processed    int
	lastProgress int
	lastReport   time.Time
}

func NewReporter(total int, onUpdate func(progress int)) *Reporter {
	return &Reporter{total: total, onUpdate: onUpdate}
}

// ItemDone records one beacon (spec.md's "item_done" token) and reports if
// the resulting progress crossed a bucket or enough time elapsed.
func (r *Reporter) ItemDone() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processed++
	progress := r.calcProgress()
	if progress <= r.lastProgress {
		return
	}
	if !r.shouldReport(progress) {
		return
	}
	r.lastProgress = progress
	r.lastReport = Clock.Now()
	if r.onUpdate != nil {
		r.onUpdate(progress)
	}
}

// Progress returns the current integer percentage without side effects.
func (r *Reporter) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calcProgress()
}

func (r *Reporter) calcProgress() int {
	if r.total <= 0 {
		return 100
	}
	pct := 100 * float64(r.processed) / float64(r.total)
	if pct > 100 {
		pct = 100
	}
	return int(math.Round(pct))
}

func (r *Reporter) shouldReport(progress int) bool {
	return bucketOf(float64(progress)) != bucketOf(float64(r.lastProgress)) ||
		Clock.Since(r.lastReport) >= minReportInterval
}

func bucketOf(progress float64) int {
	return sort.SearchFloat64s(reportBuckets, progress)
}
