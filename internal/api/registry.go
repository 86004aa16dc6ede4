// Package api is the job control plane (C9): an in-process job registry
// plus the httprouter handlers spec.md §4.9 names (POST /process,
// GET /status/{jobId}, GET /jobs/{jobId}, GET /health). The registry reuses
// the teacher's generic internal/cache.Cache the same way the teacher's own
// cache package backs its segmenting-job lookup table.
package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frameforge/pipeline/internal/cache"
	"github.com/frameforge/pipeline/internal/model"
)

const maxLogLines = 10000
const logTailLines = 50

// Registry is the job_id -> Job map spec.md §4.9 requires, capped at
// maxConcurrent RUNNING jobs with excess submissions queued FIFO.
type Registry struct {
	jobs          *cache.Cache[*model.Job]
	mu            sync.Mutex
	running       int
	maxConcurrent int
	pending       []string

	// OnDispatch is called (outside the registry's lock) whenever Finish
	// dequeues a job. The server wires this to its own runJob so a queued
	// job is actually submitted to the driver instead of sitting in the
	// queue with nothing processing it.
	OnDispatch func(jobID string)
}

func NewRegistry(maxConcurrent int) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Registry{jobs: cache.New[*model.Job](), maxConcurrent: maxConcurrent}
}

// Create registers a new PENDING job for items and returns its ID.
func (r *Registry) Create(items []model.WorkItem) *model.Job {
	job := &model.Job{
		ID:        uuid.NewString(),
		Items:     items,
		Status:    model.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	r.jobs.Store(job.ID, job)
	return job
}

func (r *Registry) Get(id string) (*model.Job, bool) {
	return r.jobs.Get(id)
}

// TryDispatch flips a PENDING job to RUNNING if the concurrent-job cap
// allows it, reporting whether the caller may start work now. Jobs that
// can't dispatch immediately stay PENDING and queue FIFO; a caller should
// retry later (e.g. from the next job's completion).
func (r *Registry) TryDispatch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs.Get(id)
	if !ok || job.Status != model.JobPending {
		return false
	}
	if r.running >= r.maxConcurrent {
		r.enqueue(id)
		return false
	}
	r.running++
	job.Status = model.JobRunning
	return true
}

func (r *Registry) enqueue(id string) {
	for _, p := range r.pending {
		if p == id {
			return
		}
	}
	r.pending = append(r.pending, id)
}

// Finish marks job terminal (COMPLETED or FAILED) and frees a concurrency
// slot, handing the next queued job (if any) to OnDispatch so it actually
// gets submitted to the driver rather than just sitting in the queue.
func (r *Registry) Finish(id string, status model.JobStatus, results []model.ItemResult) {
	r.mu.Lock()
	job, ok := r.jobs.Get(id)
	if ok {
		job.Status = status
		job.Progress = 100
		job.Results = results
	}
	r.running--
	next := ""
	if len(r.pending) > 0 {
		next = r.pending[0]
		r.pending = r.pending[1:]
	}
	r.mu.Unlock()

	if next != "" && r.OnDispatch != nil {
		r.OnDispatch(next)
	}
}

// SetProgress updates a job's progress percentage. Wired as the
// jobprogress.Reporter's onUpdate callback from runJob, so it fires at the
// bucketed/rate-limited cadence the reporter decides, not once per item.
func (r *Registry) SetProgress(id string, progress int) {
	if job, ok := r.jobs.Get(id); ok {
		job.Progress = progress
	}
}

// AppendLog pushes one log line onto the job's ring buffer, evicting the
// oldest entry once the buffer reaches maxLogLines.
func (r *Registry) AppendLog(id string, level model.LogLevel, message string) {
	job, ok := r.jobs.Get(id)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job.Logs = append(job.Logs, model.LogEntry{Timestamp: time.Now().UTC(), Level: level, Message: message})
	if len(job.Logs) > maxLogLines {
		job.Logs = job.Logs[len(job.Logs)-maxLogLines:]
	}
}

// LogTail returns the last logTailLines entries for status polling.
func (r *Registry) LogTail(id string) []model.LogEntry {
	job, ok := r.jobs.Get(id)
	if !ok {
		return nil
	}
	if len(job.Logs) <= logTailLines {
		return job.Logs
	}
	return job.Logs[len(job.Logs)-logTailLines:]
}
