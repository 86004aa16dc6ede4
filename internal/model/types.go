// Package model holds the data types shared across the frame pipeline: the
// unit of work fed to the batch driver, the artifacts produced while
// processing one video, and the records persisted to the vector store and
// job registry.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PointNamespace is the fixed UUIDv5 namespace every VectorPoint ID is
// derived under. Keeping it fixed makes point IDs a pure function of
// (platform, code, frame index, frame second), which is what makes
// upserting idempotent.
var PointNamespace = uuid.Must(uuid.Parse("6f1b1e0a-6b8e-4e55-9f0a-6a5f9f6a2b9c"))

// WorkItem identifies one video to process. Code is unique within Platform.
type WorkItem struct {
	Platform string `json:"platform"`
	Code     string `json:"code"`
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s/%s", w.Platform, w.Code)
}

// Frame is one representative frame extracted from a video, surviving
// border-trim and perceptual dedup. Index is a 1-based, contiguous,
// chronological sequence number.
type Frame struct {
	Index  int
	Second float64
	Path   string // local filesystem path, named "{index}_{second}.png"
}

// FileName returns the canonical on-disk name for the frame.
func (f Frame) FileName() string {
	return fmt.Sprintf("%d_%g.png", f.Index, f.Second)
}

// Embedding is a fixed-dimension, cosine-comparable vector produced by the
// external encoder for one frame.
type Embedding []float32

// VectorPointID derives the stable UUIDv5 identifier for a given video
// frame. Re-running the pipeline for the same (platform, code, index,
// second) always yields the same ID, which is what makes vector-store
// upserts idempotent.
func VectorPointID(platform, code string, index int, second float64) uuid.UUID {
	name := fmt.Sprintf("%s:%s:%d:%g", platform, code, index, second)
	return uuid.NewSHA1(PointNamespace, []byte(name))
}

// VectorPointPayload is the metadata stored alongside each embedding.
// Extra is an escape hatch for fields added after this schema was fixed.
type VectorPointPayload struct {
	UUID        string         `json:"uuid"`
	CreatedAt   time.Time      `json:"created_at"`
	Platform    string         `json:"platform"`
	VideoCode   string         `json:"video_code"`
	FrameNumber int            `json:"frame_number"`
	FrameSecond float64        `json:"frame_second"`
	Path        string         `json:"path"`
	Extra       map[string]any `json:"-"`
}

// VectorPoint is one row upserted into the vector store.
type VectorPoint struct {
	ID      uuid.UUID
	Vector  Embedding
	Payload VectorPointPayload
}

// JobStatus is the lifecycle state of a Job. Terminal statuses are frozen;
// once reached a Job never transitions again.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// LogLevel mirrors the four levels a LogEntry may carry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// LogEntry is one line in a Job's append-only log buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// ItemResult records the terminal disposition of a single WorkItem within a
// Job, surfaced to callers of GET /jobs/{jobId}.
type ItemResult struct {
	Item      WorkItem `json:"item"`
	Skipped   bool     `json:"skipped,omitempty"`
	Failed    bool     `json:"failed,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Checkpoint is the single durable marker recording the last pending-work
// row the batch driver successfully finished, used to resume cleanly after
// a crash or restart.
type Checkpoint struct {
	LastCreatedAt time.Time
	LastID        string
}

// ExtractionError is an append-only record of a WorkItem that failed all
// retries.
type ExtractionError struct {
	Code       string
	Error      string
	OccurredAt time.Time
}

// Job is one batch submission accepted by the control plane: the fixed set
// of items it was asked to process, its lifecycle status, progress
// percentage, bounded log buffer, and per-item terminal results.
type Job struct {
	ID        string       `json:"job_id"`
	Items     []WorkItem   `json:"items"`
	Status    JobStatus    `json:"status"`
	Progress  int          `json:"progress"`
	CreatedAt time.Time    `json:"created_at"`
	Logs      []LogEntry   `json:"logs,omitempty"`
	Results   []ItemResult `json:"results,omitempty"`
}
