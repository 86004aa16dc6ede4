package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/batch"
	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/obslog"
	"github.com/frameforge/pipeline/internal/videopipe"
)

// Server holds the dependencies the C9 handlers need: the job registry, the
// batch driver that actually runs submitted items, and the configured cap
// on batch size, per spec.md §4.9 and §6.
type Server struct {
	Registry            *Registry
	Driver              *batch.Driver
	MaxVideosPerRequest int
}

func NewServer(registry *Registry, driver *batch.Driver, maxVideosPerRequest int) *Server {
	s := &Server{Registry: registry, Driver: driver, MaxVideosPerRequest: maxVideosPerRequest}
	registry.OnDispatch = func(jobID string) { go s.runJob(jobID) }
	return s
}

type processRequest struct {
	Items []model.WorkItem `json:"items"`
}

type processResponse struct {
	JobID string `json:"jobId"`
}

// Process implements POST /process: validates the body against the schema,
// enforces MAX_VIDEOS_PER_REQUEST, creates a PENDING job, and dispatches it
// asynchronously so the HTTP response returns immediately with 202.
func (s *Server) Process() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			apierr.WriteHTTPBadRequest(w, "cannot read request body", err)
			return
		}

		result, err := processRequestSchema.Validate(gojsonschema.NewBytesLoader(payload))
		if err != nil {
			apierr.WriteHTTPInternalServerError(w, "cannot validate payload", err)
			return
		}
		if !result.Valid() {
			apierr.WriteHTTPBadBodySchema("process", w, result.Errors())
			return
		}

		var req processRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			apierr.WriteHTTPBadRequest(w, "invalid JSON body", err)
			return
		}
		if len(req.Items) > s.MaxVideosPerRequest {
			apierr.WriteHTTPBadRequest(w, fmt.Sprintf("items exceeds MAX_VIDEOS_PER_REQUEST (%d)", s.MaxVideosPerRequest), nil)
			return
		}

		job := s.Registry.Create(req.Items)
		obslog.Log(job.ID, "job created", "item_count", len(req.Items))

		go s.runJob(job.ID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(processResponse{JobID: job.ID})
	}
}

// runJob dispatches a job's items through the batch driver, wiring its
// jobprogress.Reporter into the registry's Progress field and collecting
// ItemResults for GET /jobs/{jobId}. It blocks (it is always called from its
// own goroutine, either by Process for a freshly created job or by
// Registry.OnDispatch for one that was queued behind the concurrency cap).
func (s *Server) runJob(jobID string) {
	if !s.Registry.TryDispatch(jobID) {
		return
	}
	job, ok := s.Registry.Get(jobID)
	if !ok {
		return
	}

	var results []model.ItemResult
	var anyFailed bool

	err := s.Driver.RunItems(context.Background(), job.Items, func(item model.WorkItem, result videopipe.ProcessResult) {
		ir := model.ItemResult{Item: item}
		switch result.State {
		case videopipe.StateSkipped:
			ir.Skipped = true
		case videopipe.StateDone:
		default:
			ir.Failed = true
			anyFailed = true
			if result.Err != nil {
				ir.ErrorKind = string(apierr.KindOf(result.Err))
				ir.Message = result.Err.Error()
			}
		}
		results = append(results, ir)
		s.Registry.AppendLog(jobID, model.LogInfo, fmt.Sprintf("%s: %s", item, result.State))
	}, func(progress int) {
		s.Registry.SetProgress(jobID, progress)
	})

	status := model.JobCompleted
	if err != nil {
		anyFailed = true
		s.Registry.AppendLog(jobID, model.LogError, err.Error())
	}
	if anyFailed && len(results) > 0 && allFailed(results) {
		status = model.JobFailed
	}
	s.Registry.Finish(jobID, status, results)
}

func allFailed(results []model.ItemResult) bool {
	for _, r := range results {
		if !r.Failed {
			return false
		}
	}
	return true
}

type statusResponse struct {
	Status   model.JobStatus  `json:"status"`
	Progress int              `json:"progress"`
	LogTail  []model.LogEntry `json:"log_tail"`
}

// Status implements GET /status/{jobId}.
func (s *Server) Status() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		job, ok := s.Registry.Get(ps.ByName("jobId"))
		if !ok {
			apierr.WriteHTTPNotFound(w, "unknown job id", nil)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			Status:   job.Status,
			Progress: job.Progress,
			LogTail:  s.Registry.LogTail(job.ID),
		})
	}
}

// JobDetail implements GET /jobs/{jobId}.
func (s *Server) JobDetail() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		job, ok := s.Registry.Get(ps.ByName("jobId"))
		if !ok {
			apierr.WriteHTTPNotFound(w, "unknown job id", nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// Health implements GET /health, unauthenticated per spec.md §4.9.
func (s *Server) Health() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
