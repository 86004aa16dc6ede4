package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/frameforge/pipeline/internal/batch"
	"github.com/frameforge/pipeline/internal/metastore"
	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/videopipe"
)

type stubProcessor struct{ state videopipe.ItemState }

func (s stubProcessor) Process(_ context.Context, item model.WorkItem, _ string) videopipe.ProcessResult {
	return videopipe.ProcessResult{Item: item, State: s.state}
}

type stubVerifier struct{ count int }

func (s stubVerifier) CountByCode(_ context.Context, _ string, _ string) (int, error) {
	return s.count, nil
}

func newTestServer(t *testing.T, processorState videopipe.ItemState, count int) *Server {
	t.Helper()
	return newTestServerWithConcurrency(t, 2, processorState, count)
}

func newTestServerWithConcurrency(t *testing.T, maxConcurrent int, processorState videopipe.ItemState, count int) *Server {
	t.Helper()
	registry := NewRegistry(maxConcurrent)
	driver := batch.NewWithDeps(stubProcessor{state: processorState}, stubVerifier{count: count}, metastoreNoopStore(t), batch.Config{
		MaxWorkers:          2,
		BatchSize:           4,
		SleepBetweenBatches: time.Millisecond,
		MaxRetries:          1,
		Collection:          "frames",
		WorkDir:             t.TempDir(),
	})
	return NewServer(registry, driver, 2)
}

// metastoreNoopStore returns a *metastore.Store backed by an in-memory
// sqlite-free sqlmock DB that never expects a call; used for the happy-path
// handler tests which only exercise SKIPPED outcomes, so no flag-flip or
// error-record SQL ever fires.
func metastoreNoopStore(t *testing.T) *metastore.Store {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	return metastore.FromDB(db)
}

func TestProcessRejectsOversizedBatch(t *testing.T) {
	s := newTestServer(t, videopipe.StateSkipped, 0)
	router := NewRouter(s, "secret")

	body, _ := json.Marshal(processRequest{Items: []model.WorkItem{
		{Platform: "yt", Code: "a"}, {Platform: "yt", Code: "b"}, {Platform: "yt", Code: "c"},
	}})
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessRejectsMissingAPIKey(t *testing.T) {
	s := newTestServer(t, videopipe.StateSkipped, 0)
	router := NewRouter(s, "secret")

	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader([]byte(`{"items":[{"platform":"yt","code":"a"}]}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusUnknownJobReturns404(t *testing.T) {
	s := newTestServer(t, videopipe.StateSkipped, 0)
	router := NewRouter(s, "secret")

	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, videopipe.StateSkipped, 0)
	router := NewRouter(s, "secret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessAcceptsValidBatchAndCompletes(t *testing.T) {
	s := newTestServer(t, videopipe.StateSkipped, 0)
	router := NewRouter(s, "secret")

	body, _ := json.Marshal(processRequest{Items: []model.WorkItem{{Platform: "yt", Code: "a"}}})
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp processResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.JobID)

	require.Eventually(t, func() bool {
		job, ok := s.Registry.Get(resp.JobID)
		return ok && job.Status.Terminal()
	}, time.Second, 5*time.Millisecond)

	job, _ := s.Registry.Get(resp.JobID)
	require.Equal(t, model.JobCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
}

// TestQueuedJobActuallyRunsAfterDequeue guards against a queued job sitting
// RUNNING forever with no items processed: with a concurrency cap of 1, the
// second submitted job must queue behind the first and then actually be run
// through the driver once the first finishes, not just flip to RUNNING.
func TestQueuedJobActuallyRunsAfterDequeue(t *testing.T) {
	s := newTestServerWithConcurrency(t, 1, videopipe.StateSkipped, 0)
	router := NewRouter(s, "secret")

	submit := func(code string) string {
		body, _ := json.Marshal(processRequest{Items: []model.WorkItem{{Platform: "yt", Code: code}}})
		req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
		req.Header.Set("X-API-Key", "secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp processResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp.JobID
	}

	firstID := submit("a")
	secondID := submit("b")

	require.Eventually(t, func() bool {
		first, ok := s.Registry.Get(firstID)
		return ok && first.Status.Terminal()
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		second, ok := s.Registry.Get(secondID)
		return ok && second.Status.Terminal()
	}, time.Second, 5*time.Millisecond)

	second, _ := s.Registry.Get(secondID)
	require.Equal(t, model.JobCompleted, second.Status, "queued job must actually be driven to completion, not just flipped to RUNNING")
	require.Equal(t, 100, second.Progress)
	require.NotEmpty(t, second.Results, "queued job must have been submitted to the driver and produced item results")
}
