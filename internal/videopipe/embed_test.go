package videopipe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/model"
)

func writeTempFrame(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("fake-png-bytes"), 0o644))
	return path
}

func TestEncodeTruncatesToDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req encodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := encodeResponse{}
		for range req.ImagesB64 {
			resp.Vectors = append(resp.Vectors, []float32{1, 2, 3, 4, 5, 6})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p1 := writeTempFrame(t, dir, "1_0.5.png")
	p2 := writeTempFrame(t, dir, "2_1.0.png")

	enc := NewEncoder(srv.URL, 3, 8, 5*time.Second)
	vecs, err := enc.Encode(context.Background(), []string{p1, p2})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Len(t, vecs[0], 3)
	require.Equal(t, model.Embedding([]float32{1, 2, 3}), vecs[0])
}

func TestEncodeBatchesRequests(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req encodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batchSizes = append(batchSizes, len(req.ImagesB64))

		resp := encodeResponse{}
		for range req.ImagesB64 {
			resp.Vectors = append(resp.Vectors, []float32{1})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	dir := t.TempDir()
	names := []string{"1_0.png", "2_0.png", "3_0.png", "4_0.png", "5_0.png"}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = writeTempFrame(t, dir, name)
	}

	enc := NewEncoder(srv.URL, 1, 2, 5*time.Second)
	_, err := enc.Encode(context.Background(), paths)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 1}, batchSizes)
}

func TestEncodeServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := writeTempFrame(t, dir, "1_0.png")

	enc := NewEncoder(srv.URL, 3, 8, 2*time.Second)
	_, err := enc.Encode(context.Background(), []string{p})
	require.Error(t, err)
	require.True(t, apierr.Retryable(err))
}
