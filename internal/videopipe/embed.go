package videopipe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/model"
)

// Encoder calls the external CLIP-style vision encoder, the one component
// spec.md treats as a pure black-box function. The retry wrapper mirrors
// the teacher's newRetryableClient in clients/broadcaster_remote.go.
type Encoder struct {
	endpoint   string
	dimension  int
	batchSize  int
	httpClient *http.Client
}

// NewEncoder builds an Encoder posting to endpoint (e.g.
// "http://encoder:8081/embed"), truncating each result to dimension
// components and batching at most batchSize images per call.
func NewEncoder(endpoint string, dimension, batchSize int, timeout time.Duration) *Encoder {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 1 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{Timeout: timeout}

	return &Encoder{
		endpoint:   endpoint,
		dimension:  dimension,
		batchSize:  batchSize,
		httpClient: retryClient.StandardClient(),
	}
}

type encodeRequest struct {
	ImagesB64 []string `json:"images_b64"`
}

type encodeResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Encode implements C4: encode(paths) -> vectors, processed in batches of
// configured size to bound encoder GPU memory, truncated Matryoshka-style
// to e.dimension components. Any encoder error aborts the whole call and no
// partial vectors are returned; the per-video pipeline passes the error on
// and the batch driver decides whether to retry the item as a unit.
func (e *Encoder) Encode(ctx context.Context, paths []string) ([]model.Embedding, error) {
	out := make([]model.Embedding, 0, len(paths))

	for start := 0; start < len(paths); start += e.batchSize {
		end := start + e.batchSize
		if end > len(paths) {
			end = len(paths)
		}
		batch, err := e.encodeBatch(ctx, paths[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *Encoder) encodeBatch(ctx context.Context, paths []string) ([]model.Embedding, error) {
	images := make([]string, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindEncoderFailed, fmt.Errorf("read frame %s: %w", p, err))
		}
		images[i] = base64.StdEncoding.EncodeToString(data)
	}

	body, err := json.Marshal(encodeRequest{ImagesB64: images})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindEncoderFailed, fmt.Errorf("marshal encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindEncoderFailed, fmt.Errorf("build encode request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, fmt.Errorf("encoder request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apierr.Wrap(apierr.KindTransient, fmt.Errorf("encoder returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierr.Wrap(apierr.KindEncoderFailed, fmt.Errorf("encoder returned %d", resp.StatusCode))
	}

	var decoded encodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apierr.Wrap(apierr.KindEncoderFailed, fmt.Errorf("decode encoder response: %w", err))
	}
	if len(decoded.Vectors) != len(paths) {
		return nil, apierr.Wrap(apierr.KindEncoderFailed, fmt.Errorf("encoder returned %d vectors for %d images", len(decoded.Vectors), len(paths)))
	}

	out := make([]model.Embedding, len(decoded.Vectors))
	for i, v := range decoded.Vectors {
		if len(v) > e.dimension {
			v = v[:e.dimension]
		}
		out[i] = v
	}
	return out, nil
}
