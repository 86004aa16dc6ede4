package videopipe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/model"
)

const upsertBatchCap = 64

// VectorStore is the C5 adapter over qdrant's gRPC API: ensure_collection,
// upsert, count_by_code and scroll, per spec.md §4.5. Point IDs are
// supplied by callers (UUIDv5), so upserts are naturally idempotent.
type VectorStore struct {
	conn       *grpc.ClientConn
	points     qdrant.PointsClient
	collection qdrant.CollectionsClient
	apiKey     string
}

// DialVectorStore opens a gRPC connection to addr. useTLS selects transport
// credentials; apiKey, if non-empty, is sent as the "api-key" metadata
// header on every call, matching Qdrant Cloud's auth scheme.
func DialVectorStore(addr, apiKey string, useTLS bool) (*VectorStore, error) {
	var creds credentials.TransportCredentials
	if useTLS {
		creds = credentials.NewTLS(nil)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfig, fmt.Errorf("dial vector store %s: %w", addr, err))
	}

	return &VectorStore{
		conn:       conn,
		points:     qdrant.NewPointsClient(conn),
		collection: qdrant.NewCollectionsClient(conn),
		apiKey:     apiKey,
	}, nil
}

func (s *VectorStore) Close() error {
	return s.conn.Close()
}

func (s *VectorStore) ctx(ctx context.Context) context.Context {
	if s.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.apiKey)
}

// EnsureCollection creates the collection with cosine distance if it does
// not already exist, and creates keyword/integer payload indexes on
// platform, video_code and frame_number. It is idempotent: AlreadyExists
// responses from the server are swallowed.
func (s *VectorStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	ctx = s.ctx(ctx)

	_, err := s.collection.Create(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(dimension),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil && !isAlreadyExists(err) {
		return apierr.Wrap(apierr.KindVectorStore, fmt.Errorf("create collection %s: %w", name, err))
	}

	for field, fieldType := range map[string]qdrant.FieldType{
		"platform":     qdrant.FieldType_FieldTypeKeyword,
		"video_code":   qdrant.FieldType_FieldTypeKeyword,
		"frame_number": qdrant.FieldType_FieldTypeInteger,
	} {
		_, err := s.points.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      &fieldType,
		})
		if err != nil && !isAlreadyExists(err) {
			return apierr.Wrap(apierr.KindVectorStore, fmt.Errorf("index %s.%s: %w", name, field, err))
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	// Qdrant returns a gRPC Status with "already exists" in the message for
	// both duplicate collections and duplicate indexes; there is no typed
	// sentinel in the generated client to match against.
	return err != nil && grpcMessageContains(err, "already exists")
}

// Upsert implements upsert(points, wait=true), capped at upsertBatchCap
// points per RPC to keep request sizes bounded.
func (s *VectorStore) Upsert(ctx context.Context, collection string, points []model.VectorPoint) error {
	ctx = s.ctx(ctx)

	for start := 0; start < len(points); start += upsertBatchCap {
		end := start + upsertBatchCap
		if end > len(points) {
			end = len(points)
		}
		if err := s.upsertBatch(ctx, collection, points[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *VectorStore) upsertBatch(ctx context.Context, collection string, points []model.VectorPoint) error {
	pbPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload, err := payloadToQdrant(p.Payload)
		if err != nil {
			return apierr.Wrap(apierr.KindVectorStore, fmt.Errorf("build payload for point %s: %w", p.ID, err))
		}
		pbPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         pbPoints,
	})
	if err != nil {
		return apierr.Wrap(apierr.KindVectorStore, fmt.Errorf("upsert %d points: %w", len(points), err))
	}
	return nil
}

// CountByCode reports how many points exist for video_code == code in
// collection, used by the batch driver's verification-and-flag-flip step.
func (s *VectorStore) CountByCode(ctx context.Context, collection, code string) (int, error) {
	ctx = s.ctx(ctx)

	exact := true
	resp, err := s.points.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         codeFilter(code),
		Exact:          &exact,
	})
	if err != nil {
		return 0, apierr.Wrap(apierr.KindVectorStore, fmt.Errorf("count video_code=%s: %w", code, err))
	}
	return int(resp.GetResult().GetCount()), nil
}

// Scroll pages through every point matching video_code == code. It is not
// in the hot path, and no command in this repository calls it.
func (s *VectorStore) Scroll(ctx context.Context, collection, code string, batch uint32, cursor *qdrant.PointId) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
	ctx = s.ctx(ctx)

	withPayload := true
	resp, err := s.points.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Filter:         codeFilter(code),
		Limit:          &batch,
		Offset:         cursor,
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: withPayload}},
	})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindVectorStore, fmt.Errorf("scroll video_code=%s: %w", code, err))
	}
	return resp.GetResult(), resp.GetNextPageOffset(), nil
}

func codeFilter(code string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("video_code", code),
		},
	}
}

func payloadToQdrant(p model.VectorPointPayload) (map[string]*qdrant.Value, error) {
	out := map[string]*qdrant.Value{
		"uuid":         qdrant.NewValueString(p.UUID),
		"created_at":   qdrant.NewValueString(p.CreatedAt.UTC().Format(time.RFC3339Nano)),
		"platform":     qdrant.NewValueString(p.Platform),
		"video_code":   qdrant.NewValueString(p.VideoCode),
		"frame_number": qdrant.NewValueInt(int64(p.FrameNumber)),
		"frame_second": qdrant.NewValueDouble(p.FrameSecond),
		"path":         qdrant.NewValueString(p.Path),
	}
	for k, v := range p.Extra {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("extra payload field %q: only string values are supported", k)
		}
		out[k] = qdrant.NewValueString(s)
	}
	return out, nil
}

func grpcMessageContains(err error, substr string) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), strings.ToLower(substr))
}
