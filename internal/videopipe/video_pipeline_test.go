package videopipe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/frameforge/pipeline/internal/model"
)

func TestBuildVectorPointsIsDeterministic(t *testing.T) {
	item := model.WorkItem{Platform: "instagram", Code: "ABC123"}
	frames := []model.Frame{
		{Index: 1, Second: 0.5, Path: "1_0.5.png"},
		{Index: 2, Second: 1.25, Path: "2_1.25.png"},
	}
	vectors := []model.Embedding{{1, 2}, {3, 4}}

	first := buildVectorPoints(item, frames, vectors)
	second := buildVectorPoints(item, frames, vectors)

	require.Len(t, first, 2)
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID, "vector point ID must be a pure function of platform/code/index/second")
		require.Equal(t, "instagram", first[i].Payload.Platform)
		require.Equal(t, "ABC123", first[i].Payload.VideoCode)
	}
	require.NotEqual(t, first[0].ID, first[1].ID)
}

func TestBuildVectorPointsPathsAreNamespacedByPlatformAndCode(t *testing.T) {
	item := model.WorkItem{Platform: "tiktok", Code: "XYZ9"}
	frames := []model.Frame{{Index: 1, Second: 2, Path: "1_2.png"}}
	vectors := []model.Embedding{{1}}

	points := buildVectorPoints(item, frames, vectors)
	require.Equal(t, "tiktok/XYZ9/1_2.png", points[0].Payload.Path)
}
