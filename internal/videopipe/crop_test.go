package videopipe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnionRect(t *testing.T) {
	a := rect{W: 100, H: 50, X: 10, Y: 10}
	b := rect{W: 80, H: 60, X: 20, Y: 5}
	got := unionRect(a, b)
	require.Equal(t, rect{W: 100, H: 60, X: 10, Y: 5}, got)
}

func TestEvenUp(t *testing.T) {
	require.Equal(t, 100, evenUp(100))
	require.Equal(t, 102, evenUp(101))
}

func TestCropLineRegexpParsesLastMatch(t *testing.T) {
	stderr := "frame=1 crop=640:360:0:10\nframe=2 crop=640:352:0:14\n"
	matches := cropLineRe.FindAllStringSubmatch(stderr, -1)
	require.Len(t, matches, 2)
	last := matches[len(matches)-1]
	require.Equal(t, []string{"crop=640:352:0:14", "640", "352", "0", "14"}, last)
}
