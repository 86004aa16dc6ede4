package apierr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfAndRetryable(t *testing.T) {
	err := Wrap(KindTransient, fmt.Errorf("connection reset"))
	require.Equal(t, KindTransient, KindOf(err))
	require.True(t, Retryable(err))

	notFound := Wrap(KindNotFound, fmt.Errorf("404"))
	require.True(t, IsNotFound(notFound))
	require.False(t, Retryable(notFound))

	noFrames := Wrap(KindNoFrames, fmt.Errorf("zero frames survived"))
	require.False(t, Retryable(noFrames))

	require.Equal(t, ErrKind(""), KindOf(fmt.Errorf("plain error")))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(KindTransient, nil))
}
