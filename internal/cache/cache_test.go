package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testJobInfo struct {
	Status string
}

func TestStoreAndRetrieve(t *testing.T) {
	c := New[testJobInfo]()
	c.Store("job-1", testJobInfo{Status: "RUNNING"})

	v, ok := c.Get("job-1")
	require.True(t, ok)
	require.Equal(t, "RUNNING", v.Status)
}

func TestStoreAndRemove(t *testing.T) {
	c := New[testJobInfo]()
	c.Store("job-1", testJobInfo{Status: "RUNNING"})
	c.Remove("job-1")

	_, ok := c.Get("job-1")
	require.False(t, ok)
}

func TestKeysAndLen(t *testing.T) {
	c := New[testJobInfo]()
	c.Store("job-1", testJobInfo{Status: "RUNNING"})
	c.Store("job-2", testJobInfo{Status: "PENDING"})

	require.Equal(t, 2, c.Len())
	require.ElementsMatch(t, []string{"job-1", "job-2"}, c.Keys())
}
