package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeenSetAdd(t *testing.T) {
	s := NewSeenSet(10, time.Minute)
	id := ComputeID([]byte("a"))

	require.False(t, s.Has(id))
	require.True(t, s.Add(id))
	require.False(t, s.Add(id), "second add must report a duplicate")
	require.True(t, s.Has(id))
	require.Equal(t, 1, s.Len())
}

func TestSeenSetExpires(t *testing.T) {
	s := NewSeenSet(10, 50*time.Millisecond)
	id := ComputeID([]byte("a"))
	require.True(t, s.Add(id))

	require.Eventually(t, func() bool { return !s.Has(id) }, 2*time.Second, 20*time.Millisecond)
	require.True(t, s.Add(id), "an expired id is new again")
}

func TestSeenSetCapacity(t *testing.T) {
	s := NewSeenSet(2, time.Minute)
	first := ComputeID([]byte("1"))
	s.Add(first)
	s.Add(ComputeID([]byte("2")))
	s.Add(ComputeID([]byte("3")))

	require.Equal(t, 2, s.Len())
	require.False(t, s.Has(first))
}
