package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Add("a", 1)
	c.Add("b", 2)
	// touch "a" so "b" becomes LRU
	_, _ = c.Get("a")
	c.Add("c", 3)

	_, ok := c.Get("b")
	require.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestRemoveOnDDLBoundary(t *testing.T) {
	c := New[string, int](10)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)

	c.AddToRemoveOnDDL("a")
	c.AddToRemoveOnDDL("c")

	removed := c.RemoveOnDDLBoundary()
	require.ElementsMatch(t, []string{"a", "c"}, removed)

	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.False(t, ok)

	// pending set should be cleared; a second call removes nothing.
	require.Empty(t, c.RemoveOnDDLBoundary())
}

func TestCleanupOneAndNeedsCleanup(t *testing.T) {
	c := New[string, int](3)
	c.Add("a", 1)
	c.Add("b", 2)
	require.False(t, c.NeedsCleanup())

	c.Resize(1)
	require.True(t, c.NeedsCleanup())
	key, ok := c.CleanupOne()
	require.True(t, ok)
	require.Equal(t, "a", key)
	require.False(t, c.NeedsCleanup())
}

func TestPurge(t *testing.T) {
	c := New[string, int](5)
	c.Add("a", 1)
	c.AddToRemoveOnDDL("a")
	c.Purge()
	require.Equal(t, 0, c.Len())
	require.Empty(t, c.RemoveOnDDLBoundary())
}
