package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer_EvictsOldest(t *testing.T) {
	b := New[int, string](3)
	for i := 1; i <= 3; i++ {
		_, _, ev := b.Put(i, "v")
		require.False(t, ev)
	}
	k, _, ev := b.Put(4, "v4")
	require.True(t, ev)
	require.Equal(t, 1, k)
	require.False(t, b.Contains(1))
	require.Equal(t, 3, b.Len())

	oldest, _, ok := b.Oldest()
	require.True(t, ok)
	require.Equal(t, 2, oldest)
}

func TestBuffer_UpdateInPlace(t *testing.T) {
	b := New[string, int](2)
	b.Put("a", 1)
	b.Put("b", 2)
	_, _, ev := b.Put("a", 10)
	require.False(t, ev, "updating an existing key must not evict")
	v, ok := b.Get("a")
	require.True(t, ok)
	require.Equal(t, 10, v)
	// "a" keeps its age, so it is still evicted first
	k, _, ev := b.Put("c", 3)
	require.True(t, ev)
	require.Equal(t, "a", k)
}

func TestBuffer_After(t *testing.T) {
	b := New[int64, int64](4)
	for i := int64(1); i <= 6; i++ {
		b.Put(i, i*10)
	}
	vals, found := b.After(4)
	require.True(t, found)
	require.Equal(t, []int64{50, 60}, vals)

	vals, found = b.After(6)
	require.True(t, found)
	require.Empty(t, vals)

	_, found = b.After(1)
	require.False(t, found, "evicted key is not found")
}

func TestBuffer_DeleteCompacts(t *testing.T) {
	b := New[int, int](3)
	b.Put(1, 1)
	b.Put(2, 2)
	b.Put(3, 3)
	b.Put(4, 4) // wraps: 2,3,4
	require.True(t, b.Delete(3))
	require.False(t, b.Delete(3))
	require.Equal(t, []int{2, 4}, b.Values())

	_, _, ev := b.Put(5, 5)
	require.False(t, ev, "freed slot is reused before evicting")
	require.Equal(t, []int{2, 4, 5}, b.Values())
}

func TestBuffer_ResetAndMinCapacity(t *testing.T) {
	b := New[int, int](0)
	require.Equal(t, 1, b.Cap())
	b.Put(1, 1)
	b.Reset()
	require.Zero(t, b.Len())
	_, _, ok := b.Oldest()
	require.False(t, ok)
}
