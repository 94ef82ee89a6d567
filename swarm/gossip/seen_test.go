package gossip

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func idN(n int) MessageID {
	var id MessageID
	binary.BigEndian.PutUint64(id[:], uint64(n))
	return id
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	for _, capacity := range []int{1, 2, 16, 4096} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			c := NewSeenCache(capacity)

			for i := 0; i < capacity; i++ {
				require.True(t, c.Add(idN(i)))
			}
			require.Equal(t, capacity, c.Len())
			for i := 0; i < capacity; i++ {
				require.False(t, c.Add(idN(i)), "id %d must be remembered", i)
			}

			// One more evicts exactly the oldest
			require.True(t, c.Add(idN(capacity)))
			require.Equal(t, capacity, c.Len())
			require.False(t, c.Contains(idN(0)))
			for i := 1; i <= capacity; i++ {
				require.True(t, c.Contains(idN(i)))
			}

			// The evicted id is accepted again: the documented limitation of a bounded set
			require.True(t, c.Add(idN(0)))
		})
	}
}

func TestSeenCacheMinimumCapacity(t *testing.T) {
	c := NewSeenCache(0)
	require.Equal(t, 1, c.Cap())
	require.True(t, c.Add(idN(1)))
	require.True(t, c.Add(idN(2)))
	require.False(t, c.Contains(idN(1)))
}
