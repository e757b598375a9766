package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64(t *testing.T) {
	var g Uint64
	require.Equal(t, uint64(0), g.Last())
	require.Equal(t, uint64(1), g.Next())
	require.Equal(t, uint64(2), g.Next())
	require.Equal(t, uint64(2), g.Last())
}

func TestUint64Concurrent(t *testing.T) {
	var g Uint64
	ids := make(chan uint64, 8000)
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[uint64]bool{}
	for id := range ids {
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Len(t, seen, 8000)
	require.Equal(t, uint64(8000), g.Last())
}
