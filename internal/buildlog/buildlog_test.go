package buildlog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	t.Run("write appends", func(t *testing.T) {
		b := New()
		n, err := b.Write([]byte("hello "))
		require.NoError(t, err)
		require.Equal(t, 6, n)
		_, _ = b.Write([]byte("world"))
		require.Equal(t, "hello world", b.String())
		require.Equal(t, 11, b.Len())
	})

	t.Run("printf terminates lines", func(t *testing.T) {
		b := New()
		b.Printf("step %d", 1)
		b.Printf("already terminated\n")
		require.Equal(t, "step 1\nalready terminated\n", b.String())
	})

	t.Run("tailing with offsets", func(t *testing.T) {
		b := New()
		b.Printf("first")
		chunk, next := b.ReadFrom(0)
		require.Equal(t, "first\n", chunk)
		require.Equal(t, 6, next)

		chunk, next2 := b.ReadFrom(next)
		require.Empty(t, chunk)
		require.Equal(t, next, next2)

		b.Printf("second")
		chunk, _ = b.ReadFrom(next)
		require.Equal(t, "second\n", chunk)
	})

	t.Run("out-of-range offsets self-correct", func(t *testing.T) {
		b := New()
		b.Printf("x")
		chunk, next := b.ReadFrom(100)
		require.Empty(t, chunk)
		require.Equal(t, 2, next)

		chunk, next = b.ReadFrom(-1)
		require.Empty(t, chunk)
		require.Equal(t, 2, next)
	})
}

func TestBufferConcurrentWriters(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				fmt.Fprintf(b, "w%d line %d\n", n, j)
			}
		}(i)
	}
	wg.Wait()
	// Every write lands exactly once.
	require.Greater(t, b.Len(), 1000)
	chunk, next := b.ReadFrom(0)
	require.Len(t, chunk, next)
}
