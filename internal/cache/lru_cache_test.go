package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := NewLRUCache(4)

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(3)

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("c", []byte("3"))

	// touch "a" so "b" becomes the eviction candidate
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", []byte("4"))

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be gone")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "key %s", key)
	}
	assert.Equal(t, 3, c.Len())
}

func TestSetRefreshesExisting(t *testing.T) {
	c := NewLRUCache(2)

	c.Set("a", []byte("old"))
	c.Set("a", []byte("new"))

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)
	assert.Equal(t, 1, c.Len())
}

func TestBlockKey(t *testing.T) {
	assert.Equal(t, "/db/0_000001.sst:4096", BlockKey("/db/0_000001.sst", 4096))
	assert.NotEqual(t, BlockKey("a.sst", 1), BlockKey("a.sst", 2))
}

func TestConcurrentAccess(t *testing.T) {
	c := NewLRUCache(128)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := BlockKey("file.sst", uint64(i%200))
				if i%3 == 0 {
					c.Set(key, []byte(fmt.Sprintf("%d", i)))
				} else {
					c.Get(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 128)
}
