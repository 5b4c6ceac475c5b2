// Package cache provides the shared block cache: decoded sstable block
// payloads keyed by file and offset, evicted least-recently-used.
// Blocks are immutable, so cached payloads are shared without copying.
package cache

import (
	"container/list"
	"fmt"
	"sync"
)

type entry struct {
	key   string
	value []byte
}

// LRUCache implements a Least Recently Used cache of block payloads.
// Safe for concurrent use.
type LRUCache struct {
	mu         sync.Mutex
	maxSize    int
	cache      map[string]*list.Element
	doubleList *list.List
}

// NewLRUCache creates a new LRU cache holding up to maxSize blocks.
func NewLRUCache(maxSize int) *LRUCache {
	return &LRUCache{
		maxSize:    maxSize,
		cache:      make(map[string]*list.Element),
		doubleList: list.New(),
	}
}

// BlockKey builds the cache key for a block of the given file.
func BlockKey(path string, offset uint64) string {
	return fmt.Sprintf("%s:%d", path, offset)
}

// Set adds or refreshes a block payload.
func (l *LRUCache) Set(key string, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if element, exists := l.cache[key]; exists {
		l.doubleList.MoveToFront(element)
		element.Value.(*entry).value = value
		return
	}

	ele := l.doubleList.PushFront(&entry{key: key, value: value})
	l.cache[key] = ele

	if l.doubleList.Len() > l.maxSize {
		oldest := l.doubleList.Back()
		if oldest != nil {
			l.removeElement(oldest)
		}
	}
}

// Get retrieves a block payload, marking it most recently used.
func (l *LRUCache) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	element, exists := l.cache[key]
	if !exists {
		return nil, false
	}
	l.doubleList.MoveToFront(element)
	return element.Value.(*entry).value, true
}

// Len returns the number of cached blocks.
func (l *LRUCache) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doubleList.Len()
}

func (l *LRUCache) removeElement(element *list.Element) {
	l.doubleList.Remove(element)
	entry := element.Value.(*entry)
	delete(l.cache, entry.key)
}
