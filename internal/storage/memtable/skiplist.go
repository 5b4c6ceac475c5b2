package memtable

import (
	"bytes"
	"math/rand"
	"sync"

	"siltdb/internal/storage/record"
)

const (
	maxLevel = 16
	p        = 0.25
)

// SkipList keeps one record per key, replaced in place on overwrite.
// The latest version always wins within a single memtable because the
// engine applies mutations in sequence order; older versions of a key
// live in frozen memtables and sstables below.
type SkipList struct {
	mu         sync.RWMutex
	head       *skipListNode
	size       int // data size in bytes
	entriesCnt int // num of entries
	level      int // current max level
}

type skipListNode struct {
	rec  record.Record
	next []*skipListNode
}

func NewSkipList() *SkipList {
	return &SkipList{
		head: &skipListNode{
			next: make([]*skipListNode, 1),
		},
		level: 1,
	}
}

// Size is the byte size of all live entries, used for the freeze check.
func (s *SkipList) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *SkipList) EntriesCnt() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesCnt
}

// Put inserts or overwrites the record for key.
func (s *SkipList) Put(key, value []byte, seq uint64) {
	s.insert(record.Record{Key: key, Value: value, Seq: seq})
}

// Delete inserts a tombstone for key.
func (s *SkipList) Delete(key []byte, seq uint64) {
	s.insert(record.Record{Key: key, Seq: seq, Tombstone: true})
}

func (s *SkipList) insert(rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node := s.searchInternal(rec.Key); node != nil {
		s.size += rec.Size() - node.rec.Size()
		node.rec = rec
		return
	}

	s.entriesCnt++
	s.size += rec.Size()

	newLevel := s.randomLevel()
	if s.level < newLevel {
		for i := s.level + 1; i <= newLevel; i++ {
			s.head.next = append(s.head.next, nil)
		}
		s.level = newLevel
	}

	newNode := &skipListNode{
		rec:  rec,
		next: make([]*skipListNode, newLevel),
	}

	// insert node from top level down
	cur := s.head
	for i := newLevel - 1; i >= 0; i-- {
		for cur.next[i] != nil && bytes.Compare(cur.next[i].rec.Key, rec.Key) < 0 {
			cur = cur.next[i]
		}
		newNode.next[i] = cur.next[i]
		cur.next[i] = newNode
	}
}

func (s *SkipList) randomLevel() int {
	level := 1
	for rand.Float32() < p && level < maxLevel {
		level++
	}
	return level
}

// searchInternal performs the search operation without locking
func (s *SkipList) searchInternal(key []byte) *skipListNode {
	cur := s.head
	for i := s.level - 1; i >= 0; i-- {
		for cur.next[i] != nil && bytes.Compare(cur.next[i].rec.Key, key) < 0 {
			cur = cur.next[i]
		}
		if cur.next[i] != nil && bytes.Equal(cur.next[i].rec.Key, key) {
			return cur.next[i]
		}
	}
	return nil
}

// Get returns the record stored for key. A tombstone is returned as a
// found record so callers can stop their search.
func (s *SkipList) Get(key []byte) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node := s.searchInternal(key); node != nil {
		return node.rec, true
	}
	return record.Record{}, false
}

// All returns every record sorted by key ascending.
func (s *SkipList) All() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entriesCnt == 0 {
		return nil
	}
	recs := make([]record.Record, 0, s.entriesCnt)
	for cur := s.head.next[0]; cur != nil; cur = cur.next[0] {
		recs = append(recs, cur.rec)
	}
	return recs
}
