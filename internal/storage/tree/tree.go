// Package tree ties the engine together: the active memtable and its
// WAL, the frozen memtables waiting for flush, the leveled sstable
// files, and the single background goroutine performing flushes and
// compactions.
package tree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"

	"siltdb/internal/cache"
	"siltdb/internal/config"
	"siltdb/internal/storage/manifest"
	"siltdb/internal/storage/memtable"
	"siltdb/internal/storage/record"
	"siltdb/internal/storage/wal"
	"siltdb/pkg/errors"
	"siltdb/pkg/logger"
)

const walDirName = "wal"

// LSMTree is the storage engine coordinator. Mutations go through the
// single-writer path (WAL append then memtable apply under dataLock);
// reads fan out over active memtable, frozen memtables, then sstables
// level by level with newest-first recency.
type LSMTree struct {
	conf *config.Config

	// dataLock guards the write path state: active memtable, its WAL
	// writer, the frozen queue and the sequence counter. Never held
	// across sstable I/O.
	dataLock  sync.RWMutex
	memTable  memtable.MemTable
	walWriter *wal.Writer
	frozen    []*memTableFlushItem // oldest first
	walGen    uint64               // generation of the active WAL file
	lastSeq   uint64

	manifest   *manifest.Manifest
	blockCache *cache.LRUCache
	levelLocks []sync.RWMutex
	nodes      [][]*Node // L0 in flush order (newest last), L1+ sorted by range

	flushCh   chan struct{} // wake the worker, frozen queue is the data
	compactCh chan int
	stopCh    chan struct{}
	doneCh    chan struct{}

	closeOnce sync.Once
	closed    bool
}

type memTableFlushItem struct {
	gen      uint64
	walFile  string
	memTable memtable.MemTable
}

// New opens (or creates) the engine rooted at conf.Dir: loads the
// manifest, removes orphaned files, replays WAL segments and starts the
// background worker.
func New(conf *config.Config) (*LSMTree, error) {
	t := &LSMTree{
		conf:       conf,
		levelLocks: make([]sync.RWMutex, conf.MaxLevel),
		nodes:      make([][]*Node, conf.MaxLevel),
		flushCh:    make(chan struct{}, 1),
		compactCh:  make(chan int, conf.MaxLevel),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if conf.CacheSize > 0 {
		t.blockCache = cache.NewLRUCache(conf.CacheSize)
	}

	if err := t.restore(); err != nil {
		return nil, err
	}

	go t.worker()
	return t, nil
}

// Put appends a mutation to the WAL and applies it to the active
// memtable as one atomic unit. The mutation is durable when Put returns.
func (t *LSMTree) Put(key, value []byte) error {
	return t.apply(record.Record{Key: key, Value: value})
}

// Delete writes a tombstone for key. Deleting an absent key succeeds.
func (t *LSMTree) Delete(key []byte) error {
	return t.apply(record.Record{Key: key, Tombstone: true})
}

func (t *LSMTree) apply(rec record.Record) error {
	t.dataLock.Lock()
	defer t.dataLock.Unlock()

	if t.closed {
		return errors.ErrClosed
	}

	rec.Seq = t.lastSeq + 1
	if err := t.walWriter.Append(rec); err != nil {
		// not durable, not applied: the mutation is fully absent
		return err
	}
	t.lastSeq = rec.Seq

	if rec.Tombstone {
		t.memTable.Delete(rec.Key, rec.Seq)
	} else {
		t.memTable.Put(rec.Key, rec.Value, rec.Seq)
	}

	if uint64(t.memTable.Size()) >= t.conf.MemTableSize {
		if err := t.rotateMemTableLocked(); err != nil {
			// the mutation itself is durable and applied; rotation is
			// retried on the next write once the condition clears
			logger.Warn("memtable rotation deferred", "err", err)
		}
	}
	return nil
}

// Get searches containers in recency order and returns the value for
// key. A tombstone anywhere in the chain hides older versions below it.
func (t *LSMTree) Get(key []byte) ([]byte, bool, error) {
	t.dataLock.RLock()
	if t.closed {
		t.dataLock.RUnlock()
		return nil, false, errors.ErrClosed
	}
	mem := t.memTable
	frozen := append([]*memTableFlushItem(nil), t.frozen...)
	t.dataLock.RUnlock()

	if rec, ok := mem.Get(key); ok {
		return valueOf(rec)
	}
	for i := len(frozen) - 1; i >= 0; i-- {
		if rec, ok := frozen[i].memTable.Get(key); ok {
			return valueOf(rec)
		}
	}

	// level 0 files may overlap, scan newest first
	rec, ok, err := t.searchLevel0(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return valueOf(rec)
	}

	// deeper levels are non-overlapping, at most one file matters
	for level := 1; level < len(t.nodes); level++ {
		node := t.findNode(level, key)
		if node == nil {
			continue
		}
		rec, ok, err := t.nodeGet(node, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return valueOf(rec)
		}
	}
	return nil, false, nil
}

func valueOf(rec record.Record) ([]byte, bool, error) {
	if rec.Tombstone {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// nodeGet runs a point lookup holding a node reference, so the file
// cannot be unlinked underneath a concurrent compaction.
func (t *LSMTree) nodeGet(node *Node, key []byte) (record.Record, bool, error) {
	defer node.unref()
	return node.Get(key)
}

// searchLevel0 probes the overlapping level-0 files newest first. Every
// snapshotted node is released, including the ones past an early hit.
func (t *LSMTree) searchLevel0(key []byte) (record.Record, bool, error) {
	nodes := t.snapshotLevel(0, true)
	defer func() {
		for _, n := range nodes {
			n.unref()
		}
	}()
	for _, n := range nodes {
		rec, ok, err := n.Get(key)
		if ok || err != nil {
			return rec, ok, err
		}
	}
	return record.Record{}, false, nil
}

// snapshotLevel copies the node list of a level, taking a reference on
// every node. Reversed yields newest-first order for level 0.
func (t *LSMTree) snapshotLevel(level int, reversed bool) []*Node {
	t.levelLocks[level].RLock()
	out := make([]*Node, 0, len(t.nodes[level]))
	if reversed {
		for i := len(t.nodes[level]) - 1; i >= 0; i-- {
			out = append(out, t.nodes[level][i])
		}
	} else {
		out = append(out, t.nodes[level]...)
	}
	for _, n := range out {
		n.ref()
	}
	t.levelLocks[level].RUnlock()
	return out
}

// findNode locates the single node of a sorted level whose key range
// covers key, referenced for the caller.
func (t *LSMTree) findNode(level int, key []byte) *Node {
	t.levelLocks[level].RLock()
	defer t.levelLocks[level].RUnlock()
	nodes := t.nodes[level]
	left, right := 0, len(nodes)-1
	for left <= right {
		mid := left + (right-left)/2
		n := nodes[mid]
		switch {
		case n.contains(key):
			n.ref()
			return n
		case bytes.Compare(key, n.smallest) < 0:
			right = mid - 1
		default:
			left = mid + 1
		}
	}
	return nil
}

// rotateMemTableLocked freezes the active memtable and opens a fresh
// one with a new WAL generation. Callers hold dataLock, so the swap is
// atomic for concurrent readers. The next segment is opened before any
// state changes: on failure the current memtable and WAL stay active
// and the rotation is simply retried later.
func (t *LSMTree) rotateMemTableLocked() error {
	writer, err := wal.NewWriter(t.walFile(t.walGen+1), t.conf.CompressionType, t.conf.Sync())
	if err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	closeErr := t.walWriter.Close()
	t.frozen = append(t.frozen, &memTableFlushItem{
		gen:      t.walGen,
		walFile:  t.walWriter.Path(),
		memTable: t.memTable,
	})
	t.walGen++
	t.walWriter = writer
	t.memTable = memtable.New()

	t.signalFlush()
	if closeErr != nil {
		return fmt.Errorf("rotate wal: %w", closeErr)
	}
	return nil
}

func (t *LSMTree) signalFlush() {
	select {
	case t.flushCh <- struct{}{}:
	default:
	}
}

func (t *LSMTree) signalCompact(level int) {
	select {
	case t.compactCh <- level:
	default:
	}
}

// Close flushes the active and frozen memtables, waits for the
// background worker to stop, and closes every file handle.
func (t *LSMTree) Close() error {
	var firstErr error
	t.closeOnce.Do(func() {
		close(t.stopCh)
		<-t.doneCh

		t.dataLock.Lock()
		t.closed = true
		if t.memTable.EntriesCnt() > 0 {
			if err := t.rotateMemTableLocked(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		pending := append([]*memTableFlushItem(nil), t.frozen...)
		t.dataLock.Unlock()

		for _, item := range pending {
			if err := t.flushMemTable(item); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		if err := t.walWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		for level := range t.nodes {
			t.levelLocks[level].Lock()
			for _, node := range t.nodes[level] {
				node.unref()
			}
			t.nodes[level] = nil
			t.levelLocks[level].Unlock()
		}
	})
	return firstErr
}

// LastSeq returns the last assigned sequence number.
func (t *LSMTree) LastSeq() uint64 {
	t.dataLock.RLock()
	defer t.dataLock.RUnlock()
	return t.lastSeq
}

// LevelFileCounts reports the number of live files per level.
func (t *LSMTree) LevelFileCounts() []int {
	counts := make([]int, len(t.nodes))
	for level := range t.nodes {
		t.levelLocks[level].RLock()
		counts[level] = len(t.nodes[level])
		t.levelLocks[level].RUnlock()
	}
	return counts
}

func (t *LSMTree) walFile(gen uint64) string {
	return filepath.Join(t.conf.Dir, walDirName, fmt.Sprintf("%06d.wal", gen))
}

func (t *LSMTree) sstFile(level int, fileNum uint64) string {
	return filepath.Join(t.conf.Dir, fmt.Sprintf("%d_%06d.sst", level, fileNum))
}
