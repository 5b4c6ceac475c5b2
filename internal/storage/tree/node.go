package tree

import (
	"bytes"
	"os"
	"sync/atomic"

	"siltdb/internal/cache"
	"siltdb/internal/storage/manifest"
	"siltdb/internal/storage/record"
	"siltdb/internal/storage/sstable"
	"siltdb/pkg/logger"
)

// Node is one live sstable in the tree: the open reader plus the
// metadata the read path needs. Nodes are reference counted so a file
// superseded by compaction is unlinked only after the last in-flight
// reader releases it.
type Node struct {
	level    int
	fileNum  uint64
	path     string
	size     uint64
	count    uint64
	smallest []byte
	largest  []byte
	reader   *sstable.Reader

	refs     atomic.Int32
	obsolete atomic.Bool
}

func newNode(path string, level int, meta manifest.FileMeta, blocks *cache.LRUCache) (*Node, error) {
	reader, err := sstable.NewReader(path, blocks)
	if err != nil {
		return nil, err
	}
	n := &Node{
		level:    level,
		fileNum:  meta.FileNum,
		path:     path,
		size:     meta.Size,
		count:    meta.Count,
		smallest: meta.Smallest,
		largest:  meta.Largest,
		reader:   reader,
	}
	n.refs.Store(1) // the tree's own reference
	return n, nil
}

func (n *Node) meta() manifest.FileMeta {
	return manifest.FileMeta{
		FileNum:  n.fileNum,
		Size:     n.size,
		Count:    n.count,
		Smallest: n.smallest,
		Largest:  n.largest,
	}
}

// contains reports whether key falls inside the node's key range.
func (n *Node) contains(key []byte) bool {
	return bytes.Compare(key, n.smallest) >= 0 && bytes.Compare(key, n.largest) <= 0
}

// overlaps reports whether [smallest, largest] intersects the node's range.
func (n *Node) overlaps(smallest, largest []byte) bool {
	return bytes.Compare(smallest, n.largest) <= 0 && bytes.Compare(largest, n.smallest) >= 0
}

// Get performs a point lookup inside this table.
func (n *Node) Get(key []byte) (record.Record, bool, error) {
	if !n.contains(key) {
		return record.Record{}, false, nil
	}
	return n.reader.Get(key)
}

// ref takes a reference for an in-flight read or merge.
func (n *Node) ref() { n.refs.Add(1) }

// unref drops a reference. The last drop closes the reader and, when
// the node was marked obsolete, removes the file.
func (n *Node) unref() {
	if n.refs.Add(-1) != 0 {
		return
	}
	if err := n.reader.Close(); err != nil {
		logger.Warn("close sstable reader", "path", n.path, "err", err)
	}
	if n.obsolete.Load() {
		if err := os.Remove(n.path); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove obsolete sstable", "path", n.path, "err", err)
		}
	}
}

// markObsolete schedules physical deletion once all references drop.
func (n *Node) markObsolete() { n.obsolete.Store(true) }
