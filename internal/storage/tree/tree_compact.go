package tree

import (
	"bytes"
	"container/heap"
	"fmt"
	"os"
	"sort"

	"siltdb/internal/storage/manifest"
	"siltdb/internal/storage/record"
	"siltdb/internal/storage/sstable"
	"siltdb/pkg/logger"
)

// worker is the single background task. Flush and compaction requests
// are queued and processed one at a time to bound I/O contention; a
// failed job is logged and retried on the next trigger, it never brings
// the engine down.
func (t *LSMTree) worker() {
	defer close(t.doneCh)
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.flushCh:
			t.drainFlushQueue()
		case level := <-t.compactCh:
			if err := t.compactLevel(level); err != nil {
				logger.Error("compaction failed", "level", level, "err", err)
			}
		}
	}
}

// drainFlushQueue flushes frozen memtables oldest first, preserving the
// recency order of level 0 files.
func (t *LSMTree) drainFlushQueue() {
	for {
		t.dataLock.RLock()
		if len(t.frozen) == 0 {
			t.dataLock.RUnlock()
			return
		}
		item := t.frozen[0]
		t.dataLock.RUnlock()

		if err := t.flushMemTable(item); err != nil {
			logger.Error("memtable flush failed", "wal", item.walFile, "err", err)
			return // retried on the next signal
		}
	}
}

// flushMemTable writes one frozen memtable as a level-0 sstable,
// commits it to the manifest, then retires the memtable and its WAL.
func (t *LSMTree) flushMemTable(item *memTableFlushItem) error {
	recs := item.memTable.All()
	if len(recs) > 0 {
		fileNum := t.manifest.AllocFileNum()
		path := t.sstFile(0, fileNum)

		writer, err := sstable.NewWriter(path, t.conf, len(recs))
		if err != nil {
			return err
		}
		var maxSeq uint64
		for i := range recs {
			if recs[i].Seq > maxSeq {
				maxSeq = recs[i].Seq
			}
			if err := writer.Append(recs[i]); err != nil {
				writer.Abort()
				return err
			}
		}
		meta, err := writer.Finish()
		if err != nil {
			writer.Abort()
			return err
		}

		fileMeta := manifest.FileMeta{
			FileNum:  fileNum,
			Size:     meta.Size,
			Count:    uint64(meta.Count),
			Smallest: meta.Smallest,
			Largest:  meta.Largest,
		}
		node, err := newNode(path, 0, fileMeta, t.blockCache)
		if err != nil {
			_ = os.Remove(path)
			return err
		}

		if _, err := t.manifest.Apply(&manifest.Edit{
			AddFiles: map[int][]manifest.FileMeta{0: {fileMeta}},
			LastSeq:  maxSeq,
		}); err != nil {
			node.unref()
			_ = os.Remove(path)
			return err
		}

		t.levelLocks[0].Lock()
		t.nodes[0] = append(t.nodes[0], node)
		l0Count := len(t.nodes[0])
		t.levelLocks[0].Unlock()

		logger.Debug("flushed memtable", "file", path, "records", len(recs), "bytes", meta.Size)

		if l0Count > t.conf.Level0CompactionTrigger {
			t.signalCompact(0)
		}
	}

	// the memtable is durable on disk now, retire it and its WAL
	t.dataLock.Lock()
	for i, f := range t.frozen {
		if f == item {
			t.frozen = append(t.frozen[:i], t.frozen[i+1:]...)
			break
		}
	}
	t.dataLock.Unlock()

	if err := os.Remove(item.walFile); err != nil && !os.IsNotExist(err) {
		logger.Warn("remove flushed wal", "path", item.walFile, "err", err)
	}
	return nil
}

// mergeItem is one head-of-iterator entry in the k-way merge. rank
// breaks ties between inputs: higher rank means the newer source.
type mergeItem struct {
	rec  record.Record
	iter *sstable.Iterator
	rank int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := record.Compare(&h[i].rec, &h[j].rec); c != 0 {
		return c < 0
	}
	// identical key and sequence number should not occur under the
	// single-writer path; defensively prefer the newer source
	return h[i].rank > h[j].rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// compactLevel merges source files of level into the overlapping files
// of level+1. The manifest swap of new files for old is the commit
// point; a failure anywhere before it only leaves orphaned outputs that
// the next startup removes.
func (t *LSMTree) compactLevel(level int) error {
	if level < 0 || level >= t.conf.MaxLevel-1 {
		return nil
	}
	if !t.needsCompaction(level) {
		return nil
	}

	sources, targets := t.pickCompactionInputs(level)
	if len(sources) == 0 {
		return nil
	}
	inputs := append(append([]*Node(nil), targets...), sources...)
	defer func() {
		for _, n := range inputs {
			n.unref()
		}
	}()

	outputs, outputNodes, err := t.mergeNodes(sources, targets, level+1)
	if err != nil {
		return err
	}

	// commit: register outputs, drop inputs, one visible step
	edit := &manifest.Edit{
		AddFiles:    map[int][]manifest.FileMeta{level + 1: outputs},
		DeleteFiles: map[int][]uint64{},
	}
	for _, n := range sources {
		edit.DeleteFiles[level] = append(edit.DeleteFiles[level], n.fileNum)
	}
	for _, n := range targets {
		edit.DeleteFiles[level+1] = append(edit.DeleteFiles[level+1], n.fileNum)
	}
	if _, err := t.manifest.Apply(edit); err != nil {
		for _, n := range outputNodes {
			n.markObsolete()
			n.unref()
		}
		return fmt.Errorf("commit compaction: %w", err)
	}

	t.installCompaction(level, sources, targets, outputNodes)

	logger.Info("compacted level",
		"level", level,
		"sources", len(sources),
		"targets", len(targets),
		"outputs", len(outputNodes))

	// cascading compaction of the level that just grew
	if t.needsCompaction(level + 1) {
		t.signalCompact(level + 1)
	}
	return nil
}

func (t *LSMTree) needsCompaction(level int) bool {
	if level >= t.conf.MaxLevel-1 {
		return false
	}
	t.levelLocks[level].RLock()
	defer t.levelLocks[level].RUnlock()
	if level == 0 {
		return len(t.nodes[0]) > t.conf.Level0CompactionTrigger
	}
	var size uint64
	for _, n := range t.nodes[level] {
		size += n.size
	}
	return size > t.conf.LevelSizeLimit(level)
}

// pickCompactionInputs selects the source files of level and every
// overlapping file of level+1, all referenced for the caller. Level 0
// files overlap each other so they all join the merge; deeper levels
// contribute their oldest file.
func (t *LSMTree) pickCompactionInputs(level int) (sources, targets []*Node) {
	t.levelLocks[level].RLock()
	if level == 0 {
		sources = append(sources, t.nodes[0]...)
	} else if len(t.nodes[level]) > 0 {
		oldest := t.nodes[level][0]
		for _, n := range t.nodes[level][1:] {
			if n.fileNum < oldest.fileNum {
				oldest = n
			}
		}
		sources = append(sources, oldest)
	}
	for _, n := range sources {
		n.ref()
	}
	t.levelLocks[level].RUnlock()

	if len(sources) == 0 {
		return nil, nil
	}

	smallest := sources[0].smallest
	largest := sources[0].largest
	for _, n := range sources[1:] {
		if bytes.Compare(n.smallest, smallest) < 0 {
			smallest = n.smallest
		}
		if bytes.Compare(n.largest, largest) > 0 {
			largest = n.largest
		}
	}

	t.levelLocks[level+1].RLock()
	for _, n := range t.nodes[level+1] {
		if n.overlaps(smallest, largest) {
			n.ref()
			targets = append(targets, n)
		}
	}
	t.levelLocks[level+1].RUnlock()
	return sources, targets
}

// mergeNodes runs the k-way merge and writes the output files for
// outLevel, splitting at the configured max file size. For each key
// only the newest record survives; tombstones are dropped entirely when
// the output level is the deepest level holding data.
func (t *LSMTree) mergeNodes(sources, targets []*Node, outLevel int) ([]manifest.FileMeta, []*Node, error) {
	dropTombstones := t.isBottomLevel(outLevel)

	// rank inputs oldest to newest: targets live below sources, and
	// within a level a larger file number means a newer file
	ranked := append(append([]*Node(nil), targets...), sources...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].level != ranked[j].level {
			return ranked[i].level > ranked[j].level
		}
		return ranked[i].fileNum < ranked[j].fileNum
	})

	h := &mergeHeap{}
	heap.Init(h)
	var expectedKeys uint64
	for rank, n := range ranked {
		expectedKeys += n.count
		iter := n.reader.Iter()
		if iter.Next() {
			heap.Push(h, &mergeItem{rec: iter.Record(), iter: iter, rank: rank})
		} else if err := iter.Error(); err != nil {
			return nil, nil, err
		}
	}

	var (
		outputs     []manifest.FileMeta
		outputNodes []*Node
		writer      *sstable.Writer
		writerNum   uint64
		writerPath  string
		lastKey     []byte
		haveLast    bool
	)

	abort := func() {
		if writer != nil {
			writer.Abort()
		}
		for _, n := range outputNodes {
			n.markObsolete()
			n.unref()
		}
	}

	finishWriter := func() error {
		if writer == nil {
			return nil
		}
		meta, err := writer.Finish()
		if err != nil {
			return err
		}
		fileMeta := manifest.FileMeta{
			FileNum:  writerNum,
			Size:     meta.Size,
			Count:    uint64(meta.Count),
			Smallest: meta.Smallest,
			Largest:  meta.Largest,
		}
		node, err := newNode(writerPath, outLevel, fileMeta, t.blockCache)
		if err != nil {
			_ = os.Remove(writerPath)
			return err
		}
		outputs = append(outputs, fileMeta)
		outputNodes = append(outputNodes, node)
		writer = nil
		return nil
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeItem)
		rec := item.rec

		if item.iter.Next() {
			heap.Push(h, &mergeItem{rec: item.iter.Record(), iter: item.iter, rank: item.rank})
		} else if err := item.iter.Error(); err != nil {
			abort()
			return nil, nil, err
		}

		// heap order is (key asc, seq desc): the first record of a key
		// run is the newest, the rest are obsolete versions
		if haveLast && bytes.Equal(rec.Key, lastKey) {
			continue
		}
		lastKey = append(lastKey[:0], rec.Key...)
		haveLast = true

		if rec.Tombstone && dropTombstones {
			continue
		}

		if writer == nil {
			writerNum = t.manifest.AllocFileNum()
			writerPath = t.sstFile(outLevel, writerNum)
			var err error
			writer, err = sstable.NewWriter(writerPath, t.conf, int(expectedKeys))
			if err != nil {
				abort()
				return nil, nil, err
			}
		}
		if err := writer.Append(rec); err != nil {
			abort()
			return nil, nil, err
		}
		if writer.EstimatedSize() >= t.conf.SSTMaxFileSize {
			if err := finishWriter(); err != nil {
				abort()
				return nil, nil, err
			}
		}
	}
	if err := finishWriter(); err != nil {
		abort()
		return nil, nil, err
	}
	return outputs, outputNodes, nil
}

// isBottomLevel reports whether no level below outLevel holds any data,
// which makes it safe to drop tombstones during the merge.
func (t *LSMTree) isBottomLevel(outLevel int) bool {
	for level := outLevel + 1; level < len(t.nodes); level++ {
		t.levelLocks[level].RLock()
		n := len(t.nodes[level])
		t.levelLocks[level].RUnlock()
		if n > 0 {
			return false
		}
	}
	return true
}

// installCompaction swaps the in-memory node lists to match the
// committed manifest: inputs out, outputs into outLevel sorted by key
// range. Both level locks are held across the whole swap so a reader
// can never see the sources gone before the outputs are visible. Old
// files are unlinked once their last reader releases them.
func (t *LSMTree) installCompaction(level int, sources, targets, outputNodes []*Node) {
	t.levelLocks[level].Lock()
	t.levelLocks[level+1].Lock()

	t.nodes[level] = dropNodes(t.nodes[level], sources)

	kept := dropNodes(t.nodes[level+1], targets)
	kept = append(kept, outputNodes...)
	sort.Slice(kept, func(i, j int) bool {
		return bytes.Compare(kept[i].smallest, kept[j].smallest) < 0
	})
	t.nodes[level+1] = kept

	t.levelLocks[level+1].Unlock()
	t.levelLocks[level].Unlock()
}

// dropNodes removes the given nodes from a level list, marking each for
// deletion once its last reference is released.
func dropNodes(nodes, removed []*Node) []*Node {
	kept := nodes[:0:0]
	for _, n := range nodes {
		drop := false
		for _, d := range removed {
			if n == d {
				drop = true
				break
			}
		}
		if drop {
			n.markObsolete()
			n.unref()
		} else {
			kept = append(kept, n)
		}
	}
	return kept
}
