package tree

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"siltdb/internal/storage/manifest"
	"siltdb/internal/storage/memtable"
	"siltdb/internal/storage/wal"
	"siltdb/pkg/logger"
)

// restore brings the tree back to the state it held before the last
// shutdown or crash: load the manifest, drop orphaned sstables, open
// every live table, then replay WAL segments that never made it into an
// sstable.
func (t *LSMTree) restore() error {
	if err := os.MkdirAll(filepath.Join(t.conf.Dir, walDirName), 0755); err != nil {
		return err
	}

	m, err := manifest.Open(t.conf.Dir, t.conf.MaxLevel)
	if err != nil {
		return err
	}
	t.manifest = m
	version := m.Current()
	t.lastSeq = version.LastSeq

	if err := t.removeOrphans(version); err != nil {
		return err
	}
	if err := t.openNodes(version); err != nil {
		return err
	}
	return t.replayWAL()
}

// removeOrphans deletes sstable files the manifest does not reference:
// leftovers of a flush or compaction that crashed before its commit.
func (t *LSMTree) removeOrphans(version *manifest.Version) error {
	entries, err := os.ReadDir(t.conf.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sst") {
			continue
		}
		_, fileNum, ok := parseSSTName(entry.Name())
		if !ok || !version.Live(fileNum) {
			path := filepath.Join(t.conf.Dir, entry.Name())
			if err := os.Remove(path); err != nil {
				return err
			}
			logger.Info("removed orphaned sstable", "path", path)
		}
	}
	return nil
}

func (t *LSMTree) openNodes(version *manifest.Version) error {
	for level, files := range version.Levels {
		if level >= t.conf.MaxLevel {
			return fmt.Errorf("manifest references level %d beyond max_level %d", level, t.conf.MaxLevel)
		}
		nodes := make([]*Node, 0, len(files))
		for _, meta := range files {
			node, err := newNode(t.sstFile(level, meta.FileNum), level, meta, t.blockCache)
			if err != nil {
				return fmt.Errorf("open sstable %d at level %d: %w", meta.FileNum, level, err)
			}
			nodes = append(nodes, node)
		}
		if level == 0 {
			// manifest order is flush order, keep newest last
			sort.Slice(nodes, func(i, j int) bool { return nodes[i].fileNum < nodes[j].fileNum })
		} else {
			sort.Slice(nodes, func(i, j int) bool {
				return bytes.Compare(nodes[i].smallest, nodes[j].smallest) < 0
			})
		}
		t.nodes[level] = nodes
	}
	return nil
}

// replayWAL rebuilds the memtable state lost with the last shutdown. If
// any segment holds records they are flushed straight to level 0, so
// the replayed WAL files can be retired before the engine serves
// traffic.
func (t *LSMTree) replayWAL() error {
	dir := filepath.Join(t.conf.Dir, walDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type segment struct {
		gen  uint64
		path string
	}
	var segments []segment
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wal") {
			continue
		}
		gen, err := strconv.ParseUint(strings.TrimSuffix(entry.Name(), ".wal"), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{gen: gen, path: filepath.Join(dir, entry.Name())})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].gen < segments[j].gen })

	recovered := memtable.New()
	var maxGen uint64
	for _, seg := range segments {
		maxSeq, err := wal.Restore(seg.path, recovered)
		if err != nil {
			return fmt.Errorf("replay %s: %w", seg.path, err)
		}
		if maxSeq > t.lastSeq {
			t.lastSeq = maxSeq
		}
		if seg.gen > maxGen {
			maxGen = seg.gen
		}
	}

	if recovered.EntriesCnt() > 0 {
		// flush recovered state before serving so the old segments can go
		item := &memTableFlushItem{memTable: recovered}
		if err := t.flushMemTable(item); err != nil {
			return fmt.Errorf("flush recovered memtable: %w", err)
		}
	}
	for _, seg := range segments {
		if err := os.Remove(seg.path); err != nil {
			return err
		}
	}

	t.walGen = maxGen + 1
	t.memTable = memtable.New()
	writer, err := wal.NewWriter(t.walFile(t.walGen), t.conf.CompressionType, t.conf.Sync())
	if err != nil {
		return err
	}
	t.walWriter = writer
	return nil
}

func parseSSTName(name string) (level int, fileNum uint64, ok bool) {
	base := strings.TrimSuffix(name, ".sst")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	l, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return l, n, true
}
