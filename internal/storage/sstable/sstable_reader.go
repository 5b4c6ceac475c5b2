package sstable

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"siltdb/internal/cache"
	"siltdb/internal/storage/filter"
	"siltdb/internal/storage/record"
	"siltdb/pkg/errors"
)

// Reader serves point lookups and ordered scans from one sstable file.
// The file is immutable, so a single Reader is shared by any number of
// concurrent goroutines; all I/O goes through ReadAt.
type Reader struct {
	path   string
	src    *os.File
	size   int64
	index  []IndexEntry
	bloom  *filter.BloomFilter
	blocks *cache.LRUCache // shared block cache, may be nil
}

// NewReader opens path and loads its footer, index block and filter
// block into memory. blockCache may be nil to bypass caching. A
// malformed footer or magic number yields ErrInvalidFile; a failing
// block checksum yields ErrCorruption.
func NewReader(path string, blockCache *cache.LRUCache) (*Reader, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	stat, err := src.Stat()
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	size := stat.Size()
	if size < footerSize {
		_ = src.Close()
		return nil, fmt.Errorf("sstable %s too small: %w", path, errors.ErrInvalidFile)
	}

	ftrBuf := make([]byte, footerSize)
	if _, err := src.ReadAt(ftrBuf, size-footerSize); err != nil {
		_ = src.Close()
		return nil, err
	}
	ftr, err := decodeFooter(ftrBuf)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sstable %s: %w", path, err)
	}

	r := &Reader{path: path, src: src, size: size, blocks: blockCache}

	indexPayload, err := r.readBlockAt(ftr.indexOff, ftr.indexLen)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sstable %s index: %w", path, err)
	}
	if r.index, err = decodeIndex(indexPayload); err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sstable %s index: %w", path, err)
	}

	filterPayload, err := r.readBlockAt(ftr.filterOff, ftr.filterLen)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sstable %s filter: %w", path, err)
	}
	if r.bloom, err = filter.Load(filterPayload); err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sstable %s filter: %w", path, err)
	}

	return r, nil
}

func (r *Reader) readBlockAt(off, length uint64) ([]byte, error) {
	if off+length > uint64(r.size) {
		return nil, errors.ErrCorruption
	}

	var key string
	if r.blocks != nil {
		key = cache.BlockKey(r.path, off)
		if payload, ok := r.blocks.Get(key); ok {
			return payload, nil
		}
	}

	buf := make([]byte, length)
	if _, err := r.src.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	payload, err := decodeBlock(buf)
	if err != nil {
		return nil, err
	}
	if r.blocks != nil {
		r.blocks.Set(key, payload)
	}
	return payload, nil
}

// Get returns the record stored for key, if any. The bloom filter makes
// the common absent case free of disk I/O.
func (r *Reader) Get(key []byte) (record.Record, bool, error) {
	if len(r.index) == 0 || !r.bloom.MayContain(key) {
		return record.Record{}, false, nil
	}

	// find the last block whose first key is <= key
	pos := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].FirstKey, key) > 0
	}) - 1
	if pos < 0 {
		return record.Record{}, false, nil
	}

	payload, err := r.readBlockAt(r.index[pos].Offset, r.index[pos].Length)
	if err != nil {
		return record.Record{}, false, err
	}

	rd := bytes.NewReader(payload)
	for rd.Len() > 0 {
		rec, err := record.Decode(rd)
		if err != nil {
			return record.Record{}, false, fmt.Errorf("sstable %s data block: %w", r.path, errors.ErrCorruption)
		}
		switch bytes.Compare(rec.Key, key) {
		case 0:
			return rec, true, nil
		case 1:
			return record.Record{}, false, nil // past key, block is sorted
		}
	}
	return record.Record{}, false, nil
}

// Iter returns a lazy iterator over all records in key order.
func (r *Reader) Iter() *Iterator {
	return &Iterator{reader: r}
}

// Path returns the file path backing the reader.
func (r *Reader) Path() string { return r.path }

// Blocks returns the number of data blocks in the table.
func (r *Reader) Blocks() int { return len(r.index) }

func (r *Reader) Close() error {
	return r.src.Close()
}
