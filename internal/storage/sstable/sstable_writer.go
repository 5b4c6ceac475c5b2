package sstable

import (
	"bufio"
	"fmt"
	"os"

	"siltdb/internal/config"
	"siltdb/internal/storage/compress"
	"siltdb/internal/storage/filter"
	"siltdb/internal/storage/record"
)

// TableMeta describes a finished table for manifest registration.
type TableMeta struct {
	Size     uint64
	Count    int
	Smallest []byte
	Largest  []byte
}

// Writer builds one sstable from an already key-sorted, already
// deduplicated record stream (a memtable flush or a compaction merge).
type Writer struct {
	conf   *config.Config
	path   string
	file   *os.File
	w      *bufio.Writer
	bloom  *filter.BloomFilter
	offset uint64

	dataBuf  []byte // current data block payload
	firstKey []byte // first key of current data block
	index    []IndexEntry

	count    int
	smallest []byte
	largest  []byte
}

// NewWriter opens path for writing. expectedKeys sizes the bloom filter
// for the configured false-positive rate.
func NewWriter(path string, conf *config.Config, expectedKeys int) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		conf:  conf,
		path:  path,
		file:  file,
		w:     bufio.NewWriter(file),
		bloom: filter.NewWithEstimates(expectedKeys, conf.BloomFPRate),
	}, nil
}

// Append adds the next record. Keys must arrive in strictly ascending
// order; each key appears exactly once.
func (w *Writer) Append(rec record.Record) error {
	if w.firstKey == nil {
		w.firstKey = append([]byte(nil), rec.Key...)
	}
	if w.smallest == nil {
		w.smallest = append([]byte(nil), rec.Key...)
	}
	w.largest = append(w.largest[:0], rec.Key...)

	w.bloom.Add(rec.Key)
	w.dataBuf = record.AppendEncode(w.dataBuf, &rec)
	w.count++

	// cut blocks on raw payload size, not record count
	if uint64(len(w.dataBuf)) >= w.conf.BlockSize {
		return w.flushDataBlock()
	}
	return nil
}

// EstimatedSize is the bytes written so far plus the open block, used
// by compaction to split output files.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(len(w.dataBuf))
}

// Count returns the number of records appended so far.
func (w *Writer) Count() int { return w.count }

func (w *Writer) flushDataBlock() error {
	if len(w.dataBuf) == 0 {
		return nil
	}
	block, err := encodeBlock(w.conf.CompressionType, w.dataBuf)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(block); err != nil {
		return err
	}
	w.index = append(w.index, IndexEntry{
		FirstKey: w.firstKey,
		Offset:   w.offset,
		Length:   uint64(len(block)),
	})
	w.offset += uint64(len(block))
	w.dataBuf = w.dataBuf[:0]
	w.firstKey = nil
	return nil
}

// Finish seals the file: flushes the open data block, writes the index
// and filter blocks and the footer, then fsyncs. The writer cannot be
// used afterwards.
func (w *Writer) Finish() (*TableMeta, error) {
	if err := w.flushDataBlock(); err != nil {
		return nil, err
	}

	indexBlock, err := encodeBlock(w.conf.CompressionType, encodeIndex(w.index))
	if err != nil {
		return nil, err
	}
	indexOff := w.offset
	if _, err := w.w.Write(indexBlock); err != nil {
		return nil, err
	}
	w.offset += uint64(len(indexBlock))

	// the filter block stays uncompressed, its bits are near random
	filterBlock, err := encodeBlock(compress.None, w.bloom.Encode())
	if err != nil {
		return nil, err
	}
	filterOff := w.offset
	if _, err := w.w.Write(filterBlock); err != nil {
		return nil, err
	}
	w.offset += uint64(len(filterBlock))

	ftr := footer{
		indexOff:  indexOff,
		indexLen:  uint64(len(indexBlock)),
		filterOff: filterOff,
		filterLen: uint64(len(filterBlock)),
		version:   formatVersion,
	}
	if _, err := w.w.Write(ftr.encode()); err != nil {
		return nil, err
	}
	w.offset += footerSize

	if err := w.w.Flush(); err != nil {
		return nil, err
	}
	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("sstable sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, err
	}

	return &TableMeta{
		Size:     w.offset,
		Count:    w.count,
		Smallest: w.smallest,
		Largest:  w.largest,
	}, nil
}

// Abort discards the partially written file. Safe after any error; the
// manifest never saw the file, so on crash it is cleaned as an orphan.
func (w *Writer) Abort() {
	_ = w.file.Close()
	_ = os.Remove(w.path)
}
