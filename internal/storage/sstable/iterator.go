package sstable

import (
	"siltdb/internal/storage/record"
)

// Iterator walks every record of a table in key order, fetching and
// decoding one data block at a time. It is the input side of compaction
// merges and is restartable via Reset.
type Iterator struct {
	reader *Reader
	block  int // next block to load
	recs   []record.Record
	pos    int
	err    error
}

// Next advances to the next record. It returns false at the end of the
// table or on error; check Error afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	for it.pos >= len(it.recs) {
		if it.block >= len(it.reader.index) {
			return false
		}
		entry := it.reader.index[it.block]
		payload, err := it.reader.readBlockAt(entry.Offset, entry.Length)
		if err != nil {
			it.err = err
			return false
		}
		recs, err := record.DecodeAll(payload)
		if err != nil {
			it.err = err
			return false
		}
		it.recs = recs
		it.pos = 0
		it.block++
	}
	return true
}

// Record returns the record at the current position. Only valid after a
// Next call that returned true.
func (it *Iterator) Record() record.Record {
	return it.recs[it.pos]
}

// Error reports the first failure encountered while iterating.
func (it *Iterator) Error() error { return it.err }

// Reset rewinds the iterator to before the first record.
func (it *Iterator) Reset() {
	it.block = 0
	it.recs = nil
	it.pos = 0
	it.err = nil
}
