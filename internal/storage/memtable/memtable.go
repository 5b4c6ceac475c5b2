package memtable

import "siltdb/internal/storage/record"

// MemTable is the mutable in-memory sorted buffer of recent writes.
// Deletes are stored as tombstone records, not removals, so a delete
// shadows older versions of the key living in deeper containers.
type MemTable interface {
	Put(key, value []byte, seq uint64)
	Delete(key []byte, seq uint64)
	Get(key []byte) (record.Record, bool)
	All() []record.Record // records sorted by key, used for flush
	Size() int            // data size in bytes
	EntriesCnt() int      // num of entries
}

// New returns the default skip-list backed memtable.
func New() MemTable {
	return NewSkipList()
}
