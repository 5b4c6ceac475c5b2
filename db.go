// Package siltdb is an embedded key-value storage engine built on a
// log-structured merge tree. Writes land in a WAL and an in-memory
// skip list, flush to immutable sorted tables, and a background task
// compacts overlapping tables level by level.
//
// A DB handle is safe for concurrent use. Mutations are serialized
// through a single-writer path; reads run concurrently and observe
// every mutation that completed before they started.
package siltdb

import (
	"siltdb/internal/config"
	"siltdb/internal/storage/tree"
	"siltdb/pkg/errors"
)

// Config is the engine configuration, re-exported for callers.
type Config = config.Config

// DB is one open engine instance rooted at a directory. Multiple
// independent instances may coexist in a process as long as their
// directories differ.
type DB struct {
	conf *config.Config
	tree *tree.LSMTree
}

// Open opens or creates an engine at dir. A nil conf selects defaults;
// otherwise conf.Dir is overridden by dir. Open replays any WAL left by
// a previous run before returning, so the visible state is exactly the
// durable state at the moment of the last shutdown or crash.
func Open(dir string, conf *Config) (*DB, error) {
	if conf == nil {
		c, err := config.NewConfig(dir)
		if err != nil {
			return nil, err
		}
		conf = c
	} else {
		conf.Dir = dir
		if err := conf.Validate(); err != nil {
			return nil, err
		}
	}

	t, err := tree.New(conf)
	if err != nil {
		return nil, err
	}
	return &DB{conf: conf, tree: t}, nil
}

// Set stores value under key. When Set returns nil the mutation is
// durable; when it returns an error the mutation was not applied at all.
func (db *DB) Set(key, value []byte) error {
	if len(key) == 0 {
		return errors.ErrEmptyKey
	}
	return db.tree.Put(key, value)
}

// Get returns the value stored under key. The second result is false
// when the key does not exist or has been deleted.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, errors.ErrEmptyKey
	}
	return db.tree.Get(key)
}

// Has reports whether key currently has a value.
func (db *DB) Has(key []byte) (bool, error) {
	_, ok, err := db.Get(key)
	return ok, err
}

// Delete removes key by writing a tombstone. Deleting an absent key is
// not an error.
func (db *DB) Delete(key []byte) error {
	if len(key) == 0 {
		return errors.ErrEmptyKey
	}
	return db.tree.Delete(key)
}

// Close flushes the active memtable, waits for background work to
// settle and releases every file handle. The handle is unusable
// afterwards.
func (db *DB) Close() error {
	return db.tree.Close()
}
