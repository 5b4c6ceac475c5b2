package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/zeebo/xxh3"

	"siltdb/internal/storage/compress"
	"siltdb/internal/storage/memtable"
	"siltdb/internal/storage/record"
	"siltdb/pkg/errors"
)

// Replay reads every entry of a log file in append order.
//
// A short or checksum-failing entry at the tail is the signature of a
// torn write from an unclean shutdown: it is dropped silently and
// replay stops. The same damage anywhere before the tail means the file
// itself is corrupt and ErrCorruption is returned, because entries past
// the damage cannot be trusted.
func Replay(path string) ([]record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var recs []record.Record
	off := 0
	for off < len(data) {
		rest := data[off:]
		if len(rest) < headerSize {
			return recs, nil // torn header at tail
		}
		sum := binary.LittleEndian.Uint64(rest[0:8])
		length := int(binary.LittleEndian.Uint32(rest[8:12]))
		if length < 1 {
			// a torn write truncates; it cannot leave a full header with
			// a length no writer ever produces
			return nil, fmt.Errorf("wal %s: entry at offset %d: %w", path, off, errors.ErrCorruption)
		}
		if headerSize+length > len(rest) {
			return recs, nil // torn body at tail
		}
		body := rest[headerSize : headerSize+length]
		last := off+headerSize+length == len(data)
		if xxh3.Hash(body) != sum {
			if last {
				return recs, nil
			}
			return nil, fmt.Errorf("wal %s: entry at offset %d: %w", path, off, errors.ErrCorruption)
		}

		payload, err := compress.Decompress(compress.Type(body[0]), body[1:])
		if err != nil {
			return nil, fmt.Errorf("wal %s: entry at offset %d: %w: %v", path, off, errors.ErrCorruption, err)
		}
		rec, err := record.Decode(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("wal %s: entry at offset %d: %w: %v", path, off, errors.ErrCorruption, err)
		}
		recs = append(recs, rec)
		off += headerSize + length
	}
	return recs, nil
}

// Restore replays path into mt, preserving append order so the latest
// mutation of each key wins.
func Restore(path string, mt memtable.MemTable) (maxSeq uint64, err error) {
	recs, err := Replay(path)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if rec.Tombstone {
			mt.Delete(rec.Key, rec.Seq)
		} else {
			mt.Put(rec.Key, rec.Value, rec.Seq)
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	return maxSeq, nil
}
