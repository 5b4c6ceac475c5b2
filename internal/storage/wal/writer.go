// Package wal implements the write-ahead log. One log file corresponds
// to one memtable generation; the pair is rotated together and the file
// is deleted only once its memtable has been durably flushed.
//
// Entry layout on disk:
//
//	[checksum u64][length u32][codec u8][body]
//
// checksum is xxh3 over codec+body, length counts codec+body, body is
// the record codec payload after the configured compression transform.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"siltdb/internal/storage/compress"
	"siltdb/internal/storage/record"
)

const headerSize = 12 // checksum(8) + length(4)

type Writer struct {
	path  string
	dest  *os.File
	codec compress.Type
	sync  bool
	buf   []byte
}

func NewWriter(path string, codec compress.Type, sync bool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	dest, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		path:  path,
		dest:  dest,
		codec: codec,
		sync:  sync,
	}, nil
}

// Append writes one entry and, when sync is on, flushes it to stable
// storage before returning. The engine must not apply the mutation to
// the memtable until Append has returned.
func (w *Writer) Append(rec record.Record) error {
	payload := record.AppendEncode(nil, &rec)
	codec, body, err := compress.Encode(w.codec, payload)
	if err != nil {
		return fmt.Errorf("wal compress: %w", err)
	}

	w.buf = w.buf[:0]
	w.buf = append(w.buf, make([]byte, headerSize)...)
	w.buf = append(w.buf, byte(codec))
	w.buf = append(w.buf, body...)
	binary.LittleEndian.PutUint64(w.buf[0:8], xxh3.Hash(w.buf[headerSize:]))
	binary.LittleEndian.PutUint32(w.buf[8:12], uint32(1+len(body)))

	if _, err := w.dest.Write(w.buf); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	if w.sync {
		if err := w.dest.Sync(); err != nil {
			return fmt.Errorf("wal sync: %w", err)
		}
	}
	return nil
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Close() error {
	if err := w.dest.Sync(); err != nil {
		_ = w.dest.Close()
		return err
	}
	return w.dest.Close()
}
