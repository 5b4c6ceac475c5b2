// Package sstable implements the immutable sorted table file format:
//
//	[data blocks ...][index block][filter block][footer]
//
// Every block is stored as [payload][codec u8][checksum u32], checksum
// being the low 32 bits of xxh3 over payload+codec. Data block payloads
// hold concatenated record encodings; the index block holds one entry
// per data block (first key, offset, on-disk length); the filter block
// holds the serialized bloom filter over every key in the file.
//
// Footer layout (fixed 40 bytes at the end of the file):
//
//	[index off u64][index len u64][filter off u64][filter len u64]
//	[format version u32][magic u32]
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"

	"siltdb/internal/storage/compress"
	"siltdb/pkg/errors"
)

const (
	blockTrailerSize = 5 // codec(1) + checksum(4)
	footerSize       = 40
	formatVersion    = 1
	magicNumber      = 0x53494C54 // "SILT"
)

// IndexEntry locates one data block: FirstKey is the first key stored
// in the block, Offset/Length address the on-disk block including its
// trailer.
type IndexEntry struct {
	FirstKey []byte
	Offset   uint64
	Length   uint64
}

// encodeBlock seals payload into its on-disk form, compressing with the
// requested codec when beneficial.
func encodeBlock(codec compress.Type, payload []byte) ([]byte, error) {
	used, body, err := compress.Encode(codec, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+blockTrailerSize)
	out = append(out, body...)
	out = append(out, byte(used))
	sum := uint32(xxh3.Hash(out))
	out = binary.LittleEndian.AppendUint32(out, sum)
	return out, nil
}

// decodeBlock verifies the trailer checksum and returns the raw payload.
func decodeBlock(block []byte) ([]byte, error) {
	if len(block) < blockTrailerSize {
		return nil, fmt.Errorf("block shorter than trailer: %w", errors.ErrCorruption)
	}
	n := len(block) - 4
	sum := binary.LittleEndian.Uint32(block[n:])
	if uint32(xxh3.Hash(block[:n])) != sum {
		return nil, fmt.Errorf("block checksum mismatch: %w", errors.ErrCorruption)
	}
	codec := compress.Type(block[n-1])
	payload, err := compress.Decompress(codec, block[:n-1])
	if err != nil {
		return nil, fmt.Errorf("block decompress: %w: %v", errors.ErrCorruption, err)
	}
	return payload, nil
}

// encodeIndex serializes index entries into a block payload.
func encodeIndex(entries []IndexEntry) []byte {
	var buf []byte
	for i := range entries {
		e := &entries[i]
		buf = binary.AppendUvarint(buf, uint64(len(e.FirstKey)))
		buf = append(buf, e.FirstKey...)
		buf = binary.AppendUvarint(buf, e.Offset)
		buf = binary.AppendUvarint(buf, e.Length)
	}
	return buf
}

// decodeIndex parses an index block payload.
func decodeIndex(payload []byte) ([]IndexEntry, error) {
	rd := bytes.NewReader(payload)
	var entries []IndexEntry
	for rd.Len() > 0 {
		keyLen, err := binary.ReadUvarint(rd)
		if err != nil || keyLen > uint64(rd.Len()) {
			return nil, fmt.Errorf("index entry: %w", errors.ErrCorruption)
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(rd, key); err != nil {
			return nil, fmt.Errorf("index entry key: %w", errors.ErrCorruption)
		}
		off, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, fmt.Errorf("index entry offset: %w", errors.ErrCorruption)
		}
		length, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, fmt.Errorf("index entry length: %w", errors.ErrCorruption)
		}
		entries = append(entries, IndexEntry{FirstKey: key, Offset: off, Length: length})
	}
	return entries, nil
}

type footer struct {
	indexOff  uint64
	indexLen  uint64
	filterOff uint64
	filterLen uint64
	version   uint32
}

func (f *footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.indexOff)
	binary.LittleEndian.PutUint64(buf[8:16], f.indexLen)
	binary.LittleEndian.PutUint64(buf[16:24], f.filterOff)
	binary.LittleEndian.PutUint64(buf[24:32], f.filterLen)
	binary.LittleEndian.PutUint32(buf[32:36], f.version)
	binary.LittleEndian.PutUint32(buf[36:40], magicNumber)
	return buf
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) != footerSize {
		return nil, errors.ErrInvalidFile
	}
	if binary.LittleEndian.Uint32(buf[36:40]) != magicNumber {
		return nil, fmt.Errorf("bad magic: %w", errors.ErrInvalidFile)
	}
	f := &footer{
		indexOff:  binary.LittleEndian.Uint64(buf[0:8]),
		indexLen:  binary.LittleEndian.Uint64(buf[8:16]),
		filterOff: binary.LittleEndian.Uint64(buf[16:24]),
		filterLen: binary.LittleEndian.Uint64(buf[24:32]),
		version:   binary.LittleEndian.Uint32(buf[32:36]),
	}
	if f.version != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d: %w", f.version, errors.ErrInvalidFile)
	}
	return f, nil
}
