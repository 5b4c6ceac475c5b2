package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const flagTombstone = 0x1

// Record is the unit of data flowing through the engine: one versioned
// mutation of a single key. A tombstone records a deletion and carries
// no value.
type Record struct {
	Key       []byte
	Value     []byte
	Seq       uint64
	Tombstone bool
}

// Size returns the in-memory accounting size of the record.
func (r *Record) Size() int {
	return len(r.Key) + len(r.Value) + 8 + 1
}

// Compare orders records by key ascending, then by sequence number
// descending so the newest version of a key sorts first.
func Compare(a, b *Record) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	}
	return 0
}

// AppendEncode appends the binary encoding of r to buf:
//
//	[flags u8][seq u64][key len uvarint][key][value len uvarint][value]
//
// Tombstones encode a zero-length value.
func AppendEncode(buf []byte, r *Record) []byte {
	var flags byte
	if r.Tombstone {
		flags |= flagTombstone
	}
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint64(buf, r.Seq)
	buf = binary.AppendUvarint(buf, uint64(len(r.Key)))
	buf = append(buf, r.Key...)
	if r.Tombstone {
		buf = binary.AppendUvarint(buf, 0)
		return buf
	}
	buf = binary.AppendUvarint(buf, uint64(len(r.Value)))
	buf = append(buf, r.Value...)
	return buf
}

// Decode reads one encoded record from r. Returns io.EOF cleanly when r
// is exhausted before the first byte, io.ErrUnexpectedEOF when an entry
// is cut short.
func Decode(r *bytes.Reader) (Record, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}

	var seqBuf [8]byte
	if _, err := io.ReadFull(r, seqBuf[:]); err != nil {
		return Record{}, unexpected(err)
	}
	seq := binary.LittleEndian.Uint64(seqBuf[:])

	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, unexpected(err)
	}
	if keyLen > uint64(r.Len()) {
		return Record{}, io.ErrUnexpectedEOF
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, unexpected(err)
	}

	valLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, unexpected(err)
	}
	if valLen > uint64(r.Len()) {
		return Record{}, io.ErrUnexpectedEOF
	}
	var value []byte
	if valLen > 0 {
		value = make([]byte, valLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return Record{}, unexpected(err)
		}
	}

	return Record{
		Key:       key,
		Value:     value,
		Seq:       seq,
		Tombstone: flags&flagTombstone != 0,
	}, nil
}

// DecodeAll decodes a concatenated sequence of records, e.g. one data
// block payload.
func DecodeAll(payload []byte) ([]Record, error) {
	rd := bytes.NewReader(payload)
	var recs []Record
	for {
		rec, err := Decode(rd)
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", len(recs), err)
		}
		recs = append(recs, rec)
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
