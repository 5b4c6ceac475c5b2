package filter

import (
	"encoding/binary"
	"math"

	"github.com/twmb/murmur3"

	"siltdb/pkg/errors"
)

const (
	headerSize = 12 // k(uint32) + m(uint64)
	maxHashes  = 30
)

// BloomFilter is a fixed-size bit array membership test. Keys added are
// always reported present; absent keys are reported present with
// probability bounded by the configured false-positive rate.
type BloomFilter struct {
	m    uint64 // number of bits
	k    uint32 // number of hash probes
	bits []byte
}

// NewWithEstimates sizes a filter for n expected keys and a target
// false-positive rate p using the standard formulas
// m = -n*ln(p)/(ln 2)^2 and k = (m/n)*ln 2.
func NewWithEstimates(n int, p float64) *BloomFilter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > maxHashes {
		k = maxHashes
	}
	return &BloomFilter{
		m:    m,
		k:    k,
		bits: make([]byte, (m+7)/8),
	}
}

// Add inserts key into the filter.
func (b *BloomFilter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	for i := uint32(0); i < b.k; i++ {
		pos := (h1 + uint64(i)*h2) % b.m
		b.bits[pos/8] |= 1 << (pos % 8)
	}
}

// MayContain reports whether key may have been added. False negatives
// never occur.
func (b *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := murmur3.Sum128(key)
	for i := uint32(0); i < b.k; i++ {
		pos := (h1 + uint64(i)*h2) % b.m
		if b.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Bits returns the number of bits in the filter.
func (b *BloomFilter) Bits() uint64 { return b.m }

// Hashes returns the number of hash probes per key.
func (b *BloomFilter) Hashes() uint32 { return b.k }

// Encode serializes the filter to [k u32][m u64][bit array], the layout
// embedded in the sstable filter block.
func (b *BloomFilter) Encode() []byte {
	out := make([]byte, headerSize+len(b.bits))
	binary.LittleEndian.PutUint32(out[0:4], b.k)
	binary.LittleEndian.PutUint64(out[4:12], b.m)
	copy(out[headerSize:], b.bits)
	return out
}

// Load deserializes a filter previously produced by Encode.
func Load(blob []byte) (*BloomFilter, error) {
	if len(blob) < headerSize {
		return nil, errors.ErrCorruption
	}
	k := binary.LittleEndian.Uint32(blob[0:4])
	m := binary.LittleEndian.Uint64(blob[4:12])
	if k == 0 || k > maxHashes || m == 0 || uint64(len(blob)-headerSize) != (m+7)/8 {
		return nil, errors.ErrCorruption
	}
	bits := make([]byte, len(blob)-headerSize)
	copy(bits, blob[headerSize:])
	return &BloomFilter{m: m, k: k, bits: bits}, nil
}
