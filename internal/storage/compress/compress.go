// Package compress provides the pluggable byte transform applied to
// sstable data blocks and WAL entry payloads. Each stored block carries
// a 1-byte codec tag so files remain readable when the configured codec
// changes.
package compress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression codec. The numeric values are part of
// the on-disk format and must not be reordered.
type Type uint8

const (
	None   Type = 0
	Snappy Type = 1
	Zstd   Type = 2
	LZ4    Type = 3
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// ErrIncompressible is returned when the codec cannot shrink the input.
// Callers fall back to storing the block uncompressed under codec None.
var ErrIncompressible = errors.New("input is incompressible")

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseType maps a codec name from the config file to its Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("unknown compression type %q", name)
	}
}

// Compress transforms data with the given codec.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Zstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, buf)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, ErrIncompressible
		}
		out := make([]byte, 4+n)
		out[0] = byte(len(data))
		out[1] = byte(len(data) >> 8)
		out[2] = byte(len(data) >> 16)
		out[3] = byte(len(data) >> 24)
		copy(out[4:], buf[:n])
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// Encode compresses data with t, falling back to None when the codec
// does not shrink the input. It returns the codec actually used, which
// is what gets stored in the block trailer.
func Encode(t Type, data []byte) (Type, []byte, error) {
	if t == None {
		return None, data, nil
	}
	out, err := Compress(t, data)
	if errors.Is(err, ErrIncompressible) {
		return None, data, nil
	}
	if err != nil {
		return None, nil, err
	}
	if len(out) >= len(data) {
		return None, data, nil
	}
	return t, out, nil
}

// Decompress reverses Compress for the given codec.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case LZ4:
		if len(data) < 4 {
			return nil, fmt.Errorf("lz4 decode: truncated block")
		}
		rawLen := int(data[0]) | int(data[1])<<8 | int(data[2])<<16 | int(data[3])<<24
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data[4:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
