package compress

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressibleData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i / 64)
	}
	return data
}

func randomData(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	rng.Read(data)
	return data
}

func TestRoundtripAllCodecs(t *testing.T) {
	payloads := map[string][]byte{
		"empty":        {},
		"tiny":         []byte("x"),
		"repetitive":   compressibleData(64 << 10),
		"random":       randomData(4 << 10),
		"single value": bytes.Repeat([]byte{0xab}, 1000),
	}
	for _, codec := range []Type{None, Snappy, Zstd, LZ4} {
		for name, data := range payloads {
			t.Run(codec.String()+"/"+name, func(t *testing.T) {
				used, enc, err := Encode(codec, data)
				require.NoError(t, err)
				dec, err := Decompress(used, enc)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, dec))
			})
		}
	}
}

func TestEncodeShrinksRepetitiveData(t *testing.T) {
	data := compressibleData(64 << 10)
	for _, codec := range []Type{Snappy, Zstd, LZ4} {
		used, enc, err := Encode(codec, data)
		require.NoError(t, err)
		assert.Equal(t, codec, used)
		assert.Less(t, len(enc), len(data), "%s did not shrink", codec)
	}
}

func TestEncodeFallsBackOnIncompressible(t *testing.T) {
	data := randomData(4 << 10)
	for _, codec := range []Type{Snappy, Zstd, LZ4} {
		used, enc, err := Encode(codec, data)
		require.NoError(t, err)
		assert.Equal(t, None, used, "%s should fall back on random data", codec)
		assert.True(t, bytes.Equal(data, enc))
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
		ok   bool
	}{
		{"", None, true},
		{"none", None, true},
		{"snappy", Snappy, true},
		{"SNAPPY", Snappy, true},
		{"zstd", Zstd, true},
		{"lz4", LZ4, true},
		{"gzip", None, false},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if tt.ok {
			require.NoError(t, err, "parse %q", tt.in)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, "parse %q", tt.in)
		}
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := Decompress(Snappy, []byte{0xff, 0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = Decompress(Zstd, []byte{0x01, 0x02})
	assert.Error(t, err)

	_, err = Decompress(LZ4, []byte{0x01})
	assert.Error(t, err)

	_, err = Decompress(Type(200), []byte("data"))
	assert.Error(t, err)
}
