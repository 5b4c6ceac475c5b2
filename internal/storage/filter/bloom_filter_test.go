package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	const n = 10000
	bf := NewWithEstimates(n, 0.01)

	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%08d", i)))
	}
	for i := 0; i < n; i++ {
		assert.True(t, bf.MayContain([]byte(fmt.Sprintf("key-%08d", i))), "added key %d reported absent", i)
	}
}

func TestFalsePositiveRate(t *testing.T) {
	const n = 10000
	bf := NewWithEstimates(n, 0.01)

	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("member-%08d", i)))
	}

	falsePositives := 0
	const trials = 20000
	for i := 0; i < trials; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%08d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / trials
	// generous bound, the target rate is 1%
	assert.Less(t, rate, 0.03, "false positive rate %.4f", rate)
}

func TestSizingFormulas(t *testing.T) {
	bf := NewWithEstimates(1000, 0.01)
	// m = -n ln(p) / (ln 2)^2 ≈ 9585 bits, k = (m/n) ln 2 ≈ 7
	assert.InDelta(t, 9586, int(bf.Bits()), 2)
	assert.Equal(t, uint32(7), bf.Hashes())
}

func TestDegenerateInputs(t *testing.T) {
	// nonsense parameters fall back to something usable
	for _, bf := range []*BloomFilter{
		NewWithEstimates(0, 0.01),
		NewWithEstimates(-5, 0.01),
		NewWithEstimates(100, 0),
		NewWithEstimates(100, 1.5),
	} {
		bf.Add([]byte("x"))
		assert.True(t, bf.MayContain([]byte("x")))
	}
}

func TestEncodeLoadRoundtrip(t *testing.T) {
	bf := NewWithEstimates(500, 0.01)
	for i := 0; i < 500; i++ {
		bf.Add([]byte(fmt.Sprintf("k%d", i)))
	}

	loaded, err := Load(bf.Encode())
	require.NoError(t, err)

	assert.Equal(t, bf.Bits(), loaded.Bits())
	assert.Equal(t, bf.Hashes(), loaded.Hashes())
	for i := 0; i < 500; i++ {
		assert.True(t, loaded.MayContain([]byte(fmt.Sprintf("k%d", i))))
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(nil)
	assert.Error(t, err)

	_, err = Load([]byte{1, 2, 3})
	assert.Error(t, err)

	// header claims a bit count the blob does not carry
	blob := NewWithEstimates(100, 0.01).Encode()
	_, err = Load(blob[:len(blob)-1])
	assert.Error(t, err)
}
