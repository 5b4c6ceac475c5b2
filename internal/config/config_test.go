package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siltdb/internal/storage/compress"
	"siltdb/pkg/errors"
)

func TestNewConfigDefaults(t *testing.T) {
	c, err := NewConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, uint64(DefaultMemTableSize), c.MemTableSize)
	assert.Equal(t, uint64(DefaultBlockSize), c.BlockSize)
	assert.Equal(t, uint64(DefaultSSTMaxFileSize), c.SSTMaxFileSize)
	assert.Equal(t, DefaultBloomFalsePositiveRate, c.BloomFPRate)
	assert.Equal(t, DefaultMaxLevel, c.MaxLevel)
	assert.Equal(t, DefaultLevel0CompactionTrigger, c.Level0CompactionTrigger)
	assert.Equal(t, uint64(DefaultLevelBaseSize), c.LevelBaseSize)
	assert.Equal(t, DefaultLevelSizeMultiplier, c.LevelSizeMultiplier)
	assert.Equal(t, DefaultCacheSize, c.CacheSize)
	assert.Equal(t, compress.None, c.CompressionType)
	assert.True(t, c.Sync())
}

func TestNewConfigRequiresDir(t *testing.T) {
	_, err := NewConfig("")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		conf Config
	}{
		{"bloom rate above one", Config{Dir: "x", BloomFPRate: 1.5}},
		{"negative bloom rate", Config{Dir: "x", BloomFPRate: -0.1}},
		{"max level too small", Config{Dir: "x", MaxLevel: 1}},
		{"multiplier too small", Config{Dir: "x", LevelSizeMultiplier: 1}},
		{"unknown compression", Config{Dir: "x", Compression: "brotli"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.conf.Validate(), errors.ErrInvalidConfig)
		})
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "siltdb.yaml")
	data := `
dir: ` + dir + `
memtable_size: 1048576
block_size: 4096
compression: snappy
level0_compaction_trigger: 2
sync_writes: false
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	c, err := FromFile(path)
	require.NoError(t, err)

	assert.Equal(t, dir, c.Dir)
	assert.Equal(t, uint64(1<<20), c.MemTableSize)
	assert.Equal(t, uint64(4096), c.BlockSize)
	assert.Equal(t, compress.Snappy, c.CompressionType)
	assert.Equal(t, 2, c.Level0CompactionTrigger)
	assert.False(t, c.Sync())
	// untouched fields still fall back to defaults
	assert.Equal(t, DefaultMaxLevel, c.MaxLevel)
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLevelSizeLimit(t *testing.T) {
	c, err := NewConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, c.LevelBaseSize, c.LevelSizeLimit(1))
	assert.Equal(t, c.LevelBaseSize*10, c.LevelSizeLimit(2))
	assert.Equal(t, c.LevelBaseSize*100, c.LevelSizeLimit(3))
}
