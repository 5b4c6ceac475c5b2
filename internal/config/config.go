package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"siltdb/internal/storage/compress"
	"siltdb/pkg/errors"
)

const (
	DefaultMaxLevel                = 7
	DefaultMemTableSize            = 4 << 20 // 4 MiB
	DefaultBlockSize               = 16 << 10
	DefaultSSTMaxFileSize          = 8 << 20
	DefaultLevelBaseSize           = 32 << 20 // total size budget of level 1
	DefaultLevelSizeMultiplier     = 10
	DefaultLevel0CompactionTrigger = 4
	DefaultBloomFalsePositiveRate  = 0.01
	DefaultCacheSize               = 1024 // cached blocks
)

// Config carries every tunable of the engine. Zero values are replaced
// by defaults in Validate, so literal construction only needs Dir.
type Config struct {
	Dir string `yaml:"dir"`

	// MemTable config
	MemTableSize uint64 `yaml:"memtable_size"` // freeze threshold in bytes

	// SSTable config
	BlockSize       uint64        `yaml:"block_size"`        // data block cut threshold
	SSTMaxFileSize  uint64        `yaml:"sst_max_file_size"` // compaction output split threshold
	BloomFPRate     float64       `yaml:"bloom_fp_rate"`
	Compression     string        `yaml:"compression"` // none | snappy | zstd | lz4
	CompressionType compress.Type `yaml:"-"`
	CacheSize       int           `yaml:"cache_size"` // block cache capacity, -1 disables

	// Compaction config
	MaxLevel                int    `yaml:"max_level"`
	Level0CompactionTrigger int    `yaml:"level0_compaction_trigger"` // L0 file count
	LevelBaseSize           uint64 `yaml:"level_base_size"`           // L1 byte budget
	LevelSizeMultiplier     int    `yaml:"level_size_multiplier"`

	// Durability config
	SyncWrites *bool `yaml:"sync_writes"` // fsync WAL on every append, default true
}

// NewConfig returns a validated config with defaults for dir.
func NewConfig(dir string) (*Config, error) {
	c := &Config{Dir: dir}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FromFile loads a YAML config file.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate fills defaults and rejects unusable combinations.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: dir is required", errors.ErrInvalidConfig)
	}
	if c.MemTableSize == 0 {
		c.MemTableSize = DefaultMemTableSize
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.SSTMaxFileSize == 0 {
		c.SSTMaxFileSize = DefaultSSTMaxFileSize
	}
	if c.BloomFPRate == 0 {
		c.BloomFPRate = DefaultBloomFalsePositiveRate
	}
	if c.BloomFPRate < 0 || c.BloomFPRate >= 1 {
		return fmt.Errorf("%w: bloom_fp_rate %v out of (0,1)", errors.ErrInvalidConfig, c.BloomFPRate)
	}
	if c.MaxLevel == 0 {
		c.MaxLevel = DefaultMaxLevel
	}
	if c.MaxLevel < 2 {
		return fmt.Errorf("%w: max_level %d must be >= 2", errors.ErrInvalidConfig, c.MaxLevel)
	}
	if c.Level0CompactionTrigger == 0 {
		c.Level0CompactionTrigger = DefaultLevel0CompactionTrigger
	}
	if c.LevelBaseSize == 0 {
		c.LevelBaseSize = DefaultLevelBaseSize
	}
	if c.LevelSizeMultiplier == 0 {
		c.LevelSizeMultiplier = DefaultLevelSizeMultiplier
	}
	if c.LevelSizeMultiplier < 2 {
		return fmt.Errorf("%w: level_size_multiplier %d must be >= 2", errors.ErrInvalidConfig, c.LevelSizeMultiplier)
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.SyncWrites == nil {
		t := true
		c.SyncWrites = &t
	}
	ct, err := compress.ParseType(c.Compression)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	c.CompressionType = ct
	return nil
}

// LevelSizeLimit returns the total byte budget of level n (n >= 1).
func (c *Config) LevelSizeLimit(level int) uint64 {
	limit := c.LevelBaseSize
	for i := 1; i < level; i++ {
		limit *= uint64(c.LevelSizeMultiplier)
	}
	return limit
}

// Sync reports whether WAL appends must fsync before returning.
func (c *Config) Sync() bool {
	return c.SyncWrites == nil || *c.SyncWrites
}
