package siltdb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siltdb/pkg/errors"
)

// smallConfig keeps thresholds tiny so end-to-end tests churn through
// memtable rotation, level-0 flushes and compaction.
func smallConfig() *Config {
	noSync := false
	return &Config{
		MemTableSize:            4 << 10,
		BlockSize:               1 << 10,
		SSTMaxFileSize:          16 << 10,
		Level0CompactionTrigger: 2,
		SyncWrites:              &noSync,
	}
}

func TestSetGetDelete(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set([]byte("name"), []byte("silt")))

	v, ok, err := db.Get([]byte("name"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("silt"), v)

	ok, err = db.Has([]byte("name"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Delete([]byte("name")))

	_, ok, err = db.Get([]byte("name"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.Has([]byte("name"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyKeyRejected(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer db.Close()

	assert.ErrorIs(t, db.Set(nil, []byte("v")), errors.ErrEmptyKey)
	assert.ErrorIs(t, db.Set([]byte{}, []byte("v")), errors.ErrEmptyKey)
	_, _, err = db.Get(nil)
	assert.ErrorIs(t, err, errors.ErrEmptyKey)
	assert.ErrorIs(t, db.Delete(nil), errors.ErrEmptyKey)
}

func TestOverwrite(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set([]byte("k"), []byte("first")))
	require.NoError(t, db.Set([]byte("k"), []byte("second")))

	v, ok, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), v)
}

func TestEmptyValueIsNotDeletion(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Set([]byte("k"), nil))

	ok, err := db.Has([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok, "a key with an empty value still exists")
}

func TestLargeWorkloadWithReopen(t *testing.T) {
	dir := t.TempDir()
	const n = 1000

	db, err := Open(dir, smallConfig())
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, db.Set(kf(i), []byte(fmt.Sprintf("v1-%d", i))))
	}
	// overwrite the first half, delete every 25th key
	for i := 0; i < n/2; i++ {
		require.NoError(t, db.Set(kf(i), []byte(fmt.Sprintf("v2-%d", i))))
	}
	for i := 0; i < n; i += 25 {
		require.NoError(t, db.Delete(kf(i)))
	}
	require.NoError(t, db.Close())

	db2, err := Open(dir, smallConfig())
	require.NoError(t, err)
	defer db2.Close()

	for i := 0; i < n; i++ {
		v, ok, err := db2.Get(kf(i))
		require.NoError(t, err)
		switch {
		case i%25 == 0:
			assert.False(t, ok, "deleted key %d resurfaced after reopen", i)
		case i < n/2:
			require.True(t, ok, "key %d lost", i)
			assert.Equal(t, []byte(fmt.Sprintf("v2-%d", i)), v)
		default:
			require.True(t, ok, "key %d lost", i)
			assert.Equal(t, []byte(fmt.Sprintf("v1-%d", i)), v)
		}
	}
}

func TestDeleteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, smallConfig())
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("doomed"), []byte("v")))
	require.NoError(t, db.Delete([]byte("doomed")))
	require.NoError(t, db.Close())

	db2, err := Open(dir, smallConfig())
	require.NoError(t, err)
	defer db2.Close()

	ok, err := db2.Has([]byte("doomed"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	db, err := Open(t.TempDir(), smallConfig())
	require.NoError(t, err)
	defer db.Close()

	const n = 500
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := db.Set(kf(i), []byte(fmt.Sprintf("v-%d", i))); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				v, ok, err := db.Get(kf(i % 100))
				if err != nil {
					t.Error(err)
					return
				}
				if ok && len(v) == 0 {
					t.Errorf("empty value for existing key %d", i%100)
					return
				}
			}
		}()
	}
	wg.Wait()

	// after the dust settles every write is visible
	for i := 0; i < n; i++ {
		v, ok, err := db.Get(kf(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, []byte(fmt.Sprintf("v-%d", i)), v)
	}
}

func TestTwoIndependentInstances(t *testing.T) {
	db1, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer db1.Close()
	db2, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db1.Set([]byte("k"), []byte("one")))
	require.NoError(t, db2.Set([]byte("k"), []byte("two")))

	v, _, err := db1.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)
	v, _, err = db2.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)
}

func TestUseAfterClose(t *testing.T) {
	db, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	assert.ErrorIs(t, db.Set([]byte("k"), []byte("v")), errors.ErrClosed)
	_, _, err = db.Get([]byte("k"))
	assert.ErrorIs(t, err, errors.ErrClosed)
	assert.NoError(t, db.Close())
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(t.TempDir(), &Config{BloomFPRate: 2})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func kf(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}
