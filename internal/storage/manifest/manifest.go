// Package manifest persists the authoritative view of the LSM tree:
// which sstable files exist per level, their key ranges, and the next
// file number / last sequence number. The state is replaced atomically
// (write temp file, fsync, rename), so a crash can never expose a view
// referencing a partially registered file; files on disk that the
// current version does not reference are orphans to be deleted.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/xxh3"

	"siltdb/pkg/errors"
)

const (
	fileName    = "MANIFEST"
	tmpFileName = "MANIFEST.tmp"

	magicNumber   = 0x4D464E53 // "MFNS"
	formatVersion = 1
)

// FileMeta describes one live sstable. Count is the number of records,
// used to size bloom filters for compaction outputs.
type FileMeta struct {
	FileNum  uint64
	Size     uint64
	Count    uint64
	Smallest []byte
	Largest  []byte
}

// Version is an immutable snapshot of the tree state. Readers hold a
// *Version and never see it change; Apply installs a new one.
type Version struct {
	NextFileNum uint64
	LastSeq     uint64
	Levels      [][]FileMeta
}

func (v *Version) clone() *Version {
	nv := &Version{
		NextFileNum: v.NextFileNum,
		LastSeq:     v.LastSeq,
		Levels:      make([][]FileMeta, len(v.Levels)),
	}
	for i, level := range v.Levels {
		nv.Levels[i] = append([]FileMeta(nil), level...)
	}
	return nv
}

// Live reports whether fileNum is referenced by the version.
func (v *Version) Live(fileNum uint64) bool {
	for _, level := range v.Levels {
		for i := range level {
			if level[i].FileNum == fileNum {
				return true
			}
		}
	}
	return false
}

// Edit is one atomic mutation of the version, produced by a flush or a
// compaction.
type Edit struct {
	AddFiles    map[int][]FileMeta // level -> new files
	DeleteFiles map[int][]uint64   // level -> dropped file numbers
	LastSeq     uint64             // 0 means unchanged
}

// Manifest owns the on-disk state file for one engine directory.
type Manifest struct {
	dir string

	mu      sync.Mutex
	current *Version
	next    uint64 // next file number, persisted by Apply
}

// Open loads the manifest from dir, creating an empty one on first use.
func Open(dir string, maxLevel int) (*Manifest, error) {
	m := &Manifest{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	switch {
	case os.IsNotExist(err):
		m.current = &Version{
			NextFileNum: 1,
			Levels:      make([][]FileMeta, maxLevel),
		}
		if err := m.write(m.current); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		v, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		for len(v.Levels) < maxLevel {
			v.Levels = append(v.Levels, nil)
		}
		m.current = v
	}
	m.next = m.current.NextFileNum
	return m, nil
}

// Current returns the live version. The returned value is immutable.
func (m *Manifest) Current() *Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AllocFileNum hands out the next file number. The allocation is only
// persisted by the next Apply; numbers used by files that never reach
// the manifest are reclaimed as orphans on restart.
func (m *Manifest) AllocFileNum() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	m.next++
	return n
}

// Apply commits edit: the new version is durably written before it
// becomes visible. Registration of new files and removal of old ones is
// one visible step.
func (m *Manifest) Apply(edit *Edit) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nv := m.current.clone()
	nv.NextFileNum = m.next
	for level, dropped := range edit.DeleteFiles {
		if level >= len(nv.Levels) {
			continue
		}
		kept := nv.Levels[level][:0:0]
		for _, f := range nv.Levels[level] {
			drop := false
			for _, num := range dropped {
				if f.FileNum == num {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, f)
			}
		}
		nv.Levels[level] = kept
	}
	for level, added := range edit.AddFiles {
		for len(nv.Levels) <= level {
			nv.Levels = append(nv.Levels, nil)
		}
		nv.Levels[level] = append(nv.Levels[level], added...)
	}
	if edit.LastSeq > nv.LastSeq {
		nv.LastSeq = edit.LastSeq
	}

	if err := m.write(nv); err != nil {
		return nil, err
	}
	m.current = nv
	return nv, nil
}

func (m *Manifest) write(v *Version) error {
	tmp := filepath.Join(m.dir, tmpFileName)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(encode(v)); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(m.dir, fileName)); err != nil {
		return err
	}
	return syncDir(m.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

func encode(v *Version) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, magicNumber)
	buf = binary.LittleEndian.AppendUint32(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, v.NextFileNum)
	buf = binary.LittleEndian.AppendUint64(buf, v.LastSeq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Levels)))
	for _, level := range v.Levels {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(level)))
		for i := range level {
			f := &level[i]
			buf = binary.LittleEndian.AppendUint64(buf, f.FileNum)
			buf = binary.LittleEndian.AppendUint64(buf, f.Size)
			buf = binary.LittleEndian.AppendUint64(buf, f.Count)
			buf = binary.AppendUvarint(buf, uint64(len(f.Smallest)))
			buf = append(buf, f.Smallest...)
			buf = binary.AppendUvarint(buf, uint64(len(f.Largest)))
			buf = append(buf, f.Largest...)
		}
	}
	buf = binary.LittleEndian.AppendUint64(buf, xxh3.Hash(buf))
	return buf
}

func decode(data []byte) (*Version, error) {
	if len(data) < 8 {
		return nil, errors.ErrCorruption
	}
	body, sum := data[:len(data)-8], binary.LittleEndian.Uint64(data[len(data)-8:])
	if xxh3.Hash(body) != sum {
		return nil, fmt.Errorf("checksum mismatch: %w", errors.ErrCorruption)
	}

	rd := bytes.NewReader(body)
	var fixed [28]byte
	if _, err := io.ReadFull(rd, fixed[:]); err != nil {
		return nil, errors.ErrCorruption
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != magicNumber {
		return nil, fmt.Errorf("bad magic: %w", errors.ErrCorruption)
	}
	if binary.LittleEndian.Uint32(fixed[4:8]) != formatVersion {
		return nil, fmt.Errorf("unsupported version: %w", errors.ErrCorruption)
	}
	v := &Version{
		NextFileNum: binary.LittleEndian.Uint64(fixed[8:16]),
		LastSeq:     binary.LittleEndian.Uint64(fixed[16:24]),
	}
	numLevels := binary.LittleEndian.Uint32(fixed[24:28])

	for l := uint32(0); l < numLevels; l++ {
		var cnt [4]byte
		if _, err := io.ReadFull(rd, cnt[:]); err != nil {
			return nil, errors.ErrCorruption
		}
		n := binary.LittleEndian.Uint32(cnt[:])
		files := make([]FileMeta, 0, n)
		for i := uint32(0); i < n; i++ {
			var f FileMeta
			var nums [24]byte
			if _, err := io.ReadFull(rd, nums[:]); err != nil {
				return nil, errors.ErrCorruption
			}
			f.FileNum = binary.LittleEndian.Uint64(nums[0:8])
			f.Size = binary.LittleEndian.Uint64(nums[8:16])
			f.Count = binary.LittleEndian.Uint64(nums[16:24])
			var err error
			if f.Smallest, err = readBytes(rd); err != nil {
				return nil, err
			}
			if f.Largest, err = readBytes(rd); err != nil {
				return nil, err
			}
			files = append(files, f)
		}
		v.Levels = append(v.Levels, files)
	}
	return v, nil
}

func readBytes(rd *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, errors.ErrCorruption
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd, b); err != nil {
		return nil, errors.ErrCorruption
	}
	return b, nil
}
