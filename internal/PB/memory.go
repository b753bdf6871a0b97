package PB

import (
	"io"
	"sync"
)

// MemFile is an in-memory File used by tests and :memory: databases.
// It also supports simulated truncated crashes via Clone/TruncateTo.
type MemFile struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemFile() *MemFile {
	return &MemFile{}
}

func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:end], p)
	return len(p), nil
}

func (f *MemFile) Sync() error {
	return nil
}

func (f *MemFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}
	return nil
}

func (f *MemFile) Size() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data)), nil
}

func (f *MemFile) Close() error {
	return nil
}

// Clone returns an independent copy of the file contents, used by crash
// recovery tests to snapshot the on-disk state at an arbitrary point.
func (f *MemFile) Clone() *MemFile {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dup := make([]byte, len(f.data))
	copy(dup, f.data)
	return &MemFile{data: dup}
}
