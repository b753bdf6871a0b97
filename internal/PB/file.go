package PB

import (
	"os"

	"github.com/decentdb/decentdb/internal/SF/util"
)

// File is the page-backend abstraction the pager and WAL are built on.
// The OS implementation is used for real databases; the memory
// implementation backs unit tests and throwaway databases.
type File interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
}

type osFile struct {
	f *os.File
}

// OpenFile opens (creating if needed) a read-write file at path.
func OpenFile(path string) (File, error) {
	util.Assert(path != "", "path cannot be empty")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (f *osFile) ReadAt(p []byte, off int64) (int, error) {
	util.Assert(off >= 0, "offset cannot be negative: %d", off)
	return f.f.ReadAt(p, off)
}

func (f *osFile) WriteAt(p []byte, off int64) (int, error) {
	util.Assert(off >= 0, "offset cannot be negative: %d", off)
	return f.f.WriteAt(p, off)
}

func (f *osFile) Sync() error {
	return f.f.Sync()
}

func (f *osFile) Truncate(size int64) error {
	return f.f.Truncate(size)
}

func (f *osFile) Size() (int64, error) {
	stat, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func (f *osFile) Close() error {
	return f.f.Close()
}
