package DS

import (
	"bytes"
	"testing"

	"github.com/decentdb/decentdb/internal/PB"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

// fakeWAL resolves pages from a frame map, standing in for the log during
// pager-level tests.
type fakeWAL struct {
	frames map[uint32][]byte
}

func newFakeWAL() *fakeWAL {
	return &fakeWAL{frames: make(map[uint32][]byte)}
}

func (f *fakeWAL) put(frames []Frame) {
	for _, fr := range frames {
		img := make([]byte, len(fr.Data))
		copy(img, fr.Data)
		f.frames[fr.PageNo] = img
	}
}

func (f *fakeWAL) FramePage(pageNo uint32, asOf uint64) ([]byte, bool) {
	img, ok := f.frames[pageNo]
	return img, ok
}

func TestPagerBootstrapAndReopen(t *testing.T) {
	file := PB.NewMemFile()
	id := [16]byte{0xaa, 0xbb}
	p, err := NewPager(file, DefaultPageSize, 16, id)
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	if p.Header().DatabaseID != id {
		t.Fatalf("bootstrap DatabaseID = %x", p.Header().DatabaseID)
	}

	// A second pager over the same file must parse, not re-bootstrap.
	p2, err := NewPager(file, DefaultPageSize, 16, [16]byte{0xff})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if p2.Header().DatabaseID != id {
		t.Fatalf("reopen DatabaseID = %x, want %x", p2.Header().DatabaseID, id)
	}
}

func TestPagerPageSizeMismatch(t *testing.T) {
	file := PB.NewMemFile()
	if _, err := NewPager(file, 4096, 16, [16]byte{1}); err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	if _, err := NewPager(file, 1024, 16, [16]byte{1}); !sferr.IsCode(err, sferr.DDB_CORRUPT) {
		t.Fatalf("mismatched page size open = %v, want DDB_CORRUPT", err)
	}
}

func TestPagerFetchOutOfRange(t *testing.T) {
	p, err := NewPager(PB.NewMemFile(), DefaultPageSize, 16, [16]byte{1})
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	if _, _, err := p.Fetch(99, 0); !sferr.IsCode(err, sferr.DDB_CORRUPT) {
		t.Fatalf("Fetch(99) = %v, want DDB_CORRUPT", err)
	}
}

func TestWriteTxCommitVisibility(t *testing.T) {
	p, err := NewPager(PB.NewMemFile(), 512, 16, [16]byte{1})
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	wal := newFakeWAL()
	if err := p.AttachWAL(wal, 0); err != nil {
		t.Fatalf("AttachWAL: %v", err)
	}

	tx := p.Begin(1, 0)
	bt, err := CreateBTree(tx, true)
	if err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}
	if err := bt.Insert(tx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	frames := tx.Frames()
	if frames[0].PageNo != 1 {
		t.Fatalf("first frame is page %d, want the regenerated header page", frames[0].PageNo)
	}
	h, err := ParseHeader(frames[0].Data)
	if err != nil {
		t.Fatalf("committed header: %v", err)
	}
	if h.PageCount != 2 {
		t.Fatalf("committed PageCount = %d, want 2", h.PageCount)
	}

	wal.put(frames)
	tx.Committed()

	if p.NumPages() != 2 {
		t.Fatalf("NumPages = %d after commit, want 2", p.NumPages())
	}
	got, err := NewBTree(bt.Root(), true).Search(p.NewReader(1), []byte("k"))
	if err != nil {
		t.Fatalf("Search through reader: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("reader sees %q, want %q", got, "v")
	}
}

func TestWriteTxDiscard(t *testing.T) {
	p, err := NewPager(PB.NewMemFile(), 512, 16, [16]byte{1})
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	tx := p.Begin(1, 0)
	if _, err := CreateBTree(tx, true); err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}
	tx.Discard()
	if p.NumPages() != 1 {
		t.Fatalf("NumPages = %d after discard, want 1", p.NumPages())
	}
}

func TestPagerWriteBack(t *testing.T) {
	file := PB.NewMemFile()
	p, err := NewPager(file, 512, 16, [16]byte{1})
	if err != nil {
		t.Fatalf("NewPager: %v", err)
	}
	wal := newFakeWAL()
	if err := p.AttachWAL(wal, 0); err != nil {
		t.Fatalf("AttachWAL: %v", err)
	}

	tx := p.Begin(1, 0)
	bt, err := CreateBTree(tx, true)
	if err != nil {
		t.Fatalf("CreateBTree: %v", err)
	}
	if err := bt.Insert(tx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	frames := tx.Frames()
	wal.put(frames)
	tx.Committed()

	if err := p.WriteBack(frames); err != nil {
		t.Fatalf("WriteBack: %v", err)
	}
	// Drop the WAL frames: reads must now come from the base file.
	wal.frames = map[uint32][]byte{}

	got, err := NewBTree(bt.Root(), true).Search(p.NewReader(1), []byte("k"))
	if err != nil {
		t.Fatalf("Search after checkpoint: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("base file read = %q, want %q", got, "v")
	}
	if size, _ := file.Size(); size < 2*512 {
		t.Fatalf("base file is %d bytes after checkpoint, want at least 2 pages", size)
	}
}
