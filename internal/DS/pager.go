package DS

import (
	"fmt"
	"sync"

	"github.com/decentdb/decentdb/internal/PB"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// Frame is one page image staged for the WAL.
type Frame struct {
	PageNo uint32
	Data   []byte
}

// SnapshotSource resolves a page against the committed WAL frames at or
// before a snapshot boundary. Implemented by TM.WAL; nil before a WAL is
// attached (bootstrap reads go straight to the base file).
type SnapshotSource interface {
	FramePage(pageNo uint32, asOf uint64) ([]byte, bool)
}

// Pager maps page numbers to in-memory images over a single database
// file. Reads resolve WAL-first under a snapshot boundary, then the
// pin-counted cache, then the base file. Writers stage dirty pages in a
// private WriteTx; the base file is only ever modified by checkpoints.
type Pager struct {
	mu       sync.Mutex
	file     PB.File
	pageSize int
	header   *DatabaseHeader
	numPages uint32
	cache    *Cache
	wal      SnapshotSource
}

// PageSource is the read surface the B+Tree and trigram index walk
// against. Both snapshot readers and write transactions implement it.
type PageSource interface {
	Page(pageNo uint32) (*Page, func(), error)
	PageSize() int
}

func NewPager(file PB.File, pageSize, cacheSize int, id [16]byte) (*Pager, error) {
	util.AssertNotNil(file, "file")
	util.Assert(IsValidPageSize(pageSize), "invalid page size: %d", pageSize)

	p := &Pager{
		file:     file,
		pageSize: pageSize,
		cache:    NewCache(cacheSize),
	}

	size, err := file.Size()
	if err != nil {
		return nil, sferr.Wrap(sferr.DDB_IOERR, err, "stat database file")
	}

	if size == 0 {
		p.header = NewDatabaseHeader(uint16(pageSize), id)
		p.numPages = 1
		if err := p.writeHeaderPage(); err != nil {
			return nil, err
		}
	} else {
		buf := make([]byte, HeaderSize)
		if _, err := file.ReadAt(buf, 0); err != nil {
			return nil, sferr.Wrap(sferr.DDB_IOERR, err, "read database header")
		}
		h, err := ParseHeader(buf)
		if err != nil {
			return nil, err
		}
		if int(h.PageSize) != pageSize {
			return nil, sferr.Errorf(sferr.DDB_CORRUPT,
				"page size mismatch: file %d, requested %d", h.PageSize, pageSize)
		}
		p.header = h
		p.numPages = h.PageCount
	}
	return p, nil
}

// AttachWAL wires the committed-frame source in. Until attached, reads
// see only the base file. The header page may have committed frames the
// base file never received (a crash before any checkpoint), so the
// newest header at the asOf boundary is adopted as the pager's current
// view; otherwise bookkeeping like the page count would revert to the
// stale base-file header and later writes would overwrite recovered
// pages.
func (p *Pager) AttachWAL(src SnapshotSource, asOf uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wal = src

	img, ok := src.FramePage(1, asOf)
	if !ok {
		return nil
	}
	h, err := ParseHeader(img)
	if err != nil {
		return err
	}
	if int(h.PageSize) != p.pageSize {
		return sferr.Errorf(sferr.DDB_CORRUPT,
			"recovered header page size %d does not match database %d", h.PageSize, p.pageSize)
	}
	p.header = h
	p.numPages = h.PageCount
	return nil
}

func (p *Pager) PageSize() int { return p.pageSize }

func (p *Pager) Header() *DatabaseHeader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

func (p *Pager) NumPages() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numPages
}

// Fetch returns the page image visible at the asOf snapshot boundary.
// Cache-resident pages come back pinned; the release closure must be
// called when the caller is done with the image.
func (p *Pager) Fetch(pageNo uint32, asOf uint64) (*Page, func(), error) {
	util.Assert(pageNo > 0, "page number cannot be zero")

	p.mu.Lock()
	wal := p.wal
	numPages := p.numPages
	p.mu.Unlock()

	if pageNo > numPages {
		return nil, nil, sferr.Errorf(sferr.DDB_CORRUPT, "page %d out of range (%d pages)", pageNo, numPages)
	}

	if wal != nil {
		if img, ok := wal.FramePage(pageNo, asOf); ok {
			page := &Page{Num: pageNo, Data: img}
			return page, func() {}, nil
		}
	}

	if page, ok := p.cache.Get(pageNo); ok {
		return page, func() { p.cache.Unpin(pageNo) }, nil
	}

	page := NewPage(pageNo, p.pageSize)
	off := int64(pageNo-1) * int64(p.pageSize)
	if _, err := p.file.ReadAt(page.Data, off); err != nil {
		return nil, nil, sferr.Wrap(sferr.DDB_IOERR, err, fmt.Sprintf("read page %d", pageNo))
	}
	p.cache.Put(page)
	return page, func() { p.cache.Unpin(pageNo) }, nil
}

// NewReader returns a PageSource pinned to a snapshot boundary.
func (p *Pager) NewReader(asOf uint64) *Reader {
	return &Reader{pager: p, asOf: asOf}
}

// Reader is the read-only PageSource for one snapshot.
type Reader struct {
	pager *Pager
	asOf  uint64
}

func (r *Reader) Page(pageNo uint32) (*Page, func(), error) {
	return r.pager.Fetch(pageNo, r.asOf)
}

func (r *Reader) PageSize() int { return r.pager.pageSize }

// AsOf returns the reader's snapshot boundary.
func (r *Reader) AsOf() uint64 { return r.asOf }

// writeHeaderPage bootstraps page 1 of a fresh file. Outside of bootstrap
// the header page only changes through WAL frames.
func (p *Pager) writeHeaderPage() error {
	buf := make([]byte, p.pageSize)
	if err := p.header.WriteTo(buf); err != nil {
		return err
	}
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "write header page")
	}
	return p.syncFile()
}

func (p *Pager) syncFile() error {
	if err := p.file.Sync(); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "sync database file")
	}
	return nil
}

// WriteBack folds committed frames into the base file during a
// checkpoint. Cached images are refreshed so later cache hits see the
// folded state.
func (p *Pager) WriteBack(frames []Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range frames {
		off := int64(f.PageNo-1) * int64(p.pageSize)
		if _, err := p.file.WriteAt(f.Data, off); err != nil {
			return sferr.Wrap(sferr.DDB_IOERR, err, fmt.Sprintf("checkpoint page %d", f.PageNo))
		}
		img := make([]byte, len(f.Data))
		copy(img, f.Data)
		p.cache.Replace(&Page{Num: f.PageNo, Data: img})
		if f.PageNo == 1 {
			h, err := ParseHeader(f.Data)
			if err != nil {
				return err
			}
			p.header = h
		}
	}
	return p.syncFile()
}

// ApplyCommit publishes a committed write transaction's bookkeeping:
// the new page count and header become the pager's current view. The
// page images themselves stay in the WAL until checkpointed.
func (p *Pager) ApplyCommit(tx *WriteTx) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numPages = tx.header.PageCount
	p.header = tx.header
}

func (p *Pager) Close() error {
	if err := p.syncFile(); err != nil {
		return err
	}
	if err := p.file.Close(); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "close database file")
	}
	return nil
}
