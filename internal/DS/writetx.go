package DS

import (
	"sort"

	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// WriteTx stages one writer transaction's page mutations. Dirty pages are
// private copies; nothing touches the base file or the shared cache until
// the coordinator appends the frames to the WAL with a commit marker and the
// checkpoint later folds them back. Discard simply drops the staging map.
type WriteTx struct {
	pager  *Pager
	ID     uint64
	asOf   uint64
	dirty  map[uint32]*Page
	header *DatabaseHeader
	done   bool
	failed bool
}

// Begin opens a write transaction reading at the asOf boundary. The
// caller (the concurrency coordinator) guarantees a single live WriteTx.
func (p *Pager) Begin(id uint64, asOf uint64) *WriteTx {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := *p.header
	return &WriteTx{
		pager:  p,
		ID:     id,
		asOf:   asOf,
		dirty:  make(map[uint32]*Page),
		header: &h,
	}
}

// Page returns the transaction's view of pageNo: its own dirty copy if it
// has one, else the committed image at the transaction's snapshot.
func (tx *WriteTx) Page(pageNo uint32) (*Page, func(), error) {
	util.Assert(!tx.done, "transaction already finished")
	if tx.failed {
		return nil, nil, sferr.New(sferr.DDB_TRANSACTION, "transaction failed, rollback required")
	}
	if page, ok := tx.dirty[pageNo]; ok {
		return page, func() {}, nil
	}
	page, release, err := tx.pager.Fetch(pageNo, tx.asOf)
	if err != nil {
		tx.failed = true
	}
	return page, release, err
}

func (tx *WriteTx) PageSize() int { return tx.pager.pageSize }

// MarkDirty clones pageNo into the transaction's private staging area and
// returns the mutable copy. Must be called before any mutation.
func (tx *WriteTx) MarkDirty(pageNo uint32) (*Page, error) {
	util.Assert(!tx.done, "transaction already finished")
	util.Assert(pageNo > 0, "page number cannot be zero")
	if tx.failed {
		return nil, sferr.New(sferr.DDB_TRANSACTION, "transaction failed, rollback required")
	}

	if page, ok := tx.dirty[pageNo]; ok {
		return page, nil
	}
	page, release, err := tx.pager.Fetch(pageNo, tx.asOf)
	if err != nil {
		tx.failed = true
		return nil, err
	}
	defer release()

	dup := page.Clone()
	tx.dirty[pageNo] = dup
	return dup, nil
}

// Allocate returns a fresh page, reusing the freelist head when one
// exists and extending the file's logical page count otherwise. The page
// is dirty from birth.
func (tx *WriteTx) Allocate(t PageType) (*Page, error) {
	util.Assert(!tx.done, "transaction already finished")

	if tx.header.FreelistHead != 0 {
		pageNo := tx.header.FreelistHead
		page, err := tx.MarkDirty(pageNo)
		if err != nil {
			return nil, err
		}
		if page.Type() != PageTypeFree {
			tx.failed = true
			return nil, sferr.Errorf(sferr.DDB_CORRUPT,
				"freelist page %d has type %s", pageNo, page.Type())
		}
		tx.header.FreelistHead = page.RightPointer()
		tx.header.FreelistPages--
		for i := range page.Data {
			page.Data[i] = 0
		}
		page.SetType(t)
		return page, nil
	}

	tx.header.PageCount++
	pageNo := tx.header.PageCount
	page := NewPage(pageNo, tx.pager.pageSize)
	page.SetType(t)
	tx.dirty[pageNo] = page
	return page, nil
}

// Free links pageNo into the freelist.
func (tx *WriteTx) Free(pageNo uint32) error {
	util.Assert(pageNo > 1, "cannot free page %d", pageNo)
	page, err := tx.MarkDirty(pageNo)
	if err != nil {
		return err
	}
	for i := range page.Data {
		page.Data[i] = 0
	}
	page.SetType(PageTypeFree)
	page.SetRightPointer(tx.header.FreelistHead)
	tx.header.FreelistHead = pageNo
	tx.header.FreelistPages++
	return nil
}

// Failed reports whether an I/O error has poisoned the transaction.
// A failed transaction can only be discarded.
func (tx *WriteTx) Failed() bool { return tx.failed }

// SchemaChanged bumps the schema cookie, invalidating cached plans.
func (tx *WriteTx) SchemaChanged() {
	tx.header.SchemaCookie++
}

// Frames snapshots all dirtied pages in page-number order for the WAL.
// Page 1 is regenerated from the transaction's header copy so page
// allocations and freelist changes commit atomically with the data.
func (tx *WriteTx) Frames() []Frame {
	util.Assert(!tx.done, "transaction already finished")
	util.Assert(!tx.failed, "failed transaction has no frames")

	tx.header.FileChangeCounter++
	headerPage := NewPage(1, tx.pager.pageSize)
	if base, ok := tx.dirty[1]; ok {
		copy(headerPage.Data, base.Data)
	} else if page, release, err := tx.pager.Fetch(1, tx.asOf); err == nil {
		copy(headerPage.Data, page.Data)
		release()
	}
	_ = tx.header.WriteTo(headerPage.Data)
	tx.dirty[1] = headerPage

	frames := make([]Frame, 0, len(tx.dirty))
	for _, page := range tx.dirty {
		frames = append(frames, Frame{PageNo: page.Num, Data: page.Data})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].PageNo < frames[j].PageNo })
	return frames
}

// Committed marks the transaction done after a durable WAL append and
// publishes its bookkeeping through the pager.
func (tx *WriteTx) Committed() {
	util.Assert(!tx.done, "transaction already finished")
	tx.pager.ApplyCommit(tx)
	tx.dirty = nil
	tx.done = true
}

// Discard drops all staged pages. Nothing was appended with a commit
// marker, so there is nothing to undo.
func (tx *WriteTx) Discard() {
	tx.dirty = nil
	tx.done = true
}
