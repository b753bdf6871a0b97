package DS

import (
	"bytes"
	"encoding/binary"

	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// BTree is an ordered key→payload structure over pager pages. Interior
// pages hold (child, separator) cells where the separator is an upper
// bound for the child's subtree; leaves hold (key, payload) cells and are
// chained left-to-right through their right pointers. The root page
// number is stable for the tree's lifetime: root splits move the old
// root's contents to a fresh page instead of moving the root.
type BTree struct {
	root   uint32
	unique bool
}

// NewBTree opens an existing tree rooted at root. unique trees reject
// duplicate keys on Insert (primary key / unique index semantics).
func NewBTree(root uint32, unique bool) *BTree {
	util.Assert(root > 1, "invalid btree root page %d", root)
	return &BTree{root: root, unique: unique}
}

// CreateBTree allocates an empty leaf root.
func CreateBTree(tx *WriteTx, unique bool) (*BTree, error) {
	page, err := tx.Allocate(PageTypeLeaf)
	if err != nil {
		return nil, err
	}
	page.InitBTreePage(PageTypeLeaf)
	return &BTree{root: page.Num, unique: unique}, nil
}

func (bt *BTree) Root() uint32 { return bt.root }

// maxInlinePayload is the threshold above which a payload is written to
// an overflow chain instead of inline leaf bytes.
func maxInlinePayload(pageSize int) int {
	return pageSize / 4
}

type splitResult struct {
	sep   []byte // promoted separator: upper bound of the left sibling
	right uint32
}

// Insert adds or replaces key→payload. Unique trees fail with
// DDB_CONSTRAINT when the key already exists.
func (bt *BTree) Insert(tx *WriteTx, key, payload []byte) error {
	util.Assert(len(key) > 0, "insert key cannot be empty")
	if len(key) > maxInlinePayload(tx.PageSize()) {
		return sferr.Errorf(sferr.DDB_CONSTRAINT, "key length %d exceeds maximum", len(key))
	}

	cell := &LeafCell{Key: key, TotalLen: len(payload)}
	if len(payload) > maxInlinePayload(tx.PageSize()) {
		head, err := writeOverflowChain(tx, payload)
		if err != nil {
			return err
		}
		cell.OverflowHead = head
	} else {
		cell.Payload = payload
	}

	split, err := bt.insertInto(tx, bt.root, key, EncodeLeafCell(cell))
	if err != nil {
		return err
	}
	if split != nil {
		return bt.growRoot(tx, split)
	}
	return nil
}

// growRoot turns the root into an interior page referencing the old
// root's contents (moved to a fresh page) and the new right sibling.
func (bt *BTree) growRoot(tx *WriteTx, split *splitResult) error {
	rootPage, err := tx.MarkDirty(bt.root)
	if err != nil {
		return err
	}
	leftPage, err := tx.Allocate(rootPage.Type())
	if err != nil {
		return err
	}
	copy(leftPage.Data, rootPage.Data)

	rootPage.InitBTreePage(PageTypeInterior)
	ok := pageInsertCell(rootPage, 0, EncodeInteriorCell(&InteriorCell{
		LeftChild: leftPage.Num,
		Key:       split.sep,
	}))
	util.Assert(ok, "fresh interior root cannot be full")
	rootPage.SetRightPointer(split.right)
	return nil
}

func (bt *BTree) insertInto(tx *WriteTx, pageNo uint32, key, enc []byte) (*splitResult, error) {
	page, release, err := tx.Page(pageNo)
	if err != nil {
		return nil, err
	}
	pageType := page.Type()
	release()

	switch pageType {
	case PageTypeLeaf:
		return bt.insertIntoLeaf(tx, pageNo, key, enc)
	case PageTypeInterior:
		return bt.insertIntoInterior(tx, pageNo, key, enc)
	default:
		return nil, sferr.Errorf(sferr.DDB_CORRUPT,
			"page %d in btree %d has type %s", pageNo, bt.root, pageType)
	}
}

func (bt *BTree) insertIntoLeaf(tx *WriteTx, pageNo uint32, key, enc []byte) (*splitResult, error) {
	page, err := tx.MarkDirty(pageNo)
	if err != nil {
		return nil, err
	}

	idx, exact := pageFindCell(page, key)
	if exact {
		if bt.unique {
			return nil, sferr.Errorf(sferr.DDB_CONSTRAINT, "duplicate key in unique btree %d", bt.root)
		}
		old, err := DecodeLeafCell(pageCellBytes(page, idx))
		if err != nil {
			return nil, err
		}
		if old.OverflowHead != 0 {
			if err := freeOverflowChain(tx, old.OverflowHead); err != nil {
				return nil, err
			}
		}
		pageRemoveCell(page, idx)
	}

	if pageInsertCell(page, idx, enc) {
		return nil, nil
	}
	return bt.splitLeaf(tx, page, idx, enc)
}

func (bt *BTree) insertIntoInterior(tx *WriteTx, pageNo uint32, key, enc []byte) (*splitResult, error) {
	page, release, err := tx.Page(pageNo)
	if err != nil {
		return nil, err
	}
	idx, _ := pageFindCell(page, key)
	numCells := page.NumCells()

	var childNo uint32
	if idx < numCells {
		cell, err := DecodeInteriorCell(pageCellBytes(page, idx))
		if err != nil {
			release()
			return nil, err
		}
		childNo = cell.LeftChild
	} else {
		childNo = page.RightPointer()
	}
	release()

	util.Assert(childNo > 0, "interior page %d routes to page zero", pageNo)
	childSplit, err := bt.insertInto(tx, childNo, key, enc)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}

	// The child split: repoint the child's slot at the new right sibling
	// and insert a (child, separator) cell in front of it.
	parent, err := tx.MarkDirty(pageNo)
	if err != nil {
		return nil, err
	}
	newCell := &InteriorCell{LeftChild: childNo, Key: childSplit.sep}

	if idx == parent.NumCells() {
		if pageInsertCell(parent, idx, EncodeInteriorCell(newCell)) {
			parent.SetRightPointer(childSplit.right)
			return nil, nil
		}
		return bt.splitInterior(tx, parent, idx, newCell, childSplit.right)
	}

	slot, err := DecodeInteriorCell(pageCellBytes(parent, idx))
	if err != nil {
		return nil, err
	}
	slot.LeftChild = childSplit.right
	pageRemoveCell(parent, idx)
	if !pageInsertCell(parent, idx, EncodeInteriorCell(slot)) {
		// Re-adding the (possibly shrunken) slot cell must succeed: its
		// previous encoding just vacated at least as much space.
		return nil, sferr.Errorf(sferr.DDB_CORRUPT, "interior page %d lost space", pageNo)
	}
	if pageInsertCell(parent, idx, EncodeInteriorCell(newCell)) {
		return nil, nil
	}
	return bt.splitInterior(tx, parent, idx, newCell, 0)
}

// splitLeaf redistributes the page's cells plus the pending one across
// the page and a fresh right sibling, keeping the leaf chain intact.
func (bt *BTree) splitLeaf(tx *WriteTx, page *Page, insertIdx int, enc []byte) (*splitResult, error) {
	cells := collectCells(page, insertIdx, enc)

	right, err := tx.Allocate(PageTypeLeaf)
	if err != nil {
		return nil, err
	}
	right.InitBTreePage(PageTypeLeaf)
	right.SetRightPointer(page.RightPointer())

	mid := splitPoint(cells)
	page.InitBTreePage(PageTypeLeaf)
	page.SetRightPointer(right.Num)

	for i, c := range cells {
		target := page
		idx := i
		if i >= mid {
			target = right
			idx = i - mid
		}
		if !pageInsertCell(target, idx, c) {
			return nil, sferr.Errorf(sferr.DDB_CORRUPT, "leaf split of page %d overflowed", page.Num)
		}
	}

	sepCell, err := DecodeLeafCell(cells[mid-1])
	if err != nil {
		return nil, err
	}
	sep := make([]byte, len(sepCell.Key))
	copy(sep, sepCell.Key)
	return &splitResult{sep: sep, right: right.Num}, nil
}

// splitInterior splits an interior page around a pending cell. When the
// pending cell belongs at the rightmost slot, newRight is the child that
// becomes the page's right pointer.
func (bt *BTree) splitInterior(tx *WriteTx, page *Page, insertIdx int, pending *InteriorCell, newRight uint32) (*splitResult, error) {
	cells := collectCells(page, insertIdx, EncodeInteriorCell(pending))
	rightmost := page.RightPointer()
	if newRight != 0 {
		rightmost = newRight
	}

	right, err := tx.Allocate(PageTypeInterior)
	if err != nil {
		return nil, err
	}
	right.InitBTreePage(PageTypeInterior)

	mid := splitPoint(cells)
	util.Assert(mid > 0 && mid < len(cells), "degenerate interior split at page %d", page.Num)

	// The cell at mid-1 is promoted: its key becomes the separator and its
	// child becomes the left half's right pointer.
	promoted, err := DecodeInteriorCell(cells[mid-1])
	if err != nil {
		return nil, err
	}

	page.InitBTreePage(PageTypeInterior)
	for i := 0; i < mid-1; i++ {
		if !pageInsertCell(page, i, cells[i]) {
			return nil, sferr.Errorf(sferr.DDB_CORRUPT, "interior split of page %d overflowed", page.Num)
		}
	}
	page.SetRightPointer(promoted.LeftChild)

	for i := mid; i < len(cells); i++ {
		if !pageInsertCell(right, i-mid, cells[i]) {
			return nil, sferr.Errorf(sferr.DDB_CORRUPT, "interior split of page %d overflowed", page.Num)
		}
	}
	right.SetRightPointer(rightmost)

	sep := make([]byte, len(promoted.Key))
	copy(sep, promoted.Key)
	return &splitResult{sep: sep, right: right.Num}, nil
}

// Delete removes key from the tree, returning whether it was present.
// Underflowed pages are left in place (lazy merging): lower-bound routing
// stays correct with stale separators, and only seek/iteration
// correctness is load-bearing.
func (bt *BTree) Delete(tx *WriteTx, key []byte) (bool, error) {
	util.Assert(len(key) > 0, "delete key cannot be empty")

	pageNo := bt.root
	for {
		page, release, err := tx.Page(pageNo)
		if err != nil {
			return false, err
		}

		switch page.Type() {
		case PageTypeLeaf:
			idx, exact := pageFindCell(page, key)
			release()
			if !exact {
				return false, nil
			}
			leaf, err := tx.MarkDirty(pageNo)
			if err != nil {
				return false, err
			}
			cell, err := DecodeLeafCell(pageCellBytes(leaf, idx))
			if err != nil {
				return false, err
			}
			if cell.OverflowHead != 0 {
				if err := freeOverflowChain(tx, cell.OverflowHead); err != nil {
					return false, err
				}
			}
			pageRemoveCell(leaf, idx)
			return true, nil

		case PageTypeInterior:
			idx, _ := pageFindCell(page, key)
			if idx < page.NumCells() {
				cell, err := DecodeInteriorCell(pageCellBytes(page, idx))
				if err != nil {
					release()
					return false, err
				}
				pageNo = cell.LeftChild
			} else {
				pageNo = page.RightPointer()
			}
			release()

		default:
			release()
			return false, sferr.Errorf(sferr.DDB_CORRUPT,
				"page %d in btree %d has type %s", pageNo, bt.root, page.Type())
		}
	}
}

// Search returns the payload for an exact key match, or nil.
func (bt *BTree) Search(src PageSource, key []byte) ([]byte, error) {
	cur, err := bt.Seek(src, key)
	if err != nil {
		return nil, err
	}
	if !cur.Valid() {
		return nil, nil
	}
	k, err := cur.Key()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(k, key) {
		return nil, nil
	}
	return cur.Value()
}

// page cell helpers -------------------------------------------------------

func cellPtrOffset(idx int) int {
	return PageHeaderSize + idx*2
}

func pageCellBytes(page *Page, idx int) []byte {
	util.Assert(idx >= 0 && idx < page.NumCells(), "cell index %d out of range", idx)
	off := int(binary.BigEndian.Uint16(page.Data[cellPtrOffset(idx) : cellPtrOffset(idx)+2]))
	util.Assert(off >= PageHeaderSize && off < len(page.Data), "cell offset %d out of bounds", off)
	return page.Data[off:]
}

func pageCellKey(page *Page, idx int) ([]byte, error) {
	raw := pageCellBytes(page, idx)
	if page.Type() == PageTypeLeaf {
		cell, err := DecodeLeafCell(raw)
		if err != nil {
			return nil, err
		}
		return cell.Key, nil
	}
	cell, err := DecodeInteriorCell(raw)
	if err != nil {
		return nil, err
	}
	return cell.Key, nil
}

// pageFindCell binary searches for the lower bound of key: the first cell
// whose key is >= key. exact reports a key match at that index.
func pageFindCell(page *Page, key []byte) (int, bool) {
	left, right := 0, page.NumCells()
	for left < right {
		mid := (left + right) / 2
		cellKey, err := pageCellKey(page, mid)
		if err != nil {
			// Corrupted cells sort high so the caller's exact-match checks fail.
			return page.NumCells(), false
		}
		cmp := bytes.Compare(key, cellKey)
		if cmp == 0 {
			return mid, true
		}
		if cmp < 0 {
			right = mid
		} else {
			left = mid + 1
		}
	}
	return left, false
}

// pageInsertCell places enc at cell index idx, growing the content area
// downward. Returns false when the page has no room.
func pageInsertCell(page *Page, idx int, enc []byte) bool {
	n := page.NumCells()
	util.Assert(idx >= 0 && idx <= n, "insert index %d out of range (%d cells)", idx, n)

	newStart := page.contentStart() - len(enc)
	if newStart < cellPtrOffset(n+1) {
		return false
	}

	copy(page.Data[newStart:newStart+len(enc)], enc)
	for i := n; i > idx; i-- {
		src := cellPtrOffset(i - 1)
		dst := cellPtrOffset(i)
		copy(page.Data[dst:dst+2], page.Data[src:src+2])
	}
	binary.BigEndian.PutUint16(page.Data[cellPtrOffset(idx):cellPtrOffset(idx)+2], uint16(newStart))
	page.setNumCells(n + 1)
	page.setContentStart(newStart)
	return true
}

// pageRemoveCell drops the cell at idx and rewrites the page compacted,
// so deleted cell bytes do not accumulate as dead fragments.
func pageRemoveCell(page *Page, idx int) {
	n := page.NumCells()
	util.Assert(idx >= 0 && idx < n, "remove index %d out of range (%d cells)", idx, n)

	kept := make([][]byte, 0, n-1)
	for i := 0; i < n; i++ {
		if i == idx {
			continue
		}
		kept = append(kept, copyCell(page, i))
	}

	t := page.Type()
	rightPtr := page.RightPointer()
	page.InitBTreePage(t)
	page.SetRightPointer(rightPtr)
	for i, c := range kept {
		ok := pageInsertCell(page, i, c)
		util.Assert(ok, "compacted page %d cannot overflow", page.Num)
	}
}

// copyCell returns an owned encoding of cell idx.
func copyCell(page *Page, idx int) []byte {
	raw := pageCellBytes(page, idx)
	var size int
	if page.Type() == PageTypeLeaf {
		cell, err := DecodeLeafCell(raw)
		util.Assert(err == nil, "cell %d of page %d undecodable", idx, page.Num)
		size = len(EncodeLeafCell(cell))
	} else {
		cell, err := DecodeInteriorCell(raw)
		util.Assert(err == nil, "cell %d of page %d undecodable", idx, page.Num)
		size = len(EncodeInteriorCell(cell))
	}
	out := make([]byte, size)
	copy(out, raw[:size])
	return out
}

// collectCells gathers all encoded cells with the pending one spliced in
// at insertIdx, in key order.
func collectCells(page *Page, insertIdx int, enc []byte) [][]byte {
	n := page.NumCells()
	cells := make([][]byte, 0, n+1)
	for i := 0; i < n; i++ {
		if i == insertIdx {
			cells = append(cells, enc)
		}
		cells = append(cells, copyCell(page, i))
	}
	if insertIdx >= n {
		cells = append(cells, enc)
	}
	return cells
}

// splitPoint picks the index where the right half begins, balancing by
// byte size rather than cell count.
func splitPoint(cells [][]byte) int {
	total := 0
	for _, c := range cells {
		total += len(c)
	}
	acc := 0
	for i, c := range cells {
		acc += len(c)
		if acc*2 >= total {
			if i+1 >= len(cells) {
				return len(cells) - 1
			}
			return i + 1
		}
	}
	return len(cells) / 2
}
