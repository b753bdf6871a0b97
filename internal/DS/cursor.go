package DS

import (
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// Cursor is a lazy, forward-only iterator over a B+Tree's leaf chain.
// Each Seek starts fresh; abandoning a cursor mid-iteration just stops
// pulling. Cursors hold no pins between calls, so they are safe to keep
// across long executor pipelines.
type Cursor struct {
	bt     *BTree
	src    PageSource
	pageNo uint32
	idx    int
	valid  bool
}

// Seek positions a cursor at the first entry with key >= the given key.
// A nil key positions at the first entry of the tree.
func (bt *BTree) Seek(src PageSource, key []byte) (*Cursor, error) {
	util.AssertNotNil(src, "PageSource")

	pageNo := bt.root
	for {
		page, release, err := src.Page(pageNo)
		if err != nil {
			return nil, err
		}

		switch page.Type() {
		case PageTypeLeaf:
			idx := 0
			if key != nil {
				idx, _ = pageFindCell(page, key)
			}
			numCells := page.NumCells()
			release()
			cur := &Cursor{bt: bt, src: src, pageNo: pageNo, idx: idx, valid: true}
			if idx >= numCells {
				// Empty tail (lazily merged leaves can be empty): walk right.
				if err := cur.advanceLeaf(); err != nil {
					return nil, err
				}
			}
			return cur, nil

		case PageTypeInterior:
			idx := 0
			if key != nil {
				idx, _ = pageFindCell(page, key)
			}
			if idx < page.NumCells() {
				cell, err := DecodeInteriorCell(pageCellBytes(page, idx))
				if err != nil {
					release()
					return nil, err
				}
				pageNo = cell.LeftChild
			} else {
				pageNo = page.RightPointer()
			}
			release()
			if pageNo == 0 {
				return nil, sferr.Errorf(sferr.DDB_CORRUPT, "btree %d routes to page zero", bt.root)
			}

		default:
			t := page.Type()
			release()
			return nil, sferr.Errorf(sferr.DDB_CORRUPT,
				"page %d in btree %d has type %s", pageNo, bt.root, t)
		}
	}
}

func (c *Cursor) Valid() bool { return c.valid }

// Key returns an owned copy of the key at the cursor position.
func (c *Cursor) Key() ([]byte, error) {
	cell, release, err := c.leafCell()
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(cell.Key))
	copy(key, cell.Key)
	release()
	return key, nil
}

// Value returns the payload at the cursor position, reassembling overflow
// chains as needed.
func (c *Cursor) Value() ([]byte, error) {
	cell, release, err := c.leafCell()
	if err != nil {
		return nil, err
	}
	if cell.OverflowHead != 0 {
		head, total := cell.OverflowHead, cell.TotalLen
		release()
		return readOverflowChain(c.src, head, total)
	}
	payload := make([]byte, len(cell.Payload))
	copy(payload, cell.Payload)
	release()
	return payload, nil
}

// Next advances to the next entry, following the leaf sibling chain.
func (c *Cursor) Next() error {
	if !c.valid {
		return sferr.New(sferr.DDB_INTERNAL, "Next on exhausted cursor")
	}
	c.idx++

	page, release, err := c.src.Page(c.pageNo)
	if err != nil {
		return err
	}
	numCells := page.NumCells()
	release()

	if c.idx < numCells {
		return nil
	}
	return c.advanceLeaf()
}

// advanceLeaf walks right through (possibly empty) sibling leaves until a
// cell is found or the chain ends.
func (c *Cursor) advanceLeaf() error {
	for {
		page, release, err := c.src.Page(c.pageNo)
		if err != nil {
			return err
		}
		next := page.RightPointer()
		release()

		if next == 0 {
			c.valid = false
			return nil
		}
		c.pageNo = next
		c.idx = 0

		page, release, err = c.src.Page(c.pageNo)
		if err != nil {
			return err
		}
		numCells := page.NumCells()
		t := page.Type()
		release()
		if t != PageTypeLeaf {
			return sferr.Errorf(sferr.DDB_CORRUPT, "leaf chain reaches page %d of type %s", c.pageNo, t)
		}
		if numCells > 0 {
			return nil
		}
	}
}

func (c *Cursor) leafCell() (*LeafCell, func(), error) {
	if !c.valid {
		return nil, nil, sferr.New(sferr.DDB_INTERNAL, "cursor not positioned on an entry")
	}
	page, release, err := c.src.Page(c.pageNo)
	if err != nil {
		return nil, nil, err
	}
	if c.idx >= page.NumCells() {
		release()
		return nil, nil, sferr.Errorf(sferr.DDB_CORRUPT, "cursor cell %d vanished from page %d", c.idx, c.pageNo)
	}
	cell, err := DecodeLeafCell(pageCellBytes(page, c.idx))
	if err != nil {
		release()
		return nil, nil, err
	}
	return cell, release, nil
}
