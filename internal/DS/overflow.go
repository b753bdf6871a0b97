package DS

import (
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// Overflow pages carry the remainder of a payload too large for one leaf
// cell. They form a singly linked list: the page header's right pointer
// is the next chain page (0 terminates), payload bytes follow the header.

const overflowChainLimit = 100000 // loop guard against corrupted chains

func overflowUsable(pageSize int) int {
	return pageSize - PageHeaderSize
}

// writeOverflowChain spills payload across freshly allocated overflow
// pages and returns the chain head.
func writeOverflowChain(tx *WriteTx, payload []byte) (uint32, error) {
	util.Assert(len(payload) > 0, "overflow payload cannot be empty")

	usable := overflowUsable(tx.PageSize())
	var head, prev uint32

	for offset := 0; offset < len(payload); {
		page, err := tx.Allocate(PageTypeOverflow)
		if err != nil {
			return 0, err
		}
		if head == 0 {
			head = page.Num
		}
		if prev != 0 {
			prevPage, err := tx.MarkDirty(prev)
			if err != nil {
				return 0, err
			}
			prevPage.SetRightPointer(page.Num)
		}

		n := len(payload) - offset
		if n > usable {
			n = usable
		}
		page.SetRightPointer(0)
		copy(page.Data[PageHeaderSize:PageHeaderSize+n], payload[offset:offset+n])

		prev = page.Num
		offset += n
	}
	return head, nil
}

// readOverflowChain reassembles totalLen payload bytes starting at head.
func readOverflowChain(src PageSource, head uint32, totalLen int) ([]byte, error) {
	util.Assert(totalLen >= 0, "totalLen cannot be negative: %d", totalLen)
	if head == 0 || totalLen == 0 {
		return nil, nil
	}

	usable := overflowUsable(src.PageSize())
	result := make([]byte, 0, totalLen)

	pageNo := head
	for hops := 0; pageNo != 0 && len(result) < totalLen; hops++ {
		if hops > overflowChainLimit {
			return nil, sferr.Errorf(sferr.DDB_CORRUPT, "overflow chain from page %d too long", head)
		}
		page, release, err := src.Page(pageNo)
		if err != nil {
			return nil, err
		}
		if page.Type() != PageTypeOverflow {
			release()
			return nil, sferr.Errorf(sferr.DDB_CORRUPT,
				"page %d in overflow chain has type %s", pageNo, page.Type())
		}

		n := totalLen - len(result)
		if n > usable {
			n = usable
		}
		result = append(result, page.Data[PageHeaderSize:PageHeaderSize+n]...)
		pageNo = page.RightPointer()
		release()
	}

	if len(result) != totalLen {
		return nil, sferr.Errorf(sferr.DDB_CORRUPT,
			"overflow chain from page %d incomplete: want %d bytes, got %d", head, totalLen, len(result))
	}
	return result, nil
}

// freeOverflowChain returns every page of the chain to the freelist.
func freeOverflowChain(tx *WriteTx, head uint32) error {
	pageNo := head
	for hops := 0; pageNo != 0; hops++ {
		if hops > overflowChainLimit {
			return sferr.Errorf(sferr.DDB_CORRUPT, "overflow chain from page %d too long", head)
		}
		page, release, err := tx.Page(pageNo)
		if err != nil {
			return err
		}
		next := page.RightPointer()
		release()
		if err := tx.Free(pageNo); err != nil {
			return err
		}
		pageNo = next
	}
	return nil
}
