package DS

import (
	"bytes"
	"encoding/binary"

	"github.com/zeebo/blake3"

	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

const (
	DefaultPageSize = 4096
	MaxPageSize     = 65536
	MinPageSize     = 512

	// HeaderSize is the number of bytes reserved for the database header
	// at the start of page 1.
	HeaderSize = 100

	// PageHeaderSize is the per-page header for B+Tree and overflow pages.
	// [0] type, [3:5] cell count, [5:7] content start, [8:12] right pointer
	// (rightmost child for interior pages, right sibling for leaves, next
	// page for overflow and free pages).
	PageHeaderSize = 12
)

const (
	PageTypeInterior PageType = 0x05
	PageTypeLeaf     PageType = 0x0d
	PageTypeOverflow PageType = 0x10
	PageTypeFree     PageType = 0xfe
)

const Magic = "DecentDB format\x00"

type PageType uint8

func (pt PageType) String() string {
	switch pt {
	case PageTypeInterior:
		return "interior"
	case PageTypeLeaf:
		return "leaf"
	case PageTypeOverflow:
		return "overflow"
	case PageTypeFree:
		return "free"
	default:
		return "unknown"
	}
}

// Page is a fixed-size block identified by a page number. Page 1 carries
// the database header; every other page carries a self-describing type tag
// in its first byte.
type Page struct {
	Num  uint32
	Data []byte
}

func NewPage(num uint32, size int) *Page {
	util.Assert(size > 0, "page size %d must be positive", size)
	return &Page{
		Num:  num,
		Data: make([]byte, size),
	}
}

func (p *Page) Type() PageType {
	return PageType(p.Data[0])
}

func (p *Page) SetType(t PageType) {
	p.Data[0] = byte(t)
}

// Clone returns a deep copy, used for copy-on-write dirty staging.
func (p *Page) Clone() *Page {
	dup := &Page{Num: p.Num, Data: make([]byte, len(p.Data))}
	copy(dup.Data, p.Data)
	return dup
}

// NumCells returns the cell count of a B+Tree page.
func (p *Page) NumCells() int {
	return int(binary.BigEndian.Uint16(p.Data[3:5]))
}

func (p *Page) setNumCells(n int) {
	binary.BigEndian.PutUint16(p.Data[3:5], uint16(n))
}

func (p *Page) contentStart() int {
	return int(binary.BigEndian.Uint16(p.Data[5:7]))
}

func (p *Page) setContentStart(n int) {
	binary.BigEndian.PutUint16(p.Data[5:7], uint16(n))
}

// RightPointer is the rightmost child of an interior page, the right
// sibling of a leaf, or the next page of an overflow/free chain.
func (p *Page) RightPointer() uint32 {
	return binary.BigEndian.Uint32(p.Data[8:12])
}

func (p *Page) SetRightPointer(n uint32) {
	binary.BigEndian.PutUint32(p.Data[8:12], n)
}

// InitBTreePage formats a fresh page as an empty B+Tree node.
func (p *Page) InitBTreePage(t PageType) {
	util.Assert(t == PageTypeLeaf || t == PageTypeInterior, "not a btree page type: %s", t)
	for i := range p.Data[:PageHeaderSize] {
		p.Data[i] = 0
	}
	p.SetType(t)
	p.setNumCells(0)
	p.setContentStart(len(p.Data))
	p.SetRightPointer(0)
}

// DatabaseHeader occupies the first HeaderSize bytes of page 1.
type DatabaseHeader struct {
	Magic             [16]byte
	PageSize          uint16
	FormatVersion     uint8
	FileChangeCounter uint32
	PageCount         uint32
	FreelistHead      uint32
	FreelistPages     uint32
	SchemaCookie      uint32
	DatabaseID        [16]byte
	Checksum          [32]byte
}

// NewDatabaseHeader builds the header for a fresh database file. id is the
// database identity (a UUID) echoed into the WAL header so a stray WAL
// from another database is rejected.
func NewDatabaseHeader(pageSize uint16, id [16]byte) *DatabaseHeader {
	util.Assert(IsValidPageSize(int(pageSize)), "invalid page size: %d", pageSize)
	h := &DatabaseHeader{
		PageSize:          pageSize,
		FormatVersion:     1,
		FileChangeCounter: 1,
		PageCount:         1,
		SchemaCookie:      1,
		DatabaseID:        id,
	}
	copy(h.Magic[:], Magic)
	return h
}

func ParseHeader(data []byte) (*DatabaseHeader, error) {
	util.AssertNotNil(data, "data")
	if len(data) < HeaderSize {
		return nil, sferr.New(sferr.DDB_CORRUPT, "database header truncated")
	}

	h := &DatabaseHeader{}
	copy(h.Magic[:], data[0:16])
	h.PageSize = binary.BigEndian.Uint16(data[16:18])
	h.FormatVersion = data[18]
	h.FileChangeCounter = binary.BigEndian.Uint32(data[20:24])
	h.PageCount = binary.BigEndian.Uint32(data[24:28])
	h.FreelistHead = binary.BigEndian.Uint32(data[28:32])
	h.FreelistPages = binary.BigEndian.Uint32(data[32:36])
	h.SchemaCookie = binary.BigEndian.Uint32(data[36:40])
	copy(h.DatabaseID[:], data[40:56])
	copy(h.Checksum[:], data[64:96])

	if string(h.Magic[:]) != Magic {
		return nil, sferr.New(sferr.DDB_CORRUPT, "bad database magic")
	}
	sum := blake3.Sum256(data[0:64])
	if !bytes.Equal(sum[:], h.Checksum[:]) {
		return nil, sferr.New(sferr.DDB_CORRUPT, "database header checksum mismatch")
	}
	return h, nil
}

func (h *DatabaseHeader) WriteTo(data []byte) error {
	util.AssertNotNil(data, "data")
	if len(data) < HeaderSize {
		return sferr.New(sferr.DDB_CORRUPT, "database header buffer too small")
	}

	copy(data[0:16], h.Magic[:])
	binary.BigEndian.PutUint16(data[16:18], h.PageSize)
	data[18] = h.FormatVersion
	binary.BigEndian.PutUint32(data[20:24], h.FileChangeCounter)
	binary.BigEndian.PutUint32(data[24:28], h.PageCount)
	binary.BigEndian.PutUint32(data[28:32], h.FreelistHead)
	binary.BigEndian.PutUint32(data[32:36], h.FreelistPages)
	binary.BigEndian.PutUint32(data[36:40], h.SchemaCookie)
	copy(data[40:56], h.DatabaseID[:])

	sum := blake3.Sum256(data[0:64])
	copy(h.Checksum[:], sum[:])
	copy(data[64:96], h.Checksum[:])
	return nil
}

func IsValidPageSize(size int) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}
