package DS

import (
	"encoding/binary"

	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// Cell encodings.
//
// Leaf cell:
//	flags(1) | keyLen uvarint | key |
//	  inline:   payloadLen uvarint | payload
//	  overflow: totalLen uvarint | overflowHead uint32
//
// Interior cell:
//	leftChild uint32 | keyLen uvarint | key
//
// Keys compare with bytes.Compare; callers encode typed values into
// order-preserving byte keys (EncodeRowidKey for INT64 primary keys).

const (
	leafCellInline   = 0x00
	leafCellOverflow = 0x01
)

type LeafCell struct {
	Key          []byte
	Payload      []byte // inline payload, nil when overflowed
	OverflowHead uint32 // first overflow page, 0 when inline
	TotalLen     int    // full payload length (inline or overflowed)
}

type InteriorCell struct {
	LeftChild uint32
	Key       []byte // separator key
}

func PutUvarint(buf []byte, v uint64) int {
	return binary.PutUvarint(buf, v)
}

func GetUvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

// EncodeRowidKey encodes an INT64 rowid into an 8-byte key whose
// bytes.Compare order matches signed integer order.
func EncodeRowidKey(rowid int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(rowid)^(1<<63))
	return key
}

// DecodeRowidKey is the inverse of EncodeRowidKey.
func DecodeRowidKey(key []byte) int64 {
	util.Assert(len(key) >= 8, "rowid key too short: %d", len(key))
	return int64(binary.BigEndian.Uint64(key[:8]) ^ (1 << 63))
}

func EncodeLeafCell(c *LeafCell) []byte {
	util.Assert(len(c.Key) > 0, "leaf cell key cannot be empty")
	var scratch [binary.MaxVarintLen64]byte

	buf := make([]byte, 0, 1+10+len(c.Key)+10+len(c.Payload)+4)
	if c.OverflowHead != 0 {
		buf = append(buf, leafCellOverflow)
	} else {
		buf = append(buf, leafCellInline)
	}
	n := PutUvarint(scratch[:], uint64(len(c.Key)))
	buf = append(buf, scratch[:n]...)
	buf = append(buf, c.Key...)

	if c.OverflowHead != 0 {
		n = PutUvarint(scratch[:], uint64(c.TotalLen))
		buf = append(buf, scratch[:n]...)
		var head [4]byte
		binary.BigEndian.PutUint32(head[:], c.OverflowHead)
		buf = append(buf, head[:]...)
	} else {
		n = PutUvarint(scratch[:], uint64(len(c.Payload)))
		buf = append(buf, scratch[:n]...)
		buf = append(buf, c.Payload...)
	}
	return buf
}

func DecodeLeafCell(data []byte) (*LeafCell, error) {
	if len(data) < 3 {
		return nil, sferr.New(sferr.DDB_CORRUPT, "leaf cell truncated")
	}
	flags := data[0]
	pos := 1

	keyLen, n := GetUvarint(data[pos:])
	if n <= 0 || pos+n+int(keyLen) > len(data) {
		return nil, sferr.New(sferr.DDB_CORRUPT, "leaf cell key truncated")
	}
	pos += n
	key := data[pos : pos+int(keyLen)]
	pos += int(keyLen)

	c := &LeafCell{Key: key}
	switch flags {
	case leafCellInline:
		payLen, n := GetUvarint(data[pos:])
		if n <= 0 || pos+n+int(payLen) > len(data) {
			return nil, sferr.New(sferr.DDB_CORRUPT, "leaf cell payload truncated")
		}
		pos += n
		c.Payload = data[pos : pos+int(payLen)]
		c.TotalLen = int(payLen)
	case leafCellOverflow:
		totalLen, n := GetUvarint(data[pos:])
		if n <= 0 || pos+n+4 > len(data) {
			return nil, sferr.New(sferr.DDB_CORRUPT, "leaf cell overflow ref truncated")
		}
		pos += n
		c.TotalLen = int(totalLen)
		c.OverflowHead = binary.BigEndian.Uint32(data[pos : pos+4])
	default:
		return nil, sferr.Errorf(sferr.DDB_CORRUPT, "unknown leaf cell flags 0x%02x", flags)
	}
	return c, nil
}

func EncodeInteriorCell(c *InteriorCell) []byte {
	util.Assert(c.LeftChild > 0, "interior cell child cannot be zero")
	util.Assert(len(c.Key) > 0, "interior cell key cannot be empty")
	var scratch [binary.MaxVarintLen64]byte

	buf := make([]byte, 0, 4+10+len(c.Key))
	var child [4]byte
	binary.BigEndian.PutUint32(child[:], c.LeftChild)
	buf = append(buf, child[:]...)
	n := PutUvarint(scratch[:], uint64(len(c.Key)))
	buf = append(buf, scratch[:n]...)
	buf = append(buf, c.Key...)
	return buf
}

func DecodeInteriorCell(data []byte) (*InteriorCell, error) {
	if len(data) < 6 {
		return nil, sferr.New(sferr.DDB_CORRUPT, "interior cell truncated")
	}
	child := binary.BigEndian.Uint32(data[0:4])
	keyLen, n := GetUvarint(data[4:])
	if n <= 0 || 4+n+int(keyLen) > len(data) {
		return nil, sferr.New(sferr.DDB_CORRUPT, "interior cell key truncated")
	}
	return &InteriorCell{
		LeftChild: child,
		Key:       data[4+n : 4+n+int(keyLen)],
	}, nil
}
