package QP

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

// ValueKind discriminates the storage classes a column value can hold.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindText:
		return "TEXT"
	case KindBlob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

// Value is a single dynamically typed column value.
type Value struct {
	Kind  ValueKind
	I     int64
	F     float64
	S     string
	Bytes []byte
}

func Null() Value           { return Value{Kind: KindNull} }
func Int(v int64) Value     { return Value{Kind: KindInt, I: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, F: v} }
func Text(s string) Value   { return Value{Kind: KindText, S: s} }
func Blob(b []byte) Value   { return Value{Kind: KindBlob, Bytes: b} }
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Truthy reports whether the value counts as true in a predicate
// position. NULL is not truthy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindInt:
		return v.I != 0
	case KindFloat:
		return v.F != 0
	case KindText:
		return v.S != ""
	case KindBlob:
		return len(v.Bytes) != 0
	default:
		return false
	}
}

// AsFloat widens a numeric value to float64.
func (v Value) AsFloat() float64 {
	if v.Kind == KindInt {
		return float64(v.I)
	}
	return v.F
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindFloat:
		return fmt.Sprintf("%g", v.F)
	case KindText:
		return v.S
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.Bytes)
	default:
		return "?"
	}
}

// kindRank orders storage classes for cross-kind comparisons:
// NULL < numeric < TEXT < BLOB.
func kindRank(k ValueKind) int {
	switch k {
	case KindNull:
		return 0
	case KindInt, KindFloat:
		return 1
	case KindText:
		return 2
	default:
		return 3
	}
}

// Compare orders two values. NULL sorts before everything, numerics
// compare across INTEGER and REAL, TEXT and BLOB compare bytewise.
func Compare(a, b Value) int {
	ra, rb := kindRank(a.Kind), kindRank(b.Kind)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		switch {
		case a.Kind == KindInt && b.Kind == KindInt:
			switch {
			case a.I < b.I:
				return -1
			case a.I > b.I:
				return 1
			}
			return 0
		case a.Kind == KindInt:
			return compareIntFloat(a.I, b.F)
		case b.Kind == KindInt:
			return -compareIntFloat(b.I, a.F)
		}
		switch {
		case a.F < b.F:
			return -1
		case a.F > b.F:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(a.S, b.S)
	default:
		return bytes.Compare(a.Bytes, b.Bytes)
	}
}

// compareIntFloat orders an int64 against a float64 without the rounding
// a widening conversion would introduce: above 2^53 distinct integers
// collapse onto the same float64, which would make numeric equality
// intransitive.
func compareIntFloat(i int64, f float64) int {
	// 2^63 is exactly representable; everything at or past it exceeds
	// any int64.
	switch {
	case f >= 9223372036854775808.0:
		return -1
	case f < -9223372036854775808.0:
		return 1
	}
	// In range, so truncation is exact and the fractional part breaks
	// the remaining tie.
	tf := int64(f)
	switch {
	case i < tf:
		return -1
	case i > tf:
		return 1
	}
	frac := f - float64(tf)
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	}
	return 0
}

// Equal reports SQL equality ignoring the INTEGER/REAL distinction.
// NULL is never equal to anything, including NULL.
func Equal(a, b Value) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	return Compare(a, b) == 0
}

// Record codec: a row is stored as uvarint(count) followed by one tagged
// value per column. Self-delimiting, so rows decode without schema help.

const (
	recTagNull  = 0x00
	recTagInt   = 0x01
	recTagFloat = 0x02
	recTagText  = 0x03
	recTagBlob  = 0x04
)

// RecordEncode serializes a row of values.
func RecordEncode(row []Value) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(row)))
	buf.Write(tmp[:n])
	for _, v := range row {
		switch v.Kind {
		case KindNull:
			buf.WriteByte(recTagNull)
		case KindInt:
			buf.WriteByte(recTagInt)
			n := binary.PutVarint(tmp[:], v.I)
			buf.Write(tmp[:n])
		case KindFloat:
			buf.WriteByte(recTagFloat)
			var f [8]byte
			binary.BigEndian.PutUint64(f[:], math.Float64bits(v.F))
			buf.Write(f[:])
		case KindText:
			buf.WriteByte(recTagText)
			n := binary.PutUvarint(tmp[:], uint64(len(v.S)))
			buf.Write(tmp[:n])
			buf.WriteString(v.S)
		case KindBlob:
			buf.WriteByte(recTagBlob)
			n := binary.PutUvarint(tmp[:], uint64(len(v.Bytes)))
			buf.Write(tmp[:n])
			buf.Write(v.Bytes)
		}
	}
	return buf.Bytes()
}

// RecordDecode parses a serialized row.
func RecordDecode(data []byte) ([]Value, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, sferr.New(sferr.DDB_CORRUPT, "record missing column count")
	}
	pos := n
	row := make([]Value, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos >= len(data) {
			return nil, sferr.Errorf(sferr.DDB_CORRUPT, "record truncated at column %d", i)
		}
		tag := data[pos]
		pos++
		switch tag {
		case recTagNull:
			row = append(row, Null())
		case recTagInt:
			v, n := binary.Varint(data[pos:])
			if n <= 0 {
				return nil, sferr.Errorf(sferr.DDB_CORRUPT, "record bad integer at column %d", i)
			}
			pos += n
			row = append(row, Int(v))
		case recTagFloat:
			if pos+8 > len(data) {
				return nil, sferr.Errorf(sferr.DDB_CORRUPT, "record truncated float at column %d", i)
			}
			bits := binary.BigEndian.Uint64(data[pos : pos+8])
			pos += 8
			row = append(row, Float(math.Float64frombits(bits)))
		case recTagText, recTagBlob:
			l, n := binary.Uvarint(data[pos:])
			if n <= 0 {
				return nil, sferr.Errorf(sferr.DDB_CORRUPT, "record bad length at column %d", i)
			}
			pos += n
			if pos+int(l) > len(data) {
				return nil, sferr.Errorf(sferr.DDB_CORRUPT, "record truncated payload at column %d", i)
			}
			b := data[pos : pos+int(l)]
			pos += int(l)
			if tag == recTagText {
				row = append(row, Text(string(b)))
			} else {
				cp := make([]byte, len(b))
				copy(cp, b)
				row = append(row, Blob(cp))
			}
		default:
			return nil, sferr.Errorf(sferr.DDB_CORRUPT, "record unknown tag 0x%02x", tag)
		}
	}
	return row, nil
}

// Index key codec: a memcmp-comparable, order-preserving encoding used as
// the value prefix of secondary index keys. Kind tags keep the storage
// classes in the Compare order; TEXT and BLOB are 0x00-escaped and
// terminated so composite keys remain prefix-safe.

const (
	keyTagNull  = 0x05
	keyTagInt   = 0x10
	keyTagFloat = 0x18
	keyTagText  = 0x20
	keyTagBlob  = 0x30
)

// IndexKey encodes a value so that bytes.Compare on encodings matches
// Compare on values of the same kind.
func IndexKey(v Value) []byte {
	switch v.Kind {
	case KindNull:
		return []byte{keyTagNull}
	case KindInt:
		out := make([]byte, 9)
		out[0] = keyTagInt
		binary.BigEndian.PutUint64(out[1:], uint64(v.I)^(1<<63))
		return out
	case KindFloat:
		out := make([]byte, 9)
		out[0] = keyTagFloat
		bits := math.Float64bits(v.F)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		binary.BigEndian.PutUint64(out[1:], bits)
		return out
	case KindText:
		return appendEscaped([]byte{keyTagText}, []byte(v.S))
	default:
		return appendEscaped([]byte{keyTagBlob}, v.Bytes)
	}
}

// IndexKeyProbes returns every encoding under which a value equal to v
// can appear in an index. INTEGER and REAL carry distinct kind tags, so
// an equality seek over a numeric value must probe both encodings or it
// would silently miss rows the equivalent table scan finds.
func IndexKeyProbes(v Value) [][]byte {
	probes := [][]byte{IndexKey(v)}
	switch v.Kind {
	case KindInt:
		f := float64(v.I)
		if f < 9223372036854775808.0 && int64(f) == v.I {
			probes = append(probes, IndexKey(Float(f)))
		}
	case KindFloat:
		if v.F >= -9223372036854775808.0 && v.F < 9223372036854775808.0 {
			if i := int64(v.F); compareIntFloat(i, v.F) == 0 {
				probes = append(probes, IndexKey(Int(i)))
			}
		}
	}
	return probes
}

// appendEscaped writes src with 0x00 mapped to 0x00 0xFF and a 0x00 0x00
// terminator, preserving byte order while staying self-delimiting.
func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00, 0x00)
}
