package TM

import (
	"bytes"
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/decentdb/decentdb/internal/PB"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

// WALInfo is the read-only summary InspectWAL produces.
type WALInfo struct {
	PageSize   int
	DatabaseID [16]byte
	Salt       uint64
	Frames     int64  // complete, checksum-valid frames
	Committed  int64  // frames covered by a commit marker
	CommitSeq  uint64 // last durable commit boundary
	TornFrames int64  // frames past the last commit marker
}

// InspectWAL scans a log without recovering it: nothing is truncated or
// rewritten, so it is safe to point at a live or crashed database's WAL.
func InspectWAL(file PB.File) (*WALInfo, error) {
	buf := make([]byte, WALHeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, sferr.Wrap(sferr.DDB_IOERR, err, "read WAL header")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != WALMagic {
		return nil, sferr.New(sferr.DDB_CORRUPT, "bad WAL magic")
	}
	if binary.BigEndian.Uint16(buf[4:6]) != WALVersion {
		return nil, sferr.Errorf(sferr.DDB_CORRUPT, "unsupported WAL version %d", binary.BigEndian.Uint16(buf[4:6]))
	}
	sum := blake3.Sum256(buf[0:32])
	if !bytes.Equal(sum[:], buf[32:64]) {
		return nil, sferr.New(sferr.DDB_CORRUPT, "WAL header checksum mismatch")
	}

	info := &WALInfo{
		PageSize: int(binary.BigEndian.Uint16(buf[6:8])),
		Salt:     binary.BigEndian.Uint64(buf[24:32]),
	}
	copy(info.DatabaseID[:], buf[8:24])

	// Borrow the WAL's frame verification without its recovery side
	// effects.
	w := &WAL{pageSize: info.PageSize, salt: info.Salt}

	size, err := file.Size()
	if err != nil {
		return nil, sferr.Wrap(sferr.DDB_IOERR, err, "stat WAL file")
	}
	stride := w.frameStride()
	count := (size - WALHeaderSize) / stride

	frame := make([]byte, stride)
	lastCommit := int64(-1)
	for i := int64(0); i < count; i++ {
		if _, err := file.ReadAt(frame, WALHeaderSize+i*stride); err != nil {
			break
		}
		hdr, ok := w.verifyFrame(frame)
		if !ok {
			break
		}
		info.Frames++
		if hdr.commit {
			lastCommit = i
			info.CommitSeq = hdr.seq
		}
	}
	info.Committed = lastCommit + 1
	info.TornFrames = count - info.Committed
	return info, nil
}
