package TM

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/decentdb/decentdb/internal/DS"
	"github.com/decentdb/decentdb/internal/PB"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
	"github.com/decentdb/decentdb/internal/log"
)

const (
	WALMagic      = 0x7DDB0001
	WALVersion    = 1
	WALHeaderSize = 64

	// WALFrameHeaderSize precedes every page image:
	// [0:4] page number, [4:12] sequence, [12:20] txn id, [20:24] flags,
	// [24:56] blake3 checksum over the first 24 bytes, the salt, and the
	// page image.
	WALFrameHeaderSize = 56

	frameFlagCommit = 0x1
)

// WALHeader identifies the log: the database UUID ties a WAL to its base
// file, the salt changes on every truncation so stale frames from a
// previous incarnation can never validate.
type WALHeader struct {
	Magic      uint32
	Version    uint16
	PageSize   uint16
	DatabaseID [16]byte
	Salt       uint64
	Checksum   [32]byte
}

type frameRef struct {
	seq uint64
	off int64
}

// WAL is the append-only log of page-image frames plus commit markers.
// The frame carrying a commit flag is the durability point: the append
// path fsyncs before reporting success. Readers resolve pages against
// the run of committed frames at or before their snapshot boundary.
type WAL struct {
	mu        sync.RWMutex
	file      PB.File
	pageSize  int
	dbID      [16]byte
	salt      uint64
	seq       uint64 // last assigned frame sequence
	commitSeq uint64 // last durable commit boundary
	frames    int64  // frames physically in the file
	committed int64  // frames covered by a commit marker
	index     map[uint32][]frameRef
}

// OpenWAL opens or creates the log and runs the recovery scan: frames are
// validated back to front and any trailing run without a commit marker is
// truncated away as a torn transaction.
func OpenWAL(file PB.File, pageSize int, dbID [16]byte) (*WAL, error) {
	util.AssertNotNil(file, "file")
	util.Assert(DS.IsValidPageSize(pageSize), "invalid page size: %d", pageSize)

	w := &WAL{
		file:     file,
		pageSize: pageSize,
		dbID:     dbID,
		index:    make(map[uint32][]frameRef),
	}

	size, err := file.Size()
	if err != nil {
		return nil, sferr.Wrap(sferr.DDB_IOERR, err, "stat WAL file")
	}
	if size == 0 {
		w.salt = newSalt()
		if err := w.writeHeader(); err != nil {
			return nil, err
		}
		return w, nil
	}

	if err := w.readHeader(); err != nil {
		return nil, err
	}
	if err := w.recover(size); err != nil {
		return nil, err
	}
	return w, nil
}

func newSalt() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func (w *WAL) frameStride() int64 {
	return int64(WALFrameHeaderSize + w.pageSize)
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, WALHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], WALMagic)
	binary.BigEndian.PutUint16(buf[4:6], WALVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(w.pageSize))
	copy(buf[8:24], w.dbID[:])
	binary.BigEndian.PutUint64(buf[24:32], w.salt)
	sum := blake3.Sum256(buf[0:32])
	copy(buf[32:64], sum[:])

	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "write WAL header")
	}
	return nil
}

func (w *WAL) readHeader() error {
	buf := make([]byte, WALHeaderSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "read WAL header")
	}
	if binary.BigEndian.Uint32(buf[0:4]) != WALMagic {
		return sferr.New(sferr.DDB_CORRUPT, "bad WAL magic")
	}
	if binary.BigEndian.Uint16(buf[4:6]) != WALVersion {
		return sferr.Errorf(sferr.DDB_CORRUPT, "unsupported WAL version %d", binary.BigEndian.Uint16(buf[4:6]))
	}
	if int(binary.BigEndian.Uint16(buf[6:8])) != w.pageSize {
		return sferr.Errorf(sferr.DDB_CORRUPT, "WAL page size %d does not match database %d",
			binary.BigEndian.Uint16(buf[6:8]), w.pageSize)
	}
	var id [16]byte
	copy(id[:], buf[8:24])
	if id != w.dbID {
		return sferr.New(sferr.DDB_CORRUPT, "WAL belongs to a different database")
	}
	sum := blake3.Sum256(buf[0:32])
	if !bytes.Equal(sum[:], buf[32:64]) {
		return sferr.New(sferr.DDB_CORRUPT, "WAL header checksum mismatch")
	}
	w.salt = binary.BigEndian.Uint64(buf[24:32])
	return nil
}

// recover scans every complete frame, verifying checksums, and keeps the
// prefix ending at the last commit marker. Everything after it, whether
// torn frames or aborted runs, is truncated away and logged.
func (w *WAL) recover(size int64) error {
	stride := w.frameStride()
	available := size - WALHeaderSize
	if available < 0 {
		return sferr.New(sferr.DDB_CORRUPT, "WAL shorter than its header")
	}
	count := available / stride

	type scanned struct {
		pageNo uint32
		seq    uint64
		commit bool
		off    int64
	}
	var frames []scanned

	buf := make([]byte, stride)
	for i := int64(0); i < count; i++ {
		off := WALHeaderSize + i*stride
		if _, err := w.file.ReadAt(buf, off); err != nil {
			log.Warn("WAL recovery: short read at frame %d, treating as torn tail", i)
			break
		}
		hdr, ok := w.verifyFrame(buf)
		if !ok {
			log.Warn("WAL recovery: checksum mismatch at frame %d, treating as torn tail", i)
			break
		}
		frames = append(frames, scanned{
			pageNo: hdr.pageNo,
			seq:    hdr.seq,
			commit: hdr.commit,
			off:    off,
		})
	}

	lastCommit := -1
	for i, f := range frames {
		if f.commit {
			lastCommit = i
		}
	}

	for i := 0; i <= lastCommit; i++ {
		f := frames[i]
		w.index[f.pageNo] = append(w.index[f.pageNo], frameRef{seq: f.seq, off: f.off})
		if f.seq > w.seq {
			w.seq = f.seq
		}
	}
	if lastCommit >= 0 {
		w.commitSeq = frames[lastCommit].seq
	}
	w.frames = int64(lastCommit + 1)
	w.committed = w.frames

	if int64(len(frames)) > w.frames || count > int64(len(frames)) {
		discarded := count - w.frames
		log.Info("WAL recovery: discarding %d torn/uncommitted frames", discarded)
		if err := w.file.Truncate(WALHeaderSize + w.frames*w.frameStride()); err != nil {
			return sferr.Wrap(sferr.DDB_IOERR, err, "truncate torn WAL tail")
		}
	}
	return nil
}

type frameHeader struct {
	pageNo uint32
	seq    uint64
	txnID  uint64
	commit bool
}

func (w *WAL) frameChecksum(hdr, pageData []byte) [32]byte {
	h := blake3.New()
	_, _ = h.Write(hdr[:24])
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], w.salt)
	_, _ = h.Write(salt[:])
	_, _ = h.Write(pageData)
	var sum [32]byte
	h.Sum(sum[:0])
	return sum
}

func (w *WAL) encodeFrame(buf []byte, f DS.Frame, seq, txnID uint64, commit bool) {
	util.Assert(len(buf) == int(w.frameStride()), "frame buffer size mismatch")
	binary.BigEndian.PutUint32(buf[0:4], f.PageNo)
	binary.BigEndian.PutUint64(buf[4:12], seq)
	binary.BigEndian.PutUint64(buf[12:20], txnID)
	var flags uint32
	if commit {
		flags |= frameFlagCommit
	}
	binary.BigEndian.PutUint32(buf[20:24], flags)
	copy(buf[WALFrameHeaderSize:], f.Data)
	sum := w.frameChecksum(buf, buf[WALFrameHeaderSize:])
	copy(buf[24:56], sum[:])
}

func (w *WAL) verifyFrame(buf []byte) (frameHeader, bool) {
	sum := w.frameChecksum(buf, buf[WALFrameHeaderSize:])
	if !bytes.Equal(sum[:], buf[24:56]) {
		return frameHeader{}, false
	}
	flags := binary.BigEndian.Uint32(buf[20:24])
	return frameHeader{
		pageNo: binary.BigEndian.Uint32(buf[0:4]),
		seq:    binary.BigEndian.Uint64(buf[4:12]),
		txnID:  binary.BigEndian.Uint64(buf[12:20]),
		commit: flags&frameFlagCommit != 0,
	}, true
}

// AppendFrames appends page images for txnID. With commit set, the final
// frame carries the commit marker and the append is fsynced before
// returning; that instant is the durability and visibility boundary.
// The returned sequence is the new commit boundary.
func (w *WAL) AppendFrames(frames []DS.Frame, txnID uint64, commit bool) (uint64, error) {
	util.Assert(len(frames) > 0, "cannot append zero frames")

	w.mu.Lock()
	defer w.mu.Unlock()

	stride := w.frameStride()
	buf := make([]byte, stride)
	startSeq := w.seq
	refs := make([]struct {
		pageNo uint32
		ref    frameRef
	}, 0, len(frames))

	for i, f := range frames {
		util.Assert(len(f.Data) == w.pageSize, "frame %d has %d bytes, page size is %d", i, len(f.Data), w.pageSize)
		seq := startSeq + uint64(i) + 1
		isCommit := commit && i == len(frames)-1
		w.encodeFrame(buf, f, seq, txnID, isCommit)

		off := WALHeaderSize + (w.frames+int64(i))*stride
		if _, err := w.file.WriteAt(buf, off); err != nil {
			return 0, sferr.Wrap(sferr.DDB_IOERR, err, fmt.Sprintf("append WAL frame seq %d", seq))
		}
		refs = append(refs, struct {
			pageNo uint32
			ref    frameRef
		}{f.PageNo, frameRef{seq: seq, off: off}})
	}

	if commit {
		if err := w.file.Sync(); err != nil {
			return 0, sferr.Wrap(sferr.DDB_IOERR, err, "fsync WAL commit")
		}
	}

	w.seq = startSeq + uint64(len(frames))
	w.frames += int64(len(frames))
	if commit {
		for _, r := range refs {
			w.index[r.pageNo] = append(w.index[r.pageNo], r.ref)
		}
		w.commitSeq = w.seq
		w.committed = w.frames
	}
	return w.seq, nil
}

// TruncateUncommitted discards speculatively appended frames after the
// last commit boundary, restoring the invariant that everything before
// the file's last commit marker is committed.
func (w *WAL) TruncateUncommitted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frames == w.committed {
		return nil
	}
	if err := w.file.Truncate(WALHeaderSize + w.committed*w.frameStride()); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "truncate uncommitted WAL frames")
	}
	w.frames = w.committed
	w.seq = w.commitSeq
	return nil
}

// FramePage returns the newest committed image of pageNo at or before the
// asOf boundary, or false if the base file should be consulted.
func (w *WAL) FramePage(pageNo uint32, asOf uint64) ([]byte, bool) {
	w.mu.RLock()
	refs := w.index[pageNo]
	var best *frameRef
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i].seq <= asOf {
			best = &refs[i]
			break
		}
	}
	if best == nil {
		w.mu.RUnlock()
		return nil, false
	}
	off := best.off
	w.mu.RUnlock()

	data := make([]byte, w.pageSize)
	if _, err := w.file.ReadAt(data, off+WALFrameHeaderSize); err != nil {
		log.Error("WAL read of page %d failed: %v", pageNo, err)
		return nil, false
	}
	return data, true
}

// CommitSeq returns the latest durable commit boundary.
func (w *WAL) CommitSeq() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.commitSeq
}

// FrameCount returns the number of committed frames in the log.
func (w *WAL) FrameCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return int(w.committed)
}

// Checkpoint folds committed frames at or before lowWater into the base
// file via apply (newest image per page), then truncates the log when it
// is fully caught up. Frames still needed by an active reader's snapshot,
// meaning anything newer than lowWater, are never touched. Returns the
// number of pages folded.
func (w *WAL) Checkpoint(lowWater uint64, apply func([]DS.Frame) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if lowWater > w.commitSeq {
		lowWater = w.commitSeq
	}

	newest := make(map[uint32]frameRef)
	for pageNo, refs := range w.index {
		for i := len(refs) - 1; i >= 0; i-- {
			if refs[i].seq <= lowWater {
				newest[pageNo] = refs[i]
				break
			}
		}
	}
	if len(newest) == 0 {
		return 0, nil
	}

	frames := make([]DS.Frame, 0, len(newest))
	for pageNo, ref := range newest {
		data := make([]byte, w.pageSize)
		if _, err := w.file.ReadAt(data, ref.off+WALFrameHeaderSize); err != nil {
			return 0, sferr.Wrap(sferr.DDB_IOERR, err,
				fmt.Sprintf("checkpoint read of page %d at seq %d", pageNo, ref.seq))
		}
		frames = append(frames, DS.Frame{PageNo: pageNo, Data: data})
	}

	if err := apply(frames); err != nil {
		return 0, err
	}

	// Folded frames are now dead: drop them from the index so reads hit
	// the refreshed base file.
	for pageNo, refs := range w.index {
		live := refs[:0]
		for _, r := range refs {
			if r.seq > lowWater {
				live = append(live, r)
			}
		}
		if len(live) == 0 {
			delete(w.index, pageNo)
		} else {
			w.index[pageNo] = live
		}
	}

	if lowWater == w.commitSeq && w.frames == w.committed {
		w.salt = newSalt()
		if err := w.writeHeader(); err != nil {
			return 0, err
		}
		if err := w.file.Truncate(WALHeaderSize); err != nil {
			return 0, sferr.Wrap(sferr.DDB_IOERR, err, "truncate checkpointed WAL")
		}
		w.frames = 0
		w.committed = 0
		w.index = make(map[uint32][]frameRef)
	}

	log.Debug("checkpoint folded %d pages at low-water %d", len(frames), lowWater)
	return len(frames), nil
}

func (w *WAL) Close() error {
	if err := w.file.Sync(); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "sync WAL")
	}
	if err := w.file.Close(); err != nil {
		return sferr.Wrap(sferr.DDB_IOERR, err, "close WAL")
	}
	return nil
}
