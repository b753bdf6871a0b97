package TM

import (
	"bytes"
	"testing"

	"github.com/decentdb/decentdb/internal/DS"
	"github.com/decentdb/decentdb/internal/PB"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

const testPageSize = 512

var testDBID = [16]byte{0xdd, 0xb1}

func testFrame(pageNo uint32, marker byte) DS.Frame {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = marker
	}
	return DS.Frame{PageNo: pageNo, Data: data}
}

func newTestWAL(t *testing.T) (*WAL, *PB.MemFile) {
	t.Helper()
	file := PB.NewMemFile()
	w, err := OpenWAL(file, testPageSize, testDBID)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	return w, file
}

func TestWALAppendAndFramePage(t *testing.T) {
	w, _ := newTestWAL(t)

	seq1, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x11), testFrame(3, 0x22)}, 1, true)
	if err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	if seq1 != 2 || w.CommitSeq() != 2 {
		t.Fatalf("first commit at seq %d (boundary %d), want 2", seq1, w.CommitSeq())
	}

	seq2, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x33)}, 2, true)
	if err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	if seq2 != 3 {
		t.Fatalf("second commit at seq %d, want 3", seq2)
	}

	// A snapshot at the first boundary sees the first image, a later one
	// the newer image.
	img, ok := w.FramePage(2, seq1)
	if !ok || img[0] != 0x11 {
		t.Fatalf("FramePage(2, %d) = %x, %v", seq1, img[0], ok)
	}
	img, ok = w.FramePage(2, seq2)
	if !ok || img[0] != 0x33 {
		t.Fatalf("FramePage(2, %d) = %x, %v", seq2, img[0], ok)
	}
	if _, ok := w.FramePage(9, seq2); ok {
		t.Fatal("FramePage found a page never logged")
	}
}

func TestWALUncommittedFramesInvisible(t *testing.T) {
	w, _ := newTestWAL(t)

	if _, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x11)}, 1, false); err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	if w.CommitSeq() != 0 {
		t.Fatalf("CommitSeq = %d after uncommitted append", w.CommitSeq())
	}
	if _, ok := w.FramePage(2, 10); ok {
		t.Fatal("uncommitted frame visible through FramePage")
	}

	if err := w.TruncateUncommitted(); err != nil {
		t.Fatalf("TruncateUncommitted: %v", err)
	}
	if w.FrameCount() != 0 {
		t.Fatalf("FrameCount = %d after truncate", w.FrameCount())
	}

	// The log must accept new appends cleanly afterwards.
	if _, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x22)}, 2, true); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	if img, ok := w.FramePage(2, w.CommitSeq()); !ok || img[0] != 0x22 {
		t.Fatal("committed frame missing after truncate cycle")
	}
}

func TestWALRecoveryDropsTornTail(t *testing.T) {
	w, file := newTestWAL(t)

	committedSeq, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x11)}, 1, true)
	if err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	// A transaction that never reached its commit marker, then a crash.
	if _, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x99), testFrame(3, 0x99)}, 2, false); err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	crashed := file.Clone()

	recovered, err := OpenWAL(crashed, testPageSize, testDBID)
	if err != nil {
		t.Fatalf("OpenWAL after crash: %v", err)
	}
	if recovered.CommitSeq() != committedSeq {
		t.Fatalf("recovered CommitSeq = %d, want %d", recovered.CommitSeq(), committedSeq)
	}
	if recovered.FrameCount() != 1 {
		t.Fatalf("recovered FrameCount = %d, want 1", recovered.FrameCount())
	}
	img, ok := recovered.FramePage(2, committedSeq)
	if !ok || img[0] != 0x11 {
		t.Fatal("recovered log lost the committed image")
	}
	if size, _ := crashed.Size(); size != WALHeaderSize+recovered.frameStride() {
		t.Fatalf("torn tail not truncated: file is %d bytes", size)
	}
}

func TestWALRecoveryStopsAtCorruptFrame(t *testing.T) {
	w, file := newTestWAL(t)
	if _, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x11)}, 1, true); err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	if _, err := w.AppendFrames([]DS.Frame{testFrame(3, 0x22)}, 2, true); err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}

	crashed := file.Clone()
	// Flip a byte inside the second frame's page image.
	off := WALHeaderSize + w.frameStride() + WALFrameHeaderSize + 10
	if _, err := crashed.WriteAt([]byte{0xFF}, off); err != nil {
		t.Fatalf("corrupt frame: %v", err)
	}

	recovered, err := OpenWAL(crashed, testPageSize, testDBID)
	if err != nil {
		t.Fatalf("OpenWAL: %v", err)
	}
	if recovered.FrameCount() != 1 || recovered.CommitSeq() != 1 {
		t.Fatalf("recovery kept %d frames at boundary %d, want 1 at 1",
			recovered.FrameCount(), recovered.CommitSeq())
	}
}

func TestWALRejectsForeignLog(t *testing.T) {
	_, file := newTestWAL(t)
	other := [16]byte{0x99}
	if _, err := OpenWAL(file.Clone(), testPageSize, other); !sferr.IsCode(err, sferr.DDB_CORRUPT) {
		t.Fatalf("foreign WAL open = %v, want DDB_CORRUPT", err)
	}
}

func TestWALCheckpointRespectsLowWater(t *testing.T) {
	w, _ := newTestWAL(t)
	seq1, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x11)}, 1, true)
	if err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	seq2, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x22), testFrame(3, 0x33)}, 2, true)
	if err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}

	var folded []DS.Frame
	apply := func(frames []DS.Frame) error {
		folded = append(folded, frames...)
		return nil
	}

	// Low water at the first commit: only the first image of page 2 may
	// fold; the newer frames stay for the hypothetical old reader.
	n, err := w.Checkpoint(seq1, apply)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if n != 1 || len(folded) != 1 || folded[0].PageNo != 2 || folded[0].Data[0] != 0x11 {
		t.Fatalf("partial checkpoint folded %d frames: %+v", n, folded)
	}
	if img, ok := w.FramePage(2, seq2); !ok || img[0] != 0x22 {
		t.Fatal("newer frame lost by partial checkpoint")
	}

	// Catching up folds the rest and truncates the log.
	folded = nil
	if _, err := w.Checkpoint(seq2, apply); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if len(folded) != 2 {
		t.Fatalf("full checkpoint folded %d frames, want 2", len(folded))
	}
	if w.FrameCount() != 0 {
		t.Fatalf("FrameCount = %d after full checkpoint", w.FrameCount())
	}
	if _, ok := w.FramePage(2, seq2); ok {
		t.Fatal("folded frame still resolvable after truncation")
	}
}

func TestWALSaltRotatesOnTruncation(t *testing.T) {
	w, _ := newTestWAL(t)
	if _, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x11)}, 1, true); err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	before := w.salt
	if _, err := w.Checkpoint(w.CommitSeq(), func([]DS.Frame) error { return nil }); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if w.salt == before {
		t.Fatal("salt unchanged after full truncation")
	}
}

func TestWALSequenceSurvivesTruncation(t *testing.T) {
	w, _ := newTestWAL(t)
	seq1, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x11)}, 1, true)
	if err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	if _, err := w.Checkpoint(seq1, func([]DS.Frame) error { return nil }); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	seq2, err := w.AppendFrames([]DS.Frame{testFrame(2, 0x22)}, 2, true)
	if err != nil {
		t.Fatalf("AppendFrames: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequence went backwards: %d after %d", seq2, seq1)
	}
}

func TestWALFrameChecksumCoversSalt(t *testing.T) {
	w, _ := newTestWAL(t)
	frame := testFrame(2, 0x11)
	buf := make([]byte, w.frameStride())
	w.encodeFrame(buf, frame, 1, 1, true)

	if _, ok := w.verifyFrame(buf); !ok {
		t.Fatal("frame does not verify against its own salt")
	}
	w.salt++
	if _, ok := w.verifyFrame(buf); ok {
		t.Fatal("frame from a previous salt incarnation verified")
	}
	if !bytes.Equal(buf[WALFrameHeaderSize:], frame.Data) {
		t.Fatal("encode mutated the page image")
	}
}
