package TM

import (
	"sync"

	"github.com/decentdb/decentdb/internal/DS"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
	"github.com/decentdb/decentdb/internal/log"
)

// TxnState tracks a transaction through Idle → Active → Committed|Aborted.
type TxnState int

const (
	TxnIdle TxnState = iota
	TxnActive
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnIdle:
		return "idle"
	case TxnActive:
		return "active"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Snapshot is a reader's fixed view: the WAL commit boundary at the
// moment the transaction began. Immutable for its lifetime; releasing it
// advances the low-water mark that gates WAL pruning.
type Snapshot struct {
	id  uint64
	Seq uint64
}

// WriteToken is the single writer's handle. Holding one grants exclusive
// access to the write path; the page staging lives in Tx.
type WriteToken struct {
	id    uint64
	state TxnState
	Tx    *DS.WriteTx
}

func (t *WriteToken) State() TxnState { return t.state }

// Coordinator arbitrates the single-writer/multi-reader protocol over
// one pager and one WAL. Readers never block and never wait on each
// other; writers queue on the one writer slot, so no lock hierarchy and
// no deadlock is possible.
type Coordinator struct {
	mu           sync.Mutex
	writerFree   *sync.Cond
	pager        *DS.Pager
	wal          *WAL
	writerActive bool
	readers      map[uint64]uint64 // snapshot id → seq
	nextID       uint64

	// AutoCheckpoint is the committed-frame count above which a commit
	// triggers a best-effort checkpoint. Zero disables.
	AutoCheckpoint int
}

// NewCoordinator binds a pager and a recovered WAL. Attaching adopts the
// newest committed header frame, so a crashed database's page count and
// schema state survive into the new process.
func NewCoordinator(pager *DS.Pager, wal *WAL) (*Coordinator, error) {
	util.AssertNotNil(pager, "pager")
	util.AssertNotNil(wal, "wal")
	c := &Coordinator{
		pager:   pager,
		wal:     wal,
		readers: make(map[uint64]uint64),
	}
	c.writerFree = sync.NewCond(&c.mu)
	if err := pager.AttachWAL(wal, wal.CommitSeq()); err != nil {
		return nil, err
	}
	return c, nil
}

// BeginRead opens a read transaction at the current commit boundary.
// Never blocks.
func (c *Coordinator) BeginRead() *Snapshot {
	seq := c.wal.CommitSeq()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	s := &Snapshot{id: c.nextID, Seq: seq}
	c.readers[s.id] = s.Seq
	return s
}

// EndRead releases the snapshot. The snapshot stops holding back WAL
// pruning from this point.
func (c *Coordinator) EndRead(s *Snapshot) {
	util.AssertNotNil(s, "snapshot")
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.readers, s.id)
}

// Reader returns the page source for a snapshot.
func (c *Coordinator) Reader(s *Snapshot) *DS.Reader {
	return c.pager.NewReader(s.Seq)
}

// BeginWrite acquires the writer slot. With block set it waits until the
// current writer finishes; otherwise it fails immediately with DDB_BUSY
// (a write conflict the caller may retry).
func (c *Coordinator) BeginWrite(block bool) (*WriteToken, error) {
	c.mu.Lock()
	for c.writerActive {
		if !block {
			c.mu.Unlock()
			return nil, sferr.New(sferr.DDB_BUSY, "writer slot unavailable")
		}
		c.writerFree.Wait()
	}
	c.writerActive = true
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	asOf := c.wal.CommitSeq()
	return &WriteToken{
		id:    id,
		state: TxnActive,
		Tx:    c.pager.Begin(id, asOf),
	}, nil
}

// Commit appends the transaction's dirty pages to the WAL with a commit
// marker and publishes the new boundary. New readers beginning after this
// point observe the data; already-open readers are unaffected.
func (c *Coordinator) Commit(token *WriteToken) error {
	util.AssertNotNil(token, "token")
	if token.state != TxnActive {
		return sferr.Errorf(sferr.DDB_TRANSACTION, "commit of %s transaction", token.state)
	}
	if token.Tx.Failed() {
		c.Rollback(token)
		return sferr.New(sferr.DDB_TRANSACTION, "transaction failed, rolled back")
	}

	frames := token.Tx.Frames()
	if _, err := c.wal.AppendFrames(frames, token.id, true); err != nil {
		// The append did not reach its commit marker; recovery treats any
		// partial run as torn. Abort the transaction.
		token.Tx.Discard()
		token.state = TxnAborted
		c.releaseWriter()
		return sferr.Wrap(sferr.DDB_TRANSACTION, err, "commit aborted")
	}

	token.Tx.Committed()
	token.state = TxnCommitted
	c.releaseWriter()

	if c.AutoCheckpoint > 0 && c.wal.FrameCount() >= c.AutoCheckpoint {
		if _, err := c.Checkpoint(); err != nil {
			log.Warn("auto-checkpoint failed: %v", err)
		}
	}
	return nil
}

// Rollback discards the staged dirty pages and frees the writer slot.
// Nothing was appended with a commit marker, so nothing needs undoing.
func (c *Coordinator) Rollback(token *WriteToken) {
	util.AssertNotNil(token, "token")
	if token.state != TxnActive {
		return
	}
	token.Tx.Discard()
	token.state = TxnAborted
	if err := c.wal.TruncateUncommitted(); err != nil {
		log.Warn("rollback: %v", err)
	}
	c.releaseWriter()
}

func (c *Coordinator) releaseWriter() {
	c.mu.Lock()
	c.writerActive = false
	c.writerFree.Signal()
	c.mu.Unlock()
}

// LowWater returns the oldest snapshot boundary any live reader still
// needs; WAL frames at or before it are safe to prune.
func (c *Coordinator) LowWater() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	low := c.wal.CommitSeq()
	for _, seq := range c.readers {
		if seq < low {
			low = seq
		}
	}
	return low
}

// Checkpoint folds prunable WAL frames into the base file. Safe to call
// at any time; frames inside any live reader's snapshot window are left
// alone.
func (c *Coordinator) Checkpoint() (int, error) {
	return c.wal.Checkpoint(c.LowWater(), c.pager.WriteBack)
}

// ActiveReaders reports the number of open read transactions.
func (c *Coordinator) ActiveReaders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readers)
}
