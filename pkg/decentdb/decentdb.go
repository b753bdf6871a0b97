// Package decentdb is the embedded database engine's public surface: a
// single-file transactional store with B+Tree tables, secondary and
// trigram indexes, snapshot-isolated reads, and a WAL-backed commit
// protocol.
package decentdb

import (
	"sync"

	"github.com/google/uuid"

	"github.com/decentdb/decentdb/internal/DS"
	"github.com/decentdb/decentdb/internal/PB"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/TM"
)

// WALSuffix is appended to the database path to name the log file.
const WALSuffix = "-wal"

// schemaRoot is the page holding the schema tree's root. It is the first
// page allocated after the header page, so it is stable across the
// database's lifetime.
const schemaRoot uint32 = 2

// Options tune an Open call. The zero value selects defaults.
type Options struct {
	PageSize  int // database page size, default DS.DefaultPageSize
	CacheSize int // clean-page cache capacity in pages, default 256

	// AutoCheckpoint is the WAL frame count that triggers a checkpoint
	// after commit. Zero selects the default; negative disables.
	AutoCheckpoint int

	// BlockOnWrite makes write transactions wait for the writer slot
	// instead of failing with DDB_BUSY.
	BlockOnWrite bool
}

func (o *Options) withDefaults() Options {
	out := Options{PageSize: DS.DefaultPageSize, CacheSize: 256, AutoCheckpoint: 1000}
	if o == nil {
		return out
	}
	if o.PageSize != 0 {
		out.PageSize = o.PageSize
	}
	if o.CacheSize != 0 {
		out.CacheSize = o.CacheSize
	}
	if o.AutoCheckpoint > 0 {
		out.AutoCheckpoint = o.AutoCheckpoint
	} else if o.AutoCheckpoint < 0 {
		out.AutoCheckpoint = 0
	}
	out.BlockOnWrite = o.BlockOnWrite
	return out
}

// DB is an open database handle. Safe for concurrent use; reads never
// block and writes serialize on a single writer slot.
type DB struct {
	path  string
	opts  Options
	pager *DS.Pager
	wal   *TM.WAL
	coord *TM.Coordinator

	mu     sync.Mutex
	schema *schemaCache
	closed bool
}

// Open opens or creates the database at path. The WAL lives next to it
// at path+"-wal"; a crashed process's log is recovered here.
func Open(path string, opts *Options) (*DB, error) {
	o := opts.withDefaults()

	file, err := PB.OpenFile(path)
	if err != nil {
		return nil, sferr.Wrap(sferr.DDB_IOERR, err, "open database file")
	}
	pager, err := DS.NewPager(file, o.PageSize, o.CacheSize, [16]byte(uuid.New()))
	if err != nil {
		file.Close()
		return nil, err
	}

	walFile, err := PB.OpenFile(path + WALSuffix)
	if err != nil {
		pager.Close()
		return nil, sferr.Wrap(sferr.DDB_IOERR, err, "open WAL file")
	}
	wal, err := TM.OpenWAL(walFile, o.PageSize, pager.Header().DatabaseID)
	if err != nil {
		walFile.Close()
		pager.Close()
		return nil, err
	}

	coord, err := TM.NewCoordinator(pager, wal)
	if err != nil {
		wal.Close()
		pager.Close()
		return nil, err
	}
	coord.AutoCheckpoint = o.AutoCheckpoint

	db := &DB{path: path, opts: o, pager: pager, wal: wal, coord: coord}
	if err := db.bootstrapSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.loadSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// bootstrapSchema creates the schema tree on a fresh database.
func (db *DB) bootstrapSchema() error {
	if db.pager.NumPages() > 1 {
		return nil
	}
	token, err := db.coord.BeginWrite(true)
	if err != nil {
		return err
	}
	bt, err := DS.CreateBTree(token.Tx, true)
	if err != nil {
		db.coord.Rollback(token)
		return err
	}
	if bt.Root() != schemaRoot {
		db.coord.Rollback(token)
		return sferr.Errorf(sferr.DDB_INTERNAL, "schema tree landed on page %d", bt.Root())
	}
	token.Tx.SchemaChanged()
	return db.coord.Commit(token)
}

// Checkpoint folds prunable WAL frames into the database file.
func (db *DB) Checkpoint() (int, error) {
	return db.coord.Checkpoint()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close checkpoints what it can and releases the files. The caller must
// finish transactions first; frames held back by open snapshots stay in
// the WAL and are recovered on the next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	if _, err := db.coord.Checkpoint(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.pager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
