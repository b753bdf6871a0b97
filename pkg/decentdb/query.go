package decentdb

import (
	"github.com/decentdb/decentdb/internal/QE"
	"github.com/decentdb/decentdb/internal/QP"
	"github.com/decentdb/decentdb/internal/TM"
)

// Reader is an open read transaction: a fixed snapshot of the database.
// Queries against it never see commits made after it began, and they
// plan against the catalog as it stood then, so a later DDL commit can
// never hand the planner an index whose pages postdate the snapshot.
type Reader struct {
	db     *DB
	snap   *TM.Snapshot
	schema *schemaCache
	done   bool
}

// NewReader opens a read transaction. Never blocks. The catalog is
// captured before the snapshot boundary, so the captured schema can only
// lag the snapshot's pages, never lead them.
func (db *DB) NewReader() *Reader {
	db.mu.Lock()
	schema := db.schema
	db.mu.Unlock()
	return &Reader{db: db, snap: db.coord.BeginRead(), schema: schema}
}

// Close releases the snapshot so checkpoints can prune past it.
func (r *Reader) Close() {
	if r.done {
		return
	}
	r.done = true
	r.db.coord.EndRead(r.snap)
}

// Query plans and runs a bound statement against the snapshot.
func (r *Reader) Query(stmt QP.Statement) ([][]QP.Value, error) {
	plan, err := QP.NewPlanner(catalog{schema: r.schema}).Plan(stmt)
	if err != nil {
		return nil, err
	}
	rows, err := QE.New(r.db.coord.Reader(r.snap)).Execute(plan)
	if err != nil {
		return nil, err
	}
	out := make([][]QP.Value, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out, nil
}

// Query runs a statement against a fresh snapshot.
func (db *DB) Query(stmt QP.Statement) ([][]QP.Value, error) {
	r := db.NewReader()
	defer r.Close()
	return r.Query(stmt)
}

// Explain returns the plan tree the statement would execute, one node
// per line.
func (db *DB) Explain(stmt QP.Statement) (string, error) {
	plan, err := QP.NewPlanner(db.Catalog()).Plan(stmt)
	if err != nil {
		return "", err
	}
	return plan.Explain(), nil
}
