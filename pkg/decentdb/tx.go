package decentdb

import (
	"github.com/decentdb/decentdb/internal/DS"
	"github.com/decentdb/decentdb/internal/QP"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/TM"
)

// Tx is a write transaction. At most one is active per database; whether
// Begin waits for the slot or fails with DDB_BUSY is set by
// Options.BlockOnWrite.
//
// DDL performed in a transaction reaches the catalog when it commits:
// inserts into a table created earlier in the same transaction must wait
// for that commit. Index creation backfills from the table's current
// tree, so rows written earlier in the same transaction are covered.
type Tx struct {
	db    *DB
	token *TM.WriteToken
	ddl   bool
	done  bool
}

// Begin starts a write transaction.
func (db *DB) Begin() (*Tx, error) {
	token, err := db.coord.BeginWrite(db.opts.BlockOnWrite)
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, token: token}, nil
}

// Commit makes the transaction's changes durable and visible to new
// readers.
func (tx *Tx) Commit() error {
	if tx.done {
		return sferr.New(sferr.DDB_TRANSACTION, "transaction already finished")
	}
	tx.done = true
	if err := tx.db.coord.Commit(tx.token); err != nil {
		return err
	}
	if tx.ddl {
		return tx.db.loadSchema()
	}
	return nil
}

// Rollback discards the transaction.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.db.coord.Rollback(tx.token)
}

func (tx *Tx) active() error {
	if tx.done {
		return sferr.New(sferr.DDB_TRANSACTION, "transaction already finished")
	}
	return nil
}

// CreateTable creates a table. primaryKey names an INTEGER column used
// as the rowid, or is empty for implicit rowids.
func (tx *Tx) CreateTable(name string, cols []QP.ColumnMeta, primaryKey string) error {
	if err := tx.active(); err != nil {
		return err
	}
	if len(cols) == 0 {
		return sferr.Errorf(sferr.DDB_CONSTRAINT, "table %s needs at least one column", name)
	}
	if _, err := tx.db.Catalog().Table(name); err == nil {
		return sferr.Errorf(sferr.DDB_CONSTRAINT, "table %s already exists", name)
	}

	rowidCol := -1
	if primaryKey != "" {
		for i, c := range cols {
			if c.Name == primaryKey {
				if c.Type != QP.KindInt {
					return sferr.Errorf(sferr.DDB_CONSTRAINT, "primary key %s must be INTEGER", primaryKey)
				}
				rowidCol = i
			}
		}
		if rowidCol < 0 {
			return sferr.Errorf(sferr.DDB_CONSTRAINT, "primary key %s is not a column", primaryKey)
		}
	}

	bt, err := DS.CreateBTree(tx.token.Tx, true)
	if err != nil {
		return err
	}
	meta := &QP.TableMeta{Name: name, Root: bt.Root(), Columns: cols, RowidColumn: rowidCol}
	schema := DS.NewBTree(schemaRoot, true)
	if err := schema.Insert(tx.token.Tx, tableKey(name), encodeTableMeta(meta)); err != nil {
		return err
	}
	tx.token.Tx.SchemaChanged()
	tx.ddl = true
	return nil
}

// CreateBTreeIndex creates an ordered secondary index on one column and
// backfills it from the table's current rows.
func (tx *Tx) CreateBTreeIndex(name, table, column string, unique bool) error {
	return tx.createIndex(name, table, column, QP.IndexBTree, unique)
}

// CreateTrigramIndex creates a trigram index on a TEXT column for LIKE
// acceleration and backfills it.
func (tx *Tx) CreateTrigramIndex(name, table, column string) error {
	return tx.createIndex(name, table, column, QP.IndexTrigram, false)
}

func (tx *Tx) createIndex(name, table, column string, kind QP.IndexKind, unique bool) error {
	if err := tx.active(); err != nil {
		return err
	}
	t, err := tx.db.Catalog().Table(table)
	if err != nil {
		return err
	}
	col := t.ColumnIndex(column)
	if col < 0 {
		return sferr.Errorf(sferr.DDB_CONSTRAINT, "no column %s in table %s", column, table)
	}
	if kind == QP.IndexTrigram && t.Columns[col].Type != QP.KindText {
		return sferr.Errorf(sferr.DDB_CONSTRAINT, "trigram index needs a TEXT column, %s is %s", column, t.Columns[col].Type)
	}

	var root uint32
	switch kind {
	case QP.IndexTrigram:
		ti, err := DS.CreateTrigramIndex(tx.token.Tx)
		if err != nil {
			return err
		}
		root = ti.Root()
	default:
		bt, err := DS.CreateBTree(tx.token.Tx, true)
		if err != nil {
			return err
		}
		root = bt.Root()
	}
	idx := &QP.IndexMeta{Name: name, Table: table, Column: col, Root: root, Kind: kind, Unique: unique}

	if err := tx.backfillIndex(t, idx); err != nil {
		return err
	}

	tx.db.mu.Lock()
	seq := tx.db.schema.nextSeq[table]
	tx.db.schema.nextSeq[table] = seq + 1
	tx.db.mu.Unlock()
	schema := DS.NewBTree(schemaRoot, true)
	if err := schema.Insert(tx.token.Tx, indexKey(table, seq), encodeIndexMeta(idx)); err != nil {
		return err
	}
	tx.token.Tx.SchemaChanged()
	tx.ddl = true
	return nil
}

// backfillIndex walks the table and indexes every existing row,
// including rows inserted earlier in this same transaction.
func (tx *Tx) backfillIndex(t *QP.TableMeta, idx *QP.IndexMeta) error {
	bt := DS.NewBTree(t.Root, true)
	cur, err := bt.Seek(tx.token.Tx, nil)
	if err != nil {
		return err
	}
	for cur.Valid() {
		key, err := cur.Key()
		if err != nil {
			return err
		}
		val, err := cur.Value()
		if err != nil {
			return err
		}
		row, err := QP.RecordDecode(val)
		if err != nil {
			return err
		}
		if err := tx.indexRow(idx, DS.DecodeRowidKey(key), row); err != nil {
			return err
		}
		if err := cur.Next(); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds a row and maintains every index on the table. It returns
// the row's rowid, auto-assigned when the table has no integer primary
// key column.
func (tx *Tx) Insert(table string, vals []QP.Value) (int64, error) {
	if err := tx.active(); err != nil {
		return 0, err
	}
	t, err := tx.db.Catalog().Table(table)
	if err != nil {
		return 0, err
	}
	if len(vals) != len(t.Columns) {
		return 0, sferr.Errorf(sferr.DDB_CONSTRAINT,
			"table %s has %d columns, got %d values", table, len(t.Columns), len(vals))
	}

	var rowid int64
	if t.RowidColumn >= 0 {
		v := vals[t.RowidColumn]
		if v.Kind != QP.KindInt {
			return 0, sferr.Errorf(sferr.DDB_CONSTRAINT, "primary key of %s must be a non-NULL integer", table)
		}
		rowid = v.I
	} else {
		rowid, err = tx.nextRowid(t)
		if err != nil {
			return 0, err
		}
	}

	// Every constraint is checked before the first mutation, so a
	// DDB_CONSTRAINT return leaves the transaction's data exactly as it
	// was and the caller may continue with other statements.
	bt := DS.NewBTree(t.Root, true)
	rowKey := DS.EncodeRowidKey(rowid)
	existing, err := bt.Search(tx.token.Tx, rowKey)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, sferr.Errorf(sferr.DDB_CONSTRAINT, "duplicate primary key %d in %s", rowid, table)
	}
	indexes, err := tx.db.Catalog().Indexes(table)
	if err != nil {
		return 0, err
	}
	for _, idx := range indexes {
		if err := tx.checkUnique(idx, vals[idx.Column]); err != nil {
			return 0, err
		}
	}

	if err := bt.Insert(tx.token.Tx, rowKey, QP.RecordEncode(vals)); err != nil {
		return 0, err
	}
	for _, idx := range indexes {
		if err := tx.indexRow(idx, rowid, vals); err != nil {
			return 0, err
		}
	}
	tx.noteRowid(table, rowid)
	return rowid, nil
}

// Delete removes the row with the given rowid and its index entries.
// Returns false when no such row exists.
func (tx *Tx) Delete(table string, rowid int64) (bool, error) {
	if err := tx.active(); err != nil {
		return false, err
	}
	t, err := tx.db.Catalog().Table(table)
	if err != nil {
		return false, err
	}
	bt := DS.NewBTree(t.Root, true)
	key := DS.EncodeRowidKey(rowid)
	val, err := bt.Search(tx.token.Tx, key)
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	row, err := QP.RecordDecode(val)
	if err != nil {
		return false, err
	}

	indexes, err := tx.db.Catalog().Indexes(table)
	if err != nil {
		return false, err
	}
	for _, idx := range indexes {
		if err := tx.unindexRow(idx, rowid, row); err != nil {
			return false, err
		}
	}
	return bt.Delete(tx.token.Tx, key)
}

// checkUnique reports a constraint violation when a unique B+Tree index
// already holds a value equal to v. NULL may repeat. Numeric values
// probe both the INTEGER and the REAL encoding, matching how equality
// compares them.
func (tx *Tx) checkUnique(idx *QP.IndexMeta, v QP.Value) error {
	if idx.Kind != QP.IndexBTree || !idx.Unique || v.IsNull() {
		return nil
	}
	bt := DS.NewBTree(idx.Root, true)
	for _, prefix := range QP.IndexKeyProbes(v) {
		cur, err := bt.Seek(tx.token.Tx, prefix)
		if err != nil {
			return err
		}
		if cur.Valid() {
			k, err := cur.Key()
			if err != nil {
				return err
			}
			if hasBytePrefix(k, prefix) {
				return sferr.Errorf(sferr.DDB_CONSTRAINT, "unique index %s violated", idx.Name)
			}
		}
	}
	return nil
}

// indexRow writes one row's entry into one index.
func (tx *Tx) indexRow(idx *QP.IndexMeta, rowid int64, row []QP.Value) error {
	v := row[idx.Column]
	if idx.Kind == QP.IndexTrigram {
		if v.Kind != QP.KindText {
			return nil
		}
		ti := DS.NewTrigramIndex(idx.Root)
		return ti.Index(tx.token.Tx, rowid, v.S)
	}
	if err := tx.checkUnique(idx, v); err != nil {
		return err
	}
	bt := DS.NewBTree(idx.Root, true)
	return bt.Insert(tx.token.Tx, append(QP.IndexKey(v), DS.EncodeRowidKey(rowid)...), nil)
}

func (tx *Tx) unindexRow(idx *QP.IndexMeta, rowid int64, row []QP.Value) error {
	v := row[idx.Column]
	if idx.Kind == QP.IndexTrigram {
		if v.Kind != QP.KindText {
			return nil
		}
		ti := DS.NewTrigramIndex(idx.Root)
		return ti.Unindex(tx.token.Tx, rowid, v.S)
	}
	bt := DS.NewBTree(idx.Root, true)
	_, err := bt.Delete(tx.token.Tx, append(QP.IndexKey(v), DS.EncodeRowidKey(rowid)...))
	return err
}

// nextRowid hands out auto rowids for tables without an explicit primary
// key. The high-water mark is found by scanning once per table per
// process lifetime and cached after that.
func (tx *Tx) nextRowid(t *QP.TableMeta) (int64, error) {
	tx.db.mu.Lock()
	next := tx.db.schema.nextRow[t.Name]
	tx.db.mu.Unlock()
	if next > 0 {
		return next, nil
	}

	max := int64(0)
	bt := DS.NewBTree(t.Root, true)
	cur, err := bt.Seek(tx.token.Tx, nil)
	if err != nil {
		return 0, err
	}
	for cur.Valid() {
		key, err := cur.Key()
		if err != nil {
			return 0, err
		}
		if id := DS.DecodeRowidKey(key); id > max {
			max = id
		}
		if err := cur.Next(); err != nil {
			return 0, err
		}
	}
	return max + 1, nil
}

func (tx *Tx) noteRowid(table string, rowid int64) {
	tx.db.mu.Lock()
	if rowid >= tx.db.schema.nextRow[table] {
		tx.db.schema.nextRow[table] = rowid + 1
	}
	tx.db.mu.Unlock()
}

// One-shot conveniences wrapping a single-statement transaction.

func (db *DB) CreateTable(name string, cols []QP.ColumnMeta, primaryKey string) error {
	return db.withTx(func(tx *Tx) error { return tx.CreateTable(name, cols, primaryKey) })
}

func (db *DB) CreateBTreeIndex(name, table, column string, unique bool) error {
	return db.withTx(func(tx *Tx) error { return tx.CreateBTreeIndex(name, table, column, unique) })
}

func (db *DB) CreateTrigramIndex(name, table, column string) error {
	return db.withTx(func(tx *Tx) error { return tx.CreateTrigramIndex(name, table, column) })
}

func (db *DB) Insert(table string, vals []QP.Value) (int64, error) {
	var rowid int64
	err := db.withTx(func(tx *Tx) error {
		var err error
		rowid, err = tx.Insert(table, vals)
		return err
	})
	return rowid, err
}

func (db *DB) Delete(table string, rowid int64) (bool, error) {
	var found bool
	err := db.withTx(func(tx *Tx) error {
		var err error
		found, err = tx.Delete(table, rowid)
		return err
	})
	return found, err
}

func (db *DB) withTx(fn func(*Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
