package decentdb

import (
	"encoding/binary"

	"github.com/decentdb/decentdb/internal/DS"
	"github.com/decentdb/decentdb/internal/QP"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

// The schema tree maps object keys to metadata records. Table keys are
// "tbl\x00" + name; index keys are "idx\x00" + table + "\x00" + a
// big-endian creation sequence, so a prefix scan yields a table's
// indexes in creation order.

var (
	tblKeyPrefix = []byte("tbl\x00")
	idxKeyPrefix = []byte("idx\x00")
)

func tableKey(name string) []byte {
	return append(append([]byte{}, tblKeyPrefix...), name...)
}

func indexKeyPrefix(table string) []byte {
	k := append(append([]byte{}, idxKeyPrefix...), table...)
	return append(k, 0x00)
}

func indexKey(table string, seq uint32) []byte {
	k := indexKeyPrefix(table)
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], seq)
	return append(k, s[:]...)
}

func encodeTableMeta(t *QP.TableMeta) []byte {
	row := []QP.Value{
		QP.Text(t.Name),
		QP.Int(int64(t.Root)),
		QP.Int(int64(t.RowidColumn)),
		QP.Int(int64(len(t.Columns))),
	}
	for _, c := range t.Columns {
		row = append(row, QP.Text(c.Name), QP.Int(int64(c.Type)))
	}
	return QP.RecordEncode(row)
}

func decodeTableMeta(data []byte) (*QP.TableMeta, error) {
	row, err := QP.RecordDecode(data)
	if err != nil {
		return nil, err
	}
	if len(row) < 4 {
		return nil, sferr.New(sferr.DDB_CORRUPT, "short table record")
	}
	n := int(row[3].I)
	if len(row) != 4+2*n {
		return nil, sferr.Errorf(sferr.DDB_CORRUPT, "table record wants %d columns, has %d fields", n, len(row)-4)
	}
	t := &QP.TableMeta{
		Name:        row[0].S,
		Root:        uint32(row[1].I),
		RowidColumn: int(row[2].I),
		Columns:     make([]QP.ColumnMeta, n),
	}
	for i := 0; i < n; i++ {
		t.Columns[i] = QP.ColumnMeta{
			Name: row[4+2*i].S,
			Type: QP.ValueKind(row[5+2*i].I),
		}
	}
	return t, nil
}

func encodeIndexMeta(idx *QP.IndexMeta) []byte {
	unique := int64(0)
	if idx.Unique {
		unique = 1
	}
	return QP.RecordEncode([]QP.Value{
		QP.Text(idx.Name),
		QP.Text(idx.Table),
		QP.Int(int64(idx.Column)),
		QP.Int(int64(idx.Root)),
		QP.Int(int64(idx.Kind)),
		QP.Int(unique),
	})
}

func decodeIndexMeta(data []byte) (*QP.IndexMeta, error) {
	row, err := QP.RecordDecode(data)
	if err != nil {
		return nil, err
	}
	if len(row) != 6 {
		return nil, sferr.New(sferr.DDB_CORRUPT, "short index record")
	}
	return &QP.IndexMeta{
		Name:   row[0].S,
		Table:  row[1].S,
		Column: int(row[2].I),
		Root:   uint32(row[3].I),
		Kind:   QP.IndexKind(row[4].I),
		Unique: row[5].I != 0,
	}, nil
}

// schemaCache is the in-memory catalog, rebuilt after every DDL commit.
// The writer lock serializes DDL, so readers see a consistent snapshot.
type schemaCache struct {
	tables  map[string]*QP.TableMeta
	indexes map[string][]*QP.IndexMeta // table → creation order
	nextSeq map[string]uint32          // table → next index sequence
	nextRow map[string]int64           // table → next auto rowid, 0 = unknown
}

// loadSchema scans the schema tree and rebuilds the catalog cache.
func (db *DB) loadSchema() error {
	snap := db.coord.BeginRead()
	defer db.coord.EndRead(snap)
	src := db.coord.Reader(snap)

	cache := &schemaCache{
		tables:  make(map[string]*QP.TableMeta),
		indexes: make(map[string][]*QP.IndexMeta),
		nextSeq: make(map[string]uint32),
		nextRow: make(map[string]int64),
	}
	bt := DS.NewBTree(schemaRoot, true)
	cur, err := bt.Seek(src, nil)
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
		switch {
		case hasBytePrefix(key, tblKeyPrefix):
			t, err := decodeTableMeta(val)
			if err != nil {
				return err
			}
			cache.tables[t.Name] = t
		case hasBytePrefix(key, idxKeyPrefix):
			idx, err := decodeIndexMeta(val)
			if err != nil {
				return err
			}
			cache.indexes[idx.Table] = append(cache.indexes[idx.Table], idx)
			seq := binary.BigEndian.Uint32(key[len(key)-4:])
			if seq >= cache.nextSeq[idx.Table] {
				cache.nextSeq[idx.Table] = seq + 1
			}
		default:
			return sferr.Errorf(sferr.DDB_CORRUPT, "unknown schema key %q", key)
		}
		if err := cur.Next(); err != nil {
			return err
		}
	}
	// Index keys sort by table then sequence, so each per-table slice is
	// already in creation order.

	db.mu.Lock()
	db.schema = cache
	db.mu.Unlock()
	return nil
}

func hasBytePrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// catalog adapts one schema cache generation to the planner's Catalog
// interface. The tables and indexes of a generation are never mutated
// after install, only replaced wholesale, so a capture stays consistent
// while DDL commits move the live cache forward.
type catalog struct {
	schema *schemaCache
}

func (c catalog) Table(name string) (*QP.TableMeta, error) {
	t, ok := c.schema.tables[name]
	if !ok {
		return nil, sferr.Errorf(sferr.DDB_INTERNAL, "no such table: %s", name)
	}
	return t, nil
}

func (c catalog) Indexes(table string) ([]*QP.IndexMeta, error) {
	return c.schema.indexes[table], nil
}

// Catalog exposes the current schema generation to planner-level callers.
func (db *DB) Catalog() QP.Catalog {
	db.mu.Lock()
	defer db.mu.Unlock()
	return catalog{schema: db.schema}
}
