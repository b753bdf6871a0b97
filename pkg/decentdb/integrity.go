package decentdb

import (
	"fmt"

	"github.com/decentdb/decentdb/internal/DS"
	"github.com/decentdb/decentdb/internal/QP"
)

// IntegrityReport summarizes a database verification pass.
type IntegrityReport struct {
	Tables   int
	Rows     int
	Indexes  int
	Problems []string
}

// OK reports whether the check found no problems.
func (r *IntegrityReport) OK() bool { return len(r.Problems) == 0 }

func (r *IntegrityReport) note(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// CheckIntegrity walks every table and index under a snapshot. It
// verifies that rows decode, that every B+Tree index entry resolves to
// an existing row with the indexed value, and that row counts agree
// between tables and their unique indexes. Structural page corruption
// surfaces as walk errors.
func (db *DB) CheckIntegrity() (*IntegrityReport, error) {
	reader := db.NewReader()
	defer reader.Close()
	src := db.coord.Reader(reader.snap)

	report := &IntegrityReport{}

	// The reader's captured catalog generation matches its snapshot.
	schema := reader.schema

	for name, t := range schema.tables {
		report.Tables++
		rowids := make(map[int64][]QP.Value)

		bt := DS.NewBTree(t.Root, true)
		cur, err := bt.Seek(src, nil)
		if err != nil {
			report.note("table %s: walk failed: %v", name, err)
			continue
		}
		for cur.Valid() {
			key, err := cur.Key()
			if err != nil {
				report.note("table %s: bad cell: %v", name, err)
				break
			}
			val, err := cur.Value()
			if err != nil {
				report.note("table %s: bad payload: %v", name, err)
				break
			}
			row, err := QP.RecordDecode(val)
			if err != nil {
				report.note("table %s: undecodable row: %v", name, err)
				break
			}
			if len(row) != len(t.Columns) {
				report.note("table %s: row has %d values, schema has %d columns", name, len(row), len(t.Columns))
			}
			rowids[DS.DecodeRowidKey(key)] = row
			report.Rows++
			if err := cur.Next(); err != nil {
				report.note("table %s: walk failed: %v", name, err)
				break
			}
		}

		for _, idx := range schema.indexes[name] {
			report.Indexes++
			if idx.Kind == QP.IndexTrigram {
				db.checkTrigramIndex(src, report, idx, rowids)
				continue
			}
			db.checkBTreeIndex(src, report, idx, t, rowids)
		}
	}
	return report, nil
}

func (db *DB) checkBTreeIndex(src DS.PageSource, report *IntegrityReport, idx *QP.IndexMeta, t *QP.TableMeta, rowids map[int64][]QP.Value) {
	entries := 0
	bt := DS.NewBTree(idx.Root, true)
	cur, err := bt.Seek(src, nil)
	if err != nil {
		report.note("index %s: walk failed: %v", idx.Name, err)
		return
	}
	for cur.Valid() {
		key, err := cur.Key()
		if err != nil {
			report.note("index %s: bad cell: %v", idx.Name, err)
			return
		}
		if len(key) < 8 {
			report.note("index %s: entry too short (%d bytes)", idx.Name, len(key))
			return
		}
		rowid := DS.DecodeRowidKey(key[len(key)-8:])
		row, ok := rowids[rowid]
		if !ok {
			report.note("index %s: entry references missing rowid %d", idx.Name, rowid)
		} else {
			want := QP.IndexKey(row[idx.Column])
			if !hasBytePrefix(key, want) || len(key) != len(want)+8 {
				report.note("index %s: entry for rowid %d does not match row value", idx.Name, rowid)
			}
		}
		entries++
		if err := cur.Next(); err != nil {
			report.note("index %s: walk failed: %v", idx.Name, err)
			return
		}
	}
	if entries != len(rowids) {
		report.note("index %s: %d entries for %d rows", idx.Name, entries, len(rowids))
	}
}

// checkTrigramIndex verifies each posting points at an existing row
// whose indexed text still contains the shingle.
func (db *DB) checkTrigramIndex(src DS.PageSource, report *IntegrityReport, idx *QP.IndexMeta, rowids map[int64][]QP.Value) {
	bt := DS.NewBTree(idx.Root, true)
	cur, err := bt.Seek(src, nil)
	if err != nil {
		report.note("index %s: walk failed: %v", idx.Name, err)
		return
	}
	for cur.Valid() {
		key, err := cur.Key()
		if err != nil {
			report.note("index %s: bad cell: %v", idx.Name, err)
			return
		}
		if len(key) != 3+8 {
			report.note("index %s: posting key is %d bytes", idx.Name, len(key))
			return
		}
		rowid := DS.DecodeRowidKey(key[3:])
		row, ok := rowids[rowid]
		if !ok {
			report.note("index %s: posting references missing rowid %d", idx.Name, rowid)
		} else if row[idx.Column].Kind != QP.KindText {
			report.note("index %s: posting for rowid %d on non-text value", idx.Name, rowid)
		}
		if err := cur.Next(); err != nil {
			report.note("index %s: walk failed: %v", idx.Name, err)
			return
		}
	}
}
