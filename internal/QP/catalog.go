package QP

// Catalog resolves table and index metadata for the planner. The storage
// layer implements it over the schema tree; tests use in-memory stubs.
type Catalog interface {
	Table(name string) (*TableMeta, error)
	// Indexes returns the table's indexes in creation order. The planner
	// relies on that order for deterministic tie-breaking.
	Indexes(table string) ([]*IndexMeta, error)
}

// ColumnMeta describes one column of a table.
type ColumnMeta struct {
	Name string
	Type ValueKind
}

// TableMeta describes a table and its backing tree.
type TableMeta struct {
	Name    string
	Root    uint32
	Columns []ColumnMeta
	// RowidColumn is the ordinal of the integer primary key column, or
	// -1 when rows only have implicit rowids.
	RowidColumn int
}

// ColumnIndex returns the ordinal of the named column, or -1.
func (t *TableMeta) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IndexKind distinguishes ordered B+Tree indexes from trigram indexes.
type IndexKind int

const (
	IndexBTree IndexKind = iota
	IndexTrigram
)

func (k IndexKind) String() string {
	if k == IndexTrigram {
		return "trigram"
	}
	return "btree"
}

// IndexMeta describes a single-column secondary index.
type IndexMeta struct {
	Name   string
	Table  string
	Column int // ordinal in the table's column list
	Root   uint32
	Kind   IndexKind
	Unique bool
}
