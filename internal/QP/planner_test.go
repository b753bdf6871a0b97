package QP

import (
	"strings"
	"testing"

	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

type fakeCatalog struct {
	tables  map[string]*TableMeta
	indexes map[string][]*IndexMeta
}

func (c *fakeCatalog) Table(name string) (*TableMeta, error) {
	t, ok := c.tables[name]
	if !ok {
		return nil, sferr.Errorf(sferr.DDB_INTERNAL, "no such table: %s", name)
	}
	return t, nil
}

func (c *fakeCatalog) Indexes(table string) ([]*IndexMeta, error) {
	return c.indexes[table], nil
}

// users(id INTEGER PRIMARY KEY, name TEXT, age INTEGER) with a btree
// index on name and a trigram index on name; orders(id, user_id) with
// no indexes.
func testCatalog() *fakeCatalog {
	users := &TableMeta{
		Name: "users",
		Root: 3,
		Columns: []ColumnMeta{
			{Name: "id", Type: KindInt},
			{Name: "name", Type: KindText},
			{Name: "age", Type: KindInt},
		},
		RowidColumn: 0,
	}
	orders := &TableMeta{
		Name: "orders",
		Root: 4,
		Columns: []ColumnMeta{
			{Name: "id", Type: KindInt},
			{Name: "user_id", Type: KindInt},
		},
		RowidColumn: 0,
	}
	return &fakeCatalog{
		tables: map[string]*TableMeta{"users": users, "orders": orders},
		indexes: map[string][]*IndexMeta{
			"users": {
				{Name: "users_name", Table: "users", Column: 1, Root: 5, Kind: IndexBTree},
				{Name: "users_name_tri", Table: "users", Column: 1, Root: 6, Kind: IndexTrigram},
			},
		},
	}
}

func col(table, column int) *ColumnRef {
	return &ColumnRef{Table: table, Column: column}
}

func lit(v Value) *Literal { return &Literal{Val: v} }

func eq(l, r Expr) Expr  { return &BinaryExpr{Op: OpEq, Left: l, Right: r} }
func and(l, r Expr) Expr { return &BinaryExpr{Op: OpAnd, Left: l, Right: r} }
func or(l, r Expr) Expr  { return &BinaryExpr{Op: OpOr, Left: l, Right: r} }

func starSelect(table string, where Expr) *SelectStmt {
	return &SelectStmt{
		Columns: []SelectColumn{{Expr: col(0, 0)}},
		Tables:  []TableRef{{Name: table}},
		Where:   where,
	}
}

func mustPlan(t *testing.T, stmt Statement) *Plan {
	t.Helper()
	p, err := NewPlanner(testCatalog()).Plan(stmt)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return p
}

// unwrap descends through the output operators down to the access node.
func unwrap(p *Plan) *Plan {
	for p != nil {
		switch p.Kind {
		case PlanProject, PlanAggregate, PlanSort, PlanLimit, PlanFilter:
			p = p.Input
		default:
			return p
		}
	}
	return nil
}

func TestPlanRowidSeekWins(t *testing.T) {
	// name = 'x' AND id = 7: the rowid conjunct wins even when listed
	// second and an index covers the first.
	where := and(eq(col(0, 1), lit(Text("x"))), eq(col(0, 0), lit(Int(7))))
	p := unwrap(mustPlan(t, starSelect("users", where)))
	if p.Kind != PlanRowidSeek {
		t.Fatalf("access path = %v, want rowid seek", p.Kind)
	}
	if p.Rowid.I != 7 {
		t.Fatalf("seek rowid = %v, want 7", p.Rowid)
	}
	if p.Cond == nil {
		t.Fatal("remaining conjunct not kept as residual")
	}
}

func TestPlanRowidSeekRequiresInt(t *testing.T) {
	p := unwrap(mustPlan(t, starSelect("users", eq(col(0, 0), lit(Text("7"))))))
	if p.Kind == PlanRowidSeek {
		t.Fatal("rowid seek chosen for a non-integer literal")
	}
}

func TestPlanIndexSeek(t *testing.T) {
	p := unwrap(mustPlan(t, starSelect("users", eq(lit(Text("bob")), col(0, 1)))))
	if p.Kind != PlanIndexSeek {
		t.Fatalf("access path = %v, want index seek", p.Kind)
	}
	if p.Index == nil || p.Index.Name != "users_name" {
		t.Fatalf("index = %+v, want users_name", p.Index)
	}
	if p.SeekVal.S != "bob" {
		t.Fatalf("seek value = %v", p.SeekVal)
	}
	if p.Cond != nil {
		t.Fatal("consumed conjunct still present as residual")
	}
}

func TestPlanTrigramSeek(t *testing.T) {
	where := &BinaryExpr{Op: OpLike, Left: col(0, 1), Right: lit(Text("%carol%"))}
	p := unwrap(mustPlan(t, starSelect("users", where)))
	if p.Kind != PlanTrigramSeek {
		t.Fatalf("access path = %v, want trigram seek", p.Kind)
	}
	if p.Pattern != "%carol%" || p.CaseFold {
		t.Fatalf("pattern = %q fold = %v", p.Pattern, p.CaseFold)
	}
	// Candidates over-approximate; the LIKE must survive as residual.
	if p.Cond == nil {
		t.Fatal("trigram seek dropped the LIKE residual")
	}
}

func TestPlanTrigramNeedsShingle(t *testing.T) {
	// A pattern with no 3-byte literal run cannot use the trigram index.
	where := &BinaryExpr{Op: OpLike, Left: col(0, 1), Right: lit(Text("%ab%"))}
	p := unwrap(mustPlan(t, starSelect("users", where)))
	if p.Kind != PlanTableScan {
		t.Fatalf("access path = %v, want table scan", p.Kind)
	}
	if p.Cond == nil {
		t.Fatal("scan lost its filter condition")
	}
}

func TestPlanTableScanFallback(t *testing.T) {
	// age has no index; equality on it cannot seek.
	p := unwrap(mustPlan(t, starSelect("users", eq(col(0, 2), lit(Int(30))))))
	if p.Kind != PlanTableScan {
		t.Fatalf("access path = %v, want table scan", p.Kind)
	}
}

func TestPlanOrRewrite(t *testing.T) {
	// id = 2 OR name = 'carol': both disjuncts seek, so the OR becomes a
	// union of seeks with duplicate suppression.
	where := or(eq(col(0, 0), lit(Int(2))), eq(col(0, 1), lit(Text("carol"))))
	p := unwrap(mustPlan(t, starSelect("users", where)))
	if p.Kind != PlanUnionDistinct {
		t.Fatalf("plan = %v, want union of seeks", p.Kind)
	}
	if p.Left.Kind != PlanRowidSeek || p.Right.Kind != PlanIndexSeek {
		t.Fatalf("branches = %v / %v", p.Left.Kind, p.Right.Kind)
	}
	if p.Compound {
		t.Fatal("rewrite union marked compound: its branches share the statement's scope")
	}
}

func TestPlanOrRewriteAllOrNothing(t *testing.T) {
	// age has no index, so one disjunct would need a scan: the whole
	// rewrite is abandoned, not just that branch.
	where := or(eq(col(0, 0), lit(Int(2))), eq(col(0, 2), lit(Int(30))))
	p := unwrap(mustPlan(t, starSelect("users", where)))
	if p.Kind != PlanTableScan {
		t.Fatalf("plan = %v, want plain scan with filter", p.Kind)
	}
	if p.Cond == nil {
		t.Fatal("abandoned rewrite lost the OR condition")
	}
}

func TestPlanJoinPushdown(t *testing.T) {
	stmt := &SelectStmt{
		Columns: []SelectColumn{{Expr: col(0, 1)}, {Expr: col(1, 0)}},
		Tables:  []TableRef{{Name: "users"}, {Name: "orders"}},
		Where: and(
			eq(col(0, 0), lit(Int(5))),
			eq(col(0, 0), col(1, 1)),
		),
	}
	p := mustPlan(t, stmt)
	if p.Kind != PlanProject {
		t.Fatalf("root = %v, want project", p.Kind)
	}
	join := p.Input
	if join.Kind != PlanJoin {
		t.Fatalf("below project = %v, want join", join.Kind)
	}
	// Single-table conjunct pushed into the left access path, the
	// cross-table one attached at the join.
	if join.Left.Kind != PlanRowidSeek {
		t.Fatalf("left input = %v, want rowid seek", join.Left.Kind)
	}
	if join.Right.Kind != PlanTableScan {
		t.Fatalf("right input = %v, want table scan", join.Right.Kind)
	}
	if join.Cond == nil {
		t.Fatal("join condition missing")
	}
}

func TestPlanConstantConjunctStaysOnTop(t *testing.T) {
	// WHERE 0 references no table: it must not degrade the access path
	// and surfaces as a filter above the scan.
	p := mustPlan(t, starSelect("users", lit(Int(0))))
	top := p.Input // below project
	if top.Kind != PlanFilter {
		t.Fatalf("below project = %v, want filter", top.Kind)
	}
	if top.Input.Kind != PlanTableScan || top.Input.Cond != nil {
		t.Fatal("constant predicate leaked into the access path")
	}
}

func TestPlanOutputStack(t *testing.T) {
	limit := int64(10)
	stmt := starSelect("users", nil)
	stmt.OrderBy = []OrderTerm{{Expr: col(-1, 0), Desc: true}}
	stmt.Limit = &limit
	stmt.Offset = 2

	p := mustPlan(t, stmt)
	if p.Kind != PlanLimit || p.Limit == nil || *p.Limit != 10 || p.Offset != 2 {
		t.Fatalf("root = %+v, want limit 10 offset 2", p)
	}
	if p.Input.Kind != PlanSort {
		t.Fatalf("below limit = %v, want sort", p.Input.Kind)
	}
	if p.Input.Input.Kind != PlanProject {
		t.Fatalf("below sort = %v, want project", p.Input.Input.Kind)
	}
}

func TestPlanAggregateDetection(t *testing.T) {
	stmt := &SelectStmt{
		Columns: []SelectColumn{
			{Expr: col(0, 2)},
			{Expr: &FuncExpr{Name: "count", Star: true}},
		},
		Tables:  []TableRef{{Name: "users"}},
		GroupBy: []Expr{col(0, 2)},
	}
	p := mustPlan(t, stmt)
	if p.Kind != PlanAggregate {
		t.Fatalf("root = %v, want aggregate", p.Kind)
	}

	// A bare aggregate without GROUP BY still aggregates.
	stmt2 := starSelect("users", nil)
	stmt2.Columns = []SelectColumn{{Expr: &FuncExpr{Name: "max", Args: []Expr{col(0, 2)}}}}
	if p := mustPlan(t, stmt2); p.Kind != PlanAggregate {
		t.Fatalf("root = %v, want aggregate", p.Kind)
	}
}

func TestPlanSetOp(t *testing.T) {
	stmt := &SetOpStmt{
		Kind:  SetExcept,
		Left:  starSelect("users", nil),
		Right: starSelect("orders", nil),
	}
	p := mustPlan(t, stmt)
	if p.Kind != PlanExcept {
		t.Fatalf("root = %v, want except", p.Kind)
	}
	if p.Left.Kind != PlanProject || p.Right.Kind != PlanProject {
		t.Fatalf("branches = %v / %v, want projects", p.Left.Kind, p.Right.Kind)
	}
	if !p.Compound {
		t.Fatal("set-op root not marked compound")
	}
}

type fakeWriteStmt struct{}

func (*fakeWriteStmt) stmtNode() {}

func TestPlanStatementPassthrough(t *testing.T) {
	stmt := &fakeWriteStmt{}
	p := mustPlan(t, stmt)
	if p.Kind != PlanStatement {
		t.Fatalf("root = %v, want statement passthrough", p.Kind)
	}
	if p.Stmt != stmt {
		t.Fatal("passthrough plan dropped the statement")
	}
	if !strings.Contains(p.Explain(), "Statement") {
		t.Fatalf("explain output missing the passthrough node:\n%s", p.Explain())
	}
}

func TestPlanUnknownTable(t *testing.T) {
	if _, err := NewPlanner(testCatalog()).Plan(starSelect("ghost", nil)); err == nil {
		t.Fatal("planning against a missing table succeeded")
	}
}

func TestPlanDeterministic(t *testing.T) {
	where := and(eq(col(0, 1), lit(Text("a"))), eq(col(0, 2), lit(Int(1))))
	a := mustPlan(t, starSelect("users", where)).Explain()
	b := mustPlan(t, starSelect("users", where)).Explain()
	if a != b {
		t.Fatalf("same statement planned differently:\n%s\nvs\n%s", a, b)
	}
	if !strings.Contains(a, "IndexSeek") {
		t.Fatalf("explain output missing the chosen path:\n%s", a)
	}
}
