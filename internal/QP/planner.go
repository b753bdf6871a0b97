package QP

import (
	"github.com/decentdb/decentdb/internal/DS"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// Planner turns bound statements into physical plan trees. Planning is
// deterministic: the same statement against the same catalog always
// yields the same plan.
type Planner struct {
	cat Catalog
}

func NewPlanner(cat Catalog) *Planner {
	util.AssertNotNil(cat, "cat")
	return &Planner{cat: cat}
}

// Plan builds a physical plan for the statement. Planning is total:
// queries never fail for lack of an index (the fallback is always a scan
// plus filter), and anything that is not a query becomes a passthrough
// node the transaction machinery executes.
func (pl *Planner) Plan(stmt Statement) (*Plan, error) {
	switch s := stmt.(type) {
	case *SelectStmt:
		return pl.planSelect(s)
	case *SetOpStmt:
		return pl.planSetOp(s)
	default:
		return &Plan{Kind: PlanStatement, Stmt: stmt}, nil
	}
}

func (pl *Planner) planSetOp(s *SetOpStmt) (*Plan, error) {
	left, err := pl.Plan(s.Left)
	if err != nil {
		return nil, err
	}
	right, err := pl.Plan(s.Right)
	if err != nil {
		return nil, err
	}
	var kind PlanKind
	switch s.Kind {
	case SetUnion:
		kind = PlanUnionDistinct
	case SetUnionAll:
		kind = PlanAppend
	case SetIntersect:
		kind = PlanIntersect
	default:
		kind = PlanExcept
	}
	return &Plan{Kind: kind, Left: left, Right: right, Compound: true}, nil
}

func (pl *Planner) planSelect(s *SelectStmt) (*Plan, error) {
	if len(s.Tables) == 0 {
		return nil, sferr.New(sferr.DDB_INTERNAL, "select without tables")
	}
	tables := make([]*TableMeta, len(s.Tables))
	indexes := make([][]*IndexMeta, len(s.Tables))
	for i, ref := range s.Tables {
		meta, err := pl.cat.Table(ref.Name)
		if err != nil {
			return nil, err
		}
		tables[i] = meta
		idx, err := pl.cat.Indexes(ref.Name)
		if err != nil {
			return nil, err
		}
		indexes[i] = idx
	}

	var node *Plan
	if len(s.Tables) == 1 {
		if rewritten := pl.tryOrRewrite(s, tables[0], indexes[0]); rewritten != nil {
			node = rewritten
		}
	}
	if node == nil {
		var err error
		node, err = pl.planFrom(s, tables, indexes)
		if err != nil {
			return nil, err
		}
	}
	return pl.wrapOutput(s, node), nil
}

// planFrom builds the access and join portion of a SELECT: per-table
// access paths from pushed-down conjuncts, a left-deep join chain, and a
// top filter for what could not be pushed.
func (pl *Planner) planFrom(s *SelectStmt, tables []*TableMeta, indexes [][]*IndexMeta) (*Plan, error) {
	conjuncts := splitConjuncts(s.Where)

	pushed := make([][]Expr, len(tables))
	var deferred []Expr // constant and multi-table conjuncts
	for _, c := range conjuncts {
		refs := exprTables(c)
		if len(refs) == 1 {
			for t := range refs {
				pushed[t] = append(pushed[t], c)
			}
		} else {
			// Constant predicates stay above the joins so a false WHERE 0
			// does not degrade each table's access path choice.
			deferred = append(deferred, c)
		}
	}

	access := make([]*Plan, len(tables))
	for i := range tables {
		access[i] = chooseAccessPath(i, tables[i], indexes[i], pushed[i])
	}

	node := access[0]
	joined := map[int]bool{0: true}
	for i := 1; i < len(access); i++ {
		joined[i] = true
		join := &Plan{Kind: PlanJoin, Left: node, Right: access[i]}
		// Pull in any deferred conjunct whose tables are now all joined.
		var still []Expr
		for _, c := range deferred {
			if coveredBy(c, joined) {
				join.Cond = combineAnd(join.Cond, c)
			} else {
				still = append(still, c)
			}
		}
		deferred = still
		node = join
	}
	if rest := andAll(deferred); rest != nil {
		node = &Plan{Kind: PlanFilter, Input: node, Cond: rest}
	}
	return node, nil
}

// tryOrRewrite turns a single-table WHERE with a top-level OR into a
// UNION of indexed branches. All or nothing: if any disjunct cannot use
// an index, the rewrite is abandoned and the caller falls back to a
// scan. Duplicate suppression in UnionDistinct keeps rows matching
// several disjuncts from appearing twice.
func (pl *Planner) tryOrRewrite(s *SelectStmt, table *TableMeta, indexes []*IndexMeta) *Plan {
	disjuncts := splitDisjuncts(s.Where)
	if len(disjuncts) < 2 {
		return nil
	}
	branches := make([]*Plan, len(disjuncts))
	for i, d := range disjuncts {
		branch := chooseAccessPath(0, table, indexes, splitConjuncts(d))
		if branch.Kind == PlanTableScan {
			return nil
		}
		branches[i] = branch
	}
	node := branches[0]
	for _, b := range branches[1:] {
		node = &Plan{Kind: PlanUnionDistinct, Left: node, Right: b}
	}
	return node
}

// wrapOutput stacks aggregation or projection, then sort, then limit on
// top of the row-producing subtree.
func (pl *Planner) wrapOutput(s *SelectStmt, node *Plan) *Plan {
	if len(s.GroupBy) > 0 || hasAggregate(s.Columns) {
		node = &Plan{Kind: PlanAggregate, Input: node, Columns: s.Columns, GroupBy: s.GroupBy}
	} else {
		node = &Plan{Kind: PlanProject, Input: node, Columns: s.Columns}
	}
	if len(s.OrderBy) > 0 {
		node = &Plan{Kind: PlanSort, Input: node, OrderBy: s.OrderBy}
	}
	if s.Limit != nil || s.Offset > 0 {
		node = &Plan{Kind: PlanLimit, Input: node, Limit: s.Limit, Offset: s.Offset}
	}
	return node
}

// chooseAccessPath picks the cheapest access path the conjuncts allow:
// rowid seek, then B+Tree index seek, then trigram seek, then full scan.
// Within a class the first matching conjunct in source order wins, which
// keeps plans stable across runs. Conjuncts the path does not fully
// answer are attached as a residual condition.
func chooseAccessPath(tableNo int, table *TableMeta, indexes []*IndexMeta, conjuncts []Expr) *Plan {
	base := &Plan{Table: table, TableNo: tableNo}

	// Rowid equality is exact and unique; nothing beats it.
	for i, c := range conjuncts {
		if col, lit, ok := equalityOn(c, tableNo); ok && col == table.RowidColumn && lit.Kind == KindInt {
			base.Kind = PlanRowidSeek
			base.Rowid = lit
			base.Cond = andAll(without(conjuncts, i))
			return base
		}
	}

	for i, c := range conjuncts {
		if col, lit, ok := equalityOn(c, tableNo); ok {
			if idx := findIndex(indexes, col, IndexBTree); idx != nil {
				base.Kind = PlanIndexSeek
				base.Index = idx
				base.SeekVal = lit
				base.Cond = andAll(without(conjuncts, i))
				return base
			}
		}
	}

	for _, c := range conjuncts {
		if col, pattern, fold, ok := likeOn(c, tableNo); ok {
			if idx := findIndex(indexes, col, IndexTrigram); idx != nil {
				if len(DS.PatternShingles(pattern)) > 0 {
					base.Kind = PlanTrigramSeek
					base.Index = idx
					base.Pattern = pattern
					base.CaseFold = fold
					// Trigram candidates over-approximate, so the LIKE
					// conjunct itself stays in the residual re-check.
					base.Cond = andAll(conjuncts)
					return base
				}
			}
		}
	}

	base.Kind = PlanTableScan
	base.Cond = andAll(conjuncts)
	return base
}

// findIndex returns the first index of the given kind on the column, in
// catalog creation order.
func findIndex(indexes []*IndexMeta, col int, kind IndexKind) *IndexMeta {
	for _, idx := range indexes {
		if idx.Column == col && idx.Kind == kind {
			return idx
		}
	}
	return nil
}

// equalityOn matches `col = literal` or `literal = col` against the
// given table.
func equalityOn(e Expr, tableNo int) (col int, lit Value, ok bool) {
	be, isBin := e.(*BinaryExpr)
	if !isBin || be.Op != OpEq {
		return 0, Value{}, false
	}
	if c, l, ok := colAndLit(be.Left, be.Right, tableNo); ok {
		return c, l, true
	}
	return colAndLit(be.Right, be.Left, tableNo)
}

// likeOn matches `col LIKE 'pattern'` (or ILIKE) against the given table.
func likeOn(e Expr, tableNo int) (col int, pattern string, fold bool, ok bool) {
	be, isBin := e.(*BinaryExpr)
	if !isBin || (be.Op != OpLike && be.Op != OpILike) {
		return 0, "", false, false
	}
	cr, isCol := be.Left.(*ColumnRef)
	lit, isLit := be.Right.(*Literal)
	if !isCol || !isLit || cr.Table != tableNo || lit.Val.Kind != KindText {
		return 0, "", false, false
	}
	return cr.Column, lit.Val.S, be.Op == OpILike, true
}

func colAndLit(a, b Expr, tableNo int) (int, Value, bool) {
	cr, isCol := a.(*ColumnRef)
	lit, isLit := b.(*Literal)
	if !isCol || !isLit || cr.Table != tableNo {
		return 0, Value{}, false
	}
	return cr.Column, lit.Val, true
}

// splitConjuncts flattens nested ANDs into a conjunct list, preserving
// source order. A nil expression yields an empty list.
func splitConjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if be, ok := e.(*BinaryExpr); ok && be.Op == OpAnd {
		return append(splitConjuncts(be.Left), splitConjuncts(be.Right)...)
	}
	return []Expr{e}
}

// splitDisjuncts flattens nested ORs, preserving source order.
func splitDisjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if be, ok := e.(*BinaryExpr); ok && be.Op == OpOr {
		return append(splitDisjuncts(be.Left), splitDisjuncts(be.Right)...)
	}
	return []Expr{e}
}

func combineAnd(a, b Expr) Expr {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &BinaryExpr{Op: OpAnd, Left: a, Right: b}
}

func andAll(exprs []Expr) Expr {
	var out Expr
	for _, e := range exprs {
		out = combineAnd(out, e)
	}
	return out
}

func without(exprs []Expr, skip int) []Expr {
	out := make([]Expr, 0, len(exprs)-1)
	for i, e := range exprs {
		if i != skip {
			out = append(out, e)
		}
	}
	return out
}

// exprTables collects the FROM-list positions an expression references.
func exprTables(e Expr) map[int]bool {
	refs := make(map[int]bool)
	collectTables(e, refs)
	return refs
}

func collectTables(e Expr, refs map[int]bool) {
	switch ex := e.(type) {
	case *ColumnRef:
		refs[ex.Table] = true
	case *BinaryExpr:
		collectTables(ex.Left, refs)
		collectTables(ex.Right, refs)
	case *FuncExpr:
		for _, a := range ex.Args {
			collectTables(a, refs)
		}
	}
}

func coveredBy(e Expr, joined map[int]bool) bool {
	for t := range exprTables(e) {
		if !joined[t] {
			return false
		}
	}
	return true
}

func hasAggregate(cols []SelectColumn) bool {
	for _, c := range cols {
		if containsAggregate(c.Expr) {
			return true
		}
	}
	return false
}

func containsAggregate(e Expr) bool {
	switch ex := e.(type) {
	case *FuncExpr:
		if IsAggregateFunc(ex.Name) {
			return true
		}
		for _, a := range ex.Args {
			if containsAggregate(a) {
				return true
			}
		}
	case *BinaryExpr:
		return containsAggregate(ex.Left) || containsAggregate(ex.Right)
	}
	return false
}

// IsAggregateFunc reports whether name is a supported aggregate.
func IsAggregateFunc(name string) bool {
	switch name {
	case "count", "sum", "avg", "min", "max":
		return true
	}
	return false
}
