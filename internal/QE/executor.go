// Package QE executes physical plans against a page source snapshot.
// Results are fully materialized; at embedded scale that keeps the
// operator code straightforward and the snapshot window short.
package QE

import (
	"sort"
	"strings"

	"github.com/decentdb/decentdb/internal/DS"
	"github.com/decentdb/decentdb/internal/QP"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
	"github.com/decentdb/decentdb/internal/SF/util"
)

// Row is one result tuple.
type Row []QP.Value

// Executor runs plan trees over a single snapshot.
type Executor struct {
	src   DS.PageSource
	bases map[int]int // FROM-list position → column offset in joined rows
}

func New(src DS.PageSource) *Executor {
	util.AssertNotNil(src, "src")
	return &Executor{src: src, bases: map[int]int{-1: 0}}
}

// Execute runs the plan and returns all result rows.
func (e *Executor) Execute(p *QP.Plan) ([]Row, error) {
	e.assignBases(p, 0)
	return e.run(p)
}

// assignBases walks access-path leaves left to right, recording where
// each table's columns start in the joined row. Left-deep join order
// matches FROM order, so the walk order is the concatenation order.
func (e *Executor) assignBases(p *QP.Plan, next int) int {
	if p == nil {
		return next
	}
	switch p.Kind {
	case QP.PlanTableScan, QP.PlanRowidSeek, QP.PlanIndexSeek, QP.PlanTrigramSeek:
		if _, seen := e.bases[p.TableNo]; !seen {
			e.bases[p.TableNo] = next
		}
		return next + len(p.Table.Columns)
	case QP.PlanUnionDistinct, QP.PlanAppend, QP.PlanIntersect, QP.PlanExcept:
		// A compound's sides are complete statements with their own
		// FROM lists; they resolve their bases in fresh scopes.
		if p.Compound {
			return next
		}
	}
	next = e.assignBases(p.Left, next)
	next = e.assignBases(p.Right, next)
	return e.assignBases(p.Input, next)
}

// setOpInputs materializes both sides of a set operation. Compound sides
// run in their own scope, so two statements' FROM-list positions never
// collide; OR-rewrite branches share the enclosing scope.
func (e *Executor) setOpInputs(p *QP.Plan) (left, right []Row, err error) {
	if p.Compound {
		if left, err = e.branch(p.Left); err != nil {
			return nil, nil, err
		}
		right, err = e.branch(p.Right)
		return left, right, err
	}
	if left, err = e.run(p.Left); err != nil {
		return nil, nil, err
	}
	right, err = e.run(p.Right)
	return left, right, err
}

// branch runs a subtree in a fresh base-resolution scope.
func (e *Executor) branch(p *QP.Plan) ([]Row, error) {
	sub := &Executor{src: e.src, bases: map[int]int{-1: 0}}
	sub.assignBases(p, 0)
	return sub.run(p)
}

func (e *Executor) run(p *QP.Plan) ([]Row, error) {
	switch p.Kind {
	case QP.PlanTableScan:
		return e.tableScan(p)
	case QP.PlanRowidSeek:
		return e.rowidSeek(p)
	case QP.PlanIndexSeek:
		return e.indexSeek(p)
	case QP.PlanTrigramSeek:
		return e.trigramSeek(p)
	case QP.PlanFilter:
		return e.filter(p)
	case QP.PlanProject:
		return e.project(p)
	case QP.PlanJoin:
		return e.join(p)
	case QP.PlanSort:
		return e.sortRows(p)
	case QP.PlanAggregate:
		return e.aggregate(p)
	case QP.PlanLimit:
		return e.limit(p)
	case QP.PlanUnionDistinct:
		return e.unionDistinct(p)
	case QP.PlanAppend:
		return e.append2(p)
	case QP.PlanIntersect:
		return e.intersect(p)
	case QP.PlanExcept:
		return e.except(p)
	case QP.PlanStatement:
		return nil, sferr.New(sferr.DDB_INTERNAL, "statement plans run through the transaction API, not the executor")
	default:
		return nil, sferr.Errorf(sferr.DDB_INTERNAL, "unknown plan node %s", p.Kind)
	}
}

// emit applies the node's residual condition before accepting a row.
func (e *Executor) emit(p *QP.Plan, out []Row, row Row) ([]Row, error) {
	if p.Cond != nil {
		v, err := e.eval(p.Cond, row)
		if err != nil {
			return out, err
		}
		if !v.Truthy() {
			return out, nil
		}
	}
	return append(out, row), nil
}

func (e *Executor) tableScan(p *QP.Plan) ([]Row, error) {
	bt := DS.NewBTree(p.Table.Root, false)
	cur, err := bt.Seek(e.src, nil)
	if err != nil {
		return nil, err
	}
	var out []Row
	for cur.Valid() {
		val, err := cur.Value()
		if err != nil {
			return nil, err
		}
		row, err := QP.RecordDecode(val)
		if err != nil {
			return nil, err
		}
		if out, err = e.emit(p, out, row); err != nil {
			return nil, err
		}
		if err := cur.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Executor) rowidSeek(p *QP.Plan) ([]Row, error) {
	row, found, err := e.fetchByRowid(p.Table, p.Rowid.I)
	if err != nil || !found {
		return nil, err
	}
	return e.emit(p, nil, row)
}

func (e *Executor) fetchByRowid(table *QP.TableMeta, rowid int64) (Row, bool, error) {
	bt := DS.NewBTree(table.Root, false)
	val, err := bt.Search(e.src, DS.EncodeRowidKey(rowid))
	if err != nil || val == nil {
		return nil, false, err
	}
	row, err := QP.RecordDecode(val)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// indexSeek scans the index ranges whose keys start with an encoding of
// the seek value and resolves each entry's rowid suffix back to the base
// table. Numeric values probe both the INTEGER and the REAL encoding, so
// the seek finds every row the equivalent scan-and-filter would.
func (e *Executor) indexSeek(p *QP.Plan) ([]Row, error) {
	var out []Row
	for _, prefix := range QP.IndexKeyProbes(p.SeekVal) {
		var err error
		if out, err = e.indexProbe(p, prefix, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Executor) indexProbe(p *QP.Plan, prefix []byte, out []Row) ([]Row, error) {
	bt := DS.NewBTree(p.Index.Root, false)
	cur, err := bt.Seek(e.src, prefix)
	if err != nil {
		return nil, err
	}
	for cur.Valid() {
		key, err := cur.Key()
		if err != nil {
			return nil, err
		}
		if len(key) < len(prefix)+8 || !hasPrefix(key, prefix) {
			break
		}
		rowid := DS.DecodeRowidKey(key[len(key)-8:])
		row, found, err := e.fetchByRowid(p.Table, rowid)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, sferr.Errorf(sferr.DDB_CORRUPT, "index %s references missing rowid %d", p.Index.Name, rowid)
		}
		if out, err = e.emit(p, out, row); err != nil {
			return nil, err
		}
		if err := cur.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// trigramSeek fetches candidate rowids from the trigram index and
// re-checks the residual condition, which always contains the original
// LIKE, against each row. Candidates over-approximate.
func (e *Executor) trigramSeek(p *QP.Plan) ([]Row, error) {
	idx := DS.NewTrigramIndex(p.Index.Root)
	cands, all, err := idx.Candidates(e.src, p.Pattern)
	if err != nil {
		return nil, err
	}
	if all {
		// No usable shingle in the pattern; fall back to scanning.
		scan := *p
		scan.Kind = QP.PlanTableScan
		return e.tableScan(&scan)
	}
	rowids := make([]int64, 0, len(cands))
	for id := range cands {
		rowids = append(rowids, id)
	}
	sort.Slice(rowids, func(i, j int) bool { return rowids[i] < rowids[j] })
	var out []Row
	for _, id := range rowids {
		row, found, err := e.fetchByRowid(p.Table, id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if out, err = e.emit(p, out, row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Executor) filter(p *QP.Plan) ([]Row, error) {
	rows, err := e.run(p.Input)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, row := range rows {
		v, err := e.eval(p.Cond, row)
		if err != nil {
			return nil, err
		}
		if v.Truthy() {
			out = append(out, row)
		}
	}
	return out, nil
}

func (e *Executor) project(p *QP.Plan) ([]Row, error) {
	rows, err := e.run(p.Input)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		proj := make(Row, len(p.Columns))
		for i, col := range p.Columns {
			v, err := e.eval(col.Expr, row)
			if err != nil {
				return nil, err
			}
			proj[i] = v
		}
		out = append(out, proj)
	}
	return out, nil
}

// join is a nested loop with the right side materialized once.
func (e *Executor) join(p *QP.Plan) ([]Row, error) {
	left, err := e.run(p.Left)
	if err != nil {
		return nil, err
	}
	right, err := e.run(p.Right)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, l := range left {
		for _, r := range right {
			combined := make(Row, 0, len(l)+len(r))
			combined = append(combined, l...)
			combined = append(combined, r...)
			if p.Cond != nil {
				v, err := e.eval(p.Cond, combined)
				if err != nil {
					return nil, err
				}
				if !v.Truthy() {
					continue
				}
			}
			out = append(out, combined)
		}
	}
	return out, nil
}

// sortRows orders materialized rows. Order terms address output columns,
// so a ColumnRef here carries Table == -1 and its Column is the result
// ordinal.
func (e *Executor) sortRows(p *QP.Plan) ([]Row, error) {
	rows, err := e.run(p.Input)
	if err != nil {
		return nil, err
	}
	var evalErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range p.OrderBy {
			a, err := e.eval(term.Expr, rows[i])
			if err != nil && evalErr == nil {
				evalErr = err
			}
			b, err := e.eval(term.Expr, rows[j])
			if err != nil && evalErr == nil {
				evalErr = err
			}
			c := QP.Compare(a, b)
			if c == 0 {
				continue
			}
			if term.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	if evalErr != nil {
		return nil, evalErr
	}
	return rows, nil
}

func (e *Executor) limit(p *QP.Plan) ([]Row, error) {
	rows, err := e.run(p.Input)
	if err != nil {
		return nil, err
	}
	if p.Offset > 0 {
		if p.Offset >= int64(len(rows)) {
			return nil, nil
		}
		rows = rows[p.Offset:]
	}
	if p.Limit != nil && *p.Limit < int64(len(rows)) {
		rows = rows[:*p.Limit]
	}
	return rows, nil
}

func (e *Executor) unionDistinct(p *QP.Plan) ([]Row, error) {
	left, right, err := e.setOpInputs(p)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []Row
	for _, row := range left {
		if k := rowKey(row); !seen[k] {
			seen[k] = true
			out = append(out, row)
		}
	}
	for _, row := range right {
		if k := rowKey(row); !seen[k] {
			seen[k] = true
			out = append(out, row)
		}
	}
	return out, nil
}

func (e *Executor) append2(p *QP.Plan) ([]Row, error) {
	left, right, err := e.setOpInputs(p)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (e *Executor) intersect(p *QP.Plan) ([]Row, error) {
	left, right, err := e.setOpInputs(p)
	if err != nil {
		return nil, err
	}
	inRight := make(map[string]bool, len(right))
	for _, row := range right {
		inRight[rowKey(row)] = true
	}
	seen := make(map[string]bool)
	var out []Row
	for _, row := range left {
		k := rowKey(row)
		if inRight[k] && !seen[k] {
			seen[k] = true
			out = append(out, row)
		}
	}
	return out, nil
}

func (e *Executor) except(p *QP.Plan) ([]Row, error) {
	left, right, err := e.setOpInputs(p)
	if err != nil {
		return nil, err
	}
	inRight := make(map[string]bool, len(right))
	for _, row := range right {
		inRight[rowKey(row)] = true
	}
	seen := make(map[string]bool)
	var out []Row
	for _, row := range left {
		k := rowKey(row)
		if !inRight[k] && !seen[k] {
			seen[k] = true
			out = append(out, row)
		}
	}
	return out, nil
}

// rowKey is a canonical byte form used for distinctness.
func rowKey(row Row) string {
	return string(QP.RecordEncode(row))
}

func hasPrefix(b, prefix []byte) bool {
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

// eval computes a scalar expression over a joined row. Comparisons with
// a NULL operand yield NULL, which is not truthy.
func (e *Executor) eval(expr QP.Expr, row Row) (QP.Value, error) {
	switch ex := expr.(type) {
	case *QP.Literal:
		return ex.Val, nil
	case *QP.ColumnRef:
		base, ok := e.bases[ex.Table]
		if !ok {
			return QP.Value{}, sferr.Errorf(sferr.DDB_INTERNAL, "unresolved table position %d", ex.Table)
		}
		pos := base + ex.Column
		if pos < 0 || pos >= len(row) {
			return QP.Value{}, sferr.Errorf(sferr.DDB_INTERNAL, "column position %d out of range", pos)
		}
		return row[pos], nil
	case *QP.BinaryExpr:
		return e.evalBinary(ex, row)
	case *QP.FuncExpr:
		return QP.Value{}, sferr.Errorf(sferr.DDB_INTERNAL, "function %s outside aggregation", ex.Name)
	default:
		return QP.Value{}, sferr.Errorf(sferr.DDB_INTERNAL, "unknown expression type %T", expr)
	}
}

func (e *Executor) evalBinary(ex *QP.BinaryExpr, row Row) (QP.Value, error) {
	left, err := e.eval(ex.Left, row)
	if err != nil {
		return QP.Value{}, err
	}
	// AND and OR short-circuit when the left side already decides, and
	// follow three-valued logic otherwise: NULL AND true is NULL, but
	// NULL AND false is false, and dually for OR.
	switch ex.Op {
	case QP.OpAnd:
		if !left.IsNull() && !left.Truthy() {
			return QP.Bool(false), nil
		}
		right, err := e.eval(ex.Right, row)
		if err != nil {
			return QP.Value{}, err
		}
		switch {
		case !right.IsNull() && !right.Truthy():
			return QP.Bool(false), nil
		case left.IsNull() || right.IsNull():
			return QP.Null(), nil
		}
		return QP.Bool(true), nil
	case QP.OpOr:
		if !left.IsNull() && left.Truthy() {
			return QP.Bool(true), nil
		}
		right, err := e.eval(ex.Right, row)
		if err != nil {
			return QP.Value{}, err
		}
		switch {
		case !right.IsNull() && right.Truthy():
			return QP.Bool(true), nil
		case left.IsNull() || right.IsNull():
			return QP.Null(), nil
		}
		return QP.Bool(false), nil
	}

	right, err := e.eval(ex.Right, row)
	if err != nil {
		return QP.Value{}, err
	}

	switch ex.Op {
	case QP.OpEq, QP.OpNe, QP.OpLt, QP.OpLe, QP.OpGt, QP.OpGe:
		if left.IsNull() || right.IsNull() {
			return QP.Null(), nil
		}
		c := QP.Compare(left, right)
		switch ex.Op {
		case QP.OpEq:
			return QP.Bool(c == 0), nil
		case QP.OpNe:
			return QP.Bool(c != 0), nil
		case QP.OpLt:
			return QP.Bool(c < 0), nil
		case QP.OpLe:
			return QP.Bool(c <= 0), nil
		case QP.OpGt:
			return QP.Bool(c > 0), nil
		default:
			return QP.Bool(c >= 0), nil
		}
	case QP.OpAdd, QP.OpSub, QP.OpMul, QP.OpDiv:
		return evalArith(ex.Op, left, right)
	case QP.OpLike, QP.OpILike:
		if left.IsNull() || right.IsNull() {
			return QP.Null(), nil
		}
		if left.Kind != QP.KindText || right.Kind != QP.KindText {
			return QP.Bool(false), nil
		}
		return QP.Bool(MatchLike(right.S, left.S, ex.Op == QP.OpILike)), nil
	default:
		return QP.Value{}, sferr.Errorf(sferr.DDB_INTERNAL, "unknown operator %s", ex.Op)
	}
}

func evalArith(op QP.Op, left, right QP.Value) (QP.Value, error) {
	if left.IsNull() || right.IsNull() {
		return QP.Null(), nil
	}
	if left.Kind == QP.KindInt && right.Kind == QP.KindInt {
		switch op {
		case QP.OpAdd:
			return QP.Int(left.I + right.I), nil
		case QP.OpSub:
			return QP.Int(left.I - right.I), nil
		case QP.OpMul:
			return QP.Int(left.I * right.I), nil
		default:
			if right.I == 0 {
				return QP.Null(), nil
			}
			return QP.Int(left.I / right.I), nil
		}
	}
	lf, rf := left.AsFloat(), right.AsFloat()
	switch op {
	case QP.OpAdd:
		return QP.Float(lf + rf), nil
	case QP.OpSub:
		return QP.Float(lf - rf), nil
	case QP.OpMul:
		return QP.Float(lf * rf), nil
	default:
		if rf == 0 {
			return QP.Null(), nil
		}
		return QP.Float(lf / rf), nil
	}
}

// MatchLike implements SQL LIKE over UTF-8 text. Percent matches any
// run, underscore matches one character, backslash escapes the next
// pattern character.
func MatchLike(pattern, text string, fold bool) bool {
	if fold {
		pattern = strings.ToLower(pattern)
		text = strings.ToLower(text)
	}
	return likeMatch([]rune(pattern), []rune(text))
}

func likeMatch(pat, txt []rune) bool {
	for len(pat) > 0 {
		switch pat[0] {
		case '%':
			// Collapse adjacent percents, then try every suffix.
			for len(pat) > 0 && pat[0] == '%' {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(txt); i++ {
				if likeMatch(pat, txt[i:]) {
					return true
				}
			}
			return false
		case '_':
			if len(txt) == 0 {
				return false
			}
			pat, txt = pat[1:], txt[1:]
		case '\\':
			if len(pat) < 2 || len(txt) == 0 || txt[0] != pat[1] {
				return false
			}
			pat, txt = pat[2:], txt[1:]
		default:
			if len(txt) == 0 || txt[0] != pat[0] {
				return false
			}
			pat, txt = pat[1:], txt[1:]
		}
	}
	return len(txt) == 0
}
