package QE

import (
	"github.com/decentdb/decentdb/internal/QP"
	sferr "github.com/decentdb/decentdb/internal/SF/errors"
)

// aggState accumulates one aggregate function over one group.
type aggState struct {
	fn     *QP.FuncExpr
	count  int64
	sumI   int64
	sumF   float64
	sawF   bool
	best   QP.Value // min or max so far
	hasVal bool
}

func (a *aggState) add(e *Executor, row Row) error {
	var arg QP.Value
	if !a.fn.Star {
		if len(a.fn.Args) != 1 {
			return sferr.Errorf(sferr.DDB_INTERNAL, "aggregate %s wants one argument", a.fn.Name)
		}
		v, err := e.eval(a.fn.Args[0], row)
		if err != nil {
			return err
		}
		arg = v
	}
	switch a.fn.Name {
	case "count":
		// COUNT(*) counts rows, COUNT(x) counts non-NULL values.
		if a.fn.Star || !arg.IsNull() {
			a.count++
		}
	case "sum", "avg":
		if arg.IsNull() {
			return nil
		}
		a.count++
		a.hasVal = true
		if arg.Kind == QP.KindFloat || a.sawF {
			a.sawF = true
			a.sumF += arg.AsFloat()
		} else {
			a.sumI += arg.I
		}
	case "min":
		if arg.IsNull() {
			return nil
		}
		if !a.hasVal || QP.Compare(arg, a.best) < 0 {
			a.best = arg
			a.hasVal = true
		}
	case "max":
		if arg.IsNull() {
			return nil
		}
		if !a.hasVal || QP.Compare(arg, a.best) > 0 {
			a.best = arg
			a.hasVal = true
		}
	default:
		return sferr.Errorf(sferr.DDB_INTERNAL, "unknown aggregate %s", a.fn.Name)
	}
	return nil
}

func (a *aggState) result() QP.Value {
	switch a.fn.Name {
	case "count":
		return QP.Int(a.count)
	case "sum":
		if !a.hasVal {
			return QP.Null()
		}
		if a.sawF {
			return QP.Float(a.sumF + float64(a.sumI))
		}
		return QP.Int(a.sumI)
	case "avg":
		if a.count == 0 {
			return QP.Null()
		}
		return QP.Float((a.sumF + float64(a.sumI)) / float64(a.count))
	default:
		if !a.hasVal {
			return QP.Null()
		}
		return a.best
	}
}

type groupState struct {
	repr Row // first row of the group, for non-aggregate columns
	aggs []*aggState
}

// aggregate groups input rows by the GROUP BY key and evaluates the
// output columns per group. With no GROUP BY the whole input is one
// group, which an empty input still produces for COUNT-style output.
func (e *Executor) aggregate(p *QP.Plan) ([]Row, error) {
	rows, err := e.run(p.Input)
	if err != nil {
		return nil, err
	}

	var fns []*QP.FuncExpr
	for _, col := range p.Columns {
		fns = collectAggs(col.Expr, fns)
	}

	newGroup := func(repr Row) *groupState {
		g := &groupState{repr: repr, aggs: make([]*aggState, len(fns))}
		for i, fn := range fns {
			g.aggs[i] = &aggState{fn: fn}
		}
		return g
	}

	groups := make(map[string]*groupState)
	var order []string
	for _, row := range rows {
		var key string
		if len(p.GroupBy) > 0 {
			gv := make(Row, len(p.GroupBy))
			for i, ge := range p.GroupBy {
				v, err := e.eval(ge, row)
				if err != nil {
					return nil, err
				}
				gv[i] = v
			}
			key = rowKey(gv)
		}
		g, ok := groups[key]
		if !ok {
			g = newGroup(row)
			groups[key] = g
			order = append(order, key)
		}
		for _, a := range g.aggs {
			if err := a.add(e, row); err != nil {
				return nil, err
			}
		}
	}
	if len(groups) == 0 && len(p.GroupBy) == 0 {
		groups[""] = newGroup(nil)
		order = append(order, "")
	}

	var out []Row
	for _, key := range order {
		g := groups[key]
		results := make(map[*QP.FuncExpr]QP.Value, len(g.aggs))
		for _, a := range g.aggs {
			results[a.fn] = a.result()
		}
		proj := make(Row, len(p.Columns))
		for i, col := range p.Columns {
			v, err := e.evalWithAggs(col.Expr, g.repr, results)
			if err != nil {
				return nil, err
			}
			proj[i] = v
		}
		out = append(out, proj)
	}
	return out, nil
}

// evalWithAggs is eval with aggregate function nodes replaced by their
// accumulated results.
func (e *Executor) evalWithAggs(expr QP.Expr, row Row, aggs map[*QP.FuncExpr]QP.Value) (QP.Value, error) {
	switch ex := expr.(type) {
	case *QP.FuncExpr:
		if v, ok := aggs[ex]; ok {
			return v, nil
		}
		return QP.Value{}, sferr.Errorf(sferr.DDB_INTERNAL, "unknown function %s", ex.Name)
	case *QP.BinaryExpr:
		if containsAgg(ex) {
			left, err := e.evalWithAggs(ex.Left, row, aggs)
			if err != nil {
				return QP.Value{}, err
			}
			right, err := e.evalWithAggs(ex.Right, row, aggs)
			if err != nil {
				return QP.Value{}, err
			}
			return e.evalBinary(&QP.BinaryExpr{
				Op:    ex.Op,
				Left:  &QP.Literal{Val: left},
				Right: &QP.Literal{Val: right},
			}, row)
		}
	}
	if row == nil {
		// Empty input with no groups: only aggregates have values.
		if lit, ok := expr.(*QP.Literal); ok {
			return lit.Val, nil
		}
		return QP.Null(), nil
	}
	return e.eval(expr, row)
}

func collectAggs(e QP.Expr, out []*QP.FuncExpr) []*QP.FuncExpr {
	switch ex := e.(type) {
	case *QP.FuncExpr:
		if QP.IsAggregateFunc(ex.Name) {
			out = append(out, ex)
		}
	case *QP.BinaryExpr:
		out = collectAggs(ex.Left, out)
		out = collectAggs(ex.Right, out)
	}
	return out
}

func containsAgg(e QP.Expr) bool {
	switch ex := e.(type) {
	case *QP.FuncExpr:
		return QP.IsAggregateFunc(ex.Name)
	case *QP.BinaryExpr:
		return containsAgg(ex.Left) || containsAgg(ex.Right)
	}
	return false
}
