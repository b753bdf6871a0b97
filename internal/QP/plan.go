package QP

import (
	"fmt"
	"strings"
)

// PlanKind identifies a physical plan node.
type PlanKind int

const (
	// Access paths, best to worst.
	PlanRowidSeek PlanKind = iota
	PlanIndexSeek
	PlanTrigramSeek
	PlanTableScan

	// Relational operators.
	PlanFilter
	PlanProject
	PlanJoin
	PlanSort
	PlanAggregate
	PlanLimit

	// Compound operators.
	PlanUnionDistinct
	PlanAppend
	PlanIntersect
	PlanExcept

	// PlanStatement passes a non-SELECT statement through unchanged;
	// the transaction machinery, not the executor, carries it out.
	PlanStatement
)

func (k PlanKind) String() string {
	switch k {
	case PlanRowidSeek:
		return "RowidSeek"
	case PlanIndexSeek:
		return "IndexSeek"
	case PlanTrigramSeek:
		return "TrigramSeek"
	case PlanTableScan:
		return "TableScan"
	case PlanFilter:
		return "Filter"
	case PlanProject:
		return "Project"
	case PlanJoin:
		return "Join"
	case PlanSort:
		return "Sort"
	case PlanAggregate:
		return "Aggregate"
	case PlanLimit:
		return "Limit"
	case PlanUnionDistinct:
		return "UnionDistinct"
	case PlanAppend:
		return "Append"
	case PlanIntersect:
		return "Intersect"
	case PlanExcept:
		return "Except"
	case PlanStatement:
		return "Statement"
	default:
		return "Unknown"
	}
}

// Plan is one node of a physical plan tree. Which fields are meaningful
// depends on Kind; access-path nodes are leaves, the rest take inputs.
type Plan struct {
	Kind PlanKind

	// Access path leaves.
	Table    *TableMeta
	TableNo  int // position in the statement's FROM list
	Index    *IndexMeta
	Rowid    Value  // PlanRowidSeek equality key
	SeekVal  Value  // PlanIndexSeek equality key
	Pattern  string // PlanTrigramSeek LIKE pattern
	CaseFold bool   // pattern came from ILIKE

	// Operator inputs.
	Input *Plan
	Left  *Plan
	Right *Plan

	// Compound marks a set operation joining two complete statements,
	// each with its own FROM scope. The OR-to-UNION rewrite also builds
	// UnionDistinct nodes, but its branches share one FROM list and
	// leaves Compound unset.
	Compound bool

	// PlanFilter and PlanJoin predicates. Access-path nodes also carry a
	// residual Cond the executor re-checks per row.
	Cond Expr

	// PlanProject output and PlanAggregate grouping.
	Columns []SelectColumn
	GroupBy []Expr

	// PlanSort terms.
	OrderBy []OrderTerm

	// PlanLimit bounds.
	Limit  *int64
	Offset int64

	// PlanStatement payload.
	Stmt Statement
}

// Explain renders the plan tree one node per line for tests and tooling.
func (p *Plan) Explain() string {
	var b strings.Builder
	p.explain(&b, 0)
	return b.String()
}

func (p *Plan) explain(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(p.Kind.String())
	switch p.Kind {
	case PlanTableScan, PlanRowidSeek:
		fmt.Fprintf(b, "(%s)", p.Table.Name)
	case PlanIndexSeek, PlanTrigramSeek:
		fmt.Fprintf(b, "(%s.%s)", p.Table.Name, p.Index.Name)
	}
	b.WriteByte('\n')
	for _, child := range []*Plan{p.Input, p.Left, p.Right} {
		if child != nil {
			child.explain(b, depth+1)
		}
	}
}
