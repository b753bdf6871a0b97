package QP

// The planner consumes a bound statement tree: column references have
// already been resolved to table and ordinal positions, so planning and
// execution never touch name resolution.

// Op enumerates the binary operators a predicate or projection can use.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpLike
	OpILike
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpAnd:
		return "AND"
	case OpOr:
		return "OR"
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpLike:
		return "LIKE"
	case OpILike:
		return "ILIKE"
	default:
		return "?"
	}
}

// Expr is a bound scalar expression.
type Expr interface {
	exprNode()
}

// Literal is a constant value.
type Literal struct {
	Val Value
}

// ColumnRef addresses a column by table position and column ordinal
// within the statement's FROM list.
type ColumnRef struct {
	Table  int // index into SelectStmt.Tables
	Column int // ordinal in the table's column list
	Name   string
}

// BinaryExpr applies Op to two operands.
type BinaryExpr struct {
	Op    Op
	Left  Expr
	Right Expr
}

// FuncExpr is an aggregate or scalar function call. Star marks COUNT(*).
type FuncExpr struct {
	Name string
	Args []Expr
	Star bool
}

func (*Literal) exprNode()    {}
func (*ColumnRef) exprNode()  {}
func (*BinaryExpr) exprNode() {}
func (*FuncExpr) exprNode()   {}

// Statement is any bound statement. SelectStmt and SetOpStmt plan to
// executable trees; anything else plans to a passthrough node carried
// out by the transaction machinery.
type Statement interface {
	stmtNode()
}

// TableRef names one FROM-list entry.
type TableRef struct {
	Name  string
	Alias string
}

// OrderTerm is one ORDER BY item.
type OrderTerm struct {
	Expr Expr
	Desc bool
}

// SelectColumn is one output column with an optional label.
type SelectColumn struct {
	Expr  Expr
	Label string
}

// SelectStmt is a bound SELECT over one or more tables. A nil Limit
// means no LIMIT clause.
type SelectStmt struct {
	Columns []SelectColumn
	Tables  []TableRef
	Where   Expr
	GroupBy []Expr
	OrderBy []OrderTerm
	Limit   *int64
	Offset  int64
}

// SetOpKind selects the compound operator joining two statements.
type SetOpKind int

const (
	SetUnion SetOpKind = iota
	SetUnionAll
	SetIntersect
	SetExcept
)

func (k SetOpKind) String() string {
	switch k {
	case SetUnion:
		return "UNION"
	case SetUnionAll:
		return "UNION ALL"
	case SetIntersect:
		return "INTERSECT"
	default:
		return "EXCEPT"
	}
}

// SetOpStmt combines two statements with a set operator.
type SetOpStmt struct {
	Kind  SetOpKind
	Left  Statement
	Right Statement
}

func (*SelectStmt) stmtNode() {}
func (*SetOpStmt) stmtNode()  {}
