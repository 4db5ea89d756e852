package query

// LiteralKind identifies the type of a Literal expression node.
type LiteralKind int

const (
	LiteralNumber LiteralKind = iota
	LiteralString
	LiteralBool
	LiteralNull
)

// Expr is a node of the filter-expression tree described in
// spec.md §3: literal, field-path access, comparison, or boolean
// combinator. Only these four node kinds are ever SQL-compilable by
// C4; anything richer never reaches this tree — it is captured whole
// as Plan.Residual instead (see parser.go parseFilterOp).
type Expr interface {
	exprNode()
}

// Literal is a constant value: number, string, bool, or null.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Bool bool
}

func (*Literal) exprNode() {}

// FieldPath is a dotted field access rooted at the lambda parameter,
// e.g. `r.a.b` parses to Path: ["a", "b"].
type FieldPath struct {
	Path []string
}

func (*FieldPath) exprNode() {}

// CompareOp enumerates the comparison operators spec.md §3 allows.
type CompareOp string

const (
	CmpEq CompareOp = "="
	CmpNe CompareOp = "!="
	CmpLt CompareOp = "<"
	CmpLe CompareOp = "<="
	CmpGt CompareOp = ">"
	CmpGe CompareOp = ">="
)

// Comparison compares two operands, each a Literal or a FieldPath.
type Comparison struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

func (*Comparison) exprNode() {}

// LogicalOp enumerates the boolean combinators spec.md §3 allows.
type LogicalOp string

const (
	LogAnd LogicalOp = "and"
	LogOr  LogicalOp = "or"
	LogNot LogicalOp = "not"
)

// Logical combines one (Not) or more (And/Or) sub-expressions.
type Logical struct {
	Op   LogicalOp
	Args []Expr
}

func (*Logical) exprNode() {}

// OrderDirection is the sort direction for an OrderBy clause.
type OrderDirection string

const (
	Asc  OrderDirection = "asc"
	Desc OrderDirection = "desc"
)

// OrderSpec is a single-field ORDER BY clause.
type OrderSpec struct {
	Field     string
	Direction OrderDirection
}

// TerminalKind enumerates the terminal operations a plan can end in.
type TerminalKind int

const (
	TerminalRun TerminalKind = iota
	TerminalChanges
	TerminalGet
	TerminalInsert
	TerminalUpdate
	TerminalDelete
)

// Value is a parsed JSON-like literal used for insert/update object
// literals: map[string]Value, []Value, string, float64, bool, or nil.
type Value = any
