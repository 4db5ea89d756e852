// Package compiler implements C4 of spec.md: compiling a query.Plan's
// filter/order/limit into backend-specific parameterized SQL plus a
// residual predicate evaluated by eval (C5).
//
// The collection predicate spec.md §4.4 calls mandatory is enforced
// by the storage adapter itself (every List call is always scoped by
// collection), so Compile's output below is the filter/order/limit
// fragment beyond that — the only part that varies by plan.
package compiler

import (
	"fmt"
	"strings"

	"github.com/livetable/livetable/internal/query"
	"github.com/livetable/livetable/internal/storage"
)

// Compiled is the output of compiling one plan: SQL text is stable —
// the same plan compiles to identical SQL and parameter values, per
// spec.md §4.4 and testable property 5, so adapters may safely reuse
// prepared statements.
type Compiled struct {
	WhereSQL    string // "" means no filter beyond TRUE
	Args        []any
	Residual    string // non-empty when the plan carries an uncompilable filter
	FilterParam string // the lambda parameter name Residual's text still references
	Order       *storage.ListOrder
	Limit       *int64
}

// Compile compiles plan's filter, order, and limit against the given
// backend's JSON-path capability.
func Compile(plan *query.Plan, jp storage.JSONPathCompiler) (*Compiled, error) {
	c := &compilerState{jp: jp}
	out := &Compiled{Limit: plan.Limit}

	if plan.Filter != nil {
		sqlText, err := c.compileExpr(plan.Filter)
		if err != nil {
			return nil, err
		}
		out.WhereSQL = sqlText
		out.Args = c.args
	} else if plan.Residual != "" {
		// Residual compiles to TRUE: the rows it would admit are
		// re-filtered in C5 after fetch, per spec.md §4.4.
		out.WhereSQL = ""
		out.Residual = plan.Residual
		out.FilterParam = plan.FilterParam
	}

	if plan.Order != nil {
		fieldSQL := jp.FieldSQL(splitPath(plan.Order.Field), false)
		out.Order = &storage.ListOrder{
			SQL:       fieldSQL,
			Ascending: plan.Order.Direction == query.Asc,
		}
	}

	return out, nil
}

type compilerState struct {
	jp   storage.JSONPathCompiler
	args []any
}

func (c *compilerState) nextPlaceholder(v any) string {
	c.args = append(c.args, v)
	return c.jp.Placeholder(len(c.args))
}

// compileExpr walks the expression tree once, accumulating
// parameters, and returns the final SQL text alongside them via the
// Compiled struct built by the caller. Each call re-walks the whole
// tree from a fresh compilerState so Compile stays a pure function of
// (plan, jp) — required for testable property 5 (stable compilation).
func (c *compilerState) compileExpr(e query.Expr) (string, error) {
	sql, err := c.walk(e)
	if err != nil {
		return "", err
	}
	return sql, nil
}

func (c *compilerState) walk(e query.Expr) (string, error) {
	switch n := e.(type) {
	case *query.Literal:
		// A bare literal used as a whole expression (rather than as
		// a comparison operand) is a compile-time-known boolean.
		if isTruthyLiteral(n) {
			return "(1=1)", nil
		}
		return "(1=0)", nil
	case *query.FieldPath:
		// A bare field path used as a whole expression is a
		// truthiness test: present, and not false/0/empty-string.
		fieldSQL := c.jp.FieldSQL(n.Path, false)
		return fmt.Sprintf("(%s IS NOT NULL AND %s NOT IN ('false', '0', ''))", fieldSQL, fieldSQL), nil
	case *query.Comparison:
		return c.walkComparison(n)
	case *query.Logical:
		return c.walkLogical(n)
	default:
		return "", fmt.Errorf("compiler: unrecognized expression node %T", e)
	}
}

// walkComparison compiles a single comparison. Numeric comparisons
// extract the field as the backend's numeric type; string
// comparisons compare extracted text directly — per spec.md §4.4.
// Comparisons are strict: a missing field never satisfies any
// relation, which falls out naturally here because both backends'
// JSON extraction returns SQL NULL for an absent path, and NULL never
// compares true against anything (including NULL) in standard SQL
// three-valued logic.
func (c *compilerState) walkComparison(cmp *query.Comparison) (string, error) {
	numeric := isNumericOperand(cmp.Left) || isNumericOperand(cmp.Right)

	leftSQL, err := c.compareOperandSQL(cmp.Left, numeric)
	if err != nil {
		return "", err
	}
	rightSQL, err := c.compareOperandSQL(cmp.Right, numeric)
	if err != nil {
		return "", err
	}

	op, err := sqlOperator(cmp.Op)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s %s %s)", leftSQL, op, rightSQL), nil
}

func (c *compilerState) compareOperandSQL(e query.Expr, numeric bool) (string, error) {
	switch n := e.(type) {
	case *query.FieldPath:
		return c.jp.FieldSQL(n.Path, numeric), nil
	case *query.Literal:
		return c.nextPlaceholder(literalValue(n)), nil
	default:
		return "", fmt.Errorf("compiler: comparison operand must be a literal or field path, got %T", e)
	}
}

func isNumericOperand(e query.Expr) bool {
	lit, ok := e.(*query.Literal)
	return ok && lit.Kind == query.LiteralNumber
}

func sqlOperator(op query.CompareOp) (string, error) {
	switch op {
	case query.CmpEq:
		return "=", nil
	case query.CmpNe:
		return "!=", nil
	case query.CmpLt:
		return "<", nil
	case query.CmpLe:
		return "<=", nil
	case query.CmpGt:
		return ">", nil
	case query.CmpGe:
		return ">=", nil
	default:
		return "", fmt.Errorf("compiler: unknown comparison operator %q", op)
	}
}

// walkLogical compiles and/or/not with explicit parenthesization, per
// spec.md §4.4.
func (c *compilerState) walkLogical(l *query.Logical) (string, error) {
	switch l.Op {
	case query.LogNot:
		inner, err := c.walk(l.Args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(NOT %s)", inner), nil
	case query.LogAnd, query.LogOr:
		joiner := " AND "
		if l.Op == query.LogOr {
			joiner = " OR "
		}
		parts := make([]string, 0, len(l.Args))
		for _, a := range l.Args {
			sql, err := c.walk(a)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		return "(" + strings.Join(parts, joiner) + ")", nil
	default:
		return "", fmt.Errorf("compiler: unknown logical operator %q", l.Op)
	}
}

func literalValue(lit *query.Literal) any {
	switch lit.Kind {
	case query.LiteralNumber:
		return lit.Num
	case query.LiteralString:
		return lit.Str
	case query.LiteralBool:
		return lit.Bool
	case query.LiteralNull:
		return nil
	default:
		return nil
	}
}

func splitPath(dotted string) []string {
	return strings.Split(dotted, ".")
}

func isTruthyLiteral(lit *query.Literal) bool {
	switch lit.Kind {
	case query.LiteralNull:
		return false
	case query.LiteralBool:
		return lit.Bool
	case query.LiteralNumber:
		return lit.Num != 0
	case query.LiteralString:
		return lit.Str != ""
	default:
		return false
	}
}
