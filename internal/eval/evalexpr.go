package eval

import (
	"encoding/json"

	"github.com/livetable/livetable/internal/query"
)

// EvaluateExpr interprets a query.Expr tree (the SQL-compilable
// subset the C3 parser already validated) directly against a
// document's payload. This lets the subscription manager re-check a
// live insert/update against a plan's filter in-process — using the
// same tree the compiler turned into SQL — without re-deriving SQL or
// round-tripping through residual source text.
func EvaluateExpr(e query.Expr, payload json.RawMessage) bool {
	if e == nil {
		return true
	}
	var doc any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return false
		}
	}
	v, ok := evalPlanExpr(e, doc)
	if !ok {
		return false
	}
	switch e.(type) {
	case *query.Literal, *query.FieldPath:
		// A bare literal/field path used as the whole expression is a
		// truthiness test, matching the SQL compiler's bare-operand
		// handling.
		return isTruthy(v)
	default:
		b, _ := v.(bool)
		return b
	}
}

func evalPlanExpr(e query.Expr, doc any) (any, bool) {
	switch n := e.(type) {
	case *query.Literal:
		return literalValue(n), true
	case *query.FieldPath:
		return fieldValue(doc, n.Path), true
	case *query.Comparison:
		l, ok := evalPlanExpr(n.Left, doc)
		if !ok {
			return nil, false
		}
		r, ok := evalPlanExpr(n.Right, doc)
		if !ok {
			return nil, false
		}
		return compare(n.Op, l, r), true
	case *query.Logical:
		return evalPlanLogical(n, doc)
	default:
		return nil, false
	}
}

func evalPlanLogical(l *query.Logical, doc any) (any, bool) {
	switch l.Op {
	case query.LogNot:
		v, ok := evalPlanExpr(l.Args[0], doc)
		if !ok {
			return nil, false
		}
		b, _ := v.(bool)
		return !b, true
	case query.LogAnd:
		for _, a := range l.Args {
			v, ok := evalPlanExpr(a, doc)
			if !ok {
				return nil, false
			}
			b, _ := v.(bool)
			if !b {
				return false, true
			}
		}
		return true, true
	case query.LogOr:
		for _, a := range l.Args {
			v, ok := evalPlanExpr(a, doc)
			if !ok {
				return nil, false
			}
			b, _ := v.(bool)
			if b {
				return true, true
			}
		}
		return false, true
	default:
		return nil, false
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
	default:
		return nil
	}
}

func fieldValue(doc any, path []string) any {
	cur := doc
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}
