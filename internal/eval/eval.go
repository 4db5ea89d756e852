// Package eval implements C5 of spec.md: interpreting a residual
// filter expression against a document's JSON payload when the SQL
// compiler could not represent it.
//
// Supports the full grammar of query.Expr (literal, field path,
// comparison, logical) plus the escape hatches spec.md §9 Design Note
// (a) names as cheap to interpret: string membership/prefix/suffix
// and simple method-free arithmetic. Evaluation is stateless and
// side-effect-free, per spec.md §4.5.
package eval

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/livetable/livetable/internal/query"
)

// Warner receives the one-per-plan warning spec.md §4.5 requires when
// the evaluator cannot interpret a residual construct.
type Warner interface {
	Warn(msg string)
}

// NopWarner discards warnings; used where the caller does not need
// them surfaced.
type NopWarner struct{}

func (NopWarner) Warn(string) {}

// Residual is a parsed residual expression: the raw lambda-body
// source the query parser preserved verbatim, parsed lazily by this
// package with its own, more permissive grammar.
type Residual struct {
	source   string
	param    string
	expr     node
	warnOnce sync.Once
}

// CompileResidual parses a residual source string (plan.Residual)
// into an evaluable Residual. It never fails: anything it cannot
// parse compiles to an "always false" node, consistent with the
// fail-closed policy of Evaluate.
func CompileResidual(param, source string) *Residual {
	p := &rparser{lx: query.NewLexer(source)}
	p.advance()
	n := p.parseExpr(param)
	return &Residual{source: source, param: param, expr: n}
}

// Evaluate interprets r against payload (the document's JSON data).
// Anything the evaluator cannot interpret yields false for that
// document; the "could not interpret" warning is reported via w only
// the first time for a given Residual, per spec.md §4.5. A payload
// that is not valid JSON is warned about on every call.
func Evaluate(r *Residual, payload json.RawMessage, w Warner) bool {
	if r == nil || r.expr == nil {
		return false
	}
	var doc any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			w.Warn("residual evaluation: payload is not valid JSON")
			return false
		}
	}
	v, ok := r.expr.eval(doc)
	if !ok {
		r.warnOnce.Do(func() {
			w.Warn(fmt.Sprintf("residual evaluation: could not interpret %q", r.source))
		})
		return false
	}
	b, ok := v.(bool)
	if !ok {
		return false
	}
	return b
}

// node is an evaluable residual AST node. Unlike query.Expr, this
// grammar also covers the escape hatches (arithmetic, string
// membership) and signals uninterpretable constructs by returning
// ok=false from eval rather than failing to parse — CompileResidual
// never errors, it degrades to an always-false node instead.
type node interface {
	eval(doc any) (any, bool)
}

type litNode struct{ v any }

func (n *litNode) eval(any) (any, bool) { return n.v, true }

type fieldNode struct{ path []string }

func (n *fieldNode) eval(doc any) (any, bool) {
	cur := doc
	for _, seg := range n.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, true // missing field: valid "not present" result
		}
		cur, ok = m[seg]
		if !ok {
			return nil, true
		}
	}
	return cur, true
}

type cmpNode struct {
	op          query.CompareOp
	left, right node
}

func (n *cmpNode) eval(doc any) (any, bool) {
	l, ok := n.left.eval(doc)
	if !ok {
		return nil, false
	}
	r, ok := n.right.eval(doc)
	if !ok {
		return nil, false
	}
	return compare(n.op, l, r), true
}

func compare(op query.CompareOp, l, r any) bool {
	if l == nil || r == nil {
		// Strict comparisons: a missing field never compares equal
		// to any literal and never satisfies an ordered relation —
		// mirrors the SQL compiler's NULL semantics (spec.md §4.4).
		return false
	}
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			switch op {
			case query.CmpEq:
				return lf == rf
			case query.CmpNe:
				return lf != rf
			case query.CmpLt:
				return lf < rf
			case query.CmpLe:
				return lf <= rf
			case query.CmpGt:
				return lf > rf
			case query.CmpGe:
				return lf >= rf
			}
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			switch op {
			case query.CmpEq:
				return ls == rs
			case query.CmpNe:
				return ls != rs
			case query.CmpLt:
				return ls < rs
			case query.CmpLe:
				return ls <= rs
			case query.CmpGt:
				return ls > rs
			case query.CmpGe:
				return ls >= rs
			}
		}
	}
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok {
			if op == query.CmpEq {
				return lb == rb
			}
			if op == query.CmpNe {
				return lb != rb
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

type logicalNode struct {
	op   query.LogicalOp
	args []node
}

func (n *logicalNode) eval(doc any) (any, bool) {
	switch n.op {
	case query.LogNot:
		v, ok := n.args[0].eval(doc)
		if !ok {
			return nil, false
		}
		b, _ := v.(bool)
		return !b, true
	case query.LogAnd:
		for _, a := range n.args {
			v, ok := a.eval(doc)
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
		for _, a := range n.args {
			v, ok := a.eval(doc)
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

// truthyNode evaluates a bare operand (field path or literal) as a
// truthiness test, mirroring the compiler's bare-FieldPath handling.
type truthyNode struct{ inner node }

func (n *truthyNode) eval(doc any) (any, bool) {
	v, ok := n.inner.eval(doc)
	if !ok {
		return nil, false
	}
	return isTruthy(v), true
}

func isTruthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != "" && x != "false" && x != "0"
	default:
		return true
	}
}

// arithNode implements the "simple method-free arithmetic" escape
// hatch spec.md §9 names.
type arithNode struct {
	op          byte // '+', '-', '*', '/'
	left, right node
}

func (n *arithNode) eval(doc any) (any, bool) {
	lv, ok := n.left.eval(doc)
	if !ok {
		return nil, false
	}
	rv, ok := n.right.eval(doc)
	if !ok {
		return nil, false
	}
	lf, ok1 := toFloat(lv)
	rf, ok2 := toFloat(rv)
	if !ok1 || !ok2 {
		return nil, false
	}
	switch n.op {
	case '+':
		return lf + rf, true
	case '-':
		return lf - rf, true
	case '*':
		return lf * rf, true
	case '/':
		if rf == 0 {
			return nil, false
		}
		return lf / rf, true
	default:
		return nil, false
	}
}

// stringMethodNode implements the string-membership escape hatch:
// `.startsWith(x)`, `.endsWith(x)`, `.includes(x)`/`.contains(x)`.
type stringMethodNode struct {
	recv   node
	method string
	arg    node
}

func (n *stringMethodNode) eval(doc any) (any, bool) {
	rv, ok := n.recv.eval(doc)
	if !ok {
		return nil, false
	}
	rs, ok := rv.(string)
	if !ok {
		return nil, true // non-string receiver: not an error, just false
	}
	av, ok := n.arg.eval(doc)
	if !ok {
		return nil, false
	}
	as, ok := av.(string)
	if !ok {
		return false, true
	}
	switch n.method {
	case "startsWith":
		return strings.HasPrefix(rs, as), true
	case "endsWith":
		return strings.HasSuffix(rs, as), true
	case "includes", "contains":
		return strings.Contains(rs, as), true
	default:
		return nil, false
	}
}

// failNode marks a construct the residual parser could not interpret.
// Its eval always reports ok=false, which Evaluate turns into the
// fail-closed "false, with one warning" outcome spec.md §4.5 requires.
type failNode struct{}

func (failNode) eval(any) (any, bool) { return nil, false }
