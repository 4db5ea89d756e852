// Package query implements the fluent query DSL parser (component C3
// of spec.md): `db.table("<name>").<op>(...)...<terminal>()`.
//
// Grounded on hazyhaar-GoClode's internal/ui/intent.go, which parses a
// small natural-language-adjacent command grammar with a hand-rolled
// tokenizer and recursive descent rather than a parser generator —
// the same approach used here, scaled up to a real expression
// grammar.
package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/livetable/livetable/internal/protoerr"
)

var errUnsupported = fmt.Errorf("unsupported construct")

// Parser consumes a pre-lexed token stream over the original source,
// which it also needs verbatim for residual capture.
type Parser struct {
	src  string
	toks []Token
	pos  int
}

// Parse parses a full query DSL expression into a Plan.
func Parse(src string) (*Plan, error) {
	lx := NewLexer(src)
	var toks []Token
	for {
		t, err := lx.Next()
		if err != nil {
			var le *LexError
			if ok := asLexError(err, &le); ok {
				return nil, &protoerr.ParseError{Line: le.Line, Column: le.Column, Msg: le.Msg}
			}
			return nil, &protoerr.ParseError{Msg: err.Error()}
		}
		toks = append(toks, t)
		if t.Kind == TokEOF {
			break
		}
	}
	p := &Parser{src: src, toks: toks}
	return p.parseQuery()
}

func asLexError(err error, out **LexError) bool {
	le, ok := err.(*LexError)
	if ok {
		*out = le
	}
	return ok
}

func (p *Parser) cur() Token { return p.toks[p.pos] }

func (p *Parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *Parser) expect(k TokenKind, what string) (Token, error) {
	t := p.cur()
	if t.Kind != k {
		return t, &protoerr.ParseError{Line: t.Line, Column: t.Column, Msg: fmt.Sprintf("expected %s, got %q", what, t.Text)}
	}
	return p.advance(), nil
}

func (p *Parser) expectIdent(name string) error {
	t := p.cur()
	if t.Kind != TokIdent || t.Text != name {
		return &protoerr.ParseError{Line: t.Line, Column: t.Column, Msg: fmt.Sprintf("expected %q, got %q", name, t.Text)}
	}
	p.advance()
	return nil
}

func (p *Parser) parseQuery() (*Plan, error) {
	if err := p.expectIdent("db"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokDot, "'.'"); err != nil {
		return nil, err
	}
	if err := p.expectIdent("table"); err != nil {
		return nil, err
	}
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	collTok, err := p.expect(TokString, "collection name string")
	if err != nil {
		return nil, err
	}
	if collTok.Text == "" {
		return nil, &protoerr.ParseError{Line: collTok.Line, Column: collTok.Column, Msg: "collection name must not be empty"}
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}

	plan := &Plan{Collection: collTok.Text}
	sawTerminal := false

	for {
		if _, err := p.expect(TokDot, "'.'"); err != nil {
			return nil, err
		}
		nameTok, err := p.expect(TokIdent, "operator or terminal name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokLParen, "'('"); err != nil {
			return nil, err
		}

		switch nameTok.Text {
		case "filter":
			if err := p.parseFilterOp(plan); err != nil {
				return nil, err
			}
		case "orderBy":
			if err := p.parseOrderByOp(plan); err != nil {
				return nil, err
			}
		case "limit":
			if err := p.parseLimitOp(plan); err != nil {
				return nil, err
			}
		case "get":
			idTok, err := p.expect(TokString, "document id string")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			plan.TargetID = idTok.Text
			// `get` is a terminal unless another operator follows.
			if p.cur().Kind == TokDot {
				continue
			}
			plan.Terminal = TerminalGet
			sawTerminal = true
		case "run":
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			plan.Terminal = TerminalRun
			sawTerminal = true
		case "changes":
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			plan.Terminal = TerminalChanges
			sawTerminal = true
		case "insert":
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			payload, err := json.Marshal(v)
			if err != nil {
				return nil, &protoerr.ParseError{Msg: "invalid insert literal: " + err.Error()}
			}
			plan.Payload = payload
			plan.Terminal = TerminalInsert
			sawTerminal = true
		case "update":
			if plan.TargetID == "" {
				return nil, &protoerr.PlanError{Kind: protoerr.KindArityMismatch, Msg: "update() requires a preceding get(<id>)"}
			}
			v, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			payload, err := json.Marshal(v)
			if err != nil {
				return nil, &protoerr.ParseError{Msg: "invalid update literal: " + err.Error()}
			}
			plan.Payload = payload
			plan.Terminal = TerminalUpdate
			sawTerminal = true
		case "delete":
			if plan.TargetID == "" {
				return nil, &protoerr.PlanError{Kind: protoerr.KindArityMismatch, Msg: "delete() requires a preceding get(<id>)"}
			}
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			plan.Terminal = TerminalDelete
			sawTerminal = true
		default:
			return nil, &protoerr.PlanError{Kind: protoerr.KindUnknownOperator, Msg: fmt.Sprintf("unknown operator or terminal %q", nameTok.Text)}
		}

		if sawTerminal {
			break
		}
	}

	if p.cur().Kind != TokEOF {
		t := p.cur()
		return nil, &protoerr.ParseError{Line: t.Line, Column: t.Column, Msg: "unexpected trailing input after terminal"}
	}
	if !sawTerminal {
		return nil, &protoerr.PlanError{Kind: protoerr.KindBadTerminal, Msg: "query must end in a terminal operation"}
	}
	return plan, nil
}

func (p *Parser) parseLimitOp(plan *Plan) error {
	numTok, err := p.expect(TokNumber, "row count")
	if err != nil {
		return err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	n := int64(numTok.Num)
	plan.Limit = &n
	return nil
}

func (p *Parser) parseOrderByOp(plan *Plan) error {
	fieldTok, err := p.expect(TokString, "field path string")
	if err != nil {
		return err
	}
	dir := Asc
	if p.cur().Kind == TokComma {
		p.advance()
		dirTok, err := p.expect(TokString, "'asc' or 'desc'")
		if err != nil {
			return err
		}
		switch dirTok.Text {
		case "asc":
			dir = Asc
		case "desc":
			dir = Desc
		default:
			return &protoerr.ParseError{Line: dirTok.Line, Column: dirTok.Column, Msg: "direction must be 'asc' or 'desc'"}
		}
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	plan.Order = &OrderSpec{Field: fieldTok.Text, Direction: dir}
	return nil
}

// parseFilterOp parses `filter(<lambda>)`. On any construct outside
// the SQL-compilable grammar it preserves the lambda body's original
// source verbatim as Plan.Residual, per spec.md §4.3.
func (p *Parser) parseFilterOp(plan *Plan) error {
	paramTok, err := p.expect(TokIdent, "lambda parameter")
	if err != nil {
		return err
	}
	plan.FilterParam = paramTok.Text
	if _, err := p.expect(TokArrow, "'=>'"); err != nil {
		return err
	}
	bodyStart := p.cur().Start
	startPos := p.pos

	expr, perr := p.parseExpr(paramTok.Text)
	if perr == nil && p.cur().Kind == TokRParen {
		plan.Filter = expr
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return err
		}
		return nil
	}

	// Unsupported construct (or trailing content the restricted
	// grammar didn't consume): fall back to a residual, recovering
	// the token cursor to the filter call's closing paren.
	p.pos = startPos
	bodyEnd, err := p.skipBalancedToRParen()
	if err != nil {
		return err
	}
	plan.Residual = strings.TrimSpace(p.src[bodyStart:bodyEnd])
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return err
	}
	return nil
}

// skipBalancedToRParen advances the cursor past tokens until it finds
// the RParen that closes the filter(...) call (paren depth 0, relative
// to having already consumed filter's own opening paren), and returns
// the byte offset just before it.
func (p *Parser) skipBalancedToRParen() (int, error) {
	depth := 0
	for {
		t := p.cur()
		switch t.Kind {
		case TokEOF:
			return 0, &protoerr.ParseError{Line: t.Line, Column: t.Column, Msg: "unterminated filter(...) call"}
		case TokLParen, TokLBrace, TokLBracket:
			depth++
		case TokRParen:
			if depth == 0 {
				return t.Start, nil
			}
			depth--
		case TokRBrace, TokRBracket:
			depth--
		}
		p.advance()
	}
}

// parseExpr implements the SQL-compilable grammar of spec.md §3:
// literal | field-path | comparison | and/or/not, with standard
// precedence (or < and < not < comparison/primary).
func (p *Parser) parseExpr(param string) (Expr, error) {
	return p.parseOr(param)
}

func (p *Parser) parseOr(param string) (Expr, error) {
	left, err := p.parseAnd(param)
	if err != nil {
		return nil, err
	}
	args := []Expr{left}
	for p.cur().Kind == TokOr {
		p.advance()
		right, err := p.parseAnd(param)
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return &Logical{Op: LogOr, Args: args}, nil
}

func (p *Parser) parseAnd(param string) (Expr, error) {
	left, err := p.parseUnary(param)
	if err != nil {
		return nil, err
	}
	args := []Expr{left}
	for p.cur().Kind == TokAnd {
		p.advance()
		right, err := p.parseUnary(param)
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return &Logical{Op: LogAnd, Args: args}, nil
}

func (p *Parser) parseUnary(param string) (Expr, error) {
	if p.cur().Kind == TokNot {
		p.advance()
		inner, err := p.parseUnary(param)
		if err != nil {
			return nil, err
		}
		return &Logical{Op: LogNot, Args: []Expr{inner}}, nil
	}
	return p.parsePrimary(param)
}

func (p *Parser) parsePrimary(param string) (Expr, error) {
	if p.cur().Kind == TokLParen {
		p.advance()
		inner, err := p.parseOr(param)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return p.maybeCompare(param, inner)
	}

	left, err := p.parseOperand(param)
	if err != nil {
		return nil, err
	}
	return p.maybeCompare(param, left)
}

func (p *Parser) maybeCompare(param string, left Expr) (Expr, error) {
	var op CompareOp
	switch p.cur().Kind {
	case TokEq:
		op = CmpEq
	case TokNeq:
		op = CmpNe
	case TokLt:
		op = CmpLt
	case TokLe:
		op = CmpLe
	case TokGt:
		op = CmpGt
	case TokGe:
		op = CmpGe
	default:
		// No comparator: bare operand (e.g. `r.active`) is treated
		// as a truthiness test, evaluated by C4/C5 as "field is a
		// non-null, non-false, non-zero, non-empty value".
		if isArithmeticNext(p.cur().Kind) {
			return nil, errUnsupported
		}
		return left, nil
	}
	p.advance()
	right, err := p.parseOperand(param)
	if err != nil {
		return nil, err
	}
	if isArithmeticNext(p.cur().Kind) {
		return nil, errUnsupported
	}
	return &Comparison{Op: op, Left: left, Right: right}, nil
}

func isArithmeticNext(k TokenKind) bool {
	switch k {
	case TokPlus, TokMinus, TokStar, TokSlash:
		return true
	}
	return false
}

func (p *Parser) parseOperand(param string) (Expr, error) {
	t := p.cur()
	switch t.Kind {
	case TokString:
		p.advance()
		return &Literal{Kind: LiteralString, Str: t.Text}, nil
	case TokNumber:
		p.advance()
		return &Literal{Kind: LiteralNumber, Num: t.Num}, nil
	case TokTrue:
		p.advance()
		return &Literal{Kind: LiteralBool, Bool: true}, nil
	case TokFalse:
		p.advance()
		return &Literal{Kind: LiteralBool, Bool: false}, nil
	case TokNull:
		p.advance()
		return &Literal{Kind: LiteralNull}, nil
	case TokIdent:
		return p.parseFieldPath(param)
	default:
		return nil, errUnsupported
	}
}

func (p *Parser) parseFieldPath(param string) (Expr, error) {
	rootTok, err := p.expect(TokIdent, "identifier")
	if err != nil {
		return nil, err
	}
	if rootTok.Text != param {
		return nil, errUnsupported
	}
	var path []string
	for p.cur().Kind == TokDot {
		p.advance()
		segTok, err := p.expect(TokIdent, "field name")
		if err != nil {
			return nil, err
		}
		path = append(path, segTok.Text)
	}
	if len(path) == 0 {
		// Bare parameter reference (`r`) with no field: not a useful
		// filter target, but not SQL-representable either.
		return nil, errUnsupported
	}
	if p.cur().Kind == TokLParen {
		// Method call, e.g. r.name.startsWith(...): outside the
		// SQL-compilable grammar, left to C5's residual evaluator.
		return nil, errUnsupported
	}
	return &FieldPath{Path: path}, nil
}

// parseValue parses a JSON-ish literal value used by insert/update
// object-literal arguments: object, array, string, number, bool, or
// null, with unquoted identifier object keys permitted (matching the
// fluent JS-like call sites in spec.md's examples, e.g. `{k: 1}`).
func (p *Parser) parseValue() (Value, error) {
	t := p.cur()
	switch t.Kind {
	case TokLBrace:
		return p.parseObject()
	case TokLBracket:
		return p.parseArray()
	case TokString:
		p.advance()
		return t.Text, nil
	case TokNumber:
		p.advance()
		return t.Num, nil
	case TokTrue:
		p.advance()
		return true, nil
	case TokFalse:
		p.advance()
		return false, nil
	case TokNull:
		p.advance()
		return nil, nil
	default:
		return nil, &protoerr.ParseError{Line: t.Line, Column: t.Column, Msg: fmt.Sprintf("expected a value, got %q", t.Text)}
	}
}

func (p *Parser) parseObject() (Value, error) {
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	obj := map[string]Value{}
	if p.cur().Kind == TokRBrace {
		p.advance()
		return obj, nil
	}
	for {
		keyTok := p.cur()
		var key string
		switch keyTok.Kind {
		case TokIdent:
			key = keyTok.Text
			p.advance()
		case TokString:
			key = keyTok.Text
			p.advance()
		default:
			return nil, &protoerr.ParseError{Line: keyTok.Line, Column: keyTok.Column, Msg: "expected object key"}
		}
		if _, err := p.expect(TokColon, "':'"); err != nil {
			return nil, err
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		obj[key] = val
		if p.cur().Kind == TokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return obj, nil
}

func (p *Parser) parseArray() (Value, error) {
	if _, err := p.expect(TokLBracket, "'['"); err != nil {
		return nil, err
	}
	var arr []Value
	if p.cur().Kind == TokRBracket {
		p.advance()
		return arr, nil
	}
	for {
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		arr = append(arr, val)
		if p.cur().Kind == TokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokRBracket, "']'"); err != nil {
		return nil, err
	}
	return arr, nil
}
