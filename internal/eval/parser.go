package eval

import (
	"github.com/livetable/livetable/internal/query"
)

// rparser is the residual grammar's own recursive-descent parser. It
// reuses query.Lexer for tokenizing but never returns a hard error:
// anything outside its (slightly wider than C3's) grammar compiles to
// a failNode, which degrades to the fail-closed warning Evaluate
// reports. This mirrors the fact that C5 is reached precisely because
// C3/C4 already gave up on the construct — a second hard failure here
// would have nowhere to go but "false" anyway.
type rparser struct {
	lx    *query.Lexer
	cur   query.Token
	param string
}

func (p *rparser) advance() {
	tok, err := p.lx.Next()
	if err != nil {
		p.cur = query.Token{Kind: query.TokEOF}
		return
	}
	p.cur = tok
}

func (p *rparser) parseExpr(param string) node {
	p.param = param
	return p.parseOr()
}

func (p *rparser) parseOr() node {
	left := p.parseAnd()
	for p.cur.Kind == query.TokOr {
		p.advance()
		right := p.parseAnd()
		left = &logicalNode{op: query.LogOr, args: []node{left, right}}
	}
	return left
}

func (p *rparser) parseAnd() node {
	left := p.parseUnary()
	for p.cur.Kind == query.TokAnd {
		p.advance()
		right := p.parseUnary()
		left = &logicalNode{op: query.LogAnd, args: []node{left, right}}
	}
	return left
}

func (p *rparser) parseUnary() node {
	if p.cur.Kind == query.TokNot {
		p.advance()
		return &logicalNode{op: query.LogNot, args: []node{p.parseUnary()}}
	}
	return p.parseComparison()
}

func (p *rparser) parseComparison() node {
	left := p.parseAdditive()
	if op, ok := compareOpFor(p.cur.Kind); ok {
		p.advance()
		right := p.parseAdditive()
		return &cmpNode{op: op, left: left, right: right}
	}
	return &truthyNode{inner: left}
}

func compareOpFor(k query.TokenKind) (query.CompareOp, bool) {
	switch k {
	case query.TokEq:
		return query.CmpEq, true
	case query.TokNeq:
		return query.CmpNe, true
	case query.TokLt:
		return query.CmpLt, true
	case query.TokLe:
		return query.CmpLe, true
	case query.TokGt:
		return query.CmpGt, true
	case query.TokGe:
		return query.CmpGe, true
	default:
		return "", false
	}
}

func (p *rparser) parseAdditive() node {
	left := p.parseMultiplicative()
	for p.cur.Kind == query.TokPlus || p.cur.Kind == query.TokMinus {
		op := byte('+')
		if p.cur.Kind == query.TokMinus {
			op = '-'
		}
		p.advance()
		right := p.parseMultiplicative()
		left = &arithNode{op: op, left: left, right: right}
	}
	return left
}

func (p *rparser) parseMultiplicative() node {
	left := p.parsePrimary()
	for p.cur.Kind == query.TokStar || p.cur.Kind == query.TokSlash {
		op := byte('*')
		if p.cur.Kind == query.TokSlash {
			op = '/'
		}
		p.advance()
		right := p.parsePrimary()
		left = &arithNode{op: op, left: left, right: right}
	}
	return left
}

func (p *rparser) parsePrimary() node {
	switch p.cur.Kind {
	case query.TokLParen:
		p.advance()
		inner := p.parseOr()
		if p.cur.Kind == query.TokRParen {
			p.advance()
		}
		return inner
	case query.TokNumber:
		v := p.cur.Num
		p.advance()
		return &litNode{v: v}
	case query.TokString:
		v := p.cur.Text
		p.advance()
		return &litNode{v: v}
	case query.TokTrue:
		p.advance()
		return &litNode{v: true}
	case query.TokFalse:
		p.advance()
		return &litNode{v: false}
	case query.TokNull:
		p.advance()
		return &litNode{v: nil}
	case query.TokIdent:
		return p.parseIdentChain()
	default:
		return failNode{}
	}
}

// parseIdentChain parses a dotted field path rooted at the lambda's
// bound parameter, with an optional trailing string-method call, e.g.
// `doc.tags.includes("x")`. A root identifier other than the bound
// parameter is not a construct this evaluator can resolve against the
// document payload, so it degrades to failNode.
func (p *rparser) parseIdentChain() node {
	root := p.cur.Text
	p.advance()
	if root != p.param {
		p.skipChain()
		return failNode{}
	}

	var path []string
	for p.cur.Kind == query.TokDot {
		p.advance()
		if p.cur.Kind != query.TokIdent {
			return failNode{}
		}
		seg := p.cur.Text
		p.advance()
		if p.cur.Kind == query.TokLParen {
			p.advance()
			arg := p.parseAdditive()
			if p.cur.Kind == query.TokRParen {
				p.advance()
			}
			return &stringMethodNode{recv: &fieldNode{path: path}, method: seg, arg: arg}
		}
		path = append(path, seg)
	}
	return &fieldNode{path: path}
}

// skipChain consumes a trailing .ident / (...) chain so the parser
// cursor stays roughly in sync after an unresolvable root identifier,
// without needing to balance parens precisely — precision doesn't
// matter once the enclosing node is already a failNode.
func (p *rparser) skipChain() {
	for {
		switch p.cur.Kind {
		case query.TokDot:
			p.advance()
			if p.cur.Kind == query.TokIdent {
				p.advance()
			}
		case query.TokLParen:
			depth := 1
			p.advance()
			for depth > 0 && p.cur.Kind != query.TokEOF {
				if p.cur.Kind == query.TokLParen {
					depth++
				} else if p.cur.Kind == query.TokRParen {
					depth--
				}
				p.advance()
			}
		default:
			return
		}
	}
}
