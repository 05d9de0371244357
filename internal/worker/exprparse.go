package worker

import "github.com/pkg/errors"

// exprParser is a standard precedence-climbing recursive-descent parser
// over the tokens lex() produces for a single logical expression line.
type exprParser struct {
	toks []token
	pos  int
}

func parseExprString(text string) (Expr, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, errors.Errorf("unexpected token %q", p.cur().text)
	}
	return e, nil
}

func (p *exprParser) cur() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF}
	}
	return p.toks[p.pos]
}

func (p *exprParser) advance() token {
	t := p.cur()
	p.pos++
	return t
}

func (p *exprParser) isOp(s string) bool {
	t := p.cur()
	return t.kind == tokOp && t.text == s
}

func (p *exprParser) isKeyword(s string) bool {
	t := p.cur()
	return t.kind == tokKeyword && t.text == s
}

func (p *exprParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "or", X: left, Y: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "and", X: left, Y: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (Expr, error) {
	if p.isKeyword("not") {
		p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "not", X: x}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func (p *exprParser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.kind == tokOp && comparisonOps[t.text] {
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: t.text, X: left, Y: right}
			continue
		}
		if p.isKeyword("in") {
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Op: "in", X: left, Y: right}
			continue
		}
		break
	}
	return left, nil
}

func (p *exprParser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.advance().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *exprParser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") || p.isOp("//") || p.isOp("%") {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (Expr, error) {
	if p.isOp("-") || p.isOp("+") {
		op := p.advance().text
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: op, X: x}, nil
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (Expr, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if p.isOp("**") {
		p.advance()
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: "**", X: base, Y: exp}, nil
	}
	return base, nil
}

func (p *exprParser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isOp("."):
			p.advance()
			name := p.advance()
			if name.kind != tokIdent {
				return nil, errors.Errorf("expected attribute name after '.', got %q", name.text)
			}
			x = &AttrExpr{X: x, Name: name.text}
		case p.isOp("("):
			p.advance()
			var args []Expr
			for !p.isOp(")") {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.isOp(",") {
					p.advance()
					continue
				}
				break
			}
			if !p.isOp(")") {
				return nil, errors.New("expected ')'")
			}
			p.advance()
			x = &CallExpr{Fn: x, Args: args}
		case p.isOp("["):
			p.advance()
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if !p.isOp("]") {
				return nil, errors.New("expected ']'")
			}
			p.advance()
			x = &IndexExpr{X: x, Index: idx}
		default:
			return x, nil
		}
	}
}

func (p *exprParser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch {
	case t.kind == tokNumber:
		p.advance()
		return &NumberLit{Value: t.num, IsInt: t.isInt}, nil
	case t.kind == tokString:
		p.advance()
		return &StringLit{Value: t.text}, nil
	case t.kind == tokKeyword && t.text == "True":
		p.advance()
		return &BoolLit{Value: true}, nil
	case t.kind == tokKeyword && t.text == "False":
		p.advance()
		return &BoolLit{Value: false}, nil
	case t.kind == tokKeyword && t.text == "None":
		p.advance()
		return &NoneLit{}, nil
	case t.kind == tokIdent:
		p.advance()
		return &NameExpr{Name: t.text}, nil
	case t.kind == tokOp && t.text == "(":
		p.advance()
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.isOp(")") {
			return nil, errors.New("expected ')'")
		}
		p.advance()
		return x, nil
	case t.kind == tokOp && t.text == "[":
		p.advance()
		var elems []Expr
		for !p.isOp("]") {
			e, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			elems = append(elems, e)
			if p.isOp(",") {
				p.advance()
				continue
			}
			break
		}
		if !p.isOp("]") {
			return nil, errors.New("expected ']'")
		}
		p.advance()
		return &ListLit{Elems: elems}, nil
	default:
		return nil, errors.Errorf("unexpected token %q", t.text)
	}
}
