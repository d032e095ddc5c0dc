package policy

import (
	"strconv"

	"github.com/pkg/errors"
)

type parser struct {
	tokens []token
	pos    int
	funcs  *Funcs
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, errors.Errorf("expected %s at offset %d, got '%s'", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseExpr() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tkOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tkOr, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tkAnd {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tkAnd, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}

	switch op := p.peek().kind; op {
	case tkEq, tkNe, tkLt, tkLe, tkGt, tkGe:
		p.next()
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op, left: left, right: right}, nil
	}

	return left, nil
}

func (p *parser) parseAdd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tkPlus {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tkPlus, left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tkNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}

	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for p.peek().kind == tkLBracket {
		p.next()
		index, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRBracket, "']'"); err != nil {
			return nil, err
		}
		x = &indexNode{x: x, index: index}
	}

	return x, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()

	switch t.kind {
	case tkNumber:
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, errors.Errorf("bad number '%s' at offset %d", t.text, t.pos)
		}
		return &literalNode{v: n}, nil

	case tkString:
		return &literalNode{v: t.text}, nil

	case tkLParen:
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen, "')'"); err != nil {
			return nil, err
		}
		return x, nil

	case tkIdent:
		switch t.text {
		case "true":
			return &literalNode{v: true}, nil
		case "false":
			return &literalNode{v: false}, nil
		}

		if p.peek().kind == tkLParen {
			return p.parseCall(t)
		}

		if _, ok := variables[t.text]; !ok {
			return nil, errors.Errorf("unknown variable '%s' at offset %d", t.text, t.pos)
		}
		return &varNode{name: t.text}, nil

	default:
		return nil, errors.Errorf("unexpected '%s' at offset %d", t.text, t.pos)
	}
}

// parseCall resolves a builtin from the closed function table at
// parse time; unknown names and bad arity never survive to
// evaluation.
func (p *parser) parseCall(name token) (node, error) {
	b, ok := builtins[name.text]
	if !ok {
		return nil, errors.Errorf("unknown function '%s' at offset %d", name.text, name.pos)
	}

	if _, err := p.expect(tkLParen, "'('"); err != nil {
		return nil, err
	}

	var args []node
	if p.peek().kind != tkRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)

			if p.peek().kind != tkComma {
				break
			}
			p.next()
		}
	}

	if _, err := p.expect(tkRParen, "')'"); err != nil {
		return nil, err
	}

	if len(args) < b.minArgs || (b.maxArgs >= 0 && len(args) > b.maxArgs) {
		return nil, errors.Errorf("wrong number of arguments to %s", name.text)
	}

	return &callNode{
		name:  name.text,
		fn:    b.fn,
		funcs: p.funcs,
		args:  args,
	}, nil
}
