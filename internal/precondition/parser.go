package precondition

import (
	"fmt"
	"strconv"
)

// Roots are the only names an expression may start a path from.
var Roots = map[string]bool{"components": true, "user": true}

type parser struct {
	toks []token
	pos  int
}

// Parse compiles src into an expression tree. Anything outside the grammar
// (calls other than get, arithmetic, unknown names) is a parse error.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s", t)
	}
	return &Expr{src: src, root: n}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, got %s", what, t)
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	var op string
	switch t := p.peek(); {
	case t.kind == tokOp && t.text != "-":
		op = p.next().text
	case p.isKeyword("in"):
		p.next()
		op = "in"
	case p.isKeyword("not"):
		p.next()
		if !p.isKeyword("in") {
			return nil, fmt.Errorf("expected 'in' after 'not', got %s", p.peek())
		}
		p.next()
		op = "not in"
	default:
		return left, nil
	}
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp || p.isKeyword("in") {
		return nil, fmt.Errorf("chained comparison at %d", t.pos)
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %s", t)
		}
		return literal{f}, nil
	case tokOp:
		if t.text != "-" {
			return nil, fmt.Errorf("unexpected %s", t)
		}
		num, err := p.expect(tokNumber, "number after '-'")
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(num.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %s", num)
		}
		return literal{-f}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBrack:
		return p.parseList()
	case tokIdent:
		return p.parseName(t)
	}
	return nil, fmt.Errorf("unexpected %s", t)
}

func (p *parser) parseList() (node, error) {
	var items []node
	if p.peek().kind == tokRBrack {
		p.next()
		return listNode{items}, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		t := p.next()
		if t.kind == tokRBrack {
			return listNode{items}, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or ']', got %s", t)
		}
	}
}

func (p *parser) parseName(t token) (node, error) {
	switch t.text {
	case "true", "True":
		return literal{true}, nil
	case "false", "False":
		return literal{false}, nil
	case "null", "None":
		return literal{nil}, nil
	case "get":
		return p.parseGet()
	}
	if !Roots[t.text] {
		return nil, fmt.Errorf("unknown name %s", t)
	}
	path := pathNode{root: t.text}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			seg := p.next()
			if seg.kind != tokIdent && seg.kind != tokNumber {
				return nil, fmt.Errorf("expected field name, got %s", seg)
			}
			path.steps = append(path.steps, step{name: seg.text})
		case tokLBrack:
			p.next()
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBrack, "']'"); err != nil {
				return nil, err
			}
			path.steps = append(path.steps, step{index: idx})
		default:
			return path, nil
		}
	}
}

func (p *parser) parseGet() (node, error) {
	if _, err := p.expect(tokLParen, "'(' after get"); err != nil {
		return nil, err
	}
	arg, err := p.expect(tokString, "path string")
	if err != nil {
		return nil, err
	}
	g := getNode{path: arg.text}
	if p.peek().kind == tokComma {
		p.next()
		def, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		g.def = def
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return g, nil
}
