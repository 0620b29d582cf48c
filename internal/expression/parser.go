package expression

import (
	"fmt"
	"strconv"
	"strings"
)

// node is a compiled expression. Evaluation never mutates a node, so cached
// trees are shared between goroutines.
type node interface {
	eval(vars map[string]any) (any, error)
}

type literalNode struct{ value any }

type pathNode struct {
	raw      string
	segments []string
}

type listNode struct{ items []node }

type unaryNode struct {
	op string
	x  node
}

type binaryNode struct {
	op   string
	l, r node
}

type parser struct {
	toks []token
	pos  int
}

// parse compiles src. Grammar, lowest precedence first:
//
//	or      := and (("||" | "or") and)*
//	and     := not (("&&" | "and") not)*
//	not     := ("!" | "not") not | cmp
//	cmp     := unary (("==" | "!=" | "<" | "<=" | ">" | ">=" | "in" | "not in") unary)?
//	unary   := "-" unary | primary
//	primary := number | string | true | false | null | path | "[" list "]" | "(" or ")"
func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s", tok)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(text string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == text
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) expectOp(text string) error {
	if !p.isOp(text) {
		return fmt.Errorf("expected %q, got %s", text, p.peek())
	}
	p.next()
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") || p.isKeyword("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") || p.isKeyword("and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isOp("!") || p.isKeyword("not") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "!", x: x}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	var op string
	switch t := p.peek(); {
	case t.kind == tokOp && comparisonOps[t.text]:
		op = t.text
		p.next()
	case p.isKeyword("in"):
		op = "in"
		p.next()
	case p.isKeyword("not") && p.toks[p.pos+1].kind == tokIdent && p.toks[p.pos+1].text == "in":
		op = "not in"
		p.next()
		p.next()
	default:
		return left, nil
	}

	right, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &binaryNode{op: op, l: left, r: right}, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", t)
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		case "and", "or", "not", "in":
			return nil, fmt.Errorf("unexpected keyword %s", t)
		}
		return &pathNode{raw: t.text, segments: strings.Split(t.text, ".")}, nil
	case tokOp:
		switch t.text {
		case "(":
			n, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			list := &listNode{}
			if p.isOp("]") {
				p.next()
				return list, nil
			}
			for {
				item, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				list.items = append(list.items, item)
				if p.isOp(",") {
					p.next()
					continue
				}
				if err := p.expectOp("]"); err != nil {
					return nil, err
				}
				return list, nil
			}
		}
	}
	return nil, fmt.Errorf("unexpected %s", t)
}
