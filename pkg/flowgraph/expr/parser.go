package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type parser struct {
	src    string
	tokens []token
	pos    int
	fields []string
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(pos int, format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
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
		left = &orNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tkAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tkNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{x: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t.kind == tkLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tkRParen {
			return nil, p.errorf(closing.pos, "expected ')'")
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if p.peek().kind != tkCmp {
		if left.isField {
			return &truthNode{ref: left}, nil
		}
		return constNode(left.lit.truthy()), nil
	}

	opTok := p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &cmpNode{op: parseCmp(opTok.text), l: left, r: right}, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tkNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return operand{}, p.errorf(t.pos, "invalid number %q", t.text)
		}
		return operand{lit: value{kind: kindNumber, f: f}}, nil
	case tkString:
		return operand{lit: value{kind: kindString, s: t.text}}, nil
	case tkIdent:
		switch strings.ToLower(t.text) {
		case "true", "always":
			return operand{lit: value{kind: kindBool, b: true}}, nil
		case "false":
			return operand{lit: value{kind: kindBool, b: false}}, nil
		case "null", "nil":
			return operand{lit: value{kind: kindNull}}, nil
		}
		if strings.HasPrefix(t.text, ".") || strings.HasSuffix(t.text, ".") || strings.Contains(t.text, "..") {
			return operand{}, p.errorf(t.pos, "invalid field reference %q", t.text)
		}
		p.fields = append(p.fields, t.text)
		return operand{isField: true, name: t.text, path: strings.Split(t.text, ".")}, nil
	case tkEOF:
		return operand{}, p.errorf(t.pos, "unexpected end of expression")
	default:
		return operand{}, p.errorf(t.pos, "unexpected %q", t.text)
	}
}

func parseCmp(s string) cmpOp {
	switch s {
	case "==":
		return opEq
	case "!=":
		return opNe
	case ">=":
		return opGe
	case "<=":
		return opLe
	case ">":
		return opGt
	default:
		return opLt
	}
}
