package expr

import (
	"fmt"
	"strings"
)

// Policy controls how references to absent fields are resolved.
type Policy int

const (
	// MissingFalsy resolves an absent field to the falsy value of the
	// other operand's type. This is the default.
	MissingFalsy Policy = iota

	// MissingError fails evaluation with *MissingFieldError.
	MissingError
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case MissingFalsy:
		return "falsy"
	case MissingError:
		return "error"
	default:
		return "unknown"
	}
}

// MissingFieldError is returned under MissingError when a condition
// references a field that is not present in the state.
type MissingFieldError struct {
	Field string
}

// Error implements the error interface.
func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("condition references unset field %q", e.Field)
}

// Program is a compiled condition. It is immutable and safe for
// concurrent use.
type Program struct {
	src    string
	root   node
	fields []string
	always bool
}

// Compile parses src into a Program.
// Returns *SyntaxError if the expression is malformed or empty.
func Compile(src string) (*Program, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, &SyntaxError{Expr: src, Pos: 0, Msg: "empty expression"}
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return nil, err
	}

	p := &parser{src: trimmed, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tkEOF {
		return nil, p.errorf(t.pos, "unexpected %q", t.text)
	}

	c, isConst := root.(constNode)
	return &Program{
		src:    trimmed,
		root:   root,
		fields: p.fields,
		always: isConst && bool(c),
	}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Eval evaluates the program against vars.
// The only error returned is *MissingFieldError under MissingError.
func (p *Program) Eval(vars map[string]any, policy Policy) (bool, error) {
	return p.root.eval(vars, policy)
}

// Source returns the normalized expression text.
func (p *Program) Source() string { return p.src }

// String implements fmt.Stringer.
func (p *Program) String() string { return p.src }

// Fields returns the field references in source order.
func (p *Program) Fields() []string {
	out := make([]string, len(p.fields))
	copy(out, p.fields)
	return out
}

// Always reports whether the program is unconditionally true.
func (p *Program) Always() bool { return p.always }

// Eval compiles and evaluates expr against vars with the MissingFalsy
// policy. An empty expression evaluates to false.
//
// Prefer Compile when the same expression is evaluated repeatedly.
func Eval(expr string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	p, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return p.Eval(vars, MissingFalsy)
}

type node interface {
	eval(vars map[string]any, policy Policy) (bool, error)
}

type constNode bool

func (c constNode) eval(map[string]any, Policy) (bool, error) { return bool(c), nil }

type notNode struct{ x node }

func (n *notNode) eval(vars map[string]any, policy Policy) (bool, error) {
	v, err := n.x.eval(vars, policy)
	return !v, err
}

type andNode struct{ l, r node }

func (n *andNode) eval(vars map[string]any, policy Policy) (bool, error) {
	l, err := n.l.eval(vars, policy)
	if err != nil || !l {
		return false, err
	}
	return n.r.eval(vars, policy)
}

type orNode struct{ l, r node }

func (n *orNode) eval(vars map[string]any, policy Policy) (bool, error) {
	l, err := n.l.eval(vars, policy)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.r.eval(vars, policy)
}

// truthNode tests a bare field reference for truthiness.
type truthNode struct{ ref operand }

func (n *truthNode) eval(vars map[string]any, policy Policy) (bool, error) {
	v, ok := lookup(vars, n.ref)
	if !ok {
		if policy == MissingError {
			return false, &MissingFieldError{Field: n.ref.name}
		}
		return false, nil
	}
	return IsTruthy(v), nil
}

type cmpOp int

const (
	opEq cmpOp = iota
	opNe
	opLt
	opGt
	opLe
	opGe
)

type operand struct {
	isField bool
	name    string
	path    []string
	lit     value
}

type cmpNode struct {
	op   cmpOp
	l, r operand
}

func (n *cmpNode) eval(vars map[string]any, policy Policy) (bool, error) {
	l, lok, err := n.resolve(vars, n.l, policy)
	if err != nil {
		return false, err
	}
	r, rok, err := n.resolve(vars, n.r, policy)
	if err != nil {
		return false, err
	}

	// Absent fields take the zero value of the other side's type.
	switch {
	case !lok && !rok:
		l, r = value{kind: kindNull}, value{kind: kindNull}
	case !lok:
		l = r.zero()
	case !rok:
		r = l.zero()
	}
	return compare(l, r, n.op), nil
}

func (n *cmpNode) resolve(vars map[string]any, o operand, policy Policy) (value, bool, error) {
	if !o.isField {
		return o.lit, true, nil
	}
	raw, ok := lookup(vars, o)
	if !ok {
		if policy == MissingError {
			return value{}, false, &MissingFieldError{Field: o.name}
		}
		return value{}, false, nil
	}
	return fromAny(raw), true, nil
}

// lookup resolves a field reference. An exact key match wins over a
// dot-path walk so that keys containing dots remain addressable.
func lookup(vars map[string]any, o operand) (any, bool) {
	if vars == nil {
		return nil, false
	}
	if v, ok := vars[o.name]; ok {
		return v, true
	}
	if len(o.path) < 2 {
		return nil, false
	}
	cur := vars
	for i, part := range o.path {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(o.path)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}
