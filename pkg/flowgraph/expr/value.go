package expr

import (
	"encoding/json"
	"strconv"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindBool
	kindNumber
	kindString
	kindOther
)

// value is the evaluator's unboxed view of an operand.
type value struct {
	kind valueKind
	b    bool
	f    float64
	s    string
	// truth caches IsTruthy for kindOther.
	truth bool
}

func (v value) zero() value {
	switch v.kind {
	case kindBool:
		return value{kind: kindBool}
	case kindNumber:
		return value{kind: kindNumber}
	case kindString:
		return value{kind: kindString}
	default:
		return value{kind: kindNull}
	}
}

func (v value) truthy() bool {
	switch v.kind {
	case kindNull:
		return false
	case kindBool:
		return v.b
	case kindNumber:
		return v.f != 0
	case kindString:
		return v.s != ""
	default:
		return v.truth
	}
}

// number coerces v for numeric comparison.
func (v value) number() (float64, bool) {
	switch v.kind {
	case kindNumber:
		return v.f, true
	case kindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case kindString:
		f, err := strconv.ParseFloat(v.s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func fromAny(x any) value {
	switch t := x.(type) {
	case nil:
		return value{kind: kindNull}
	case bool:
		return value{kind: kindBool, b: t}
	case string:
		return value{kind: kindString, s: t}
	case int:
		return value{kind: kindNumber, f: float64(t)}
	case int8:
		return value{kind: kindNumber, f: float64(t)}
	case int16:
		return value{kind: kindNumber, f: float64(t)}
	case int32:
		return value{kind: kindNumber, f: float64(t)}
	case int64:
		return value{kind: kindNumber, f: float64(t)}
	case uint:
		return value{kind: kindNumber, f: float64(t)}
	case uint8:
		return value{kind: kindNumber, f: float64(t)}
	case uint16:
		return value{kind: kindNumber, f: float64(t)}
	case uint32:
		return value{kind: kindNumber, f: float64(t)}
	case uint64:
		return value{kind: kindNumber, f: float64(t)}
	case float32:
		return value{kind: kindNumber, f: float64(t)}
	case float64:
		return value{kind: kindNumber, f: t}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return value{kind: kindNumber, f: f}
		}
		return value{kind: kindString, s: string(t)}
	default:
		return value{kind: kindOther, truth: true}
	}
}

func compare(l, r value, op cmpOp) bool {
	if l.kind == kindNull || r.kind == kindNull {
		both := l.kind == kindNull && r.kind == kindNull
		switch op {
		case opEq:
			return both
		case opNe:
			return !both
		}
		return false
	}

	if l.kind == kindOther || r.kind == kindOther {
		return op == opNe
	}

	if l.kind == kindNumber || r.kind == kindNumber {
		lf, lok := l.number()
		rf, rok := r.number()
		if !lok || !rok {
			return op == opNe
		}
		return ordered(lf < rf, lf == rf, op)
	}

	if l.kind == kindBool || r.kind == kindBool {
		eq := l.truthy() == r.truthy()
		switch op {
		case opEq:
			return eq
		case opNe:
			return !eq
		}
		return false
	}

	return ordered(l.s < r.s, l.s == r.s, op)
}

func ordered(less, equal bool, op cmpOp) bool {
	switch op {
	case opEq:
		return equal
	case opNe:
		return !equal
	case opLt:
		return less
	case opGt:
		return !less && !equal
	case opLe:
		return less || equal
	case opGe:
		return !less
	}
	return false
}

// IsTruthy returns whether a value is truthy.
// nil is false, bools return their value, empty strings are false,
// zero numbers are false, everything else is true.
func IsTruthy(v any) bool {
	return fromAny(v).truthy()
}

// ToFloat64 converts a value to float64 for numeric comparison.
// Returns 0 for values that cannot be converted.
func ToFloat64(v any) float64 {
	f, _ := fromAny(v).number()
	return f
}
