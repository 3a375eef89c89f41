/*
Package expr provides the condition language used on flow edges.

# Overview

Conditions are small boolean expressions over the execution state map.
They are compiled once, when a flow is loaded, into a Program. Evaluating
a Program walks a prebuilt tree and does not allocate, so routing stays
cheap no matter how many traversals share a compiled flow.

# Expression Syntax

	or      := and { ('||' | 'or') and }
	and     := unary { ('&&' | 'and') unary }
	unary   := ('!' | 'not') unary | primary
	primary := '(' or ')' | operand [ cmp operand ]
	cmp     := '==' | '!=' | '>=' | '<=' | '>' | '<'
	operand := field | number | 'string' | "string" | true | false | null

The bare keywords true and always compile to an unconditional program.

Field references may use dot paths to reach into nested maps:

	result.score >= 0.8

# Comparison Rules

  - null equals only null (and an absent field under the falsy policy when
    compared against null).
  - If either side is a number, both sides are compared numerically.
    Numeric strings are parsed; anything else never matches.
  - If either side is a bool, the other side is compared by truthiness.
  - Two strings compare lexicographically.

# Missing Fields

A reference to a field that is not present in the state is resolved
according to a Policy:

	MissingFalsy  the field takes the falsy value of the other operand's
	              type (0, "", false, null). This is the default.
	MissingError  evaluation fails with *MissingFieldError.

Example:

	p := expr.MustCompile("x == 1")
	ok, _ := p.Eval(map[string]any{}, expr.MissingFalsy)  // false, nil
	_, err := p.Eval(map[string]any{}, expr.MissingError) // *MissingFieldError

# Truthiness

Single values are evaluated for truthiness:

  - nil/null: false
  - bool: the boolean value
  - string: false if empty, true otherwise
  - numbers: false if zero, true otherwise
  - other types: true
*/
package expr
