package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkIdent
	tkNumber
	tkString
	tkCmp
	tkAnd
	tkOr
	tkNot
	tkLParen
	tkRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError reports a malformed condition expression.
type SyntaxError struct {
	// Expr is the full expression source.
	Expr string
	// Pos is the byte offset where the problem was detected.
	Pos int
	// Msg describes the problem.
	Msg string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition %q: %s at position %d", e.Expr, e.Msg, e.Pos)
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		ch := rune(src[i])

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "(", i})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")", i})
			i++
			continue
		case '\'', '"':
			s, next, err := readString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, i})
			i = next
			continue
		}

		if i+1 < len(src) {
			switch two := src[i : i+2]; two {
			case "==", "!=", ">=", "<=":
				tokens = append(tokens, token{tkCmp, two, i})
				i += 2
				continue
			case "&&":
				tokens = append(tokens, token{tkAnd, two, i})
				i += 2
				continue
			case "||":
				tokens = append(tokens, token{tkOr, two, i})
				i += 2
				continue
			}
		}

		switch ch {
		case '>', '<':
			tokens = append(tokens, token{tkCmp, string(ch), i})
			i++
			continue
		case '!':
			tokens = append(tokens, token{tkNot, "!", i})
			i++
			continue
		case '=':
			return nil, &SyntaxError{Expr: src, Pos: i, Msg: "single '=' is not an operator, use '=='"}
		}

		if isDigit(src[i]) || (ch == '-' && i+1 < len(src) && isDigit(src[i+1]) && negativeAllowed(tokens)) {
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tkNumber, src[start:i], start})
			continue
		}

		if isIdentStart(src[i]) {
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			word := src[start:i]
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, token{tkAnd, word, start})
			case "or":
				tokens = append(tokens, token{tkOr, word, start})
			case "not":
				tokens = append(tokens, token{tkNot, word, start})
			default:
				tokens = append(tokens, token{tkIdent, word, start})
			}
			continue
		}

		return nil, &SyntaxError{Expr: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", ch)}
	}
	tokens = append(tokens, token{tkEOF, "", len(src)})
	return tokens, nil
}

// readString reads a quoted literal starting at src[start]. Backslash
// escapes the next byte.
func readString(src string, start int) (string, int, error) {
	quote := src[start]
	var sb strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == '\\' && i+1 < len(src) {
			sb.WriteByte(src[i+1])
			i += 2
			continue
		}
		if c == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteByte(c)
		i++
	}
	return "", 0, &SyntaxError{Expr: src, Pos: start, Msg: "unterminated string"}
}

// negativeAllowed reports whether a '-' begins a number literal rather
// than following an operand.
func negativeAllowed(tokens []token) bool {
	if len(tokens) == 0 {
		return true
	}
	switch tokens[len(tokens)-1].kind {
	case tkIdent, tkNumber, tkString, tkRParen:
		return false
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}
