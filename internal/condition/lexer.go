// Package condition parses and evaluates strategy entry/exit expressions.
//
// The grammar is deliberately small: numeric comparisons between named
// values and literals, combined with AND/OR and parentheses.
//
//	expr    := and ( OR and )*
//	and     := primary ( AND primary )*
//	primary := '(' expr ')' | operand CMP operand
//	operand := IDENT | NUMBER
//	CMP     := '>' | '<' | '>=' | '<=' | '=='
//
// Nothing is ever executed; an expression only reads the variables map it
// is evaluated against.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokCompare
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokIdent:
		return "identifier"
	case tokNumber:
		return "number"
	case tokCompare:
		return "comparison"
	case tokAnd:
		return "AND"
	case tokOr:
		return "OR"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	default:
		return "unknown"
	}
}

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d: %s", e.Pos, e.Msg)
}

// UnsafeTokenError reports input outside the whitelisted grammar that looks
// like an attempt at code execution, file access or imports.
type UnsafeTokenError struct {
	Pos   int
	Token string
}

func (e *UnsafeTokenError) Error() string {
	return fmt.Sprintf("disallowed token %q at %d", e.Token, e.Pos)
}

// deniedIdentifiers are rejected even though they are lexically valid.
var deniedIdentifiers = map[string]struct{}{
	"import": {}, "exec": {}, "eval": {}, "compile": {}, "os": {}, "sys": {},
	"subprocess": {}, "lambda": {}, "globals": {}, "locals": {}, "getattr": {},
	"setattr": {}, "file": {}, "input": {}, "builtins": {}, "system": {},
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++

		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++

		case c == '>' || c == '<':
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
			}
			tokens = append(tokens, token{kind: tokCompare, text: op, pos: i})
			i += len(op)

		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, &UnsafeTokenError{Pos: i, Token: "="}
			}
			tokens = append(tokens, token{kind: tokCompare, text: "==", pos: i})
			i += 2

		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, &UnsafeTokenError{Pos: i, Token: string(c)}
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			tokens = append(tokens, token{kind: kind, text: src[i : i+2], pos: i})
			i += 2

		case isDigit(c) || c == '.' || (c == '-' && expectsOperand(tokens) && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.')):
			tok, next, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next

		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			word := src[start:i]
			switch strings.ToUpper(word) {
			case "AND":
				tokens = append(tokens, token{kind: tokAnd, text: word, pos: start})
				continue
			case "OR":
				tokens = append(tokens, token{kind: tokOr, text: word, pos: start})
				continue
			}
			if strings.Contains(word, "__") {
				return nil, &UnsafeTokenError{Pos: start, Token: word}
			}
			if _, denied := deniedIdentifiers[strings.ToLower(word)]; denied {
				return nil, &UnsafeTokenError{Pos: start, Token: word}
			}
			tokens = append(tokens, token{kind: tokIdent, text: word, pos: start})

		default:
			r := rune(c)
			if c >= 0x80 {
				r = []rune(src[i:])[0]
			}
			if unicode.IsPrint(r) {
				return nil, &UnsafeTokenError{Pos: i, Token: string(r)}
			}
			return nil, &UnsafeTokenError{Pos: i, Token: fmt.Sprintf("%#x", c)}
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func lexNumber(src string, start int) (token, int, error) {
	i := start
	if src[i] == '-' {
		i++
	}
	for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
		i++
	}
	if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
		j := i + 1
		if j < len(src) && (src[j] == '+' || src[j] == '-') {
			j++
		}
		if j < len(src) && isDigit(src[j]) {
			i = j
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
	}
	if i < len(src) && isIdentPart(src[i]) {
		return token{}, 0, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected %q after number", src[i])}
	}
	text := src[start:i]
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, 0, &SyntaxError{Pos: start, Msg: fmt.Sprintf("invalid number %q", text)}
	}
	return token{kind: tokNumber, text: text, num: v, pos: start}, i, nil
}

// expectsOperand reports whether a '-' at this point starts a literal
// rather than being an operator.
func expectsOperand(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	switch prev[len(prev)-1].kind {
	case tokCompare, tokAnd, tokOr, tokLParen:
		return true
	default:
		return false
	}
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }
