package condition

import (
	"fmt"
	"sort"
	"strings"
)

// MissingVariableError reports a variable that is not available (unknown
// name or indicator still warming up).
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("variable %q is not available", e.Name)
}

type node interface {
	eval(vars map[string]float64) bool
}

type logicalNode struct {
	and         bool
	left, right node
}

func (n *logicalNode) eval(vars map[string]float64) bool {
	if n.and {
		return n.left.eval(vars) && n.right.eval(vars)
	}
	return n.left.eval(vars) || n.right.eval(vars)
}

type operand struct {
	name  string
	value float64
}

func (o operand) resolve(vars map[string]float64) float64 {
	if o.name == "" {
		return o.value
	}
	return vars[o.name]
}

type compareNode struct {
	op          string
	left, right operand
}

func (n *compareNode) eval(vars map[string]float64) bool {
	l, r := n.left.resolve(vars), n.right.resolve(vars)
	switch n.op {
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	case "==":
		return l == r
	default:
		return false
	}
}

// Expr is a compiled condition.
type Expr struct {
	src  string
	root node
	vars []string
}

// Compile parses src into an expression tree.
func Compile(src string) (*Expr, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, names: make(map[string]struct{})}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %s %q", tok.kind, tok.text)}
	}

	vars := make([]string, 0, len(p.names))
	for name := range p.names {
		vars = append(vars, name)
	}
	sort.Strings(vars)
	return &Expr{src: strings.TrimSpace(src), root: root, vars: vars}, nil
}

// String returns the normalized source text.
func (e *Expr) String() string {
	return e.src
}

// Variables returns the names the expression reads, sorted.
func (e *Expr) Variables() []string {
	return append([]string(nil), e.vars...)
}

// Eval evaluates the expression. Every referenced variable must be
// present; otherwise the result is false with a MissingVariableError.
func (e *Expr) Eval(vars map[string]float64) (bool, error) {
	for _, name := range e.vars {
		if _, ok := vars[name]; !ok {
			return false, &MissingVariableError{Name: name}
		}
	}
	return e.root.eval(vars), nil
}

type parser struct {
	tokens []token
	pos    int
	names  map[string]struct{}
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	if p.peek().kind == tokLParen {
		open := p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if tok := p.next(); tok.kind != tokRParen {
			return nil, &SyntaxError{Pos: open.pos, Msg: "unbalanced parenthesis"}
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	op := p.next()
	if op.kind != tokCompare {
		return nil, &SyntaxError{Pos: op.pos, Msg: fmt.Sprintf("expected comparison, got %s", op.kind)}
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: op.text, left: left, right: right}, nil
}

func (p *parser) parseOperand() (operand, error) {
	tok := p.next()
	switch tok.kind {
	case tokIdent:
		p.names[tok.text] = struct{}{}
		return operand{name: tok.text}, nil
	case tokNumber:
		return operand{value: tok.num}, nil
	default:
		return operand{}, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("expected identifier or number, got %s", tok.kind)}
	}
}
