// Package expr parses and evaluates arithmetic expressions over instrument
// symbols, e.g. "EQ:SPY", "IX:SPX/IX:RUT", "(EQ:AAPL+EQ:MSFT)/2".
//
// Grammar:
//
//	expr   := term (('+'|'-') term)*
//	term   := factor (('*'|'/') factor)*
//	factor := SYMBOL | NUMBER | '(' expr ')'
//
// There is no unary negation on leaves; write 0-X instead.
package expr

import (
	"math"
	"strconv"
	"strings"

	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/series"
	"quant-sandbox/internal/symbols"
)

// Node is an AST node.
type Node interface {
	evalAt(i int, cols map[string][]float64) float64
	render(b *strings.Builder)
}

// Leaf references an instrument symbol by its canonical token.
type Leaf struct {
	Token string
	Sym   symbols.Symbol
}

func (l *Leaf) evalAt(i int, cols map[string][]float64) float64 {
	col, ok := cols[l.Token]
	if !ok {
		return math.NaN()
	}
	return col[i]
}

func (l *Leaf) render(b *strings.Builder) { b.WriteString(l.Token) }

// Num is a numeric literal.
type Num struct{ V float64 }

func (n *Num) evalAt(int, map[string][]float64) float64 { return n.V }

func (n *Num) render(b *strings.Builder) {
	b.WriteString(strconv.FormatFloat(n.V, 'g', -1, 64))
}

// BinOp is a binary operator node.
type BinOp struct {
	Op   byte // '+', '-', '*', '/'
	L, R Node
}

func (o *BinOp) evalAt(i int, cols map[string][]float64) float64 {
	a := o.L.evalAt(i, cols)
	b := o.R.evalAt(i, cols)
	switch o.Op {
	case '+':
		return a + b
	case '-':
		return a - b
	case '*':
		return a * b
	case '/':
		// Division by zero is undefined at that timestamp, not an error.
		if b == 0 {
			return math.NaN()
		}
		return a / b
	}
	return math.NaN()
}

func (o *BinOp) render(b *strings.Builder) {
	b.WriteByte('(')
	o.L.render(b)
	b.WriteByte(o.Op)
	o.R.render(b)
	b.WriteByte(')')
}

// Expr is a parsed expression plus its leaf set.
type Expr struct {
	Source string
	Root   Node
	leaves []Leaf
}

// Parse tokenizes and parses the expression.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, errs.New(errs.ParseError, "unexpected %q at end of expression", p.peek().text)
	}
	e := &Expr{Source: src, Root: root}
	collectLeaves(root, &e.leaves)
	return e, nil
}

// Leaves returns the distinct symbol tokens in first-appearance order.
func (e *Expr) Leaves() []Leaf {
	seen := make(map[string]bool)
	var out []Leaf
	for _, l := range e.leaves {
		if !seen[l.Token] {
			seen[l.Token] = true
			out = append(out, l)
		}
	}
	return out
}

// IsSingleLeaf reports whether the expression is exactly one symbol.
func (e *Expr) IsSingleLeaf() bool {
	_, ok := e.Root.(*Leaf)
	return ok
}

// String renders the expression with full parenthesization.
func (e *Expr) String() string {
	var b strings.Builder
	e.Root.render(&b)
	return b.String()
}

// Eval computes the expression pointwise over an aligned frame whose leg
// columns are keyed by leaf token. Any undefined operand or division by
// zero yields an undefined output point.
func (e *Expr) Eval(f series.Frame) series.Series {
	pts := make([]series.Point, len(f.Index))
	for i, t := range f.Index {
		v := e.Root.evalAt(i, f.Legs)
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		pts[i] = series.Point{T: t, V: v}
	}
	unit := series.UnitPrice
	if !e.IsSingleLeaf() {
		unit = series.UnitRatio
	}
	return series.Series{Label: e.Source, Expr: e.Source, Unit: unit, Points: pts}
}

func collectLeaves(n Node, out *[]Leaf) {
	switch v := n.(type) {
	case *Leaf:
		*out = append(*out, *v)
	case *BinOp:
		collectLeaves(v.L, out)
		collectLeaves(v.R, out)
	}
}

// ---------------- lexer ----------------

type tokKind int

const (
	tokSymbol tokKind = iota
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	sym  symbols.Symbol
	num  float64
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, errs.New(errs.ParseError, "bad number %q", src[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: v})
			i = j
		case isSymbolChar(c):
			j := i
			for j < len(src) && isSymbolChar(src[j]) {
				j++
			}
			text := src[i:j]
			sym, err := symbols.Parse(text)
			if err != nil {
				return nil, errs.Wrap(errs.UnknownSymbol, err, "bad symbol %q in expression", text)
			}
			toks = append(toks, token{kind: tokSymbol, text: text, sym: sym})
			i = j
		default:
			return nil, errs.New(errs.ParseError, "unexpected character %q", string(c))
		}
	}
	if len(toks) == 0 {
		return nil, errs.New(errs.ParseError, "empty expression")
	}
	return toks, nil
}

// Symbol tokens may contain letters, digits, ':', '.', '@'. A '.' is only
// part of a symbol when we are already inside one; bare numbers are handled
// before this case in the lexer switch.
func isSymbolChar(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' ||
		c >= '0' && c <= '9' || c == ':' || c == '.' || c == '@'
}

// ---------------- parser ----------------

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool     { return p.pos >= len(p.toks) }
func (p *parser) peek() token   { return p.toks[p.pos] }
func (p *parser) advance() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) parseExpr() (Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.advance().text[0]
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.advance().text[0]
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseFactor() (Node, error) {
	if p.eof() {
		return nil, errs.New(errs.ParseError, "unexpected end of expression")
	}
	t := p.advance()
	switch t.kind {
	case tokSymbol:
		return &Leaf{Token: t.sym.String(), Sym: t.sym}, nil
	case tokNumber:
		return &Num{V: t.num}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, errs.New(errs.ParseError, "missing closing parenthesis")
		}
		p.advance()
		return inner, nil
	}
	return nil, errs.New(errs.ParseError, "unexpected %q", t.text)
}
