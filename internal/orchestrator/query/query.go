// Package query parses the list-executions filter grammar:
//
//	expr   = term { "OR" term }
//	term   = factor { "AND" factor }
//	factor = "(" expr ")" | ident ( "=" | "!=" ) string
//
// Strings are single quoted; a doubled quote escapes a quote. Keywords are
// case-insensitive. An empty query matches every execution.
package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var ErrSyntax = errors.New("invalid query")

// Expr is a parsed filter. A nil Expr matches everything.
type Expr interface {
	// Match evaluates the filter against search attributes. Missing
	// attributes compare as the empty string.
	Match(attrs map[string]string) bool
	render(b *sqlBuilder)
}

type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
)

type Compare struct {
	Attr  string
	Op    Op
	Value string
}

func (c Compare) Match(attrs map[string]string) bool {
	eq := attrs[c.Attr] == c.Value
	if c.Op == OpNeq {
		return !eq
	}
	return eq
}

type And struct{ Left, Right Expr }

func (a And) Match(attrs map[string]string) bool {
	return a.Left.Match(attrs) && a.Right.Match(attrs)
}

type Or struct{ Left, Right Expr }

func (o Or) Match(attrs map[string]string) bool {
	return o.Left.Match(attrs) || o.Right.Match(attrs)
}

// Matches evaluates e, treating nil as match-all.
func Matches(e Expr, attrs map[string]string) bool {
	if e == nil {
		return true
	}
	return e.Match(attrs)
}

// Parse parses src. Blank input yields a nil Expr.
func Parse(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	p := &parser{toks: toks}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("%w: unexpected %s at offset %d", ErrSyntax, p.peek().text, p.peek().pos)
	}
	return e, nil
}

// Both combines two filters, either of which may be nil.
func Both(a, b Expr) Expr {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return And{Left: a, Right: b}
	}
}

// String renders e back into the query grammar.
func String(e Expr) string {
	switch t := e.(type) {
	case nil:
		return ""
	case Compare:
		return t.Attr + " " + string(t.Op) + " '" + strings.ReplaceAll(t.Value, "'", "''") + "'"
	case And:
		return "(" + String(t.Left) + " AND " + String(t.Right) + ")"
	case Or:
		return "(" + String(t.Left) + " OR " + String(t.Right) + ")"
	default:
		return ""
	}
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokOp
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '=':
			toks = append(toks, token{kind: tokOp, text: "=", pos: i})
			i++
		case r == '!':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return nil, fmt.Errorf("%w: expected != at offset %d", ErrSyntax, i)
			}
			toks = append(toks, token{kind: tokOp, text: "!=", pos: i})
			i += 2
		case r == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					if i+1 < len(runes) && runes[i+1] == '\'' {
						sb.WriteRune('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, start)
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})
		case isIdentRune(r):
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			switch strings.ToUpper(word) {
			case "AND":
				toks = append(toks, token{kind: tokAnd, text: word, pos: start})
			case "OR":
				toks = append(toks, token{kind: tokOr, text: word, pos: start})
			default:
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		default:
			return nil, fmt.Errorf("%w: unexpected %s at offset %d", ErrSyntax, strconv.QuoteRune(r), i)
		}
	}
	return toks, nil
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) accept(kind tokenKind) (token, bool) {
	if p.done() || p.toks[p.pos].kind != kind {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) expr() (Expr, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept(tokOr); !ok {
			return left, nil
		}
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = Or{Left: left, Right: right}
	}
}

func (p *parser) term() (Expr, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept(tokAnd); !ok {
			return left, nil
		}
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		left = And{Left: left, Right: right}
	}
}

func (p *parser) factor() (Expr, error) {
	if p.done() {
		return nil, fmt.Errorf("%w: unexpected end of query", ErrSyntax)
	}
	if _, ok := p.accept(tokLParen); ok {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, ok := p.accept(tokRParen); !ok {
			return nil, fmt.Errorf("%w: missing closing parenthesis", ErrSyntax)
		}
		return e, nil
	}
	ident, ok := p.accept(tokIdent)
	if !ok {
		t := p.peek()
		return nil, fmt.Errorf("%w: expected attribute name at offset %d, got %s", ErrSyntax, t.pos, t.text)
	}
	op, ok := p.accept(tokOp)
	if !ok {
		return nil, fmt.Errorf("%w: expected = or != after %s", ErrSyntax, ident.text)
	}
	val, ok := p.accept(tokString)
	if !ok {
		return nil, fmt.Errorf("%w: expected quoted value after %s %s", ErrSyntax, ident.text, op.text)
	}
	return Compare{Attr: ident.text, Op: Op(op.text), Value: val.text}, nil
}
