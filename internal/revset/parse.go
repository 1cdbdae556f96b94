package revset

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrSyntax matches any SyntaxError.
var ErrSyntax = errors.New("invalid revset expression")

// SyntaxError reports where parsing failed.
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("revset %q at offset %d: %s", e.Input, e.Pos, e.Msg)
}

func (e *SyntaxError) Is(target error) bool {
	return target == ErrSyntax
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("_/@.-+", r)
}

// lex splits input into tokens. A '-' or '.' inside a run of identifier
// characters belongs to the identifier ("feature-x", "v1.2"); written with
// surrounding spaces '-' is the difference operator. ".." and "::" always
// end an identifier.
func lex(input string) ([]token, error) {
	var out []token
	rs := []rune(input)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case r == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case r == '|' || r == '&' || r == '~' || (r == '-' && !startsIdent(rs, i)):
			out = append(out, token{tokOp, string(r), i})
			i++
		case r == ':' && i+1 < len(rs) && rs[i+1] == ':':
			out = append(out, token{tokOp, "::", i})
			i += 2
		case r == '.' && i+1 < len(rs) && rs[i+1] == '.':
			out = append(out, token{tokOp, "..", i})
			i += 2
		case r == '"':
			start := i
			i++
			var sb strings.Builder
			for i < len(rs) && rs[i] != '"' {
				if rs[i] == '\\' && i+1 < len(rs) {
					i++
				}
				sb.WriteRune(rs[i])
				i++
			}
			if i >= len(rs) {
				return nil, &SyntaxError{Input: input, Pos: start, Msg: "unterminated string"}
			}
			i++
			out = append(out, token{tokString, sb.String(), start})
		case isIdentRune(r):
			start := i
			for i < len(rs) && isIdentRune(rs[i]) {
				if rs[i] == '.' && i+1 < len(rs) && rs[i+1] == '.' {
					break
				}
				if rs[i] == '-' && i > start && !startsIdent(rs, i) {
					break
				}
				i++
			}
			out = append(out, token{tokIdent, string(rs[start:i]), start})
		default:
			return nil, &SyntaxError{Input: input, Pos: i, Msg: fmt.Sprintf("unexpected %q", r)}
		}
	}
	return append(out, token{tokEOF, "", len(rs)}), nil
}

// startsIdent reports whether the '-' at i is glued to identifier
// characters on both sides.
func startsIdent(rs []rune, i int) bool {
	return i > 0 && i+1 < len(rs) && isIdentRune(rs[i-1]) && isIdentRune(rs[i+1]) && rs[i-1] != '.'
}

type parser struct {
	input string
	toks  []token
	pos   int
}

// Parse parses an expression. Precedence from loosest: '|', '&', '-',
// the range operators '..' and '::', then prefix '~'.
func Parse(input string) (Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, p.errorf("empty expression")
	}
	e, err := p.union()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf("unexpected %q", t.text)
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Input: p.input, Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) union() (Expr, error) {
	l, err := p.intersect()
	if err != nil {
		return nil, err
	}
	for p.isOp("|") {
		p.next()
		r, err := p.intersect()
		if err != nil {
			return nil, err
		}
		l = Union{L: l, R: r}
	}
	return l, nil
}

func (p *parser) intersect() (Expr, error) {
	l, err := p.difference()
	if err != nil {
		return nil, err
	}
	for p.isOp("&") {
		p.next()
		r, err := p.difference()
		if err != nil {
			return nil, err
		}
		l = Intersect{L: l, R: r}
	}
	return l, nil
}

func (p *parser) difference() (Expr, error) {
	l, err := p.rangeExpr()
	if err != nil {
		return nil, err
	}
	for p.isOp("-") {
		p.next()
		r, err := p.rangeExpr()
		if err != nil {
			return nil, err
		}
		l = Difference{L: l, R: r}
	}
	return l, nil
}

func (p *parser) rangeExpr() (Expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	switch {
	case p.isOp(".."):
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Range{From: l, To: r}, nil
	case p.isOp("::"):
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		return DagRange{From: l, To: r}, nil
	}
	return l, nil
}

func (p *parser) unary() (Expr, error) {
	if p.isOp("~") {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Complement{X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		e, err := p.union()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		p.next()
		return e, nil
	case tokString:
		p.next()
		return Atom{Token: t.text}, nil
	case tokIdent:
		p.next()
		if p.peek().kind != tokLParen {
			return Atom{Token: t.text}, nil
		}
		p.next()
		if t.text == "all" {
			if p.peek().kind != tokRParen {
				return nil, p.errorf("all() takes no arguments")
			}
			p.next()
			return All{}, nil
		}
		if !functions[t.text] {
			return nil, &SyntaxError{Input: p.input, Pos: t.pos, Msg: fmt.Sprintf("unknown function %q", t.text)}
		}
		arg, err := p.union()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf("expected ')'")
		}
		p.next()
		return Call{Name: t.text, Arg: arg}, nil
	}
	if t.kind == tokEOF {
		return nil, p.errorf("unexpected end of expression")
	}
	return nil, p.errorf("unexpected %q", t.text)
}
