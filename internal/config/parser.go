package config

import (
	"fmt"
	"regexp"
	"strconv"
)

// Script is a parsed configuration: an ordered list of directive calls.
type Script struct {
	Filename string
	// Preamble holds leading comment lines (including the leading '#').
	Preamble   []string
	Directives []Directive
}

// Directive is a single statement, e.g. `listen 9292 { backlog 64 }`.
type Directive struct {
	Name string
	Args []Arg
	// Options holds the `name value...` lines of a trailing block.
	Options  []Directive
	HasBlock bool
	Pos      Position
}

// Arg is one typed literal argument.
type Arg struct {
	Value  any
	Text   string
	Quoted bool
	Pos    Position
}

type parser struct {
	lex     *lexer
	peeked  token
	hasPeek bool
}

func newParser(src string) *parser {
	return &parser{lex: newLexer(src)}
}

func (p *parser) parse() (*Script, error) {
	out := &Script{}

	var sawStmt bool
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokEOF:
			return out, nil
		case tokNewline:
			_, _ = p.next()
			continue
		case tokComment:
			_, _ = p.next()
			if !sawStmt {
				out.Preamble = append(out.Preamble, tok.text)
			}
			continue
		case tokIdent:
			sawStmt = true
			d, err := p.parseDirective(true)
			if err != nil {
				return nil, err
			}
			out.Directives = append(out.Directives, d)
		default:
			return nil, p.errAt(tok.pos, "unexpected token %q", tok.text)
		}
	}
}

func (p *parser) parseDirective(allowBlock bool) (Directive, error) {
	nameTok, err := p.expect(tokIdent, "expected directive name")
	if err != nil {
		return Directive{}, err
	}
	d := Directive{Name: nameTok.text, Pos: nameTok.pos}

	for {
		tok, err := p.peek()
		if err != nil {
			return Directive{}, err
		}
		switch tok.kind {
		case tokIdent, tokString:
			_, _ = p.next()
			arg, err := p.literal(tok)
			if err != nil {
				return Directive{}, err
			}
			d.Args = append(d.Args, arg)
		case tokLBrace:
			if !allowBlock {
				return Directive{}, p.errAt(tok.pos, "nested block not allowed in %s", d.Name)
			}
			_, _ = p.next()
			opts, err := p.parseBlock(d.Name)
			if err != nil {
				return Directive{}, err
			}
			d.Options = opts
			d.HasBlock = true
			return d, p.endOfStatement()
		case tokRBrace:
			if allowBlock {
				return Directive{}, p.errAt(tok.pos, "unexpected '}'")
			}
			return d, nil
		default:
			return d, p.endOfStatement()
		}
	}
}

func (p *parser) parseBlock(owner string) ([]Directive, error) {
	var out []Directive
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokEOF:
			return nil, p.errAt(tok.pos, "unexpected EOF in %s block (missing '}')", owner)
		case tokRBrace:
			_, _ = p.next()
			return out, nil
		case tokNewline, tokComment:
			_, _ = p.next()
		case tokIdent:
			opt, err := p.parseDirective(false)
			if err != nil {
				return nil, err
			}
			out = append(out, opt)
		default:
			return nil, p.errAt(tok.pos, "expected option name in %s block", owner)
		}
	}
}

// endOfStatement accepts a newline, a trailing comment or EOF.
func (p *parser) endOfStatement() error {
	tok, err := p.peek()
	if err != nil {
		return err
	}
	switch tok.kind {
	case tokNewline:
		_, _ = p.next()
		return nil
	case tokEOF, tokComment, tokRBrace:
		return nil
	default:
		return p.errAt(tok.pos, "unexpected token %q", tok.text)
	}
}

var (
	intLiteralRE   = regexp.MustCompile(`^[-+]?\d+$`)
	floatLiteralRE = regexp.MustCompile(`^[-+]?(\d+\.\d*|\.\d+|\d+)([eE][-+]?\d+)?$`)
)

// literal types a token: quoted text is always a string; bare words become
// nil, bool, int or float when they look like one.
func (p *parser) literal(tok token) (Arg, error) {
	text, err := resolvePlaceholders(tok.text)
	if err != nil {
		return Arg{}, p.errAt(tok.pos, "%v", err)
	}
	arg := Arg{Text: tok.text, Quoted: tok.kind == tokString, Pos: tok.pos, Value: text}
	if arg.Quoted {
		return arg, nil
	}
	switch {
	case text == "nil":
		arg.Value = nil
	case text == "true":
		arg.Value = true
	case text == "false":
		arg.Value = false
	case intLiteralRE.MatchString(text):
		n, err := strconv.Atoi(text)
		if err != nil {
			return Arg{}, p.errAt(tok.pos, "integer out of range: %s", text)
		}
		arg.Value = n
	case floatLiteralRE.MatchString(text):
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Arg{}, p.errAt(tok.pos, "invalid number: %s", text)
		}
		arg.Value = f
	}
	return arg, nil
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.nextToken()
}

func (p *parser) expect(kind tokenKind, msg string, args ...any) (token, error) {
	tok, err := p.next()
	if err != nil {
		return token{}, err
	}
	if tok.kind != kind {
		return token{}, p.errAt(tok.pos, msg, args...)
	}
	return tok, nil
}

func (p *parser) errAt(pos Position, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("config parse error at %s: %s", pos.String(), msg)
}
