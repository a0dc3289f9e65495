package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokLBrace
	tokRBrace
	tokComment
	tokNewline
)

type token struct {
	kind tokenKind
	text string
	pos  Position
}

// Position is a 1-based line:column location in a script.
type Position struct {
	Line int
	Col  int
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

type lexer struct {
	src  string
	i    int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{
		src:  src,
		line: 1,
		col:  1,
	}
}

func (l *lexer) nextToken() (token, error) {
	for {
		if l.i >= len(l.src) {
			return token{kind: tokEOF, pos: l.pos()}, nil
		}

		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return token{}, fmt.Errorf("invalid utf-8 at %s", l.pos())
		}

		pos := l.pos()
		switch {
		case r == '\n' || r == ';':
			l.consumeRune(r, size)
			return token{kind: tokNewline, text: "\n", pos: pos}, nil
		case isSpace(r):
			l.consumeRune(r, size)
			continue
		}

		switch r {
		case '{':
			if l.placeholderLen() > 0 {
				return token{kind: tokIdent, text: l.readIdent(), pos: pos}, nil
			}
			l.consumeRune(r, size)
			return token{kind: tokLBrace, text: "{", pos: pos}, nil
		case '}':
			l.consumeRune(r, size)
			return token{kind: tokRBrace, text: "}", pos: pos}, nil
		case '#':
			start := l.i
			for l.i < len(l.src) {
				r2, size2 := utf8.DecodeRuneInString(l.src[l.i:])
				if r2 == '\n' {
					break
				}
				l.consumeRune(r2, size2)
			}
			return token{kind: tokComment, text: l.src[start:l.i], pos: pos}, nil
		case '"':
			s, err := l.readString()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokString, text: s, pos: pos}, nil
		default:
			return token{kind: tokIdent, text: l.readIdent(), pos: pos}, nil
		}
	}
}

func (l *lexer) pos() Position {
	return Position{Line: l.line, Col: l.col}
}

// placeholderLen returns the byte length of a {$VAR}, {$VAR:default},
// {env.VAR} or {file.PATH} placeholder at the cursor, or 0.
func (l *lexer) placeholderLen() int {
	rest := l.src[l.i:]
	if !strings.HasPrefix(rest, "{$") && !strings.HasPrefix(rest, "{env.") && !strings.HasPrefix(rest, "{file.") {
		return 0
	}
	for n, r := range rest[1:] {
		if isSpace(r) || r == '\n' || r == '{' || r == '"' {
			return 0
		}
		if r == '}' {
			return n + 2
		}
	}
	return 0
}

// readIdent reads a bare word. Placeholders may appear anywhere inside it.
func (l *lexer) readIdent() string {
	start := l.i
	for l.i < len(l.src) {
		if n := l.placeholderLen(); n > 0 {
			for end := l.i + n; l.i < end; {
				r, size := utf8.DecodeRuneInString(l.src[l.i:])
				l.consumeRune(r, size)
			}
			continue
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if isSpace(r) || r == '\n' || r == ';' || r == '{' || r == '}' || r == '"' || r == '#' {
			break
		}
		l.consumeRune(r, size)
	}
	return l.src[start:l.i]
}

func (l *lexer) readString() (string, error) {
	r, size := utf8.DecodeRuneInString(l.src[l.i:])
	if r != '"' {
		return "", fmt.Errorf("internal error: expected '\"' at %s", l.pos())
	}
	l.consumeRune(r, size)

	var out strings.Builder
	for {
		if l.i >= len(l.src) {
			return "", fmt.Errorf("unterminated string at %s", l.pos())
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return "", fmt.Errorf("invalid utf-8 at %s", l.pos())
		}
		if r == '\n' {
			return "", fmt.Errorf("unterminated string at %s", l.pos())
		}
		l.consumeRune(r, size)
		switch r {
		case '"':
			return out.String(), nil
		case '\\':
			if l.i >= len(l.src) {
				return "", fmt.Errorf("unterminated escape at %s", l.pos())
			}
			er, esize := utf8.DecodeRuneInString(l.src[l.i:])
			if er == utf8.RuneError && esize == 1 {
				return "", fmt.Errorf("invalid utf-8 at %s", l.pos())
			}
			l.consumeRune(er, esize)
			switch er {
			case 'n':
				out.WriteRune('\n')
			case 't':
				out.WriteRune('\t')
			case 'r':
				out.WriteRune('\r')
			default:
				out.WriteRune(er)
			}
		default:
			out.WriteRune(r)
		}
	}
}

func (l *lexer) consumeRune(r rune, size int) {
	l.i += size
	if r == '\n' {
		l.line++
		l.col = 1
		return
	}
	l.col++
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\r':
		return true
	default:
		return false
	}
}
