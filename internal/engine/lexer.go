package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokOption
	tokNumber
	tokString
	tokMoment
	tokInput
	tokPipe
	tokSemi
	tokEquals
	tokComma
	tokColon
)

type token struct {
	kind  tokenKind
	text  string // raw source text
	value string // decoded value for strings, moments, options and inputs
	loc   Location
}

func (t token) isValue() bool {
	switch t.kind {
	case tokWord, tokNumber, tokString, tokMoment, tokInput:
		return true
	}
	return false
}

var punctuation = map[rune]tokenKind{'|': tokPipe, ';': tokSemi, '=': tokEquals, ',': tokComma}

type lexer struct {
	src      string
	filename string
	pos      Position
}

func lex(src, filename string) ([]token, error) {
	l := &lexer{src: src, filename: filename, pos: Position{Line: 1, Column: 1}}
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) peekRune(ahead int) rune {
	off := l.pos.Offset
	for i := 0; ; i++ {
		if off >= len(l.src) {
			return 0
		}
		r, size := utf8.DecodeRuneInString(l.src[off:])
		if i == ahead {
			return r
		}
		off += size
	}
}

func (l *lexer) advance() rune {
	r, size := utf8.DecodeRuneInString(l.src[l.pos.Offset:])
	l.pos.Offset += size
	if r == '\n' {
		l.pos.Line++
		l.pos.Column = 1
	} else {
		l.pos.Column++
	}
	return r
}

func (l *lexer) eof() bool {
	return l.pos.Offset >= len(l.src)
}

func (l *lexer) skipSpace() {
	for !l.eof() {
		r := l.peekRune(0)
		switch {
		case unicode.IsSpace(r):
			l.advance()
		case r == '/' && l.peekRune(1) == '/':
			for !l.eof() && l.peekRune(0) != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

func (l *lexer) span(start Position) Location {
	return Location{Filename: l.filename, Start: start, End: l.pos}
}

func (l *lexer) charError(expected string) error {
	start := l.pos
	found := ""
	if !l.eof() {
		found = string(l.advance())
	}
	return syntaxError(l.span(start), expected, found)
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	start := l.pos
	if l.eof() {
		return token{kind: tokEOF, loc: l.span(start)}, nil
	}

	r := l.peekRune(0)
	if kind, ok := punctuation[r]; ok {
		l.advance()
		return token{kind: kind, text: string(r), loc: l.span(start)}, nil
	}

	switch {
	case r == '"' || r == '\'':
		return l.lexString(start)
	case r == ':':
		return l.lexColon(start)
	case r == '$':
		l.advance()
		if !isWordStart(l.peekRune(0)) {
			return token{}, l.charError("input name")
		}
		name := l.word()
		return token{kind: tokInput, text: "$" + name, value: name, loc: l.span(start)}, nil
	case r == '-' && isWordStart(l.peekRune(1)):
		l.advance()
		name := l.word()
		return token{kind: tokOption, text: "-" + name, value: name, loc: l.span(start)}, nil
	case unicode.IsDigit(r) || (r == '-' || r == '.') && unicode.IsDigit(l.peekRune(1)):
		text := l.take(func(r rune) bool {
			return r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
		})
		return token{kind: tokNumber, text: text, value: text, loc: l.span(start)}, nil
	case isWordStart(r):
		w := l.word()
		return token{kind: tokWord, text: w, value: w, loc: l.span(start)}, nil
	}
	return token{}, l.charError(`";", "|" or option`)
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func (l *lexer) word() string {
	return l.take(func(r rune) bool {
		return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
	})
}

func (l *lexer) take(ok func(rune) bool) string {
	from := l.pos.Offset
	for !l.eof() && ok(l.peekRune(0)) {
		l.advance()
	}
	return l.src[from:l.pos.Offset]
}

func (l *lexer) lexString(start Position) (token, error) {
	quote := l.advance()
	var b strings.Builder
	for {
		if l.eof() {
			return token{}, syntaxError(l.span(start), "closing quote", "")
		}
		r := l.advance()
		switch r {
		case quote:
			return token{kind: tokString, text: l.src[start.Offset:l.pos.Offset], value: b.String(), loc: l.span(start)}, nil
		case '\\':
			if l.eof() {
				return token{}, syntaxError(l.span(start), "escape sequence", "")
			}
			esc := l.advance()
			switch esc {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(esc)
			}
		case '\n':
			return token{}, syntaxError(l.span(start), "closing quote", "\n")
		default:
			b.WriteRune(r)
		}
	}
}

// lexColon reads a moment literal such as :1s: or :now:. A colon followed by
// whitespace is plain punctuation.
func (l *lexer) lexColon(start Position) (token, error) {
	l.advance()
	if l.eof() || unicode.IsSpace(l.peekRune(0)) {
		return token{kind: tokColon, text: ":", loc: l.span(start)}, nil
	}
	from := l.pos.Offset
	for !l.eof() {
		r := l.peekRune(0)
		// Colons inside timestamps are followed by digits.
		if r == '\n' || r == ':' && !unicode.IsDigit(l.peekRune(1)) {
			break
		}
		l.advance()
	}
	body := l.src[from:l.pos.Offset]
	if l.eof() || l.peekRune(0) != ':' {
		return token{}, syntaxError(l.span(start), `":"`, "")
	}
	l.advance()
	return token{kind: tokMoment, text: l.src[start.Offset:l.pos.Offset], value: strings.TrimSpace(body), loc: l.span(start)}, nil
}
