package p21

import (
	"strconv"
	"strings"
)

// Lexer turns a CharacterStream into tokens. It keeps one token of
// pushback and is not safe for concurrent use.
type Lexer struct {
	s    *CharacterStream
	back *Token
}

// NewLexer returns a lexer over s.
func NewLexer(s *CharacterStream) *Lexer { return &Lexer{s: s} }

// Line returns the current line of the underlying stream.
func (l *Lexer) Line() int { return l.s.Line() }

// Unread pushes t back; the next call to Next returns it.
func (l *Lexer) Unread(t Token) {
	l.back = &t
}

// Next returns the next token. Lexical errors are reported as *Error.
func (l *Lexer) Next() (Token, error) {
	if l.back != nil {
		t := *l.back
		l.back = nil
		return t, nil
	}
	if err := l.skipSpace(); err != nil {
		return Token{}, err
	}
	line := l.s.Line()
	c := l.s.Next()
	if err := l.s.Err(); err != nil {
		return Token{}, &Error{Message: "read failed", Line: line, Err: err}
	}
	tok := Token{Line: line}
	switch {
	case c == eof:
		tok.Kind = TokenEOF
		return tok, nil
	case isUpper(c):
		return l.keyword(c, line)
	case c == '!':
		if !isUpper(l.s.Peek()) {
			return Token{}, newError(line, "'!' must start a user-defined keyword")
		}
		t, err := l.keyword(l.s.Next(), line)
		t.Kind = TokenUserKeyword
		return t, err
	case c == '#' || c == '@':
		return l.instanceName(c, line)
	case isDigit(c) || c == '+' || c == '-':
		return l.number(c, line)
	case c == '\'':
		return l.str(line)
	case c == '.':
		return l.enumeration(line)
	case c == '"':
		return l.binary(line)
	case c == '<':
		return l.resource(line)
	}
	if k, ok := punctuation[c]; ok {
		tok.Kind = k
		return tok, nil
	}
	return Token{}, newError(line, "unexpected character %q", c)
}

var punctuation = map[rune]TokenKind{
	'(': TokenLParen,
	')': TokenRParen,
	',': TokenComma,
	';': TokenSemicolon,
	'=': TokenEquals,
	'*': TokenAsterisk,
	'$': TokenDollar,
	':': TokenColon,
	'{': TokenLBrace,
	'}': TokenRBrace,
}

func isUpper(c rune) bool { return (c >= 'A' && c <= 'Z') || c == '_' }
func isDigit(c rune) bool { return c >= '0' && c <= '9' }
func isHex(c rune) bool   { return isDigit(c) || (c >= 'A' && c <= 'F') }

func (l *Lexer) skipSpace() error {
	for {
		c := l.s.Next()
		switch {
		case c == ' ':
			continue
		case c == '/':
			line := l.s.Line()
			if l.s.Peek() != '*' {
				return newError(line, "'/' outside a comment")
			}
			l.s.Next()
			if !l.skipComment() {
				return newError(line, "unterminated comment")
			}
		default:
			l.s.Back(c)
			return nil
		}
	}
}

func (l *Lexer) skipComment() bool {
	for {
		c := l.s.Next()
		if c == eof {
			return false
		}
		if c == '*' && l.s.Peek() == '/' {
			l.s.Next()
			return true
		}
	}
}

func (l *Lexer) keyword(first rune, line int) (Token, error) {
	var b strings.Builder
	b.WriteRune(first)
	for {
		c := l.s.Next()
		if isUpper(c) || isDigit(c) {
			b.WriteRune(c)
			continue
		}
		if c == '-' {
			text := b.String()
			if text == "ISO" || text == "END" {
				return l.special(text, line)
			}
		}
		l.s.Back(c)
		break
	}
	return Token{Kind: TokenKeyword, Text: b.String(), Line: line}, nil
}

// special completes ISO-10303-21 and END-ISO-10303-21.
func (l *Lexer) special(prefix string, line int) (Token, error) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteRune('-')
	for {
		c := l.s.Next()
		if isUpper(c) || isDigit(c) || c == '-' {
			b.WriteRune(c)
			continue
		}
		l.s.Back(c)
		break
	}
	switch b.String() {
	case "ISO-10303-21":
		return Token{Kind: TokenStart, Text: "ISO-10303-21", Line: line}, nil
	case "END-ISO-10303-21":
		return Token{Kind: TokenEnd, Text: "END-ISO-10303-21", Line: line}, nil
	}
	return Token{}, newError(line, "unknown token %s", b.String())
}

func (l *Lexer) instanceName(sigil rune, line int) (Token, error) {
	c := l.s.Peek()
	switch {
	case isDigit(c):
		var b strings.Builder
		for isDigit(l.s.Peek()) {
			b.WriteRune(l.s.Next())
		}
		n, err := strconv.ParseInt(b.String(), 10, 64)
		if err != nil {
			return Token{}, &Error{Message: "instance name out of range", Line: line, Err: err}
		}
		kind := TokenEntityName
		if sigil == '@' {
			kind = TokenValueName
		}
		return Token{Kind: kind, Int: n, Line: line}, nil
	case isUpper(c):
		t, err := l.keyword(l.s.Next(), line)
		if err != nil {
			return Token{}, err
		}
		t.Kind = TokenEntityConstant
		if sigil == '@' {
			t.Kind = TokenValueConstant
		}
		return t, nil
	}
	return Token{}, newError(line, "%c must be followed by digits or a constant name", sigil)
}

func (l *Lexer) digits(b *strings.Builder) int {
	n := 0
	for isDigit(l.s.Peek()) {
		b.WriteRune(l.s.Next())
		n++
	}
	return n
}

func (l *Lexer) number(first rune, line int) (Token, error) {
	var b strings.Builder
	b.WriteRune(first)
	if first == '+' || first == '-' {
		if !isDigit(l.s.Peek()) {
			return Token{}, newError(line, "sign must be followed by a digit")
		}
	}
	l.digits(&b)
	if l.s.Peek() != '.' {
		n, err := strconv.ParseInt(b.String(), 10, 64)
		if err != nil {
			return Token{}, &Error{Message: "invalid integer " + b.String(), Line: line, Err: err}
		}
		return Token{Kind: TokenInteger, Int: n, Line: line}, nil
	}
	b.WriteRune(l.s.Next())
	l.digits(&b)
	if l.s.Peek() == 'E' {
		b.WriteRune(l.s.Next())
		if c := l.s.Peek(); c == '+' || c == '-' {
			b.WriteRune(l.s.Next())
		}
		if l.digits(&b) == 0 {
			return Token{}, newError(line, "exponent of %s has no digits", b.String())
		}
	}
	f, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return Token{}, &Error{Message: "invalid real " + b.String(), Line: line, Err: err}
	}
	return Token{Kind: TokenReal, Real: f, Text: b.String(), Line: line}, nil
}

func (l *Lexer) str(line int) (Token, error) {
	var b strings.Builder
	for {
		c := l.s.Next()
		switch c {
		case eof:
			return Token{}, newError(line, "unterminated string")
		case '\'':
			if l.s.Peek() == '\'' {
				l.s.Next()
				b.WriteRune('\'')
				continue
			}
			text, err := decodeString(b.String())
			if err != nil {
				return Token{}, &Error{Message: "invalid string", Line: line, Err: err}
			}
			return Token{Kind: TokenString, Text: text, Line: line}, nil
		default:
			b.WriteRune(c)
		}
	}
}

func (l *Lexer) enumeration(line int) (Token, error) {
	var b strings.Builder
	for isUpper(l.s.Peek()) || (b.Len() > 0 && isDigit(l.s.Peek())) {
		b.WriteRune(l.s.Next())
	}
	if b.Len() == 0 || l.s.Next() != '.' {
		return Token{}, newError(line, "malformed enumeration .%s", b.String())
	}
	return Token{Kind: TokenEnumeration, Text: b.String(), Line: line}, nil
}

func (l *Lexer) binary(line int) (Token, error) {
	var b strings.Builder
	for {
		c := l.s.Next()
		if c == '"' {
			break
		}
		if !isHex(c) {
			return Token{}, newError(line, "invalid binary digit %q", c)
		}
		b.WriteRune(c)
	}
	text := b.String()
	if text == "" || text[0] > '3' {
		return Token{}, newError(line, "binary must start with an unused-bit count 0-3")
	}
	return Token{Kind: TokenBinary, Text: text, Line: line}, nil
}

func (l *Lexer) resource(line int) (Token, error) {
	var b strings.Builder
	for {
		c := l.s.Next()
		switch c {
		case eof:
			return Token{}, newError(line, "unterminated resource")
		case '>':
			return Token{Kind: TokenResource, Text: b.String(), Line: line}, nil
		}
		b.WriteRune(c)
	}
}
