// Package p21 reads and writes ISO 10303-21 clear-text exchange files and
// decodes them into SDAI populations.
package p21

import (
	"bufio"
	"errors"
	"io"
)

const eof rune = -1

// CharacterStream yields the characters of the basic alphabet: U+0020
// through U+007E and every code point from U+0080 up. Other characters,
// including line breaks, are dropped; line breaks are counted.
type CharacterStream struct {
	r       *bufio.Reader
	line    int
	pending []rune
	err     error
}

// NewCharacterStream wraps r.
func NewCharacterStream(r io.Reader) *CharacterStream {
	return &CharacterStream{r: bufio.NewReader(r), line: 1}
}

// Line returns the current 1-based line number.
func (s *CharacterStream) Line() int { return s.line }

// Err returns the first read error other than io.EOF.
func (s *CharacterStream) Err() error { return s.err }

// Next returns the next basic-alphabet character, or eof.
func (s *CharacterStream) Next() rune {
	if n := len(s.pending); n > 0 {
		c := s.pending[n-1]
		s.pending = s.pending[:n-1]
		return c
	}
	for {
		c, _, err := s.r.ReadRune()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.err == nil {
				s.err = err
			}
			return eof
		}
		if c == '\n' {
			s.line++
			continue
		}
		if (c >= 0x20 && c <= 0x7e) || c >= 0x80 {
			return c
		}
	}
}

// Peek returns the next character without consuming it.
func (s *CharacterStream) Peek() rune {
	c := s.Next()
	if c != eof {
		s.Back(c)
	}
	return c
}

// Back pushes c in front of the stream.
func (s *CharacterStream) Back(c rune) {
	if c != eof {
		s.pending = append(s.pending, c)
	}
}
