package p21

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a parse or resolution failure. The first failure of a run is
// the only one reported; callers add context entries as it propagates, so
// Context reads innermost first.
type Error struct {
	Message string
	Line    int
	Context []string
	Err     error
}

func newError(line int, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Line: line}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", e.Line)
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Context) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Context, " < "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// AddContext appends a breadcrumb and returns e.
func (e *Error) AddContext(format string, args ...any) *Error {
	e.Context = append(e.Context, fmt.Sprintf(format, args...))
	return e
}

// withContext adds a breadcrumb to err when it is an *Error and otherwise
// wraps it into one.
func withContext(err error, line int, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if !errors.As(err, &pe) {
		pe = &Error{Message: "unexpected failure", Line: line, Err: err}
	}
	return pe.AddContext(format, args...)
}

// ErrorKind identifies the decode stage that failed.
type ErrorKind uint8

// Decode stages.
const (
	ErrorKindParser ErrorKind = iota + 1
	ErrorKindDecoder
	ErrorKindResolve
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindParser:
		return "parser error"
	case ErrorKindDecoder:
		return "decoder error"
	case ErrorKindResolve:
		return "resolve error"
	}
	return "error"
}

// DecoderError reports which stage of Decode failed.
type DecoderError struct {
	Kind ErrorKind
	Err  error
}

func (e *DecoderError) Error() string { return e.Kind.String() + ": " + e.Err.Error() }

// Unwrap returns the stage failure.
func (e *DecoderError) Unwrap() error { return e.Err }

// IsKind reports whether err is a DecoderError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *DecoderError
	return errors.As(err, &de) && de.Kind == kind
}
