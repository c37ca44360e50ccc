package sdai

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is an SDAI error indicator.
type ErrorCode string

// Error indicators raised by the population engine.
const (
	SessionNotOpen         ErrorCode = "SS_NOPN"
	SessionOpen            ErrorCode = "SS_OPN"
	RepositoryNotExist     ErrorCode = "RP_NEXS"
	RepositoryNotOpen      ErrorCode = "RP_NOPN"
	RepositoryOpen         ErrorCode = "RP_OPN"
	RepositoryDuplicate    ErrorCode = "RP_DUP"
	TransactionExists      ErrorCode = "TR_EXS"
	TransactionNotExist    ErrorCode = "TR_NEXS"
	TransactionNotRW       ErrorCode = "TR_NRW"
	ModelNotExist          ErrorCode = "MO_NEXS"
	ModelDuplicate         ErrorCode = "MO_DUP"
	SchemaInstanceNotExist ErrorCode = "SI_NEXS"
	SchemaInstanceDup      ErrorCode = "SI_DUP"
	SchemaNotEqual         ErrorCode = "SD_NDEQ"
	ModelReadOnly          ErrorCode = "MX_RO"
	ModelReadWrite         ErrorCode = "MX_RW"
	ModelAccessUndefined   ErrorCode = "MX_NDEF"
	ModelNotReadWrite      ErrorCode = "MX_NRW"
	InstanceNotExist       ErrorCode = "EI_NEXS"
	InstanceInvalid        ErrorCode = "EI_NVLD"
	DomainInvalid          ErrorCode = "ED_NVLD"
	ValueNotSet            ErrorCode = "VA_NSET"
	SystemError            ErrorCode = "SY_ERR"
)

var codeText = map[ErrorCode]string{
	SessionNotOpen:         "session not open",
	SessionOpen:            "session already open",
	RepositoryNotExist:     "repository does not exist",
	RepositoryNotOpen:      "repository not open",
	RepositoryOpen:         "repository already open",
	RepositoryDuplicate:    "repository already known",
	TransactionExists:      "transaction already exists",
	TransactionNotExist:    "transaction does not exist",
	TransactionNotRW:       "transaction not read-write",
	ModelNotExist:          "SDAI-model does not exist",
	ModelDuplicate:         "SDAI-model name duplicated",
	SchemaInstanceNotExist: "schema instance does not exist",
	SchemaInstanceDup:      "schema instance name duplicated",
	SchemaNotEqual:         "schema definitions not equal",
	ModelReadOnly:          "SDAI-model access read-only",
	ModelReadWrite:         "SDAI-model access read-write",
	ModelAccessUndefined:   "SDAI-model access not defined",
	ModelNotReadWrite:      "SDAI-model access not read-write",
	InstanceNotExist:       "entity instance does not exist",
	InstanceInvalid:        "entity instance invalid",
	DomainInvalid:          "entity definition not in domain",
	ValueNotSet:            "value not set",
	SystemError:            "underlying system error",
}

// Describe returns the standard description of a code.
func (c ErrorCode) Describe() string {
	if text, ok := codeText[c]; ok {
		return text
	}
	return "unknown error"
}

// Error is a coded protocol error. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Describe()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns a comparable sentinel for errors.Is checks.
func Code(code ErrorCode) error { return &Error{Code: code} }

// CodeOf extracts the error indicator from err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsCode reports whether err carries the given indicator.
func IsCode(err error, code ErrorCode) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}

// ErrorEvent is one entry of a session error log.
type ErrorEvent struct {
	Code        ErrorCode `json:"code"`
	Description string    `json:"description"`
	Function    string    `json:"function"`
	Time        time.Time `json:"time"`
	Trapped     bool      `json:"trapped,omitempty"`
}
