// Package sdai defines the public vocabulary shared by the population engine,
// the exchange-file decoder and persistence backends: three-valued logic,
// access modes, coded protocol errors, validation monitors and repository
// snapshots.
package sdai

import "strings"

// Logical is the EXPRESS three-valued logic type. The cardinal order
// FALSE < UNKNOWN < TRUE makes AND the minimum and OR the maximum.
type Logical uint8

const (
	// False is the definite negative result.
	False Logical = 0
	// Unknown marks an indeterminate or incomplete result.
	Unknown Logical = 1
	// True is the definite positive result.
	True Logical = 2
)

// FromBool lifts a boolean into Logical.
func FromBool(b bool) Logical {
	if b {
		return True
	}
	return False
}

// And returns the three-valued conjunction.
func (l Logical) And(other Logical) Logical {
	if other < l {
		return other
	}
	return l
}

// Or returns the three-valued disjunction.
func (l Logical) Or(other Logical) Logical {
	if other > l {
		return other
	}
	return l
}

// Not returns the three-valued negation; UNKNOWN stays UNKNOWN.
func (l Logical) Not() Logical {
	return True - l
}

// IsTrue reports whether the value is definitely TRUE.
func (l Logical) IsTrue() bool { return l == True }

// IsFalse reports whether the value is definitely FALSE.
func (l Logical) IsFalse() bool { return l == False }

// AndAll folds a list with And starting from TRUE.
func AndAll(values ...Logical) Logical {
	out := True
	for _, v := range values {
		out = out.And(v)
		if out == False {
			return out
		}
	}
	return out
}

// OrAll folds a list with Or starting from FALSE.
func OrAll(values ...Logical) Logical {
	out := False
	for _, v := range values {
		out = out.Or(v)
	}
	return out
}

func (l Logical) String() string {
	switch l {
	case False:
		return "FALSE"
	case True:
		return "TRUE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Logical) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Logical) UnmarshalText(b []byte) error {
	v, ok := ParseLogical(string(b))
	if !ok {
		return NewError(DomainInvalid, "invalid logical %q", string(b))
	}
	*l = v
	return nil
}

// ParseLogical accepts TRUE/FALSE/UNKNOWN and the exchange-file forms T/F/U.
func ParseLogical(s string) (Logical, bool) {
	switch strings.ToUpper(strings.Trim(s, ".")) {
	case "T", "TRUE":
		return True, true
	case "F", "FALSE":
		return False, true
	case "U", "UNKNOWN":
		return Unknown, true
	}
	return Unknown, false
}
