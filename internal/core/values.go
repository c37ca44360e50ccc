package core

import (
	"math"
	"strconv"
	"strings"

	"stepcore/pkg/sdai"
)

// Value is an attribute value of a partial entity. The set of
// implementations is closed; a nil Value means the attribute is unset.
type Value interface {
	isValue()
	Kind() AttributeKind
}

type (
	// Integer is an EXPRESS INTEGER.
	Integer int64
	// Real is an EXPRESS REAL.
	Real float64
	// String is an EXPRESS STRING.
	String string
	// Binary is an EXPRESS BINARY in exchange-file hex form: the first
	// digit counts unused leading bits.
	Binary string
	// Boolean is an EXPRESS BOOLEAN.
	Boolean bool
	// LogicalValue is an EXPRESS LOGICAL.
	LogicalValue sdai.Logical
	// Enumeration is an enumeration item name without dots.
	Enumeration string
	// Aggregate is a LIST, SET, BAG or ARRAY value.
	Aggregate []Value
	// Typed is a value tagged with a defined-type or select keyword.
	Typed struct {
		Type  string
		Value Value
	}
	// EntityValue references an entity instance by persistent handle.
	EntityValue struct {
		Ref PersistentEntityReference
	}
)

func (Integer) isValue()      {}
func (Real) isValue()         {}
func (String) isValue()       {}
func (Binary) isValue()       {}
func (Boolean) isValue()      {}
func (LogicalValue) isValue() {}
func (Enumeration) isValue()  {}
func (Aggregate) isValue()    {}
func (Typed) isValue()        {}
func (EntityValue) isValue()  {}

func (Integer) Kind() AttributeKind      { return KindInteger }
func (Real) Kind() AttributeKind         { return KindReal }
func (String) Kind() AttributeKind       { return KindString }
func (Binary) Kind() AttributeKind       { return KindBinary }
func (Boolean) Kind() AttributeKind      { return KindBoolean }
func (LogicalValue) Kind() AttributeKind { return KindLogical }
func (Enumeration) Kind() AttributeKind  { return KindEnumeration }
func (Aggregate) Kind() AttributeKind    { return KindAggregate }
func (Typed) Kind() AttributeKind        { return KindSelect }
func (EntityValue) Kind() AttributeKind  { return KindEntity }

// Bits decodes the binary into a string of '0' and '1'.
func (b Binary) Bits() (string, bool) {
	s := string(b)
	if s == "" || s[0] < '0' || s[0] > '3' {
		return "", false
	}
	unused := int(s[0] - '0')
	var sb strings.Builder
	for _, r := range s[1:] {
		n, err := strconv.ParseUint(string(r), 16, 8)
		if err != nil {
			return "", false
		}
		sb.WriteString(strconv.FormatUint(n|16, 2)[1:])
	}
	bits := sb.String()
	if unused > len(bits) {
		return "", false
	}
	return bits[unused:], true
}

// EntityReferences collects every entity handle contained in v.
func EntityReferences(v Value) []PersistentEntityReference {
	var out []PersistentEntityReference
	walkValue(v, func(ref PersistentEntityReference) {
		out = append(out, ref)
	})
	return out
}

func walkValue(v Value, fn func(PersistentEntityReference)) {
	switch t := v.(type) {
	case EntityValue:
		fn(t.Ref)
	case Aggregate:
		for _, el := range t {
			walkValue(el, fn)
		}
	case Typed:
		walkValue(t.Value, fn)
	}
}

// ValuesEqual compares two values without following entity references.
func ValuesEqual(a, b Value) bool {
	return valuesEqual(a, b, nil)
}

// valuesEqual compares structurally. When follow is non-nil it decides
// equality of two entity handles.
func valuesEqual(a, b Value, follow func(x, y PersistentEntityReference) bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case Integer:
		switch y := b.(type) {
		case Integer:
			return x == y
		case Real:
			return float64(x) == float64(y)
		}
		return false
	case Real:
		switch y := b.(type) {
		case Real:
			return x == y || (math.IsNaN(float64(x)) && math.IsNaN(float64(y)))
		case Integer:
			return float64(x) == float64(y)
		}
		return false
	case Aggregate:
		y, ok := b.(Aggregate)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valuesEqual(x[i], y[i], follow) {
				return false
			}
		}
		return true
	case Typed:
		y, ok := b.(Typed)
		return ok && strings.EqualFold(x.Type, y.Type) && valuesEqual(x.Value, y.Value, follow)
	case EntityValue:
		y, ok := b.(EntityValue)
		if !ok {
			return false
		}
		if follow != nil {
			return follow(x.Ref, y.Ref)
		}
		return x.Ref.Same(y.Ref)
	default:
		return a == b
	}
}
