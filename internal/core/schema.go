package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"stepcore/pkg/sdai"
)

// AttributeKind is the declared domain of an explicit attribute.
type AttributeKind uint8

// Attribute domains. KindAny accepts every value.
const (
	KindAny AttributeKind = iota
	KindInteger
	KindReal
	KindNumber
	KindString
	KindBinary
	KindBoolean
	KindLogical
	KindEnumeration
	KindEntity
	KindAggregate
	KindSelect
)

var kindNames = [...]string{"ANY", "INTEGER", "REAL", "NUMBER", "STRING", "BINARY", "BOOLEAN", "LOGICAL", "ENUMERATION", "ENTITY", "AGGREGATE", "SELECT"}

func (k AttributeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", k)
}

// AttributeDefinition describes one explicit attribute.
type AttributeDefinition struct {
	Name     string
	Kind     AttributeKind
	Element  AttributeKind // element domain when Kind is KindAggregate
	Optional bool
}

// MayYieldEntityReference reports whether values of this attribute can
// contain entity instance references.
func (a *AttributeDefinition) MayYieldEntityReference() bool {
	switch a.Kind {
	case KindEntity, KindSelect, KindAny:
		return true
	case KindAggregate:
		return a.Element == KindEntity || a.Element == KindSelect || a.Element == KindAny
	}
	return false
}

// RuleContext is passed to rule bodies. Scope carries the entities whose
// derived values are currently being computed, so nested usedIn queries
// can exclude them.
type RuleContext struct {
	context.Context
	Session *Session
	Scope   UsedInScope
}

// UsedIn runs a usedIn query from inside a rule body.
func (rc *RuleContext) UsedIn(target *ComplexEntity, role string) ([]*ComplexEntity, error) {
	return rc.Session.UsedIn(rc, rc.Scope, target, role)
}

// WhereRule is a domain rule evaluated against one entity instance.
type WhereRule struct {
	Label string
	Check func(rc *RuleContext, ref *EntityReference) sdai.Logical
}

// UniquenessRule supplies the uniqueness key of an instance. ok=false marks
// an indeterminate key.
type UniquenessRule struct {
	Label string
	Key   func(ref *EntityReference) (key string, ok bool)
}

// RuleOutcome is one sub-result of a global rule.
type RuleOutcome struct {
	Label  string
	Result sdai.Logical
}

// Population is the complex-entity population a global rule sees.
type Population interface {
	All() []*ComplexEntity
	Extent(entity string) []*EntityReference
}

// GlobalRule is evaluated once against a whole schema-instance population.
type GlobalRule struct {
	Name     string
	Evaluate func(rc *RuleContext, pop Population) []RuleOutcome
}

// EntityDefinition describes an entity type.
type EntityDefinition struct {
	Name            string
	Supertypes      []*EntityDefinition
	Attributes      []*AttributeDefinition
	WhereRules      []WhereRule
	UniquenessRules []UniquenessRule
	Abstract        bool
	// Variadic definitions accept any number of untyped attributes. They are
	// synthesised by lenient schemas.
	Variadic bool
}

// NewEntity builds an entity definition with attributes in declaration order.
func NewEntity(name string, attrs ...*AttributeDefinition) *EntityDefinition {
	return &EntityDefinition{Name: strings.ToUpper(name), Attributes: attrs}
}

// Attr is shorthand for a required attribute definition.
func Attr(name string, kind AttributeKind) *AttributeDefinition {
	return &AttributeDefinition{Name: strings.ToUpper(name), Kind: kind}
}

// OptionalAttr is shorthand for an OPTIONAL attribute definition.
func OptionalAttr(name string, kind AttributeKind) *AttributeDefinition {
	return &AttributeDefinition{Name: strings.ToUpper(name), Kind: kind, Optional: true}
}

// Lineage returns the definition and its supertypes, supertypes first,
// each definition once.
func (d *EntityDefinition) Lineage() []*EntityDefinition {
	var out []*EntityDefinition
	seen := make(map[*EntityDefinition]bool)
	var visit func(*EntityDefinition)
	visit = func(e *EntityDefinition) {
		if seen[e] {
			return
		}
		seen[e] = true
		for _, s := range e.Supertypes {
			visit(s)
		}
		out = append(out, e)
	}
	visit(d)
	return out
}

// AllAttributes returns explicit attributes of the lineage in exchange
// order: supertype attributes first.
func (d *EntityDefinition) AllAttributes() []*AttributeDefinition {
	var out []*AttributeDefinition
	for _, e := range d.Lineage() {
		out = append(out, e.Attributes...)
	}
	return out
}

// IsSubtypeOf reports whether other is in d's lineage.
func (d *EntityDefinition) IsSubtypeOf(other *EntityDefinition) bool {
	for _, e := range d.Lineage() {
		if e == other {
			return true
		}
	}
	return false
}

// Attribute finds an own explicit attribute by name.
func (d *EntityDefinition) Attribute(name string) (int, *AttributeDefinition, bool) {
	for i, a := range d.Attributes {
		if strings.EqualFold(a.Name, name) {
			return i, a, true
		}
	}
	return -1, nil, false
}

// SchemaDefinition is the metadata of one EXPRESS schema.
type SchemaDefinition struct {
	Name        string
	GlobalRules []GlobalRule

	mu       sync.RWMutex
	entities map[string]*EntityDefinition
	lenient  bool
}

// NewSchema builds a schema from entity definitions.
func NewSchema(name string, entities ...*EntityDefinition) *SchemaDefinition {
	s := &SchemaDefinition{Name: strings.ToUpper(name), entities: make(map[string]*EntityDefinition)}
	for _, e := range entities {
		s.entities[strings.ToUpper(e.Name)] = e
	}
	return s
}

// NewLenientSchema builds a schema that synthesises a variadic definition for
// every entity name it is asked about.
func NewLenientSchema(name string) *SchemaDefinition {
	s := NewSchema(name)
	s.lenient = true
	return s
}

// Lenient reports whether unknown entity names are synthesised.
func (s *SchemaDefinition) Lenient() bool { return s.lenient }

// Entity looks up an entity definition by case-insensitive name.
func (s *SchemaDefinition) Entity(name string) (*EntityDefinition, bool) {
	key := strings.ToUpper(name)
	s.mu.RLock()
	e, ok := s.entities[key]
	s.mu.RUnlock()
	if ok || !s.lenient {
		return e, ok
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entities[key]; ok {
		return e, true
	}
	e = &EntityDefinition{Name: key, Variadic: true}
	s.entities[key] = e
	return e, true
}

// Entities returns all definitions sorted by name.
func (s *SchemaDefinition) Entities() []*EntityDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EntityDefinition, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SchemaRegistry resolves schema names to metadata.
type SchemaRegistry interface {
	Schema(name string) (*SchemaDefinition, bool)
}

// Schemas is a map-backed SchemaRegistry keyed by upper-case name.
type Schemas map[string]*SchemaDefinition

// NewSchemas indexes the given schemas.
func NewSchemas(defs ...*SchemaDefinition) Schemas {
	out := make(Schemas, len(defs))
	for _, d := range defs {
		out[strings.ToUpper(d.Name)] = d
	}
	return out
}

// Schema implements SchemaRegistry.
func (s Schemas) Schema(name string) (*SchemaDefinition, bool) {
	d, ok := s[strings.ToUpper(name)]
	return d, ok
}

// LenientRegistry answers every lookup, synthesising lenient schemas for
// unknown names. Known schemas take precedence.
type LenientRegistry struct {
	Known SchemaRegistry

	mu        sync.Mutex
	generated map[string]*SchemaDefinition
}

// Schema implements SchemaRegistry.
func (r *LenientRegistry) Schema(name string) (*SchemaDefinition, bool) {
	if r.Known != nil {
		if s, ok := r.Known.Schema(name); ok {
			return s, true
		}
	}
	key := strings.ToUpper(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generated == nil {
		r.generated = make(map[string]*SchemaDefinition)
	}
	s, ok := r.generated[key]
	if !ok {
		s = NewLenientSchema(key)
		r.generated[key] = s
	}
	return s, true
}
