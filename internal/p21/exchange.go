package p21

import (
	"path"
	"strconv"
	"strings"

	"stepcore/internal/core"
)

// NameKind distinguishes the four instance-name classes.
type NameKind uint8

// Instance-name classes.
const (
	EntityInstance NameKind = iota // #12
	ValueInstance                  // @12
	EntityConstant                 // #NAME
	ValueConstant                  // @NAME
)

// InstanceName identifies an entity or value instance. Number is set for
// numbered names, Constant for constant names.
type InstanceName struct {
	Kind     NameKind
	Number   int64
	Constant string
}

// EntityName returns the name #n.
func EntityName(n int64) InstanceName { return InstanceName{Kind: EntityInstance, Number: n} }

func (n InstanceName) String() string {
	switch n.Kind {
	case ValueInstance:
		return "@" + strconv.FormatInt(n.Number, 10)
	case EntityConstant:
		return "#" + n.Constant
	case ValueConstant:
		return "@" + n.Constant
	}
	return "#" + strconv.FormatInt(n.Number, 10)
}

// IsEntity reports whether the name refers to an entity instance.
func (n InstanceName) IsEntity() bool { return n.Kind == EntityInstance || n.Kind == EntityConstant }

// Parameter is one parsed record parameter. The set of implementations is
// closed.
type Parameter interface {
	parameter()
}

type (
	// IntegerParam is an integer literal.
	IntegerParam int64
	// RealParam is a real literal.
	RealParam float64
	// StringParam is a string literal with directives decoded.
	StringParam string
	// BinaryParam is a binary literal in hex form.
	BinaryParam string
	// EnumParam is an enumeration item without dots.
	EnumParam string
	// ListParam is a parenthesised parameter list.
	ListParam []Parameter
	// TypedParam is KEYWORD(parameter).
	TypedParam struct {
		Keyword string
		Param   Parameter
	}
	// RefParam is an instance-name occurrence.
	RefParam InstanceName
	// ResourceParam is a <uri> occurrence; it only appears in anchors.
	ResourceParam string
	// NullParam is $.
	NullParam struct{}
	// OmittedParam is *.
	OmittedParam struct{}
)

func (IntegerParam) parameter()  {}
func (RealParam) parameter()     {}
func (StringParam) parameter()   {}
func (BinaryParam) parameter()   {}
func (EnumParam) parameter()     {}
func (ListParam) parameter()     {}
func (TypedParam) parameter()    {}
func (RefParam) parameter()      {}
func (ResourceParam) parameter() {}
func (NullParam) parameter()     {}
func (OmittedParam) parameter()  {}

// SimpleRecord is KEYWORD(parameters).
type SimpleRecord struct {
	Keyword     string
	UserDefined bool
	Params      []Parameter
}

// EntityInstanceRecord is one parsed data-section instance. Complex
// instances carry one record per partial entity.
type EntityInstanceRecord struct {
	Name    InstanceName
	Records []SimpleRecord
	Complex bool
	Line    int
	Section *DataSection
}

// Anchor is one ANCHOR section entry.
type Anchor struct {
	Name string
	Item Parameter
	Tags map[string]Parameter
}

// Reference is one REFERENCE section entry.
type Reference struct {
	Name     InstanceName
	Resource string
}

// DataSection is one DATA section. Schema is the governing schema name,
// taken from the section parameters or from FILE_SCHEMA.
type DataSection struct {
	Index     int
	Name      string
	Schema    string
	Params    []Parameter
	Instances []*EntityInstanceRecord
	Line      int

	schema *core.SchemaDefinition
	model  *core.SdaiModel
}

// Model returns the model the section was decoded into.
func (d *DataSection) Model() *core.SdaiModel { return d.model }

// Header holds the mandatory header entities plus any further ones.
type Header struct {
	Description         []string
	ImplementationLevel string

	Name                string
	TimeStamp           string
	Author              []string
	Organization        []string
	PreprocessorVersion string
	OriginatingSystem   string
	Authorization       string

	Schemas []string

	Extra []SimpleRecord
}

// ShortName returns the FILE_NAME name without directories and extension.
func (h Header) ShortName() string {
	name := strings.ReplaceAll(h.Name, `\`, "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	if ext := path.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

type entryState uint8

const (
	entryReference entryState = iota + 1
	entryRecord
	entryResolving
	entryResolved
)

// entityEntry is a registry slot: an unresolved reference, an unresolved
// record or a resolved instance.
type entityEntry struct {
	state    entryState
	resource string
	record   *EntityInstanceRecord
	entity   *core.ComplexEntity
	ref      core.PersistentEntityReference
}

type valueEntry struct {
	state    entryState
	resource string
	value    core.Value
}

// ExchangeStructure is a parsed exchange file.
type ExchangeStructure struct {
	Header       Header
	Anchors      []Anchor
	References   []Reference
	DataSections []*DataSection

	entities    map[InstanceName]*entityEntry
	entityOrder []InstanceName
	values      map[InstanceName]*valueEntry
	schemas     map[string]*core.SchemaDefinition
	schemaOrder []string
}

func newExchangeStructure() *ExchangeStructure {
	return &ExchangeStructure{
		entities: make(map[InstanceName]*entityEntry),
		values:   make(map[InstanceName]*valueEntry),
		schemas:  make(map[string]*core.SchemaDefinition),
	}
}

// RegisterEntityInstance adds a data-section record. A name registered
// before keeps its first registration and the call fails.
func (es *ExchangeStructure) RegisterEntityInstance(rec *EntityInstanceRecord) error {
	if _, dup := es.entities[rec.Name]; dup {
		return newError(rec.Line, "duplicate entity instance name %s", rec.Name)
	}
	es.entities[rec.Name] = &entityEntry{state: entryRecord, record: rec}
	es.entityOrder = append(es.entityOrder, rec.Name)
	return nil
}

// RegisterReference adds a REFERENCE section entry.
func (es *ExchangeStructure) RegisterReference(ref Reference, line int) error {
	if ref.Name.IsEntity() {
		if _, dup := es.entities[ref.Name]; dup {
			return newError(line, "duplicate entity instance name %s", ref.Name)
		}
		es.entities[ref.Name] = &entityEntry{state: entryReference, resource: ref.Resource}
		es.entityOrder = append(es.entityOrder, ref.Name)
	} else {
		if _, dup := es.values[ref.Name]; dup {
			return newError(line, "duplicate value instance name %s", ref.Name)
		}
		es.values[ref.Name] = &valueEntry{state: entryReference, resource: ref.Resource}
	}
	es.References = append(es.References, ref)
	return nil
}

// EntityRecord returns the registered record for name.
func (es *ExchangeStructure) EntityRecord(name InstanceName) (*EntityInstanceRecord, bool) {
	e, ok := es.entities[name]
	if !ok || e.record == nil {
		return nil, false
	}
	return e.record, true
}

// EntityInstanceNames returns registered entity names in registration order.
func (es *ExchangeStructure) EntityInstanceNames() []InstanceName {
	out := make([]InstanceName, len(es.entityOrder))
	copy(out, es.entityOrder)
	return out
}

// ComplexEntity returns the instance name resolved to, if resolution
// reached it.
func (es *ExchangeStructure) ComplexEntity(name InstanceName) (*core.ComplexEntity, bool) {
	e, ok := es.entities[name]
	if !ok || e.state != entryResolved || e.entity == nil {
		return nil, false
	}
	return e.entity, true
}

// RegisterSchema binds a schema named in FILE_SCHEMA to its definition.
func (es *ExchangeStructure) RegisterSchema(name string, def *core.SchemaDefinition) error {
	key := strings.ToUpper(name)
	if !es.declaresSchema(key) {
		return newError(0, "schema %s is not named in FILE_SCHEMA", key)
	}
	if _, dup := es.schemas[key]; dup {
		return newError(0, "schema %s registered twice", key)
	}
	es.schemas[key] = def
	es.schemaOrder = append(es.schemaOrder, key)
	return nil
}

// Schema returns a registered schema definition.
func (es *ExchangeStructure) Schema(name string) (*core.SchemaDefinition, bool) {
	def, ok := es.schemas[strings.ToUpper(name)]
	return def, ok
}

func (es *ExchangeStructure) declaresSchema(key string) bool {
	for _, s := range es.Header.Schemas {
		if strings.EqualFold(schemaKey(s), key) {
			return true
		}
	}
	return false
}

// schemaKey strips an object identifier suffix: 'AP214 { 1 0 10303 214 }'.
func schemaKey(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t{"); i >= 0 {
		s = s[:i]
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
