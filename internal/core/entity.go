package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"stepcore/pkg/sdai"
)

// PartialEntity holds the explicit attribute values of one entity type
// within a complex entity.
type PartialEntity struct {
	Definition *EntityDefinition
	values     []Value
}

// NewPartialEntity checks the value count against the definition's own
// explicit attributes.
func NewPartialEntity(def *EntityDefinition, values ...Value) (*PartialEntity, error) {
	if def == nil {
		return nil, sdai.NewError(sdai.InstanceInvalid, "partial entity without definition")
	}
	if !def.Variadic && len(values) != len(def.Attributes) {
		return nil, sdai.NewError(sdai.InstanceInvalid, "%s expects %d attributes, got %d", def.Name, len(def.Attributes), len(values))
	}
	vals := make([]Value, len(values))
	copy(vals, values)
	return &PartialEntity{Definition: def, values: vals}, nil
}

// Values returns a copy of the attribute values.
func (p *PartialEntity) Values() []Value {
	out := make([]Value, len(p.values))
	copy(out, p.values)
	return out
}

// Len returns the number of attribute slots.
func (p *PartialEntity) Len() int { return len(p.values) }

// Value returns the i-th attribute value.
func (p *PartialEntity) Value(i int) Value {
	if i < 0 || i >= len(p.values) {
		return nil
	}
	return p.values[i]
}

// attributeIndex resolves an attribute name, including the positional
// ATTRn names of variadic definitions.
func (p *PartialEntity) attributeIndex(name string) (int, bool) {
	if i, _, ok := p.Definition.Attribute(name); ok {
		return i, true
	}
	if p.Definition.Variadic {
		var n int
		if _, err := fmt.Sscanf(strings.ToUpper(name), "ATTR%d", &n); err == nil && n >= 1 && n <= len(p.values) {
			return n - 1, true
		}
	}
	return -1, false
}

func (p *PartialEntity) clone() *PartialEntity {
	return &PartialEntity{Definition: p.Definition, values: p.Values()}
}

// ComplexEntity is one persisted instance: the union of its partial entities.
type ComplexEntity struct {
	name      int64
	model     *SdaiModel
	temporary bool

	mu       sync.RWMutex
	partials map[string]*PartialEntity
	views    map[string]*EntityReference
}

// NewComplexEntity assembles a complex entity owned by model. Names must be
// positive; temporaries are created through Session.NewTemporaryEntity.
func NewComplexEntity(model *SdaiModel, name int64, partials ...*PartialEntity) (*ComplexEntity, error) {
	if name <= 0 {
		return nil, sdai.NewError(sdai.InstanceInvalid, "persistent instance name must be positive, got %d", name)
	}
	return newComplexEntity(model, name, false, partials)
}

func newComplexEntity(model *SdaiModel, name int64, temporary bool, partials []*PartialEntity) (*ComplexEntity, error) {
	if len(partials) == 0 {
		return nil, sdai.NewError(sdai.InstanceInvalid, "#%d has no partial entities", name)
	}
	ce := &ComplexEntity{
		name:      name,
		model:     model,
		temporary: temporary,
		partials:  make(map[string]*PartialEntity, len(partials)),
		views:     make(map[string]*EntityReference),
	}
	for _, p := range partials {
		key := strings.ToUpper(p.Definition.Name)
		if _, dup := ce.partials[key]; dup {
			return nil, sdai.NewError(sdai.InstanceInvalid, "#%d repeats partial entity %s", name, key)
		}
		ce.partials[key] = p
	}
	return ce, nil
}

// Name returns the persistent instance name; temporaries are negative.
func (c *ComplexEntity) Name() int64 { return c.name }

// Model returns the owning SDAI-model.
func (c *ComplexEntity) Model() *SdaiModel { return c.model }

// IsTemporary reports whether the entity was synthesised at runtime.
func (c *ComplexEntity) IsTemporary() bool { return c.temporary }

// EntityNames returns the partial entity type names, sorted.
func (c *ComplexEntity) EntityNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.partials))
	for k := range c.partials {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Partials returns the partial entities ordered by type name.
func (c *ComplexEntity) Partials() []*PartialEntity {
	names := c.EntityNames()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*PartialEntity, 0, len(names))
	for _, n := range names {
		out = append(out, c.partials[n])
	}
	return out
}

// Partial returns the partial entity of a type.
func (c *ComplexEntity) Partial(entity string) (*PartialEntity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.partials[strings.ToUpper(entity)]
	return p, ok
}

// Has reports whether the entity includes the given type.
func (c *ComplexEntity) Has(entity string) bool {
	_, ok := c.Partial(entity)
	return ok
}

// Reference returns the cached typed view for entity.
func (c *ComplexEntity) Reference(entity string) (*EntityReference, bool) {
	key := strings.ToUpper(entity)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partials[key]
	if !ok {
		return nil, false
	}
	if ref, ok := c.views[key]; ok {
		return ref, true
	}
	ref := &EntityReference{complex: c, def: p.Definition}
	c.views[key] = ref
	return ref, true
}

// LeafReferences returns views for partial types that are not a supertype
// of another partial in the same complex entity.
func (c *ComplexEntity) LeafReferences() []*EntityReference {
	partials := c.Partials()
	var out []*EntityReference
	for _, p := range partials {
		leaf := true
		for _, q := range partials {
			if q != p && q.Definition.IsSubtypeOf(p.Definition) {
				leaf = false
				break
			}
		}
		if leaf {
			if ref, ok := c.Reference(p.Definition.Name); ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

// Attribute finds an explicit attribute value by name across partials.
func (c *ComplexEntity) Attribute(name string) (Value, bool) {
	for _, p := range c.Partials() {
		if i, ok := p.attributeIndex(name); ok {
			c.mu.RLock()
			v := p.values[i]
			c.mu.RUnlock()
			return v, true
		}
	}
	return nil, false
}

// SetAttribute assigns an explicit attribute of the entity's partial. The
// owning model must be read-write and the entity must belong to its current
// contents, not to a version retired by promotion or commit.
func (c *ComplexEntity) SetAttribute(entity, attribute string, v Value) error {
	if c.model == nil || (!c.temporary && c.model.Mode() != sdai.ReadWrite) {
		return sdai.NewError(sdai.ModelNotReadWrite, "#%d: model not read-write", c.name)
	}
	if !c.temporary && c.model.Contents().lookup(c.name) != c {
		return retiredEntityError("set attribute", c)
	}
	p, ok := c.Partial(entity)
	if !ok {
		return sdai.NewError(sdai.InstanceInvalid, "#%d has no partial %s", c.name, entity)
	}
	i, ok := p.attributeIndex(attribute)
	if !ok {
		return sdai.NewError(sdai.InstanceInvalid, "%s has no attribute %s", p.Definition.Name, attribute)
	}
	c.mu.Lock()
	p.values[i] = v
	c.mu.Unlock()
	c.model.touch()
	return nil
}

// Persistent returns the by-value handle of this entity.
func (c *ComplexEntity) Persistent() PersistentEntityReference {
	if c.temporary {
		return PersistentEntityReference{ModelID: c.model.ID(), Name: c.name, temporary: c}
	}
	return PersistentEntityReference{ModelID: c.model.ID(), Name: c.name}
}

func (c *ComplexEntity) String() string {
	return fmt.Sprintf("#%d(%s)", c.name, strings.Join(c.EntityNames(), ","))
}

// clone copies the entity into another owning model. Entity handles inside
// values are copied by value.
func (c *ComplexEntity) clone(model *SdaiModel) *ComplexEntity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &ComplexEntity{
		name:      c.name,
		model:     model,
		temporary: c.temporary,
		partials:  make(map[string]*PartialEntity, len(c.partials)),
		views:     make(map[string]*EntityReference),
	}
	for k, p := range c.partials {
		out.partials[k] = p.clone()
	}
	return out
}

type entityPair struct {
	a, b *ComplexEntity
}

// ValueEqual compares two complex entities by value, following entity
// references. Pairs already under comparison are assumed equal so cyclic
// graphs terminate.
func (c *ComplexEntity) ValueEqual(other *ComplexEntity) bool {
	return c.valueEqual(other, make(map[entityPair]bool))
}

func (c *ComplexEntity) valueEqual(other *ComplexEntity, visited map[entityPair]bool) bool {
	if c == other {
		return true
	}
	if c == nil || other == nil {
		return false
	}
	pair := entityPair{c, other}
	if visited[pair] {
		return true
	}
	visited[pair] = true

	left, right := c.Partials(), other.Partials()
	if len(left) != len(right) {
		return false
	}
	follow := func(x, y PersistentEntityReference) bool {
		ex, ey := c.resolveDirect(x), other.resolveDirect(y)
		if ex == nil || ey == nil {
			return x.Same(y)
		}
		return ex.valueEqual(ey, visited)
	}
	for i := range left {
		if !strings.EqualFold(left[i].Definition.Name, right[i].Definition.Name) || left[i].Len() != right[i].Len() {
			return false
		}
		for j := 0; j < left[i].Len(); j++ {
			if !valuesEqual(left[i].Value(j), right[i].Value(j), follow) {
				return false
			}
		}
	}
	return true
}

// Hash is consistent with ValueEqual: referenced entities contribute only
// their type names.
func (c *ComplexEntity) Hash() uint64 {
	d := xxhash.New()
	for _, p := range c.Partials() {
		_, _ = d.WriteString(strings.ToUpper(p.Definition.Name))
		_, _ = d.WriteString("(")
		for j := 0; j < p.Len(); j++ {
			c.hashValue(d, p.Value(j))
			_, _ = d.WriteString(",")
		}
		_, _ = d.WriteString(")")
	}
	return d.Sum64()
}

func (c *ComplexEntity) hashValue(d *xxhash.Digest, v Value) {
	switch t := v.(type) {
	case nil:
		_, _ = d.WriteString("$")
	case Integer:
		_, _ = fmt.Fprintf(d, "n%v", float64(t))
	case Real:
		if math.IsNaN(float64(t)) {
			_, _ = d.WriteString("nNaN")
			return
		}
		_, _ = fmt.Fprintf(d, "n%v", float64(t))
	case Aggregate:
		_, _ = d.WriteString("[")
		for _, el := range t {
			c.hashValue(d, el)
			_, _ = d.WriteString(",")
		}
		_, _ = d.WriteString("]")
	case Typed:
		_, _ = d.WriteString(strings.ToUpper(t.Type))
		c.hashValue(d, t.Value)
	case EntityValue:
		_, _ = d.WriteString("#")
		if target := c.resolveDirect(t.Ref); target != nil {
			_, _ = d.WriteString(strings.Join(target.EntityNames(), "+"))
		} else {
			_, _ = fmt.Fprintf(d, "%s/%d", t.Ref.ModelID, t.Ref.Name)
		}
	default:
		_, _ = fmt.Fprintf(d, "%T:%v", v, v)
	}
}

// resolveDirect follows a handle through the owning session without
// touching transaction caches or access checks.
func (c *ComplexEntity) resolveDirect(ref PersistentEntityReference) *ComplexEntity {
	if ref.temporary != nil {
		return ref.temporary
	}
	if c.model == nil {
		return nil
	}
	var target *SdaiModel
	if ref.ModelID == c.model.ID() {
		target = c.model
	} else if s := c.model.session(); s != nil {
		target, _ = s.findModel(ref.ModelID)
	}
	if target == nil {
		return nil
	}
	return target.Contents().lookup(ref.Name)
}
