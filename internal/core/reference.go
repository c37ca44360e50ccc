package core

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"stepcore/pkg/sdai"
)

// EntityReference is a typed view of a complex entity as one entity type.
// Derived values computed through it are cached while the owning model is
// read-only.
type EntityReference struct {
	complex *ComplexEntity
	def     *EntityDefinition

	mu         sync.Mutex
	derived    map[string]Value
	derivedGen uint64
}

// Complex returns the viewed complex entity.
func (r *EntityReference) Complex() *ComplexEntity { return r.complex }

// Definition returns the entity type of the view.
func (r *EntityReference) Definition() *EntityDefinition { return r.def }

// Name returns the instance name.
func (r *EntityReference) Name() int64 { return r.complex.name }

// Value returns an explicit attribute visible to this entity type,
// including inherited attributes.
func (r *EntityReference) Value(attribute string) (Value, bool) {
	for _, e := range r.def.Lineage() {
		p, ok := r.complex.Partial(e.Name)
		if !ok {
			continue
		}
		if i, ok := p.attributeIndex(attribute); ok {
			r.complex.mu.RLock()
			v := p.values[i]
			r.complex.mu.RUnlock()
			return v, true
		}
	}
	return nil, false
}

// Values returns all explicit attribute values in exchange order.
func (r *EntityReference) Values() []Value {
	var out []Value
	for _, e := range r.def.Lineage() {
		if p, ok := r.complex.Partial(e.Name); ok {
			out = append(out, p.Values()...)
		}
	}
	return out
}

// Derived returns a cached derived value or computes and caches it. The
// cache is bypassed unless the owning model is read-only.
func (r *EntityReference) Derived(name string, compute func() Value) Value {
	model := r.complex.model
	if model == nil || model.Mode() != sdai.ReadOnly {
		return compute()
	}
	gen := model.Generation()
	key := strings.ToUpper(name)
	r.mu.Lock()
	if r.derivedGen != gen || r.derived == nil {
		r.derived = make(map[string]Value)
		r.derivedGen = gen
	}
	if v, ok := r.derived[key]; ok {
		r.mu.Unlock()
		return v
	}
	r.mu.Unlock()

	v := compute()
	r.mu.Lock()
	if r.derivedGen == gen {
		r.derived[key] = v
	}
	r.mu.Unlock()
	return v
}

// Persistent returns the by-value handle of the viewed entity.
func (r *EntityReference) Persistent() PersistentEntityReference {
	return r.complex.Persistent()
}

func (r *EntityReference) String() string {
	return fmt.Sprintf("#%d=%s", r.complex.name, r.def.Name)
}

// PersistentEntityReference is a serialisable handle to an entity instance.
// It resolves lazily through the session's active transaction; temporaries
// are held by strong reference.
type PersistentEntityReference struct {
	ModelID uuid.UUID
	Name    int64

	temporary *ComplexEntity
}

// NewPersistentReference builds a handle for a persistent instance.
func NewPersistentReference(model uuid.UUID, name int64) PersistentEntityReference {
	return PersistentEntityReference{ModelID: model, Name: name}
}

// IsTemporary reports whether the handle holds a runtime temporary.
func (p PersistentEntityReference) IsTemporary() bool { return p.temporary != nil }

// Same reports handle identity.
func (p PersistentEntityReference) Same(o PersistentEntityReference) bool {
	return p.ModelID == o.ModelID && p.Name == o.Name && p.temporary == o.temporary
}

func (p PersistentEntityReference) String() string {
	return fmt.Sprintf("#%d@%s", p.Name, p.ModelID)
}

// Resolve returns the live complex entity behind the handle.
func (p PersistentEntityReference) Resolve(s *Session) (*ComplexEntity, error) {
	if s == nil && p.temporary == nil {
		return nil, sdai.NewError(sdai.SessionNotOpen, "resolve %s without session", p)
	}
	ce, err := p.resolve(s)
	if err != nil {
		return nil, s.raiseErrorAndContinue("resolve", err)
	}
	return ce, nil
}

// MustResolve resolves a handle the caller knows to be live, such as one
// just produced by a decode. A miss is an internal consistency violation
// and traps.
func (p PersistentEntityReference) MustResolve(s *Session) *ComplexEntity {
	if s == nil && p.temporary == nil {
		panic(sdai.NewError(sdai.SessionNotOpen, "resolve %s without session", p))
	}
	ce, err := p.resolve(s)
	if err != nil {
		s.raiseErrorAndTrap("resolve", &sdai.Error{Code: sdai.SystemError, Message: fmt.Sprintf("live handle %s cannot be located", p), Err: err})
	}
	return ce
}

func (p PersistentEntityReference) resolve(s *Session) (*ComplexEntity, error) {
	if p.temporary != nil {
		return p.temporary, nil
	}
	if !s.IsOpen() {
		return nil, sdai.NewError(sdai.SessionNotOpen, "resolve %s", p)
	}
	model, ok := s.findModel(p.ModelID)
	if !ok {
		return nil, sdai.NewError(sdai.InstanceNotExist, "model of %s no longer exists", p)
	}
	if model.Mode() == sdai.ModeNone {
		return nil, sdai.NewError(sdai.ModelAccessUndefined, "model %s not open", model.Name())
	}
	contents := model.Contents()
	if tx := s.ActiveTransaction(); tx != nil {
		if ce, ok := tx.cachedLookup(contents, p.Name); ok {
			if ce.name != p.Name || ce.model != model {
				s.raiseErrorAndTrap("resolve", sdai.NewError(sdai.SystemError, "lookup cache returned #%d of %s for %s", ce.name, ce.model.Name(), p))
			}
			return ce, nil
		}
	}
	ce := contents.ComplexEntity(p.Name)
	if ce == nil {
		return nil, sdai.NewError(sdai.InstanceNotExist, "%s not found in %s", p, model.Name())
	}
	return ce, nil
}

// Reference resolves the handle and returns the typed view for entity.
func (p PersistentEntityReference) Reference(s *Session, entity string) (*EntityReference, error) {
	ce, err := p.Resolve(s)
	if err != nil {
		return nil, err
	}
	ref, ok := ce.Reference(entity)
	if !ok {
		return nil, sdai.NewError(sdai.DomainInvalid, "%s is not a %s", ce, strings.ToUpper(entity))
	}
	return ref, nil
}
