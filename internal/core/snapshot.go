package core

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"stepcore/pkg/sdai"
)

// wireValue is the JSON form of a Value in repository snapshots.
type wireValue struct {
	Kind  string      `json:"k"`
	Int   int64       `json:"i,omitempty"`
	Real  *float64    `json:"r,omitempty"`
	Text  string      `json:"s,omitempty"`
	Bool  bool        `json:"b,omitempty"`
	Items []wireValue `json:"items,omitempty"`
	Type  string      `json:"type,omitempty"`
	Inner *wireValue  `json:"v,omitempty"`
	Model *uuid.UUID  `json:"model,omitempty"`
	Name  int64       `json:"name,omitempty"`
}

// EncodeValue converts a value into its snapshot JSON. Unset values encode
// as null; references to temporaries cannot be persisted.
func EncodeValue(v Value) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w wireValue
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return fromWire(w)
}

func toWire(v Value) (wireValue, error) {
	switch t := v.(type) {
	case Integer:
		return wireValue{Kind: "int", Int: int64(t)}, nil
	case Real:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return wireValue{}, fmt.Errorf("real %v cannot be persisted", f)
		}
		return wireValue{Kind: "real", Real: &f}, nil
	case String:
		return wireValue{Kind: "string", Text: string(t)}, nil
	case Binary:
		return wireValue{Kind: "binary", Text: string(t)}, nil
	case Boolean:
		return wireValue{Kind: "bool", Bool: bool(t)}, nil
	case LogicalValue:
		return wireValue{Kind: "logical", Text: sdai.Logical(t).String()}, nil
	case Enumeration:
		return wireValue{Kind: "enum", Text: string(t)}, nil
	case Aggregate:
		items := make([]wireValue, len(t))
		for i, el := range t {
			if el == nil {
				items[i] = wireValue{Kind: "null"}
				continue
			}
			w, err := toWire(el)
			if err != nil {
				return wireValue{}, err
			}
			items[i] = w
		}
		return wireValue{Kind: "list", Items: items}, nil
	case Typed:
		out := wireValue{Kind: "typed", Type: t.Type}
		if t.Value != nil {
			inner, err := toWire(t.Value)
			if err != nil {
				return wireValue{}, err
			}
			out.Inner = &inner
		}
		return out, nil
	case EntityValue:
		if t.Ref.IsTemporary() {
			return wireValue{}, fmt.Errorf("reference to temporary #%d cannot be persisted", t.Ref.Name)
		}
		id := t.Ref.ModelID
		return wireValue{Kind: "ref", Model: &id, Name: t.Ref.Name}, nil
	}
	return wireValue{}, fmt.Errorf("unsupported value %T", v)
}

func fromWire(w wireValue) (Value, error) {
	switch w.Kind {
	case "null":
		return nil, nil
	case "int":
		return Integer(w.Int), nil
	case "real":
		if w.Real == nil {
			return Real(0), nil
		}
		return Real(*w.Real), nil
	case "string":
		return String(w.Text), nil
	case "binary":
		return Binary(w.Text), nil
	case "bool":
		return Boolean(w.Bool), nil
	case "logical":
		l, ok := sdai.ParseLogical(w.Text)
		if !ok {
			return nil, fmt.Errorf("invalid logical %q", w.Text)
		}
		return LogicalValue(l), nil
	case "enum":
		return Enumeration(w.Text), nil
	case "list":
		items := make(Aggregate, len(w.Items))
		for i, el := range w.Items {
			v, err := fromWire(el)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case "typed":
		out := Typed{Type: w.Type}
		if w.Inner != nil {
			v, err := fromWire(*w.Inner)
			if err != nil {
				return nil, err
			}
			out.Value = v
		}
		return out, nil
	case "ref":
		if w.Model == nil {
			return nil, fmt.Errorf("reference #%d without model", w.Name)
		}
		return EntityValue{Ref: NewPersistentReference(*w.Model, w.Name)}, nil
	}
	return nil, fmt.Errorf("unknown value kind %q", w.Kind)
}

func (m *SdaiModel) committedVersion() (string, time.Time, *SdaiModelContents) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.committed != nil {
		return m.committed.name, m.committed.changeDate, m.committed.contents
	}
	return m.name, m.changeDate, m.contents
}

func (si *SchemaInstance) committedState() *schemaInstanceState {
	si.mu.RLock()
	defer si.mu.RUnlock()
	if si.committed != nil {
		return si.committed.clone()
	}
	return si.state.clone()
}

// snapshot captures the committed state of the repository.
func (r *Repository) snapshot() (sdai.RepositorySnapshot, error) {
	snap := sdai.RepositorySnapshot{Name: r.name, SavedAt: time.Now().UTC()}
	persisted := make(map[uuid.UUID]bool)
	for _, m := range r.Models() {
		name, changed, contents := m.committedVersion()
		ms := sdai.ModelSnapshot{ID: m.id, Name: name, Schema: m.schema.Name, ChangeDate: changed}
		for _, ce := range contents.SortedComplexEntities() {
			es := sdai.EntitySnapshot{Name: ce.name}
			for _, p := range ce.Partials() {
				ps := sdai.PartialSnapshot{Entity: p.Definition.Name}
				for _, v := range p.Values() {
					raw, err := EncodeValue(v)
					if err != nil {
						return sdai.RepositorySnapshot{}, fmt.Errorf("model %s #%d: %w", name, ce.name, err)
					}
					ps.Attributes = append(ps.Attributes, raw)
				}
				es.Partials = append(es.Partials, ps)
			}
			ms.Entities = append(ms.Entities, es)
		}
		snap.Models = append(snap.Models, ms)
		persisted[m.id] = true
	}
	for _, si := range r.SchemaInstances() {
		st := si.committedState()
		ss := sdai.SchemaInstanceSnapshot{ID: si.id, Name: st.name, Schema: si.schema.Name, ChangeDate: st.changeDate}
		for id := range st.models {
			if persisted[id] {
				ss.Models = append(ss.Models, id)
			}
		}
		sort.Slice(ss.Models, func(i, j int) bool { return ss.Models[i].String() < ss.Models[j].String() })
		snap.SchemaInstances = append(snap.SchemaInstances, ss)
	}
	return snap, nil
}

func schemaFor(s *Session, name string) *SchemaDefinition {
	if def, ok := s.schemas.Schema(name); ok {
		return def
	}
	return NewLenientSchema(name)
}

// restore replaces the repository contents with a snapshot. Models come
// back unopened.
func (r *Repository) restore(snap sdai.RepositorySnapshot, s *Session) error {
	models := make(map[uuid.UUID]*SdaiModel, len(snap.Models))
	for _, ms := range snap.Models {
		schema := schemaFor(s, ms.Schema)
		m := newSdaiModel(r, ms.ID, ms.Name, schema)
		m.changeDate = ms.ChangeDate
		for _, es := range ms.Entities {
			partials := make([]*PartialEntity, 0, len(es.Partials))
			for _, ps := range es.Partials {
				def, ok := schema.Entity(ps.Entity)
				if !ok {
					return fmt.Errorf("model %s #%d: entity %s not in schema %s", ms.Name, es.Name, ps.Entity, schema.Name)
				}
				values := make([]Value, len(ps.Attributes))
				for i, raw := range ps.Attributes {
					v, err := DecodeValue(raw)
					if err != nil {
						return fmt.Errorf("model %s #%d: %w", ms.Name, es.Name, err)
					}
					values[i] = v
				}
				p, err := NewPartialEntity(def, values...)
				if err != nil {
					return fmt.Errorf("model %s #%d: %w", ms.Name, es.Name, err)
				}
				partials = append(partials, p)
			}
			ce, err := NewComplexEntity(m, es.Name, partials...)
			if err != nil {
				return fmt.Errorf("model %s: %w", ms.Name, err)
			}
			m.contents.put(ce)
		}
		models[m.id] = m
	}
	instances := make(map[uuid.UUID]*SchemaInstance, len(snap.SchemaInstances))
	for _, ss := range snap.SchemaInstances {
		schema := schemaFor(s, ss.Schema)
		si := newSchemaInstance(r, ss.ID, ss.Name, schema)
		si.state.changeDate = ss.ChangeDate
		for _, id := range ss.Models {
			if _, ok := models[id]; ok {
				si.state.models[id] = struct{}{}
			}
		}
		si.state.models[s.fallbackModel(schema).id] = struct{}{}
		instances[si.id] = si
	}
	r.mu.Lock()
	r.models = models
	r.instances = instances
	r.mu.Unlock()
	return nil
}
