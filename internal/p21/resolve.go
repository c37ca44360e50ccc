package p21

import (
	"context"
	"fmt"

	"stepcore/internal/core"
	"stepcore/pkg/sdai"
)

// resolution carries the collaborators of one resolution pass.
type resolution struct {
	es      *ExchangeStructure
	foreign ForeignReferenceResolver
	monitor ActivityMonitor
}

// Resolve turns the record registered under name into a complex entity of
// its section's model, resolving referenced instances first, and returns a
// handle to it. Names that are being resolved further up the call chain
// yield their handle without re-entry.
func (es *ExchangeStructure) Resolve(ctx context.Context, name InstanceName, foreign ForeignReferenceResolver) (core.PersistentEntityReference, error) {
	if foreign == nil {
		foreign = UnresolvableReferences{}
	}
	r := &resolution{es: es, foreign: foreign, monitor: NoopActivityMonitor{}}
	return r.entity(ctx, name, 0)
}

// resolveAll resolves every registered entity in registration order.
func (r *resolution) resolveAll(ctx context.Context) error {
	for _, name := range r.es.entityOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.entity(ctx, name, 0); err != nil {
			return err
		}
	}
	return nil
}

// verify re-reads every instance built from a record through its handle.
// A handle that no longer leads to the built entity traps.
func (r *resolution) verify(s *core.Session) {
	for _, name := range r.es.entityOrder {
		e := r.es.entities[name]
		if e.entity == nil {
			continue
		}
		e.ref.MustResolve(s)
	}
}

func (r *resolution) entity(ctx context.Context, name InstanceName, line int) (core.PersistentEntityReference, error) {
	e, ok := r.es.entities[name]
	if !ok {
		if name.Kind != EntityConstant {
			return core.PersistentEntityReference{}, &Error{
				Message: fmt.Sprintf("entity instance %s is not defined", name),
				Line:    line,
				Err:     sdai.NewError(sdai.InstanceNotExist, "%s", name),
			}
		}
		e = &entityEntry{state: entryReference}
		r.es.entities[name] = e
	}
	switch e.state {
	case entryResolved:
		return e.ref, nil
	case entryResolving:
		return core.NewPersistentReference(e.record.Section.model.ID(), name.Number), nil
	case entryReference:
		ref, err := r.foreign.ResolveEntity(ctx, ForeignReference{Name: name, Resource: e.resource})
		if err != nil {
			return core.PersistentEntityReference{}, &Error{Message: "foreign reference " + name.String(), Line: line, Err: err}
		}
		e.ref, e.state = ref, entryResolved
		r.monitor.InstanceResolved(name)
		return ref, nil
	}
	rec := e.record
	if rec.Section == nil || rec.Section.model == nil {
		return core.PersistentEntityReference{}, newError(rec.Line, "%s belongs to a DATA section without a model", name)
	}
	e.state = entryResolving
	ce, err := r.build(ctx, rec)
	if err != nil {
		e.state = entryRecord
		return core.PersistentEntityReference{}, withContext(err, rec.Line, "entity instance %s", name)
	}
	e.entity, e.ref, e.state = ce, ce.Persistent(), entryResolved
	r.monitor.InstanceResolved(name)
	return e.ref, nil
}

func (r *resolution) value(ctx context.Context, name InstanceName, line int) (core.Value, error) {
	e, ok := r.es.values[name]
	if !ok {
		if name.Kind != ValueConstant {
			return nil, &Error{
				Message: fmt.Sprintf("value instance %s is not defined", name),
				Line:    line,
				Err:     sdai.NewError(sdai.ValueNotSet, "%s", name),
			}
		}
		e = &valueEntry{state: entryReference}
		r.es.values[name] = e
	}
	if e.state == entryResolved {
		return e.value, nil
	}
	v, err := r.foreign.ResolveValue(ctx, ForeignReference{Name: name, Resource: e.resource})
	if err != nil {
		return nil, &Error{Message: "foreign reference " + name.String(), Line: line, Err: err}
	}
	e.value, e.state = v, entryResolved
	return v, nil
}

// build converts a record into a complex entity and adds it to the
// section's model. A simple record of a subtype carries the attributes of
// every supertype first; they are split into one partial per lineage entry.
func (r *resolution) build(ctx context.Context, rec *EntityInstanceRecord) (*core.ComplexEntity, error) {
	section := rec.Section
	var partials []*core.PartialEntity
	if !rec.Complex {
		sr := rec.Records[0]
		def, err := r.definition(section, sr, rec.Line)
		if err != nil {
			return nil, err
		}
		if def.Variadic {
			p, err := r.partial(ctx, def, sr.Params, rec.Line)
			if err != nil {
				return nil, err
			}
			partials = append(partials, p)
		} else {
			lineage := def.Lineage()
			want := len(def.AllAttributes())
			if len(sr.Params) != want {
				return nil, &Error{
					Message: fmt.Sprintf("%s expects %d parameters, found %d", def.Name, want, len(sr.Params)),
					Line:    rec.Line,
					Err:     sdai.NewError(sdai.InstanceInvalid, "%s", def.Name),
				}
			}
			offset := 0
			for _, e := range lineage {
				n := len(e.Attributes)
				p, err := r.partial(ctx, e, sr.Params[offset:offset+n], rec.Line)
				if err != nil {
					return nil, err
				}
				partials = append(partials, p)
				offset += n
			}
		}
	} else {
		for _, sr := range rec.Records {
			def, err := r.definition(section, sr, rec.Line)
			if err != nil {
				return nil, err
			}
			if !def.Variadic && len(sr.Params) != len(def.Attributes) {
				return nil, &Error{
					Message: fmt.Sprintf("partial %s expects %d parameters, found %d", def.Name, len(def.Attributes), len(sr.Params)),
					Line:    rec.Line,
					Err:     sdai.NewError(sdai.InstanceInvalid, "%s", def.Name),
				}
			}
			p, err := r.partial(ctx, def, sr.Params, rec.Line)
			if err != nil {
				return nil, err
			}
			partials = append(partials, p)
		}
	}
	ce, err := core.NewComplexEntity(section.model, rec.Name.Number, partials...)
	if err != nil {
		return nil, &Error{Message: "cannot assemble instance", Line: rec.Line, Err: err}
	}
	if err := section.model.Contents().Add(ce); err != nil {
		return nil, &Error{Message: "cannot add instance to model " + section.model.Name(), Line: rec.Line, Err: err}
	}
	return ce, nil
}

func (r *resolution) definition(section *DataSection, sr SimpleRecord, line int) (*core.EntityDefinition, error) {
	def, ok := section.schema.Entity(sr.Keyword)
	if !ok {
		return nil, &Error{
			Message: fmt.Sprintf("entity %s is not defined in schema %s", sr.Keyword, section.schema.Name),
			Line:    line,
			Err:     sdai.NewError(sdai.DomainInvalid, "%s", sr.Keyword),
		}
	}
	return def, nil
}

func (r *resolution) partial(ctx context.Context, def *core.EntityDefinition, params []Parameter, line int) (*core.PartialEntity, error) {
	values := make([]core.Value, len(params))
	for i, p := range params {
		var attr *core.AttributeDefinition
		if !def.Variadic && i < len(def.Attributes) {
			attr = def.Attributes[i]
		}
		v, err := r.convert(ctx, p, attr, line)
		if err != nil {
			label := fmt.Sprintf("%s attribute %d", def.Name, i+1)
			if attr != nil {
				label = def.Name + "." + attr.Name
			}
			return nil, withContext(err, line, "%s", label)
		}
		values[i] = v
	}
	p, err := core.NewPartialEntity(def, values...)
	if err != nil {
		return nil, &Error{Message: "cannot build partial " + def.Name, Line: line, Err: err}
	}
	return p, nil
}

// convert maps a parameter onto the attribute's declared domain. A nil
// attribute accepts anything. Integers widen to reals.
func (r *resolution) convert(ctx context.Context, param Parameter, attr *core.AttributeDefinition, line int) (core.Value, error) {
	kind := core.KindAny
	if attr != nil {
		kind = attr.Kind
	}
	open := kind == core.KindAny || kind == core.KindSelect
	mismatch := func(what string) error {
		return &Error{
			Message: fmt.Sprintf("%s value where %s is expected", what, kind),
			Line:    line,
			Err:     sdai.NewError(sdai.DomainInvalid, "%s is not %s", what, kind),
		}
	}
	switch p := param.(type) {
	case NullParam, OmittedParam:
		return nil, nil
	case IntegerParam:
		switch {
		case kind == core.KindReal:
			return core.Real(p), nil
		case kind == core.KindInteger, kind == core.KindNumber, open:
			return core.Integer(p), nil
		}
		return nil, mismatch("INTEGER")
	case RealParam:
		if kind == core.KindReal || kind == core.KindNumber || open {
			return core.Real(p), nil
		}
		return nil, mismatch("REAL")
	case StringParam:
		if kind == core.KindString || open {
			return core.String(p), nil
		}
		return nil, mismatch("STRING")
	case BinaryParam:
		if kind == core.KindBinary || open {
			return core.Binary(p), nil
		}
		return nil, mismatch("BINARY")
	case EnumParam:
		switch kind {
		case core.KindBoolean:
			switch p {
			case "T":
				return core.Boolean(true), nil
			case "F":
				return core.Boolean(false), nil
			}
			return nil, mismatch("." + string(p) + ".")
		case core.KindLogical:
			l, ok := sdai.ParseLogical(string(p))
			if !ok {
				return nil, mismatch("." + string(p) + ".")
			}
			return core.LogicalValue(l), nil
		case core.KindEnumeration, core.KindAny, core.KindSelect:
			return core.Enumeration(p), nil
		}
		return nil, mismatch("ENUMERATION")
	case ListParam:
		if kind != core.KindAggregate && !open {
			return nil, mismatch("AGGREGATE")
		}
		var element *core.AttributeDefinition
		if attr != nil && kind == core.KindAggregate {
			element = &core.AttributeDefinition{Name: attr.Name, Kind: attr.Element}
		}
		out := make(core.Aggregate, len(p))
		for i, item := range p {
			v, err := r.convert(ctx, item, element, line)
			if err != nil {
				return nil, withContext(err, line, "element %d", i+1)
			}
			out[i] = v
		}
		return out, nil
	case TypedParam:
		inner := attr
		if open {
			inner = nil
		}
		v, err := r.convert(ctx, p.Param, inner, line)
		if err != nil {
			return nil, withContext(err, line, "typed parameter %s", p.Keyword)
		}
		return core.Typed{Type: p.Keyword, Value: v}, nil
	case RefParam:
		name := InstanceName(p)
		if !name.IsEntity() {
			return r.value(ctx, name, line)
		}
		if kind != core.KindEntity && !open {
			return nil, mismatch("entity instance " + name.String())
		}
		ref, err := r.entity(ctx, name, line)
		if err != nil {
			return nil, err
		}
		return core.EntityValue{Ref: ref}, nil
	case ResourceParam:
		return nil, newError(line, "resource <%s> outside the ANCHOR section", string(p))
	}
	return nil, newError(line, "unsupported parameter %T", param)
}

func describe(p Parameter) string {
	switch t := p.(type) {
	case IntegerParam:
		return "integer"
	case RealParam:
		return "real"
	case StringParam:
		return "string"
	case BinaryParam:
		return "binary"
	case EnumParam:
		return "enumeration"
	case ListParam:
		return "list"
	case TypedParam:
		return "typed parameter " + t.Keyword
	case RefParam:
		return "instance name"
	case ResourceParam:
		return "resource"
	case NullParam:
		return "$"
	case OmittedParam:
		return "*"
	}
	return "parameter"
}

func stringParam(p Parameter) (string, error) {
	switch t := p.(type) {
	case StringParam:
		return string(t), nil
	case NullParam, OmittedParam:
		return "", nil
	}
	return "", fmt.Errorf("expected a string, found %s", describe(p))
}

func stringListParam(p Parameter) ([]string, error) {
	switch t := p.(type) {
	case NullParam, OmittedParam:
		return nil, nil
	case ListParam:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, err := stringParam(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of strings, found %s", describe(p))
}
