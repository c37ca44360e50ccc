package p21

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"stepcore/internal/core"
)

// ErrUnresolvable is returned for references that leave the exchange
// structure and cannot be followed.
var ErrUnresolvable = errors.New("p21: foreign reference cannot be resolved")

// ForeignReference is an occurrence that is not defined by a data section
// of the exchange structure: a REFERENCE section entry or a constant name.
// Resource is empty for constants.
type ForeignReference struct {
	Name     InstanceName
	Resource string
}

// ForeignReferenceResolver follows references out of the exchange
// structure.
type ForeignReferenceResolver interface {
	ResolveEntity(ctx context.Context, ref ForeignReference) (core.PersistentEntityReference, error)
	ResolveValue(ctx context.Context, ref ForeignReference) (core.Value, error)
}

// UnresolvableReferences rejects every foreign reference.
type UnresolvableReferences struct{}

// ResolveEntity implements ForeignReferenceResolver.
func (UnresolvableReferences) ResolveEntity(_ context.Context, ref ForeignReference) (core.PersistentEntityReference, error) {
	return core.PersistentEntityReference{}, fmt.Errorf("%s <%s>: %w", ref.Name, ref.Resource, ErrUnresolvable)
}

// ResolveValue implements ForeignReferenceResolver.
func (UnresolvableReferences) ResolveValue(_ context.Context, ref ForeignReference) (core.Value, error) {
	return nil, fmt.Errorf("%s <%s>: %w", ref.Name, ref.Resource, ErrUnresolvable)
}

// RepositoryResolver follows entity references of the form
// <file.stp#12> to instance #12 of the model named after the file's short
// name in Repository. Values are unresolvable.
type RepositoryResolver struct {
	Repository *core.Repository
}

// ResolveEntity implements ForeignReferenceResolver.
func (r RepositoryResolver) ResolveEntity(ctx context.Context, ref ForeignReference) (core.PersistentEntityReference, error) {
	file, fragment, ok := strings.Cut(ref.Resource, "#")
	if !ok || r.Repository == nil {
		return UnresolvableReferences{}.ResolveEntity(ctx, ref)
	}
	n, err := strconv.ParseInt(fragment, 10, 64)
	if err != nil || n <= 0 {
		return UnresolvableReferences{}.ResolveEntity(ctx, ref)
	}
	model, found := r.Repository.FindSdaiModel(Header{Name: file}.ShortName())
	if !found {
		return core.PersistentEntityReference{}, fmt.Errorf("%s <%s>: no model %q: %w", ref.Name, ref.Resource, Header{Name: file}.ShortName(), ErrUnresolvable)
	}
	return core.NewPersistentReference(model.ID(), n), nil
}

// ResolveValue implements ForeignReferenceResolver.
func (r RepositoryResolver) ResolveValue(ctx context.Context, ref ForeignReference) (core.Value, error) {
	return UnresolvableReferences{}.ResolveValue(ctx, ref)
}
