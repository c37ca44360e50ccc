package core

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepcore/pkg/sdai"
)

// Repository is a named container of SDAI-models and schema instances.
type Repository struct {
	id      uuid.UUID
	name    string
	backend sdai.RepositoryBackend

	mu        sync.RWMutex
	session   *Session
	open      bool
	loaded    bool
	createdAt time.Time
	models    map[uuid.UUID]*SdaiModel
	instances map[uuid.UUID]*SchemaInstance
}

// RepositoryOption customises NewRepository.
type RepositoryOption func(*Repository)

// WithBackend persists committed state of the repository.
func WithBackend(b sdai.RepositoryBackend) RepositoryOption {
	return func(r *Repository) { r.backend = b }
}

// NewRepository creates an unopened repository.
func NewRepository(name string, opts ...RepositoryOption) *Repository {
	r := &Repository{
		id:        uuid.New(),
		name:      name,
		createdAt: time.Now().UTC(),
		models:    make(map[uuid.UUID]*SdaiModel),
		instances: make(map[uuid.UUID]*SchemaInstance),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the repository identifier.
func (r *Repository) ID() uuid.UUID { return r.id }

// Name returns the repository name.
func (r *Repository) Name() string { return r.name }

// Backend returns the persistence backend, if any.
func (r *Repository) Backend() sdai.RepositoryBackend { return r.backend }

// Session returns the session the repository is known to.
func (r *Repository) Session() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// IsOpen reports whether the repository is open in its session.
func (r *Repository) IsOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.open
}

// Models returns the models ordered by name.
func (r *Repository) Models() []*SdaiModel {
	r.mu.RLock()
	out := make([]*SdaiModel, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SchemaInstances returns the schema instances ordered by name.
func (r *Repository) SchemaInstances() []*SchemaInstance {
	r.mu.RLock()
	out := make([]*SchemaInstance, 0, len(r.instances))
	for _, si := range r.instances {
		out = append(out, si)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// FindSdaiModel looks up a model by case-insensitive name.
func (r *Repository) FindSdaiModel(name string) (*SdaiModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if strings.EqualFold(m.Name(), name) {
			return m, true
		}
	}
	return nil, false
}

// Model looks up a model by id.
func (r *Repository) Model(id uuid.UUID) (*SdaiModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// SchemaInstance looks up a schema instance by id.
func (r *Repository) SchemaInstance(id uuid.UUID) (*SchemaInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	si, ok := r.instances[id]
	return si, ok
}

// FindSchemaInstance looks up a schema instance by case-insensitive name.
func (r *Repository) FindSchemaInstance(name string) (*SchemaInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, si := range r.instances {
		if strings.EqualFold(si.Name(), name) {
			return si, true
		}
	}
	return nil, false
}

func (r *Repository) modelNameTaken(name string, except *SdaiModel) bool {
	m, ok := r.FindSdaiModel(name)
	return ok && m != except
}

func (r *Repository) instanceNameTaken(name string, except *SchemaInstance) bool {
	si, ok := r.FindSchemaInstance(name)
	return ok && si != except
}

func (r *Repository) addModel(m *SdaiModel) {
	r.mu.Lock()
	r.models[m.id] = m
	r.mu.Unlock()
}

func (r *Repository) removeModel(m *SdaiModel) {
	r.mu.Lock()
	delete(r.models, m.id)
	r.mu.Unlock()
}

func (r *Repository) addInstance(si *SchemaInstance) {
	r.mu.Lock()
	r.instances[si.id] = si
	r.mu.Unlock()
}

func (r *Repository) removeInstance(si *SchemaInstance) {
	r.mu.Lock()
	delete(r.instances, si.id)
	r.mu.Unlock()
}

func (r *Repository) setSession(s *Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *Repository) setOpen(open bool) {
	r.mu.Lock()
	r.open = open
	r.mu.Unlock()
}
