package core

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"stepcore/internal/cache"
	"stepcore/pkg/sdai"
)

type modelVersion struct {
	name       string
	contents   *SdaiModelContents
	changeDate time.Time
}

// SdaiModel is a named, schema-typed grouping of entity instances within
// one repository. Promotion to read-write keeps the committed version aside
// so an abort can restore it without touching references held elsewhere.
type SdaiModel struct {
	id       uuid.UUID
	repo     *Repository
	schema   *SchemaDefinition
	fallback bool

	mu         sync.RWMutex
	name       string
	mode       sdai.AccessMode
	changeDate time.Time
	contents   *SdaiModelContents
	committed  *modelVersion

	generation atomic.Uint64
	tasks      *cache.TaskGroup

	usedinMu sync.Mutex
	usedin   *usedInIndex

	tempMu      sync.Mutex
	temporaries []weak.Pointer[ComplexEntity]
}

func newSdaiModel(repo *Repository, id uuid.UUID, name string, schema *SchemaDefinition) *SdaiModel {
	m := &SdaiModel{
		id:     id,
		repo:   repo,
		schema: schema,
		name:   name,
		tasks:  cache.NewTaskGroup(),
	}
	m.contents = newContents(m)
	return m
}

// ID returns the model identifier.
func (m *SdaiModel) ID() uuid.UUID { return m.id }

// Name returns the model name.
func (m *SdaiModel) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// Schema returns the underlying schema.
func (m *SdaiModel) Schema() *SchemaDefinition { return m.schema }

// Repository returns the owning repository.
func (m *SdaiModel) Repository() *Repository { return m.repo }

// IsFallback reports whether this is a session fallback model for temporaries.
func (m *SdaiModel) IsFallback() bool { return m.fallback }

// Mode returns the current access mode.
func (m *SdaiModel) Mode() sdai.AccessMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// ChangeDate returns the time of the last commit that changed the model.
func (m *SdaiModel) ChangeDate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changeDate
}

// Contents returns the current version of the model contents.
func (m *SdaiModel) Contents() *SdaiModelContents {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contents
}

// Generation increases on every content change or restore. Promotion
// alone leaves it unchanged.
func (m *SdaiModel) Generation() uint64 { return m.generation.Load() }

// Extent returns the instances of entity in the current contents.
func (m *SdaiModel) Extent(entity string) *EntityExtent {
	return m.Contents().Extent(entity)
}

// SchemaInstances lists the schema instances this model is associated with.
func (m *SdaiModel) SchemaInstances() []*SchemaInstance {
	if m.repo == nil {
		return nil
	}
	var out []*SchemaInstance
	for _, si := range m.repo.SchemaInstances() {
		if si.Contains(m) {
			out = append(out, si)
		}
	}
	return out
}

func (m *SdaiModel) session() *Session {
	if m.repo == nil {
		return nil
	}
	return m.repo.Session()
}

func (m *SdaiModel) activeTransaction() *Transaction {
	if s := m.session(); s != nil {
		return s.ActiveTransaction()
	}
	return nil
}

func (m *SdaiModel) touch() {
	m.generation.Add(1)
}

// Access transitions. Callers hold the transaction-level guards.

func (m *SdaiModel) startReadOnly() {
	m.mu.Lock()
	m.mode = sdai.ReadOnly
	m.mu.Unlock()
}

// beginReadWrite snapshots the committed version and continues on a clone.
func (m *SdaiModel) beginReadWrite() {
	m.tasks.CancelAndWait()
	m.mu.Lock()
	m.committed = &modelVersion{name: m.name, contents: m.contents, changeDate: m.changeDate}
	m.contents = m.contents.clone()
	m.mode = sdai.ReadWrite
	m.mu.Unlock()
}

// commitVersion makes the working version the committed one.
func (m *SdaiModel) commitVersion(now time.Time, continueWriting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != sdai.ReadWrite {
		return
	}
	m.changeDate = now
	if continueWriting {
		m.committed = &modelVersion{name: m.name, contents: m.contents, changeDate: now}
		m.contents = m.contents.clone()
	} else {
		m.committed = nil
	}
}

// restoreVersion reverts to the committed version.
func (m *SdaiModel) restoreVersion(continueWriting bool) {
	m.tasks.CancelAndWait()
	m.mu.Lock()
	if m.mode != sdai.ReadWrite || m.committed == nil {
		m.mu.Unlock()
		return
	}
	m.name = m.committed.name
	m.changeDate = m.committed.changeDate
	m.contents = m.committed.contents
	if continueWriting {
		m.contents = m.committed.contents.clone()
	} else {
		m.committed = nil
	}
	m.mu.Unlock()
	m.touch()
}

func (m *SdaiModel) demoteToReadOnly() {
	m.mu.Lock()
	m.mode = sdai.ReadOnly
	m.committed = nil
	m.mu.Unlock()
}

func (m *SdaiModel) endAccess() {
	m.tasks.CancelAndWait()
	m.mu.Lock()
	m.mode = sdai.ModeNone
	m.committed = nil
	m.mu.Unlock()
}

func (m *SdaiModel) setName(name string) {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
}

func (m *SdaiModel) registerTemporary(ce *ComplexEntity) {
	m.tempMu.Lock()
	m.temporaries = append(m.temporaries, weak.Make(ce))
	m.tempMu.Unlock()
}

// liveTemporaries returns temporaries still referenced somewhere and drops
// collected ones.
func (m *SdaiModel) liveTemporaries() []*ComplexEntity {
	m.tempMu.Lock()
	defer m.tempMu.Unlock()
	var out []*ComplexEntity
	kept := m.temporaries[:0]
	for _, wp := range m.temporaries {
		if ce := wp.Value(); ce != nil {
			out = append(out, ce)
			kept = append(kept, wp)
		}
	}
	m.temporaries = kept
	sort.Slice(out, func(i, j int) bool { return out[i].name > out[j].name })
	return out
}
