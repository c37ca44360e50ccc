package core

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepcore/pkg/sdai"
)

type schemaInstanceState struct {
	name            string
	models          map[uuid.UUID]struct{}
	changeDate      time.Time
	validationDate  time.Time
	validationLevel int

	globalRecord     *ValidationRecord
	uniquenessRecord *ValidationRecord
	whereRecord      *ValidationRecord
	referenceRecord  *ValidationRecord

	result    sdai.Logical
	validated bool
	// fingerprint holds model generations observed by the last full validation.
	fingerprint map[uuid.UUID]uint64
}

func (s *schemaInstanceState) clone() *schemaInstanceState {
	out := *s
	out.models = make(map[uuid.UUID]struct{}, len(s.models))
	for id := range s.models {
		out.models[id] = struct{}{}
	}
	if s.fingerprint != nil {
		out.fingerprint = make(map[uuid.UUID]uint64, len(s.fingerprint))
		for id, g := range s.fingerprint {
			out.fingerprint[id] = g
		}
	}
	return &out
}

// SchemaInstance groups associated models into the domain of global and
// uniqueness rule validation and cross-model reference resolution.
type SchemaInstance struct {
	id     uuid.UUID
	repo   *Repository
	schema *SchemaDefinition

	mu        sync.RWMutex
	mode      sdai.AccessMode
	state     *schemaInstanceState
	committed *schemaInstanceState
}

func newSchemaInstance(repo *Repository, id uuid.UUID, name string, schema *SchemaDefinition) *SchemaInstance {
	return &SchemaInstance{
		id:     id,
		repo:   repo,
		schema: schema,
		mode:   sdai.ReadOnly,
		state:  &schemaInstanceState{name: name, models: make(map[uuid.UUID]struct{}), result: sdai.Unknown},
	}
}

// ID returns the schema instance identifier.
func (si *SchemaInstance) ID() uuid.UUID { return si.id }

// Schema returns the native schema.
func (si *SchemaInstance) Schema() *SchemaDefinition { return si.schema }

// Repository returns the owning repository.
func (si *SchemaInstance) Repository() *Repository { return si.repo }

// Name returns the current name.
func (si *SchemaInstance) Name() string {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.state.name
}

// Mode returns the access mode of the record state.
func (si *SchemaInstance) Mode() sdai.AccessMode {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.mode
}

// ChangeDate returns the time of the last committed association change.
func (si *SchemaInstance) ChangeDate() time.Time {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.state.changeDate
}

// ValidationDate returns the time of the last full validation.
func (si *SchemaInstance) ValidationDate() time.Time {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.state.validationDate
}

// ValidationLevel returns the conformance level of the last full validation.
func (si *SchemaInstance) ValidationLevel() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.state.validationLevel
}

// ValidationResult returns the cached AND of the four check records.
func (si *SchemaInstance) ValidationResult() sdai.Logical {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.state.result
}

// GlobalRuleRecord returns the cached global rule record, if computed.
func (si *SchemaInstance) GlobalRuleRecord() *ValidationRecord { return si.record(CheckGlobalRules) }

// UniquenessRuleRecord returns the cached uniqueness record, if computed.
func (si *SchemaInstance) UniquenessRuleRecord() *ValidationRecord {
	return si.record(CheckUniquenessRules)
}

// WhereRuleRecord returns the cached where rule record, if computed.
func (si *SchemaInstance) WhereRuleRecord() *ValidationRecord { return si.record(CheckWhereRules) }

// ReferenceDomainRecord returns the cached reference-domain record, if computed.
func (si *SchemaInstance) ReferenceDomainRecord() *ValidationRecord {
	return si.record(CheckReferenceDomain)
}

func (si *SchemaInstance) record(check string) *ValidationRecord {
	si.mu.RLock()
	defer si.mu.RUnlock()
	switch check {
	case CheckGlobalRules:
		return si.state.globalRecord
	case CheckUniquenessRules:
		return si.state.uniquenessRecord
	case CheckWhereRules:
		return si.state.whereRecord
	case CheckReferenceDomain:
		return si.state.referenceRecord
	}
	return nil
}

// Contains reports whether the model is associated.
func (si *SchemaInstance) Contains(m *SdaiModel) bool {
	si.mu.RLock()
	defer si.mu.RUnlock()
	_, ok := si.state.models[m.id]
	return ok
}

// ModelIDs returns the associated model ids, sorted.
func (si *SchemaInstance) ModelIDs() []uuid.UUID {
	si.mu.RLock()
	out := make([]uuid.UUID, 0, len(si.state.models))
	for id := range si.state.models {
		out = append(out, id)
	}
	si.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Models returns the associated models that still exist.
func (si *SchemaInstance) Models() []*SdaiModel {
	s := si.repo.Session()
	var out []*SdaiModel
	for _, id := range si.ModelIDs() {
		if s != nil {
			if m, ok := s.findModel(id); ok {
				out = append(out, m)
				continue
			}
		}
		if m, ok := si.repo.Model(id); ok {
			out = append(out, m)
		}
	}
	return out
}

// IsValidationCurrent reports whether a full validation result is cached and
// no association or content change happened since.
func (si *SchemaInstance) IsValidationCurrent() bool {
	si.mu.RLock()
	validated := si.state.validated
	fp := si.state.fingerprint
	ids := make([]uuid.UUID, 0, len(si.state.models))
	for id := range si.state.models {
		ids = append(ids, id)
	}
	si.mu.RUnlock()
	if !validated || len(fp) != len(ids) {
		return false
	}
	models := make(map[uuid.UUID]*SdaiModel, len(ids))
	for _, m := range si.Models() {
		models[m.id] = m
	}
	for _, id := range ids {
		gen, ok := fp[id]
		if !ok {
			return false
		}
		m, ok := models[id]
		if !ok || m.Generation() != gen {
			return false
		}
	}
	return true
}

// fingerprintNow captures the generations of the associated models.
func (si *SchemaInstance) fingerprintNow() map[uuid.UUID]uint64 {
	out := make(map[uuid.UUID]uint64)
	for _, m := range si.Models() {
		out[m.id] = m.Generation()
	}
	return out
}

// mutate applies fn to the working state. The caller has promoted the
// schema instance.
func (si *SchemaInstance) mutate(fn func(st *schemaInstanceState)) {
	si.mu.Lock()
	defer si.mu.Unlock()
	fn(si.state)
}

func (si *SchemaInstance) promote() bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.mode == sdai.ReadWrite {
		return false
	}
	si.committed = si.state
	si.state = si.state.clone()
	si.mode = sdai.ReadWrite
	return true
}

func (si *SchemaInstance) commitState(continueWriting bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.mode != sdai.ReadWrite {
		return
	}
	if continueWriting {
		si.committed = si.state
		si.state = si.state.clone()
		return
	}
	si.committed = nil
	si.mode = sdai.ReadOnly
}

func (si *SchemaInstance) restoreState(continueWriting bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if si.mode != sdai.ReadWrite || si.committed == nil {
		return
	}
	if continueWriting {
		si.state = si.committed.clone()
		return
	}
	si.state = si.committed
	si.committed = nil
	si.mode = sdai.ReadOnly
}
