package core

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"stepcore/pkg/sdai"
)

// CreateSdaiModel creates an empty model in repo. The new model starts in
// read-write mode and disappears again if the transaction aborts.
func (tx *Transaction) CreateSdaiModel(repo *Repository, name string, schema *SchemaDefinition) (*SdaiModel, error) {
	const op = "create sdai model"
	if err := tx.checkReadWrite(op); err != nil {
		return nil, err
	}
	if err := tx.checkRepository(op, repo); err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ValueNotSet, "%s: no schema", op))
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ValueNotSet, "%s: empty name", op))
	}
	if repo.modelNameTaken(name, nil) {
		return nil, tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelDuplicate, "model %s already in %s", name, repo.Name()))
	}
	m := newSdaiModel(repo, uuid.New(), name, schema)
	repo.addModel(m)
	tx.mu.Lock()
	tx.createdModels[m.id] = m
	tx.mu.Unlock()
	tx.promoteModel(m)
	tx.session.logger.Debug("model created", "model", name, "schema", schema.Name, "repository", repo.Name())
	return m, nil
}

// DeleteSdaiModel removes a model and dissociates it from every schema
// instance.
func (tx *Transaction) DeleteSdaiModel(m *SdaiModel) error {
	const op = "delete sdai model"
	if err := tx.checkReadWrite(op); err != nil {
		return err
	}
	if err := tx.checkModel(op, m); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, si := range m.SchemaInstances() {
		tx.promoteSchemaInstance(si)
		si.mutate(func(st *schemaInstanceState) {
			delete(st.models, m.id)
			st.changeDate = now
		})
	}
	tx.mu.Lock()
	_, isNew := tx.createdModels[m.id]
	if isNew {
		delete(tx.createdModels, m.id)
		delete(tx.promotedModels, m.id)
	} else {
		tx.deletedModels[m.id] = m
	}
	tx.mu.Unlock()
	if isNew {
		m.endAccess()
	} else {
		m.tasks.CancelAndWait()
	}
	m.repo.removeModel(m)
	tx.touchRepository(m.repo)
	tx.lookups.Purge()
	return nil
}

// RenameSdaiModel changes the model name; the model becomes read-write.
func (tx *Transaction) RenameSdaiModel(m *SdaiModel, name string) error {
	const op = "rename sdai model"
	if err := tx.checkReadWrite(op); err != nil {
		return err
	}
	if err := tx.checkModel(op, m); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ValueNotSet, "%s: empty name", op))
	}
	if m.repo.modelNameTaken(name, m) {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelDuplicate, "model %s already in %s", name, m.repo.Name()))
	}
	if m.Mode() != sdai.ReadWrite {
		tx.promoteModel(m)
	}
	m.setName(name)
	m.touch()
	return nil
}

// StartReadOnlyAccess opens a model for reading.
func (tx *Transaction) StartReadOnlyAccess(m *SdaiModel) error {
	const op = "start read-only access"
	if err := tx.checkActive(op); err != nil {
		return err
	}
	if err := tx.checkModel(op, m); err != nil {
		return err
	}
	switch m.Mode() {
	case sdai.ReadOnly:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelReadOnly, "model %s already read-only", m.Name()))
	case sdai.ReadWrite:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelReadWrite, "model %s is read-write", m.Name()))
	}
	m.startReadOnly()
	if tx.session.cfg.RunUsedinCacheWarmers {
		tx.session.warmUsedIn(m)
	}
	return nil
}

// EndReadOnlyAccess closes a read-only model.
func (tx *Transaction) EndReadOnlyAccess(m *SdaiModel) error {
	const op = "end read-only access"
	if err := tx.checkActive(op); err != nil {
		return err
	}
	if err := tx.checkModel(op, m); err != nil {
		return err
	}
	switch m.Mode() {
	case sdai.ModeNone:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelAccessUndefined, "model %s not open", m.Name()))
	case sdai.ReadWrite:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelReadWrite, "model %s is read-write", m.Name()))
	}
	m.endAccess()
	return nil
}

// PromoteSdaiModelToReadWrite promotes a read-only model. The committed
// contents stay untouched until commit.
func (tx *Transaction) PromoteSdaiModelToReadWrite(m *SdaiModel) error {
	const op = "promote sdai model"
	if err := tx.checkReadWrite(op); err != nil {
		return err
	}
	if err := tx.checkModel(op, m); err != nil {
		return err
	}
	switch m.Mode() {
	case sdai.ModeNone:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelAccessUndefined, "model %s not open", m.Name()))
	case sdai.ReadWrite:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelReadWrite, "model %s already read-write", m.Name()))
	}
	tx.promoteModel(m)
	return nil
}

// StartReadWriteAccess opens an unopened model for writing.
func (tx *Transaction) StartReadWriteAccess(m *SdaiModel) error {
	const op = "start read-write access"
	if err := tx.checkReadWrite(op); err != nil {
		return err
	}
	if err := tx.checkModel(op, m); err != nil {
		return err
	}
	switch m.Mode() {
	case sdai.ReadOnly:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelReadOnly, "model %s is read-only", m.Name()))
	case sdai.ReadWrite:
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelReadWrite, "model %s already read-write", m.Name()))
	}
	tx.promoteModel(m)
	return nil
}

// EndReadWriteAccess closes a read-write model, committing or discarding
// its changes.
func (tx *Transaction) EndReadWriteAccess(ctx context.Context, m *SdaiModel, commit bool) error {
	const op = "end read-write access"
	if err := tx.checkReadWrite(op); err != nil {
		return err
	}
	if err := tx.checkModel(op, m); err != nil {
		return err
	}
	if m.Mode() != sdai.ReadWrite {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelNotReadWrite, "model %s not read-write", m.Name()))
	}
	tx.mu.Lock()
	_, isNew := tx.createdModels[m.id]
	tx.mu.Unlock()
	if commit {
		m.commitVersion(time.Now().UTC(), false)
	} else if isNew {
		return tx.DeleteSdaiModel(m)
	} else {
		m.restoreVersion(false)
	}
	m.endAccess()
	tx.mu.Lock()
	delete(tx.promotedModels, m.id)
	delete(tx.createdModels, m.id)
	tx.mu.Unlock()
	if commit {
		return tx.session.saveRepository(ctx, m.repo)
	}
	return nil
}

// CreateSchemaInstance creates a schema instance in repo and associates the
// schema's fallback model with it.
func (tx *Transaction) CreateSchemaInstance(repo *Repository, name string, schema *SchemaDefinition) (*SchemaInstance, error) {
	const op = "create schema instance"
	if err := tx.checkSchemaInstanceEdit(op); err != nil {
		return nil, err
	}
	if err := tx.checkRepository(op, repo); err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ValueNotSet, "%s: no schema", op))
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ValueNotSet, "%s: empty name", op))
	}
	if repo.instanceNameTaken(name, nil) {
		return nil, tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.SchemaInstanceDup, "schema instance %s already in %s", name, repo.Name()))
	}
	si := newSchemaInstance(repo, uuid.New(), name, schema)
	fallback := tx.session.fallbackModel(schema)
	si.state.models[fallback.id] = struct{}{}
	si.state.changeDate = time.Now().UTC()
	repo.addInstance(si)
	tx.mu.Lock()
	tx.createdInstances[si.id] = si
	tx.mu.Unlock()
	tx.promoteSchemaInstance(si)
	return si, nil
}

// DeleteSchemaInstance removes a schema instance and its associations.
func (tx *Transaction) DeleteSchemaInstance(si *SchemaInstance) error {
	const op = "delete schema instance"
	if err := tx.checkSchemaInstanceEdit(op); err != nil {
		return err
	}
	if err := tx.checkSchemaInstance(op, si); err != nil {
		return err
	}
	tx.promoteSchemaInstance(si)
	si.repo.removeInstance(si)
	tx.mu.Lock()
	if _, isNew := tx.createdInstances[si.id]; isNew {
		delete(tx.createdInstances, si.id)
		delete(tx.promotedInstances, si.id)
	} else {
		tx.deletedInstances[si.id] = si
	}
	tx.mu.Unlock()
	return nil
}

// RenameSchemaInstance changes the schema instance name.
func (tx *Transaction) RenameSchemaInstance(si *SchemaInstance, name string) error {
	const op = "rename schema instance"
	if err := tx.checkSchemaInstanceEdit(op); err != nil {
		return err
	}
	if err := tx.checkSchemaInstance(op, si); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ValueNotSet, "%s: empty name", op))
	}
	if si.repo.instanceNameTaken(name, si) {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.SchemaInstanceDup, "schema instance %s already in %s", name, si.repo.Name()))
	}
	tx.promoteSchemaInstance(si)
	si.mutate(func(st *schemaInstanceState) { st.name = name })
	return nil
}

// AddSdaiModel associates m with si. Both must share the native schema.
func (tx *Transaction) AddSdaiModel(si *SchemaInstance, m *SdaiModel) error {
	const op = "add sdai model"
	if err := tx.checkSchemaInstanceEdit(op); err != nil {
		return err
	}
	if err := tx.checkSchemaInstance(op, si); err != nil {
		return err
	}
	if !m.fallback {
		if err := tx.checkModel(op, m); err != nil {
			return err
		}
	}
	if !strings.EqualFold(m.schema.Name, si.schema.Name) {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.SchemaNotEqual, "model %s has schema %s, schema instance %s has %s", m.Name(), m.schema.Name, si.Name(), si.schema.Name))
	}
	if si.Contains(m) {
		return nil
	}
	tx.promoteSchemaInstance(si)
	now := time.Now().UTC()
	si.mutate(func(st *schemaInstanceState) {
		st.models[m.id] = struct{}{}
		st.changeDate = now
	})
	return nil
}

// RemoveSdaiModel dissociates m from si.
func (tx *Transaction) RemoveSdaiModel(si *SchemaInstance, m *SdaiModel) error {
	const op = "remove sdai model"
	if err := tx.checkSchemaInstanceEdit(op); err != nil {
		return err
	}
	if err := tx.checkSchemaInstance(op, si); err != nil {
		return err
	}
	if !si.Contains(m) {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelNotExist, "model %s not associated with %s", m.Name(), si.Name()))
	}
	tx.promoteSchemaInstance(si)
	now := time.Now().UTC()
	si.mutate(func(st *schemaInstanceState) {
		delete(st.models, m.id)
		st.changeDate = now
	})
	return nil
}
