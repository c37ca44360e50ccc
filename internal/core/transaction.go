package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"stepcore/pkg/sdai"
)

// TransactionKind selects what a transaction may change.
type TransactionKind uint8

const (
	// TransactionReadOnly allows reads and read-only model access.
	TransactionReadOnly TransactionKind = iota
	// TransactionReadWrite allows every change.
	TransactionReadWrite
	// TransactionValidation allows schema instance edits and validation only.
	TransactionValidation
)

func (k TransactionKind) String() string {
	switch k {
	case TransactionReadWrite:
		return "read-write"
	case TransactionValidation:
		return "validation"
	default:
		return "read-only"
	}
}

type lookupKey struct {
	contents *SdaiModelContents
	name     int64
}

// Transaction is the single bounded period of access of a session. It
// tracks every model and schema instance it promoted so commit and abort
// can act on them.
type Transaction struct {
	id      uuid.UUID
	session *Session
	kind    TransactionKind
	started time.Time

	mu                sync.Mutex
	active            bool
	promotedModels    map[uuid.UUID]*SdaiModel
	promotedInstances map[uuid.UUID]*SchemaInstance
	createdModels     map[uuid.UUID]*SdaiModel
	deletedModels     map[uuid.UUID]*SdaiModel
	createdInstances  map[uuid.UUID]*SchemaInstance
	deletedInstances  map[uuid.UUID]*SchemaInstance
	repositories      map[uuid.UUID]*Repository

	lookups *lru.Cache[lookupKey, *ComplexEntity]
}

// StartTransactionReadWriteAccess begins a read-write transaction.
func (s *Session) StartTransactionReadWriteAccess() (*Transaction, error) {
	return s.startTransaction(TransactionReadWrite)
}

// StartTransactionReadOnlyAccess begins a read-only transaction.
func (s *Session) StartTransactionReadOnlyAccess() (*Transaction, error) {
	return s.startTransaction(TransactionReadOnly)
}

// StartTransactionValidationAccess begins a transaction restricted to
// schema instance edits and validation.
func (s *Session) StartTransactionValidationAccess() (*Transaction, error) {
	return s.startTransaction(TransactionValidation)
}

func (s *Session) startTransaction(kind TransactionKind) (*Transaction, error) {
	const op = "start transaction"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	lookups, err := lru.New[lookupKey, *ComplexEntity](s.cfg.LookupCacheSize)
	if err != nil {
		return nil, s.raiseErrorAndContinue(op, &sdai.Error{Code: sdai.SystemError, Message: "lookup cache", Err: err})
	}
	tx := &Transaction{
		id:                uuid.New(),
		session:           s,
		kind:              kind,
		started:           time.Now().UTC(),
		active:            true,
		promotedModels:    make(map[uuid.UUID]*SdaiModel),
		promotedInstances: make(map[uuid.UUID]*SchemaInstance),
		createdModels:     make(map[uuid.UUID]*SdaiModel),
		deletedModels:     make(map[uuid.UUID]*SdaiModel),
		createdInstances:  make(map[uuid.UUID]*SchemaInstance),
		deletedInstances:  make(map[uuid.UUID]*SchemaInstance),
		repositories:      make(map[uuid.UUID]*Repository),
		lookups:           lookups,
	}
	s.mu.Lock()
	if s.tx != nil {
		s.mu.Unlock()
		return nil, s.raiseErrorAndContinue(op, sdai.NewError(sdai.TransactionExists, "transaction %s already active", s.tx.id))
	}
	s.tx = tx
	s.mu.Unlock()
	s.logger.Debug("transaction started", "transaction", tx.id.String(), "kind", kind.String())
	return tx, nil
}

// ID returns the transaction identifier.
func (tx *Transaction) ID() uuid.UUID { return tx.id }

// Kind returns the transaction kind.
func (tx *Transaction) Kind() TransactionKind { return tx.kind }

// Session returns the owning session.
func (tx *Transaction) Session() *Session { return tx.session }

// IsActive reports whether the transaction has not ended.
func (tx *Transaction) IsActive() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.active
}

func (tx *Transaction) checkActive(op string) error {
	if tx == nil {
		return sdai.NewError(sdai.TransactionNotExist, "%s: no transaction", op)
	}
	if err := tx.session.checkOpen(op); err != nil {
		return err
	}
	if !tx.IsActive() || tx.session.ActiveTransaction() != tx {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.TransactionNotExist, "%s: transaction %s ended", op, tx.id))
	}
	return nil
}

func (tx *Transaction) checkReadWrite(op string) error {
	if err := tx.checkActive(op); err != nil {
		return err
	}
	if tx.kind != TransactionReadWrite {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.TransactionNotRW, "%s: %s transaction", op, tx.kind))
	}
	return nil
}

func (tx *Transaction) allowsSchemaInstanceEdits() bool {
	return tx.kind == TransactionReadWrite || tx.kind == TransactionValidation
}

func (tx *Transaction) checkSchemaInstanceEdit(op string) error {
	if err := tx.checkActive(op); err != nil {
		return err
	}
	if !tx.allowsSchemaInstanceEdits() {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.TransactionNotRW, "%s: %s transaction", op, tx.kind))
	}
	return nil
}

func (tx *Transaction) checkRepository(op string, r *Repository) error {
	if r == nil || r.Session() != tx.session || !r.IsOpen() {
		name := "<nil>"
		if r != nil {
			name = r.Name()
		}
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.RepositoryNotOpen, "%s: repository %s not open", op, name))
	}
	return nil
}

func (tx *Transaction) checkModel(op string, m *SdaiModel) error {
	if m == nil || m.repo == nil {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelNotExist, "%s: no model", op))
	}
	if err := tx.checkRepository(op, m.repo); err != nil {
		return err
	}
	if _, ok := m.repo.Model(m.id); !ok {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelNotExist, "%s: model %s deleted", op, m.Name()))
	}
	return nil
}

func (tx *Transaction) checkSchemaInstance(op string, si *SchemaInstance) error {
	if si == nil || si.repo == nil {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.SchemaInstanceNotExist, "%s: no schema instance", op))
	}
	if err := tx.checkRepository(op, si.repo); err != nil {
		return err
	}
	if _, ok := si.repo.SchemaInstance(si.id); !ok {
		return tx.session.raiseErrorAndContinue(op, sdai.NewError(sdai.SchemaInstanceNotExist, "%s: schema instance %s deleted", op, si.Name()))
	}
	return nil
}

func (tx *Transaction) touchRepository(r *Repository) {
	if r == nil || r == tx.session.fallbackRepo {
		return
	}
	tx.mu.Lock()
	tx.repositories[r.id] = r
	tx.mu.Unlock()
}

// touches reports whether the transaction changed anything in r.
func (tx *Transaction) touches(r *Repository) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	_, ok := tx.repositories[r.id]
	return ok
}

func (tx *Transaction) promoteModel(m *SdaiModel) {
	m.beginReadWrite()
	tx.mu.Lock()
	tx.promotedModels[m.id] = m
	tx.mu.Unlock()
	tx.touchRepository(m.repo)
}

func (tx *Transaction) promoteSchemaInstance(si *SchemaInstance) {
	si.promote()
	tx.mu.Lock()
	tx.promotedInstances[si.id] = si
	tx.mu.Unlock()
	tx.touchRepository(si.repo)
}

func (tx *Transaction) cachedLookup(contents *SdaiModelContents, name int64) (*ComplexEntity, bool) {
	return tx.lookups.Get(lookupKey{contents: contents, name: name})
}

func (tx *Transaction) rememberLookup(contents *SdaiModelContents, name int64, ce *ComplexEntity) {
	tx.lookups.Add(lookupKey{contents: contents, name: name}, ce)
}

func (tx *Transaction) forgetLookup(contents *SdaiModelContents, name int64) {
	tx.lookups.Remove(lookupKey{contents: contents, name: name})
}

// Commit makes every promotion durable and keeps the transaction open.
// Repositories with a backend are saved; save failures are returned after
// the in-memory commit.
func (tx *Transaction) Commit(ctx context.Context) error {
	if err := tx.checkActive("commit"); err != nil {
		return err
	}
	return tx.commit(ctx, true)
}

// Abort restores every promoted model and schema instance to its last
// committed state and undoes creations and deletions. The transaction
// stays open.
func (tx *Transaction) Abort(ctx context.Context) error {
	if err := tx.checkActive("abort"); err != nil {
		return err
	}
	tx.abort(ctx, true)
	return nil
}

// EndTransactionAccessAndCommit commits, demotes promoted models to
// read-only and ends the transaction.
func (tx *Transaction) EndTransactionAccessAndCommit(ctx context.Context) error {
	if err := tx.checkActive("end transaction"); err != nil {
		return err
	}
	err := tx.commit(ctx, false)
	tx.end()
	return err
}

// EndTransactionAccessAndAbort aborts, demotes promoted models to read-only
// and ends the transaction.
func (tx *Transaction) EndTransactionAccessAndAbort(ctx context.Context) error {
	if err := tx.checkActive("end transaction"); err != nil {
		return err
	}
	tx.abort(ctx, false)
	tx.end()
	return nil
}

func (tx *Transaction) end() {
	tx.mu.Lock()
	tx.active = false
	tx.mu.Unlock()
	tx.lookups.Purge()
	s := tx.session
	s.mu.Lock()
	if s.tx == tx {
		s.tx = nil
	}
	s.mu.Unlock()
	s.logger.Debug("transaction ended", "transaction", tx.id.String())
}

func (tx *Transaction) drain() (models []*SdaiModel, instances []*SchemaInstance, repos []*Repository) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, m := range tx.promotedModels {
		models = append(models, m)
	}
	for _, si := range tx.promotedInstances {
		instances = append(instances, si)
	}
	for _, r := range tx.repositories {
		repos = append(repos, r)
	}
	return models, instances, repos
}

func (tx *Transaction) resetTracking(keepPromotions bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !keepPromotions {
		tx.promotedModels = make(map[uuid.UUID]*SdaiModel)
		tx.promotedInstances = make(map[uuid.UUID]*SchemaInstance)
	}
	tx.createdModels = make(map[uuid.UUID]*SdaiModel)
	tx.deletedModels = make(map[uuid.UUID]*SdaiModel)
	tx.createdInstances = make(map[uuid.UUID]*SchemaInstance)
	tx.deletedInstances = make(map[uuid.UUID]*SchemaInstance)
	tx.repositories = make(map[uuid.UUID]*Repository)
}

func (tx *Transaction) commit(ctx context.Context, continueWriting bool) error {
	started := time.Now()
	now := started.UTC()
	models, instances, repos := tx.drain()
	for _, m := range models {
		m.commitVersion(now, continueWriting)
		if !continueWriting {
			m.demoteToReadOnly()
		}
	}
	for _, si := range instances {
		si.commitState(continueWriting)
	}
	tx.mu.Lock()
	deleted := make([]*SdaiModel, 0, len(tx.deletedModels))
	for _, m := range tx.deletedModels {
		deleted = append(deleted, m)
	}
	tx.mu.Unlock()
	for _, m := range deleted {
		m.endAccess()
	}
	tx.resetTracking(continueWriting)
	if continueWriting {
		tx.mu.Lock()
		for _, m := range tx.promotedModels {
			tx.repositories[m.repo.id] = m.repo
		}
		for _, si := range tx.promotedInstances {
			tx.repositories[si.repo.id] = si.repo
		}
		tx.mu.Unlock()
	}
	tx.lookups.Purge()

	var errs error
	for _, r := range repos {
		errs = multierr.Append(errs, tx.session.saveRepository(ctx, r))
	}
	tx.session.metrics.Observe(ctx, OpCommit, errs == nil, time.Since(started))
	tx.session.logger.Debug("transaction committed",
		"transaction", tx.id.String(), "models", len(models), "schema_instances", len(instances))
	if errs != nil {
		return tx.session.raiseErrorAndContinue("commit", &sdai.Error{Code: sdai.SystemError, Message: "persist committed state", Err: errs})
	}
	return nil
}

func (tx *Transaction) abort(ctx context.Context, continueWriting bool) {
	tx.abortScope(ctx, nil, continueWriting)
}

// abortScope undoes the changes made in r, or in every repository when r is
// nil. Changes elsewhere stay tracked.
func (tx *Transaction) abortScope(ctx context.Context, r *Repository, continueWriting bool) {
	started := time.Now()
	in := func(repo *Repository) bool { return r == nil || repo == r }
	tx.mu.Lock()
	created := take(tx.createdModels, modelRepository, in)
	deleted := take(tx.deletedModels, modelRepository, in)
	createdSI := take(tx.createdInstances, instanceRepository, in)
	deletedSI := take(tx.deletedInstances, instanceRepository, in)
	models := take(tx.promotedModels, modelRepository, in)
	instances := take(tx.promotedInstances, instanceRepository, in)
	if r == nil {
		tx.repositories = make(map[uuid.UUID]*Repository)
	} else {
		delete(tx.repositories, r.id)
	}
	tx.mu.Unlock()

	for _, m := range deleted {
		m.repo.addModel(m)
	}
	for _, si := range deletedSI {
		si.repo.addInstance(si)
	}
	for _, si := range createdSI {
		si.repo.removeInstance(si)
	}
	for id, m := range models {
		if _, isNew := created[id]; isNew {
			delete(models, id)
			continue
		}
		m.restoreVersion(continueWriting)
		if !continueWriting {
			m.demoteToReadOnly()
		}
	}
	for id, si := range instances {
		if _, isNew := createdSI[id]; isNew {
			delete(instances, id)
			continue
		}
		si.restoreState(continueWriting)
	}
	for _, m := range created {
		m.repo.removeModel(m)
		m.endAccess()
	}
	if continueWriting {
		tx.mu.Lock()
		for id, m := range models {
			tx.promotedModels[id] = m
			tx.repositories[m.repo.id] = m.repo
		}
		for id, si := range instances {
			tx.promotedInstances[id] = si
			tx.repositories[si.repo.id] = si.repo
		}
		tx.mu.Unlock()
	}
	tx.lookups.Purge()
	tx.session.metrics.Observe(ctx, OpAbort, true, time.Since(started))
	tx.session.logger.Debug("transaction aborted",
		"transaction", tx.id.String(), "models", len(models), "schema_instances", len(instances))
}

func modelRepository(m *SdaiModel) *Repository { return m.repo }

func instanceRepository(si *SchemaInstance) *Repository { return si.repo }

// take moves the entries of src whose repository is in scope into a new map.
func take[T any](src map[uuid.UUID]T, repoOf func(T) *Repository, in func(*Repository) bool) map[uuid.UUID]T {
	out := make(map[uuid.UUID]T)
	for id, v := range src {
		if in(repoOf(v)) {
			out[id] = v
			delete(src, id)
		}
	}
	return out
}

func (s *Session) saveRepository(ctx context.Context, r *Repository) error {
	if r.backend == nil {
		return nil
	}
	started := time.Now()
	snap, err := r.snapshot()
	if err == nil {
		err = r.backend.Save(ctx, snap)
	}
	s.metrics.Observe(ctx, OpSaveSnapshot, err == nil, time.Since(started))
	if err != nil {
		s.logger.Warn("repository save failed", "repository", r.Name(), "error", err.Error())
	}
	return err
}
