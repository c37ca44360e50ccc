package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"stepcore/internal/cache"
	"stepcore/pkg/sdai"
)

const fallbackRepositoryName = "_FALLBACK"

// Session is the root of all SDAI activity. It knows repositories, holds at
// most one active transaction and keeps the error-event log.
type Session struct {
	id      uuid.UUID
	cfg     Config
	logger  Logger
	metrics MetricsRecorder
	schemas SchemaRegistry
	monitor sdai.ValidationMonitor
	opened  time.Time

	mu     sync.RWMutex
	open   bool
	known  map[string]*Repository
	active map[uuid.UUID]*Repository
	tx     *Transaction

	errMu     sync.Mutex
	recording bool
	events    []sdai.ErrorEvent

	fallbackMu   sync.Mutex
	fallbackRepo *Repository
	fallback     map[string]*SdaiModel

	usedin  *cache.FunctionResultCache[[]*ComplexEntity]
	warmers singleflight.Group
	tempSeq atomic.Int64
}

// SessionOption customises OpenSession.
type SessionOption func(*Session)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) SessionOption {
	return func(s *Session) { s.cfg = cfg }
}

// WithLogger routes session diagnostics to l.
func WithLogger(l Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) SessionOption {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSchemas sets the schema lookup table used by decoders and snapshot loads.
func WithSchemas(r SchemaRegistry) SessionOption {
	return func(s *Session) {
		if r != nil {
			s.schemas = r
		}
	}
}

// WithDefaultValidationMonitor sets the monitor used when a validation call
// does not pass its own.
func WithDefaultValidationMonitor(m sdai.ValidationMonitor) SessionOption {
	return func(s *Session) {
		if m != nil {
			s.monitor = m
		}
	}
}

// WithErrorRecording enables the error-event log from the start.
func WithErrorRecording() SessionOption {
	return func(s *Session) { s.recording = true }
}

// OpenSession creates an open session.
func OpenSession(opts ...SessionOption) (*Session, error) {
	s := &Session{
		id:       uuid.New(),
		cfg:      DefaultConfig(),
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		schemas:  Schemas{},
		monitor:  sdai.NoopValidationMonitor{},
		opened:   time.Now().UTC(),
		open:     true,
		known:    make(map[string]*Repository),
		active:   make(map[uuid.UUID]*Repository),
		fallback: make(map[string]*SdaiModel),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, sdai.NewError(sdai.SystemError, "invalid session config: %v", err)
	}
	s.fallbackRepo = NewRepository(fallbackRepositoryName)
	s.fallbackRepo.setSession(s)
	s.fallbackRepo.setOpen(true)
	s.fallbackRepo.loaded = true
	s.usedin = cache.NewFunctionResultCache[[]*ComplexEntity](cache.NewLevelController(0), cache.Options{
		MaxUpdateAttempts: s.cfg.MaxCacheUpdateAttempts,
		OnRetry:           s.metrics.CacheRetry,
		OnGiveUp: func(key string) {
			s.logger.Debug("usedin cache update abandoned", "key", key)
		},
	})
	s.logger.Debug("session opened", "session", s.id.String())
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Logger returns the session logger.
func (s *Session) Logger() Logger { return s.logger }

// Metrics returns the session metrics recorder.
func (s *Session) Metrics() MetricsRecorder { return s.metrics }

// Schemas returns the schema lookup table.
func (s *Session) Schemas() SchemaRegistry { return s.schemas }

// UsedInCache exposes the usedIn result cache, mainly for its level controller.
func (s *Session) UsedInCache() *cache.FunctionResultCache[[]*ComplexEntity] { return s.usedin }

// IsOpen reports whether the session is open.
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// ActiveTransaction returns the current transaction or nil.
func (s *Session) ActiveTransaction() *Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tx
}

func (s *Session) checkOpen(op string) error {
	if !s.IsOpen() {
		return s.raiseErrorAndContinue(op, sdai.NewError(sdai.SessionNotOpen, "%s: session closed", op))
	}
	return nil
}

// AddKnownRepository makes r known to the session without opening it.
func (s *Session) AddKnownRepository(r *Repository) error {
	if err := s.checkOpen("add repository"); err != nil {
		return err
	}
	key := strings.ToUpper(r.Name())
	s.mu.Lock()
	if _, dup := s.known[key]; dup || strings.EqualFold(r.Name(), fallbackRepositoryName) {
		s.mu.Unlock()
		return s.raiseErrorAndContinue("add repository", sdai.NewError(sdai.RepositoryDuplicate, "repository %s already known", r.Name()))
	}
	if owner := r.Session(); owner != nil && owner != s {
		s.mu.Unlock()
		return s.raiseErrorAndContinue("add repository", sdai.NewError(sdai.RepositoryDuplicate, "repository %s belongs to another session", r.Name()))
	}
	s.known[key] = r
	s.mu.Unlock()
	r.setSession(s)
	return nil
}

// KnownRepositories lists known repositories ordered by name.
func (s *Session) KnownRepositories() []*Repository {
	s.mu.RLock()
	out := make([]*Repository, 0, len(s.known))
	for _, r := range s.known {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ActiveRepositories lists open repositories ordered by name.
func (s *Session) ActiveRepositories() []*Repository {
	s.mu.RLock()
	out := make([]*Repository, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// FindRepository looks up a known repository by case-insensitive name.
func (s *Session) FindRepository(name string) (*Repository, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.known[strings.ToUpper(name)]
	return r, ok
}

// OpenRepository opens a known repository, loading its backend snapshot
// the first time.
func (s *Session) OpenRepository(ctx context.Context, r *Repository) error {
	const op = "open repository"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if known, ok := s.FindRepository(r.Name()); !ok || known != r {
		return s.raiseErrorAndContinue(op, sdai.NewError(sdai.RepositoryNotExist, "repository %s not known", r.Name()))
	}
	if r.IsOpen() {
		return s.raiseErrorAndContinue(op, sdai.NewError(sdai.RepositoryOpen, "repository %s already open", r.Name()))
	}
	if err := s.loadRepository(ctx, r); err != nil {
		return s.raiseErrorAndContinue(op, err)
	}
	r.setOpen(true)
	s.mu.Lock()
	s.active[r.id] = r
	s.mu.Unlock()
	s.logger.Debug("repository opened", "repository", r.Name(), "models", len(r.Models()))
	return nil
}

func (s *Session) loadRepository(ctx context.Context, r *Repository) error {
	if r.backend == nil || r.loaded {
		return nil
	}
	started := time.Now()
	snap, found, err := r.backend.Load(ctx, r.name)
	if err == nil && found {
		err = r.restore(snap, s)
	}
	s.metrics.Observe(ctx, OpLoadSnapshot, err == nil, time.Since(started))
	if err != nil {
		return &sdai.Error{Code: sdai.SystemError, Message: "load repository " + r.Name(), Err: err}
	}
	r.loaded = true
	return nil
}

// CloseRepository closes an open repository. Uncommitted changes the active
// transaction made in it are rolled back; changes in other repositories
// stay pending in the transaction.
func (s *Session) CloseRepository(ctx context.Context, r *Repository) error {
	const op = "close repository"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if !r.IsOpen() || r.Session() != s {
		return s.raiseErrorAndContinue(op, sdai.NewError(sdai.RepositoryNotOpen, "repository %s not open", r.Name()))
	}
	if tx := s.ActiveTransaction(); tx != nil && tx.touches(r) {
		tx.abortScope(ctx, r, false)
	}
	for _, m := range r.Models() {
		if m.Mode() == sdai.ReadWrite {
			m.demoteToReadOnly()
		}
		m.endAccess()
	}
	r.setOpen(false)
	s.mu.Lock()
	delete(s.active, r.id)
	s.mu.Unlock()
	s.logger.Debug("repository closed", "repository", r.Name())
	return nil
}

// Close ends the session: the active transaction is committed or aborted,
// every open repository is closed and every known repository dissociated.
func (s *Session) Close(ctx context.Context, commit bool) error {
	if err := s.checkOpen("close session"); err != nil {
		return err
	}
	var errs error
	if tx := s.ActiveTransaction(); tx != nil {
		if commit {
			errs = multierr.Append(errs, tx.EndTransactionAccessAndCommit(ctx))
		} else {
			errs = multierr.Append(errs, tx.EndTransactionAccessAndAbort(ctx))
		}
	}
	for _, r := range s.ActiveRepositories() {
		errs = multierr.Append(errs, s.CloseRepository(ctx, r))
	}
	for _, m := range s.fallbackRepo.Models() {
		m.endAccess()
	}
	s.usedin.Invalidate()
	s.mu.Lock()
	known := s.known
	s.known = make(map[string]*Repository)
	s.open = false
	s.mu.Unlock()
	for _, r := range known {
		r.setSession(nil)
	}
	s.logger.Debug("session closed", "session", s.id.String())
	return errs
}

// findModel locates a model by id among open repositories and the fallback
// repository.
func (s *Session) findModel(id uuid.UUID) (*SdaiModel, bool) {
	if m, ok := s.fallbackRepo.Model(id); ok {
		return m, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.active {
		if m, ok := r.Model(id); ok {
			return m, true
		}
	}
	return nil, false
}

// FindModel is the exported form of the model lookup used by handles.
func (s *Session) FindModel(id uuid.UUID) (*SdaiModel, bool) {
	return s.findModel(id)
}

// SetErrorRecording toggles the error-event log.
func (s *Session) SetErrorRecording(on bool) {
	s.errMu.Lock()
	s.recording = on
	s.errMu.Unlock()
}

// ErrorEvents returns a copy of the recorded error events.
func (s *Session) ErrorEvents() []sdai.ErrorEvent {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	out := make([]sdai.ErrorEvent, len(s.events))
	copy(out, s.events)
	return out
}

// RecordError appends an event for err when recording is enabled.
func (s *Session) RecordError(function string, err error) {
	s.record(function, err, false)
}

func (s *Session) record(function string, err error, trapped bool) {
	if err == nil {
		return
	}
	code, ok := sdai.CodeOf(err)
	if !ok {
		code = sdai.SystemError
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if !s.recording {
		return
	}
	s.events = append(s.events, sdai.ErrorEvent{
		Code:        code,
		Description: err.Error(),
		Function:    function,
		Time:        time.Now().UTC(),
		Trapped:     trapped,
	})
}

// raiseErrorAndContinue reports a recoverable protocol error and hands it
// back to the caller.
func (s *Session) raiseErrorAndContinue(function string, err error) error {
	s.record(function, err, false)
	s.logger.Warn("sdai error", "function", function, "error", err.Error())
	return err
}

// raiseErrorAndTrap reports an internal consistency violation and panics.
func (s *Session) raiseErrorAndTrap(function string, err error) {
	s.record(function, err, true)
	s.logger.Error("sdai error trapped", "function", function, "error", err.Error())
	panic(err)
}

// PrepareFallbackModels ensures one fallback model per schema. It requires
// an active read-write transaction.
func (s *Session) PrepareFallbackModels(tx *Transaction, schemas ...*SchemaDefinition) error {
	const op = "prepare fallback models"
	if err := tx.checkReadWrite(op); err != nil {
		return err
	}
	for _, schema := range schemas {
		s.fallbackModel(schema)
	}
	return nil
}

// FallbackModel returns the fallback model of a schema, if prepared.
func (s *Session) FallbackModel(schema *SchemaDefinition) (*SdaiModel, bool) {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	m, ok := s.fallback[schema.Name]
	return m, ok
}

func (s *Session) fallbackModel(schema *SchemaDefinition) *SdaiModel {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	if m, ok := s.fallback[schema.Name]; ok {
		return m
	}
	m := newSdaiModel(s.fallbackRepo, uuid.New(), schema.Name+"_FALLBACK", schema)
	m.fallback = true
	m.startReadOnly()
	s.fallbackRepo.addModel(m)
	s.fallback[schema.Name] = m
	return m
}

// NewTemporaryEntity synthesises a runtime-only complex entity with a
// negative name, owned by the schema's fallback model and never added to
// any contents.
func (s *Session) NewTemporaryEntity(schema *SchemaDefinition, partials ...*PartialEntity) (*ComplexEntity, error) {
	if err := s.checkOpen("new temporary entity"); err != nil {
		return nil, err
	}
	m := s.fallbackModel(schema)
	name := -s.tempSeq.Add(1)
	ce, err := newComplexEntity(m, name, true, partials)
	if err != nil {
		return nil, s.raiseErrorAndContinue("new temporary entity", err)
	}
	m.registerTemporary(ce)
	return ce, nil
}
