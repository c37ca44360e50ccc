package core

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stepcore/internal/cache"
	"stepcore/pkg/sdai"
)

// UsedInScope lists the entities whose rules or derived values are being
// computed on the current call path. It is a value: Enter returns a new
// scope and leaves the receiver unchanged.
type UsedInScope struct {
	visiting []*ComplexEntity
}

// Enter returns a scope extended by ce.
func (sc UsedInScope) Enter(ce *ComplexEntity) UsedInScope {
	out := make([]*ComplexEntity, len(sc.visiting), len(sc.visiting)+1)
	copy(out, sc.visiting)
	return UsedInScope{visiting: append(out, ce)}
}

// Depth returns the nesting depth.
func (sc UsedInScope) Depth() int { return len(sc.visiting) }

// Contains reports whether ce is being visited.
func (sc UsedInScope) Contains(ce *ComplexEntity) bool {
	for _, v := range sc.visiting {
		if v == ce {
			return true
		}
	}
	return false
}

type usedInKey struct {
	model uuid.UUID
	name  int64
}

type usedInSource struct {
	entity *ComplexEntity
	role   string
}

// usedInIndex maps referenced instances to the instances and roles that
// reference them, for one generation of one model.
type usedInIndex struct {
	generation uint64
	contents   *SdaiModelContents
	refs       map[usedInKey][]usedInSource
}

func newUsedInIndex(gen uint64, contents *SdaiModelContents) *usedInIndex {
	return &usedInIndex{generation: gen, contents: contents, refs: make(map[usedInKey][]usedInSource)}
}

func (idx *usedInIndex) scan(ce *ComplexEntity) {
	for _, p := range ce.Partials() {
		def := p.Definition
		for i := 0; i < p.Len(); i++ {
			v := p.Value(i)
			if v == nil {
				continue
			}
			var role string
			if i < len(def.Attributes) {
				role = def.Name + "." + def.Attributes[i].Name
			} else {
				role = def.Name + ".ATTR" + strconv.Itoa(i+1)
			}
			for _, ref := range EntityReferences(v) {
				k := usedInKey{model: ref.ModelID, name: ref.Name}
				idx.refs[k] = append(idx.refs[k], usedInSource{entity: ce, role: role})
			}
		}
	}
}

func (idx *usedInIndex) merge(other *usedInIndex) {
	for k, src := range other.refs {
		idx.refs[k] = append(idx.refs[k], src...)
	}
}

// currentUsedIn returns the model's index if it matches the current
// generation and contents.
func (m *SdaiModel) currentUsedIn() *usedInIndex {
	m.usedinMu.Lock()
	defer m.usedinMu.Unlock()
	idx := m.usedin
	if idx == nil || idx.generation != m.Generation() || idx.contents != m.Contents() {
		return nil
	}
	return idx
}

func (m *SdaiModel) installUsedIn(idx *usedInIndex) {
	m.usedinMu.Lock()
	defer m.usedinMu.Unlock()
	if idx.generation == m.Generation() && idx.contents == m.Contents() {
		m.usedin = idx
	}
}

// ensureUsedIn builds the index synchronously when stale.
func (m *SdaiModel) ensureUsedIn() *usedInIndex {
	if idx := m.currentUsedIn(); idx != nil {
		return idx
	}
	gen := m.Generation()
	contents := m.Contents()
	idx := newUsedInIndex(gen, contents)
	for _, ce := range contents.AllComplexEntities() {
		idx.scan(ce)
	}
	m.installUsedIn(idx)
	return idx
}

// usedInDomain returns the models searched for references to target: the
// target's model plus every model sharing a schema instance with it.
func (s *Session) usedInDomain(target *ComplexEntity) []*SdaiModel {
	seen := map[uuid.UUID]bool{target.model.id: true}
	out := []*SdaiModel{target.model}
	for _, si := range target.model.SchemaInstances() {
		for _, m := range si.Models() {
			if !seen[m.id] {
				seen[m.id] = true
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}

// UsedIn returns the instances that reference target, optionally only
// through role ("ENTITY.ATTRIBUTE"). Entities in scope are excluded. Below
// MaxUsedinNesting the answer is exact; at or beyond it only already
// indexed models are consulted, the answer is tagged approximate in the
// cache and a background warm-up of the stale indexes starts.
func (s *Session) UsedIn(ctx context.Context, scope UsedInScope, target *ComplexEntity, role string) ([]*ComplexEntity, error) {
	const op = "usedin"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	if target == nil || target.model == nil {
		return nil, s.raiseErrorAndContinue(op, sdai.NewError(sdai.InstanceNotExist, "%s: no target", op))
	}
	if !target.temporary && target.model.Mode() == sdai.ModeNone {
		return nil, s.raiseErrorAndContinue(op, sdai.NewError(sdai.ModelAccessUndefined, "%s: model %s not open", op, target.model.Name()))
	}
	role = strings.ToUpper(role)
	domain := s.usedInDomain(target)
	var genSum uint64
	ids := make([]string, len(domain))
	for i, m := range domain {
		genSum += m.Generation()
		ids[i] = m.id.String()
	}
	key := cache.Key(target.model.id, target.name, role, genSum, strings.Join(ids, ","))
	if res, ok := s.usedin.Lookup(key); ok {
		return excludeScope(res, scope), nil
	}

	approximate := scope.Depth() >= s.cfg.MaxUsedinNesting
	var sources []usedInSource
	want := usedInKey{model: target.model.id, name: target.name}
	for _, m := range domain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var idx *usedInIndex
		if approximate {
			if idx = m.currentUsedIn(); idx == nil {
				s.warmUsedIn(m)
				continue
			}
		} else {
			idx = m.ensureUsedIn()
		}
		sources = append(sources, idx.refs[want]...)
	}

	res := collectUsedIn(sources, role)
	level := cache.Level(0)
	if approximate {
		level = 1
	}
	s.usedin.Update(key, res, level)
	return excludeScope(res, scope), nil
}

// Roles returns the distinct roles through which target is referenced.
func (s *Session) Roles(ctx context.Context, target *ComplexEntity) ([]string, error) {
	const op = "roles"
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	if target == nil || target.model == nil {
		return nil, s.raiseErrorAndContinue(op, sdai.NewError(sdai.InstanceNotExist, "%s: no target", op))
	}
	want := usedInKey{model: target.model.id, name: target.name}
	set := make(map[string]struct{})
	for _, m := range s.usedInDomain(target) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, src := range m.ensureUsedIn().refs[want] {
			set[src.role] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func collectUsedIn(sources []usedInSource, role string) []*ComplexEntity {
	seen := make(map[*ComplexEntity]bool)
	var out []*ComplexEntity
	for _, src := range sources {
		if role != "" && src.role != role {
			continue
		}
		if seen[src.entity] {
			continue
		}
		seen[src.entity] = true
		out = append(out, src.entity)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].model != out[j].model {
			return out[i].model.id.String() < out[j].model.id.String()
		}
		return out[i].name < out[j].name
	})
	return out
}

func excludeScope(res []*ComplexEntity, scope UsedInScope) []*ComplexEntity {
	if scope.Depth() == 0 {
		out := make([]*ComplexEntity, len(res))
		copy(out, res)
		return out
	}
	out := make([]*ComplexEntity, 0, len(res))
	for _, ce := range res {
		if !scope.Contains(ce) {
			out = append(out, ce)
		}
	}
	return out
}

// warmUsedIn builds the model's usedIn index in the background, in chunks
// over a bounded worker pool. Concurrent requests for the same generation
// share one build; the build is cancelled when the model changes mode.
func (s *Session) warmUsedIn(m *SdaiModel) {
	if m.currentUsedIn() != nil {
		return
	}
	m.tasks.Go(func(ctx context.Context) {
		gen := m.Generation()
		key := m.id.String() + "/" + strconv.FormatUint(gen, 10)
		_, _, _ = s.warmers.Do(key, func() (any, error) {
			started := time.Now()
			err := s.buildUsedIn(ctx, m, gen)
			s.metrics.Observe(ctx, OpUsedinWarm, err == nil, time.Since(started))
			if err != nil {
				s.logger.Debug("usedin warm-up stopped", "model", m.Name(), "error", err.Error())
			}
			return nil, err
		})
	})
}

func (s *Session) buildUsedIn(ctx context.Context, m *SdaiModel, gen uint64) error {
	contents := m.Contents()
	entities := contents.AllComplexEntities()
	size := s.cfg.ValidationChunkSize(len(entities))
	idx := newUsedInIndex(gen, contents)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for start := 0; start < len(entities); start += size {
		if err := gctx.Err(); err != nil {
			break
		}
		chunk := entities[start:min(start+size, len(entities))]
		g.Go(func() error {
			part := newUsedInIndex(gen, contents)
			for _, ce := range chunk {
				if err := gctx.Err(); err != nil {
					return err
				}
				part.scan(ce)
			}
			mu.Lock()
			idx.merge(part)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.installUsedIn(idx)
	return nil
}
