package core

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stepcore/pkg/sdai"
)

// Validation check names used in records, monitors and metrics.
const (
	CheckReferenceDomain = "reference_domain"
	CheckGlobalRules     = "global_rules"
	CheckUniquenessRules = "uniqueness_rules"
	CheckWhereRules      = "where_rules"
)

// RecordingOption selects which sub-results a record keeps.
type RecordingOption uint8

const (
	// RecordFailureOnly keeps FALSE and UNKNOWN entries.
	RecordFailureOnly RecordingOption = iota
	// RecordAll keeps every entry.
	RecordAll
)

// ValidationEntry is one recorded sub-result.
type ValidationEntry struct {
	Rule      string       `json:"rule"`
	Model     uuid.UUID    `json:"model,omitempty"`
	Instance  int64        `json:"instance,omitempty"`
	Attribute string       `json:"attribute,omitempty"`
	Result    sdai.Logical `json:"result"`
	Message   string       `json:"message,omitempty"`
}

// ValidationRecord is the outcome of one validation check. An incomplete
// record always carries UNKNOWN and must not be trusted.
type ValidationRecord struct {
	Check       string                  `json:"check"`
	Result      sdai.Logical            `json:"result"`
	Complete    bool                    `json:"complete"`
	Rules       map[string]sdai.Logical `json:"rules"`
	Entries     []ValidationEntry       `json:"entries,omitempty"`
	Items       int                     `json:"items"`
	ValidatedAt time.Time               `json:"validated_at"`
}

// Failures returns the entries that are not TRUE.
func (r *ValidationRecord) Failures() []ValidationEntry {
	var out []ValidationEntry
	for _, e := range r.Entries {
		if e.Result != sdai.True {
			out = append(out, e)
		}
	}
	return out
}

// ValidationOption customises a validation call.
type ValidationOption func(*validationSettings)

type validationSettings struct {
	recording RecordingOption
	monitor   sdai.ValidationMonitor
}

// WithRecording selects the recording option.
func WithRecording(opt RecordingOption) ValidationOption {
	return func(s *validationSettings) { s.recording = opt }
}

// WithValidationMonitor attaches a progress and termination monitor.
func WithValidationMonitor(m sdai.ValidationMonitor) ValidationOption {
	return func(s *validationSettings) {
		if m != nil {
			s.monitor = m
		}
	}
}

func settingsFrom(opts []ValidationOption) validationSettings {
	s := validationSettings{recording: RecordFailureOnly, monitor: sdai.NoopValidationMonitor{}}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// validationRun accumulates one check's record across workers.
type validationRun struct {
	check    string
	cfg      Config
	settings validationSettings
	started  time.Time

	mu        sync.Mutex
	record    *ValidationRecord
	cancelled atomic.Bool
}

func newValidationRun(check string, cfg Config, settings validationSettings) *validationRun {
	return &validationRun{
		check:    check,
		cfg:      cfg,
		settings: settings,
		started:  time.Now(),
		record:   &ValidationRecord{Check: check, Result: sdai.True, Complete: true, Rules: make(map[string]sdai.Logical)},
	}
}

func (v *validationRun) terminate(ctx context.Context) bool {
	if ctx.Err() != nil || v.settings.monitor.TerminateValidation() {
		v.cancelled.Store(true)
		return true
	}
	return false
}

func (v *validationRun) apply(item string, entries []ValidationEntry) {
	itemResult := sdai.True
	v.mu.Lock()
	v.record.Items++
	for _, e := range entries {
		itemResult = itemResult.And(e.Result)
		prev, ok := v.record.Rules[e.Rule]
		if !ok {
			prev = sdai.True
		}
		v.record.Rules[e.Rule] = prev.And(e.Result)
		v.record.Result = v.record.Result.And(e.Result)
		if v.settings.recording == RecordAll || e.Result != sdai.True {
			v.record.Entries = append(v.record.Entries, e)
		}
	}
	v.mu.Unlock()
	v.settings.monitor.DidValidate(v.check, item, itemResult)
}

func (v *validationRun) finish() *ValidationRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec := v.record
	if v.cancelled.Load() {
		rec.Result = sdai.Unknown
		rec.Complete = false
	}
	sort.SliceStable(rec.Entries, func(i, j int) bool {
		a, b := rec.Entries[i], rec.Entries[j]
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		if a.Model != b.Model {
			return a.Model.String() < b.Model.String()
		}
		return a.Instance < b.Instance
	})
	rec.ValidatedAt = time.Now().UTC()
	v.settings.monitor.DidComplete(v.check, rec.Result, rec.Complete)
	return rec
}

// runItems validates items one by one, or in chunks over a bounded worker
// pool when concurrent is set. Termination is checked before each chunk is
// scheduled and before each item.
func runItems[T any](ctx context.Context, run *validationRun, items []T, concurrent bool, fn func(ctx context.Context, item T) (string, []ValidationEntry)) {
	run.settings.monitor.WillValidate(run.check, len(items))
	if !concurrent {
		for _, it := range items {
			if run.terminate(ctx) {
				return
			}
			run.apply(fn(ctx, it))
		}
		return
	}
	size := run.cfg.ValidationChunkSize(len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(run.cfg.MaxConcurrency)
	for start := 0; start < len(items); start += size {
		if run.terminate(ctx) {
			break
		}
		end := min(start+size, len(items))
		chunk := items[start:end]
		g.Go(func() error {
			for _, it := range chunk {
				if run.terminate(gctx) {
					return nil
				}
				run.apply(fn(gctx, it))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// validationDomain is the population a schema instance validates.
type validationDomain struct {
	si      *SchemaInstance
	session *Session
	models  []*SdaiModel
	ids     map[uuid.UUID]bool
}

func (si *SchemaInstance) domain(s *Session) *validationDomain {
	d := &validationDomain{si: si, session: s, ids: make(map[uuid.UUID]bool)}
	for _, m := range si.Models() {
		d.models = append(d.models, m)
		d.ids[m.id] = true
	}
	sort.Slice(d.models, func(i, j int) bool { return d.models[i].Name() < d.models[j].Name() })
	return d
}

// All implements Population.
func (d *validationDomain) All() []*ComplexEntity {
	var out []*ComplexEntity
	for _, m := range d.models {
		out = append(out, m.Contents().SortedComplexEntities()...)
	}
	return out
}

// Extent implements Population.
func (d *validationDomain) Extent(entity string) []*EntityReference {
	var out []*EntityReference
	for _, m := range d.models {
		out = append(out, m.Contents().Extent(entity).References()...)
	}
	return out
}

func (d *validationDomain) ruleContext(ctx context.Context) *RuleContext {
	return &RuleContext{Context: ctx, Session: d.session}
}

func itemLabel(ce *ComplexEntity) string {
	return ce.String()
}

func (d *validationDomain) checkReferenceDomain(_ context.Context, ce *ComplexEntity) (string, []ValidationEntry) {
	var entries []ValidationEntry
	mid := ce.model.id
	for _, p := range ce.Partials() {
		def := p.Definition
		for i := 0; i < p.Len(); i++ {
			var attr *AttributeDefinition
			if i < len(def.Attributes) {
				attr = def.Attributes[i]
			} else {
				attr = &AttributeDefinition{Kind: KindAny}
			}
			if !attr.MayYieldEntityReference() {
				continue
			}
			name := attributeLabel(def, attr, i)
			v := p.Value(i)
			if v == nil {
				if !attr.Optional && !def.Variadic {
					entries = append(entries, ValidationEntry{Rule: CheckReferenceDomain, Model: mid, Instance: ce.name, Attribute: name, Result: sdai.Unknown, Message: "required attribute unset"})
				}
				continue
			}
			for _, ref := range EntityReferences(v) {
				if ref.temporary != nil || d.ids[ref.ModelID] {
					continue
				}
				entries = append(entries, ValidationEntry{Rule: CheckReferenceDomain, Model: mid, Instance: ce.name, Attribute: name, Result: sdai.False, Message: "reference " + ref.String() + " outside schema instance"})
			}
		}
	}
	if len(entries) == 0 {
		entries = append(entries, ValidationEntry{Rule: CheckReferenceDomain, Model: mid, Instance: ce.name, Result: sdai.True})
	}
	return itemLabel(ce), entries
}

func attributeLabel(def *EntityDefinition, attr *AttributeDefinition, i int) string {
	if attr.Name != "" {
		return def.Name + "." + attr.Name
	}
	return def.Name + ".ATTR" + strconv.Itoa(i+1)
}

func (d *validationDomain) checkWhereRules(ctx context.Context, ce *ComplexEntity) (string, []ValidationEntry) {
	var entries []ValidationEntry
	rc := d.ruleContext(ctx)
	for _, p := range ce.Partials() {
		if len(p.Definition.WhereRules) == 0 {
			continue
		}
		ref, ok := ce.Reference(p.Definition.Name)
		if !ok {
			continue
		}
		for _, wr := range p.Definition.WhereRules {
			rc.Scope = UsedInScope{}.Enter(ce)
			result := wr.Check(rc, ref)
			entries = append(entries, ValidationEntry{
				Rule:     p.Definition.Name + "." + wr.Label,
				Model:    ce.model.id,
				Instance: ce.name,
				Result:   result,
			})
		}
	}
	return itemLabel(ce), entries
}

func (d *validationDomain) checkGlobalRule(ctx context.Context, rule GlobalRule) (string, []ValidationEntry) {
	outcomes := rule.Evaluate(d.ruleContext(ctx), d)
	entries := make([]ValidationEntry, 0, len(outcomes))
	for _, o := range outcomes {
		entries = append(entries, ValidationEntry{Rule: rule.Name, Result: o.Result, Message: o.Label})
	}
	if len(entries) == 0 {
		entries = append(entries, ValidationEntry{Rule: rule.Name, Result: sdai.True})
	}
	return rule.Name, entries
}

type uniquenessItem struct {
	def  *EntityDefinition
	rule UniquenessRule
}

func (d *validationDomain) uniquenessItems() []uniquenessItem {
	var items []uniquenessItem
	for _, def := range d.si.schema.Entities() {
		for _, r := range def.UniquenessRules {
			items = append(items, uniquenessItem{def: def, rule: r})
		}
	}
	return items
}

func (d *validationDomain) checkUniqueness(_ context.Context, item uniquenessItem) (string, []ValidationEntry) {
	label := item.def.Name + "." + item.rule.Label
	refs := d.Extent(item.def.Name)
	keys := make(map[string][]*EntityReference, len(refs))
	result := sdai.True
	for _, ref := range refs {
		key, ok := item.rule.Key(ref)
		if !ok {
			result = result.And(sdai.Unknown)
			continue
		}
		keys[key] = append(keys[key], ref)
	}
	var entries []ValidationEntry
	for key, group := range keys {
		if len(group) < 2 {
			continue
		}
		names := make([]string, len(group))
		for i, r := range group {
			names[i] = "#" + strconv.FormatInt(r.Name(), 10)
		}
		sort.Strings(names)
		entries = append(entries, ValidationEntry{
			Rule:     label,
			Model:    group[0].complex.model.id,
			Instance: group[0].Name(),
			Result:   sdai.False,
			Message:  "duplicate key " + key + " on " + strings.Join(names, ","),
		})
	}
	if len(entries) > 0 {
		result = sdai.False
	}
	if len(entries) == 0 {
		entries = append(entries, ValidationEntry{Rule: label, Result: result})
	}
	return label, entries
}

func (d *validationDomain) whereCandidates(cfg Config) []*ComplexEntity {
	all := d.All()
	if cfg.ValidateTemporaryEntities {
		for _, m := range d.models {
			if m.fallback {
				all = append(all, m.liveTemporaries()...)
			}
		}
	}
	return all
}
