package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/pkg/sdai"
)

// cleanPopulation builds two points joined by a line, which passes every
// rule of the geometry schema.
func cleanPopulation(f *fixture) (*SdaiModel, *SchemaInstance) {
	m := f.model("PARTS")
	p1 := f.point(m, 1, 0, 0, 0)
	p2 := f.point(m, 2, 1, 0, 0)
	f.line(m, 3, p1, p2)
	return m, f.instance("GEO", m)
}

func TestWhereRulesReportViolations(t *testing.T) {
	f := newFixture(t)
	m, si := cleanPopulation(f)
	f.point(m, 4, -1, 0, 0)

	rec, err := si.ValidateWhereRules(f.ctx, f.tx)
	require.NoError(t, err)
	assert.True(t, rec.Complete)
	assert.Equal(t, sdai.False, rec.Result)
	assert.Equal(t, sdai.False, rec.Rules["POINT.NONNEG"])
	assert.Equal(t, 4, rec.Items)
	failures := rec.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, int64(4), failures[0].Instance)
	assert.Same(t, rec, si.WhereRuleRecord())

	async, err := si.ValidateWhereRulesAsync(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, rec.Result, async.Result)
	assert.Equal(t, rec.Rules, async.Rules)
	assert.Equal(t, rec.Failures(), async.Failures())
}

func TestRecordAllKeepsTrueEntries(t *testing.T) {
	f := newFixture(t)
	_, si := cleanPopulation(f)
	rec, err := si.ValidateWhereRules(f.ctx, f.tx, WithRecording(RecordAll))
	require.NoError(t, err)
	assert.Equal(t, sdai.True, rec.Result)
	assert.Len(t, rec.Entries, 2)
	assert.Empty(t, rec.Failures())

	rec, err = si.ValidateWhereRules(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Empty(t, rec.Entries)
}

func TestUniquenessRulesDetectDuplicates(t *testing.T) {
	f := newFixture(t)
	m, si := cleanPopulation(f)
	f.point(m, 5, 1, 0, 0)

	rec, err := si.ValidateUniquenessRules(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.False, rec.Result)
	assert.Equal(t, sdai.False, rec.Rules["POINT.UR1"])
	require.Len(t, rec.Entries, 1)
	assert.Contains(t, rec.Entries[0].Message, "#2,#5")
}

func TestUniquenessIndeterminateKeyIsUnknown(t *testing.T) {
	f := newFixture(t)
	m, si := cleanPopulation(f)
	f.add(m, 6, "POINT", Real(7), nil, Real(7))

	rec, err := si.ValidateUniquenessRulesAsync(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.Unknown, rec.Result)
}

func TestReferenceDomainFlagsOutsideReferences(t *testing.T) {
	f := newFixture(t)
	m, si := cleanPopulation(f)
	outside := f.model("OUTSIDE")
	stray := f.point(outside, 1, 5, 5, 5)
	inside := m.Contents().ComplexEntity(1)
	f.line(m, 7, stray, inside)
	f.line(m, 8, inside, nil)

	rec, err := si.ValidateReferenceDomain(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.False, rec.Result)
	failures := rec.Failures()
	require.Len(t, failures, 2)
	byInstance := map[int64]ValidationEntry{}
	for _, e := range failures {
		byInstance[e.Instance] = e
	}
	assert.Equal(t, sdai.False, byInstance[7].Result)
	assert.Equal(t, "LINE.START", byInstance[7].Attribute)
	assert.Equal(t, sdai.Unknown, byInstance[8].Result)
	assert.Equal(t, "LINE.END", byInstance[8].Attribute)

	require.NoError(t, f.tx.AddSdaiModel(si, outside))
	rec, err = si.ValidateReferenceDomainAsync(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.Unknown, rec.Result)
}

func TestGlobalRulesUseUsedIn(t *testing.T) {
	f := newFixture(t)
	m, si := cleanPopulation(f)
	f.point(m, 9, 3, 3, 3)

	rec, err := si.ValidateGlobalRules(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.False, rec.Result)
	require.Len(t, rec.Failures(), 1)
	assert.Equal(t, "EVERY_POINT_USED", rec.Failures()[0].Rule)
	assert.Equal(t, "#9", rec.Failures()[0].Message)
}

func TestPerformValidateSchemaInstance(t *testing.T) {
	f := newFixture(t)
	m, si := cleanPopulation(f)
	assert.False(t, si.IsValidationCurrent())

	result, err := si.PerformValidateSchemaInstance(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.True, result)
	assert.Equal(t, sdai.True, si.ValidationResult())
	assert.Equal(t, 1, si.ValidationLevel())
	assert.False(t, si.ValidationDate().IsZero())
	assert.True(t, si.IsValidationCurrent())
	for _, rec := range []*ValidationRecord{si.ReferenceDomainRecord(), si.GlobalRuleRecord(), si.UniquenessRuleRecord(), si.WhereRuleRecord()} {
		require.NotNil(t, rec)
		assert.True(t, rec.Complete)
	}

	f.point(m, 10, -2, 0, 0)
	assert.False(t, si.IsValidationCurrent())
	result, err = si.PerformValidateSchemaInstance(f.ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.False, result)
}

func TestPromotionAloneKeepsValidationCurrent(t *testing.T) {
	f := newFixture(t)
	m, si := cleanPopulation(f)
	require.NoError(t, f.tx.EndTransactionAccessAndCommit(f.ctx))
	tx, err := f.session.StartTransactionReadWriteAccess()
	require.NoError(t, err)

	result, err := si.PerformValidateSchemaInstance(f.ctx, tx)
	require.NoError(t, err)
	require.Equal(t, sdai.True, result)
	require.True(t, si.IsValidationCurrent())

	gen := m.Generation()
	require.NoError(t, tx.PromoteSdaiModelToReadWrite(m))
	assert.Equal(t, gen, m.Generation())
	assert.True(t, si.IsValidationCurrent())

	require.NoError(t, m.Contents().ComplexEntity(1).SetAttribute("POINT", "Y", Real(5)))
	assert.False(t, si.IsValidationCurrent())
}

func TestValidationNeedsWritableTransaction(t *testing.T) {
	f := newFixture(t)
	_, si := cleanPopulation(f)
	require.NoError(t, f.tx.EndTransactionAccessAndCommit(f.ctx))

	_, err := si.ValidateWhereRules(f.ctx, f.tx)
	assert.ErrorIs(t, err, sdai.Code(sdai.TransactionNotExist))

	ro, err := f.session.StartTransactionReadOnlyAccess()
	require.NoError(t, err)
	_, err = si.ValidateWhereRules(f.ctx, ro)
	assert.ErrorIs(t, err, sdai.Code(sdai.TransactionNotRW))
	require.NoError(t, ro.EndTransactionAccessAndAbort(f.ctx))

	vtx, err := f.session.StartTransactionValidationAccess()
	require.NoError(t, err)
	result, err := si.PerformValidateSchemaInstance(f.ctx, vtx)
	require.NoError(t, err)
	assert.Equal(t, sdai.True, result)
	_, err = vtx.CreateSdaiModel(f.repo, "NOPE", f.schema)
	assert.ErrorIs(t, err, sdai.Code(sdai.TransactionNotRW))
}

func TestCancelledValidationIsUnknown(t *testing.T) {
	f := newFixture(t)
	_, si := cleanPopulation(f)
	ctx, cancel := context.WithCancel(f.ctx)
	cancel()

	rec, err := si.ValidateWhereRulesAsync(ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.Unknown, rec.Result)
	assert.False(t, rec.Complete)

	result, err := si.PerformValidateSchemaInstance(ctx, f.tx)
	require.NoError(t, err)
	assert.Equal(t, sdai.Unknown, result)
	assert.Equal(t, 0, si.ValidationLevel())
	assert.False(t, si.IsValidationCurrent())
}

type stopAfter struct {
	sdai.NoopValidationMonitor
	limit    int64
	polls    atomic.Int64
	mu       sync.Mutex
	complete []bool
}

func (s *stopAfter) TerminateValidation() bool { return s.polls.Add(1) > s.limit }

func (s *stopAfter) DidComplete(_ string, _ sdai.Logical, complete bool) {
	s.mu.Lock()
	s.complete = append(s.complete, complete)
	s.mu.Unlock()
}

func TestMonitorTerminatesSequentialValidation(t *testing.T) {
	f := newFixture(t)
	_, si := cleanPopulation(f)
	mon := &stopAfter{limit: 2}

	rec, err := si.ValidateReferenceDomain(f.ctx, f.tx, WithValidationMonitor(mon))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Items)
	assert.Equal(t, sdai.Unknown, rec.Result)
	assert.False(t, rec.Complete)
	assert.Equal(t, []bool{false}, mon.complete)
}

type countingStop struct {
	stopAfter
	validated atomic.Int64
}

func (c *countingStop) DidValidate(string, string, sdai.Logical) { c.validated.Add(1) }

func TestMonitorTerminatesConcurrentValidationMidFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.MinValidationTaskChunkSize = 4
	f := newFixture(t, WithConfig(cfg))
	m := f.model("PARTS")
	for i := int64(1); i <= 40; i++ {
		f.point(m, i, float64(i), 0, 0)
	}
	si := f.instance("GEO", m)
	mon := &countingStop{stopAfter: stopAfter{limit: 12}}

	rec, err := si.ValidateWhereRulesAsync(f.ctx, f.tx, WithValidationMonitor(mon))
	require.NoError(t, err)
	assert.Equal(t, sdai.Unknown, rec.Result)
	assert.False(t, rec.Complete)
	assert.Greater(t, rec.Items, 0)
	assert.Less(t, rec.Items, 40)
	assert.Equal(t, []bool{false}, mon.complete)

	validated := mon.validated.Load()
	assert.Equal(t, int64(rec.Items), validated)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, validated, mon.validated.Load(), "worker kept validating after return")
}

func TestSessionDefaultMonitorApplies(t *testing.T) {
	mon := &stopAfter{limit: 0}
	f := newFixture(t, WithDefaultValidationMonitor(mon))
	_, si := cleanPopulation(f)
	rec, err := si.ValidateWhereRules(f.ctx, f.tx)
	require.NoError(t, err)
	assert.False(t, rec.Complete)
	assert.Equal(t, 0, rec.Items)
}

func TestValidationChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8, cfg.ValidationChunkSize(10))
	assert.Equal(t, 25, cfg.ValidationChunkSize(10000))
	cfg.MinValidationTaskChunkSize = 1
	cfg.MaxValidationTaskSegmentation = 4
	assert.Equal(t, 1, cfg.ValidationChunkSize(3))
	assert.Equal(t, 250, cfg.ValidationChunkSize(1000))
}

func TestRunItemsBoundsConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.MinValidationTaskChunkSize = 4
	run := newValidationRun("test", cfg, settingsFrom(nil))
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	var inFlight, peak atomic.Int64
	runItems(context.Background(), run, items, true, func(_ context.Context, item int) (string, []ValidationEntry) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return "item", []ValidationEntry{{Rule: "R", Instance: int64(item), Result: sdai.True}}
	})
	rec := run.finish()
	assert.Equal(t, 100, rec.Items)
	assert.True(t, rec.Complete)
	assert.Equal(t, sdai.True, rec.Rules["R"])
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())
	_, err := OpenSession(WithConfig(cfg))
	assert.ErrorIs(t, err, sdai.Code(sdai.SystemError))
}
