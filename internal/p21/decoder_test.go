package p21

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/internal/core"
	"stepcore/pkg/sdai"
)

func TestDecodeSingleSection(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=POINT(1.0,2.0,3.0);"))
	require.Len(t, models, 1)
	m := models[0]
	assert.Equal(t, "bracket", m.Name())
	assert.Equal(t, "TEST_SCHEMA", m.Schema().Name)
	found, ok := e.repo.FindSdaiModel("BRACKET")
	require.True(t, ok)
	assert.Same(t, m, found)
	ce := m.Contents().ComplexEntity(1)
	require.NotNil(t, ce)
	assert.Equal(t, []core.Value{core.Real(1), core.Real(2), core.Real(3)}, values(t, ce, "POINT"))
	assert.Equal(t, 1, m.Contents().Extent("POINT").Len())
}

func TestDecodeForwardReference(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=FOO(#2);", "#2=BAR();"))
	m := models[0]
	foo := m.Contents().ComplexEntity(1)
	require.NotNil(t, foo)
	v := values(t, foo, "FOO")[0]
	ev, ok := v.(core.EntityValue)
	require.True(t, ok, "got %T", v)
	target, err := ev.Ref.Resolve(e.session)
	require.NoError(t, err)
	assert.Same(t, m.Contents().ComplexEntity(2), target)
	assert.Equal(t, []string{"BAR"}, target.EntityNames())
}

func TestDecodeManyInstances(t *testing.T) {
	e := newEnv(t, nil)
	lines := make([]string, 0, 25)
	for i := 1; i <= 25; i++ {
		lines = append(lines, fmt.Sprintf("#%d=POINT(%d.,0.,0.);", i, i))
	}
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", lines...))
	require.Len(t, models, 1)
	assert.Equal(t, 25, models[0].Contents().Len())
	assert.Equal(t, 25, models[0].Contents().Extent("POINT").Len())
}

func TestDecodeSupertypeSplit(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=POINT(0.,0.,0.);", "#2=CIRCLE('c',#1,2);"))
	m := models[0]
	circle := m.Contents().ComplexEntity(2)
	require.NotNil(t, circle)
	assert.Equal(t, []string{"CIRCLE", "NAMED"}, circle.EntityNames())
	assert.Equal(t, []core.Value{core.String("c")}, values(t, circle, "NAMED"))
	cv := values(t, circle, "CIRCLE")
	require.Len(t, cv, 2)
	assert.Equal(t, core.Real(2), cv[1])
	assert.Equal(t, 1, m.Contents().Extent("NAMED").Len())
	leaves := circle.LeafReferences()
	require.Len(t, leaves, 1)
	assert.Equal(t, "CIRCLE", leaves[0].Definition().Name)
}

func TestDecodeComplexRecord(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#7=(BAR()POINT(1.,1.,1.));"))
	ce := models[0].Contents().ComplexEntity(7)
	require.NotNil(t, ce)
	assert.Equal(t, []string{"BAR", "POINT"}, ce.EntityNames())
	assert.Len(t, ce.LeafReferences(), 2)
}

func TestDecodeAttributeDomains(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'",
		`#1=FLAGS(.T.,.U.,.RED.,"0F",(1,2.5));`,
		`#2=TAGGED(LENGTH(3));`,
		`#3=NODE($);`,
	))
	m := models[0]
	assert.Equal(t, []core.Value{
		core.Boolean(true),
		core.LogicalValue(sdai.Unknown),
		core.Enumeration("RED"),
		core.Binary("0F"),
		core.Aggregate{core.Real(1), core.Real(2.5)},
	}, values(t, m.Contents().ComplexEntity(1), "FLAGS"))
	assert.Equal(t, []core.Value{core.Typed{Type: "LENGTH", Value: core.Integer(3)}},
		values(t, m.Contents().ComplexEntity(2), "TAGGED"))
	assert.Equal(t, []core.Value{nil}, values(t, m.Contents().ComplexEntity(3), "NODE"))
}

func TestDecodeCycle(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=NODE(#2);", "#2=NODE(#1);"))
	m := models[0]
	for from, to := range map[int64]int64{1: 2, 2: 1} {
		v := values(t, m.Contents().ComplexEntity(from), "NODE")[0].(core.EntityValue)
		target, err := v.Ref.Resolve(e.session)
		require.NoError(t, err)
		assert.Same(t, m.Contents().ComplexEntity(to), target)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		data []string
		kind ErrorKind
		code sdai.ErrorCode
		msg  string
	}{
		{"string into real", []string{"#1=POINT('x',0.,0.);"}, ErrorKindResolve, sdai.DomainInvalid, "POINT.X"},
		{"reference into real", []string{"#1=BAR();", "#2=POINT(#1,0.,0.);"}, ErrorKindResolve, sdai.DomainInvalid, "entity instance #2"},
		{"undefined reference", []string{"#1=FOO(#9);"}, ErrorKindResolve, sdai.InstanceNotExist, "#9 is not defined"},
		{"unknown entity", []string{"#1=WIDGET();"}, ErrorKindResolve, sdai.DomainInvalid, "WIDGET is not defined"},
		{"wrong arity", []string{"#1=POINT(0.,0.);"}, ErrorKindResolve, sdai.InstanceInvalid, "expects 3 parameters"},
		{"supertype arity", []string{"#1=CIRCLE(#1,2.);"}, ErrorKindResolve, sdai.InstanceInvalid, "expects 3 parameters"},
		{"bad boolean", []string{`#1=FLAGS(.U.,.U.,.RED.,"0F",());`}, ErrorKindResolve, sdai.DomainInvalid, "FLAGS.ON"},
		{"bad aggregate element", []string{`#1=FLAGS(.T.,.U.,.RED.,"0F",('a'));`}, ErrorKindResolve, sdai.DomainInvalid, "element 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil)
			_, _, err := e.decode(exchangeFile("'TEST_SCHEMA'", tc.data...))
			require.Error(t, err)
			assert.True(t, IsKind(err, tc.kind), "kind of %v", err)
			assert.True(t, sdai.IsCode(err, tc.code), "code of %v", err)
			assert.ErrorIs(t, err, sdai.Code(tc.code))
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestDecodeStageErrors(t *testing.T) {
	t.Run("parser", func(t *testing.T) {
		e := newEnv(t, nil)
		_, _, err := e.decode("ISO-10303-21;\nHEADER;\nENDSEC;")
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindParser))
		var de *DecoderError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, ErrorKindParser, de.Kind)
	})
	t.Run("unknown schema", func(t *testing.T) {
		e := newEnv(t, nil)
		_, _, err := e.decode(exchangeFile("'NO_SUCH_SCHEMA'", "#1=BAR();"))
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindDecoder))
		assert.Contains(t, err.Error(), "NO_SUCH_SCHEMA")
	})
	t.Run("section governed by undeclared schema", func(t *testing.T) {
		e := newEnv(t, nil)
		input := strings.Replace(exchangeFile("'TEST_SCHEMA'", "#1=BAR();"), "DATA;", "DATA('s',('OTHER'));", 1)
		_, _, err := e.decode(input)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindDecoder))
	})
	t.Run("no transaction", func(t *testing.T) {
		_, err := NewDecoder().Decode(context.Background(), strings.NewReader(""), nil, nil)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindDecoder))
	})
	t.Run("cancelled", func(t *testing.T) {
		e := newEnv(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewDecoder().Decode(ctx, strings.NewReader(exchangeFile("'TEST_SCHEMA'", "#1=BAR();")), e.tx, e.repo)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindResolve))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDecodeSchemaWithObjectIdentifier(t *testing.T) {
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'test_schema { 1 0 10303 999 1 }'", "#1=BAR();"))
	require.Len(t, models, 1)
	assert.Equal(t, "TEST_SCHEMA", models[0].Schema().Name)
}

func TestDecodeMultipleSections(t *testing.T) {
	e := newEnv(t, core.NewSchemas(testSchema(), core.NewLenientSchema("LOOSE")))
	models := e.mustDecode(`ISO-10303-21;
HEADER;
FILE_DESCRIPTION((''),'2;1');
FILE_NAME('assembly.stp','',(''),(''),'','','');
FILE_SCHEMA(('TEST_SCHEMA','LOOSE'));
ENDSEC;
DATA('geometry',('TEST_SCHEMA'));
#1=POINT(0.,0.,0.);
ENDSEC;
DATA('',('LOOSE'));
#2=ANYTHING(#1,'x',3);
ENDSEC;
END-ISO-10303-21;`)
	require.Len(t, models, 2)
	assert.Equal(t, "assembly_geometry", models[0].Name())
	assert.Equal(t, "assembly_2", models[1].Name())
	loose := models[1].Contents().ComplexEntity(2)
	require.NotNil(t, loose)
	vals := values(t, loose, "ANYTHING")
	require.Len(t, vals, 3)
	ev, ok := vals[0].(core.EntityValue)
	require.True(t, ok)
	target, err := ev.Ref.Resolve(e.session)
	require.NoError(t, err)
	assert.Same(t, models[0].Contents().ComplexEntity(1), target)
	assert.Equal(t, core.Integer(3), vals[2])
}

func TestDecodeModelNameCollision(t *testing.T) {
	e := newEnv(t, nil)
	input := exchangeFile("'TEST_SCHEMA'", "#1=BAR();")
	first := e.mustDecode(input)
	second := e.mustDecode(input)
	assert.Equal(t, "bracket", first[0].Name())
	assert.Equal(t, "bracket_2", second[0].Name())
}

func TestDecodeMonitor(t *testing.T) {
	e := newEnv(t, nil)
	mon := &recordingMonitor{}
	e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=FOO(#2);", "#2=BAR();"), WithActivityMonitor(mon))
	assert.Equal(t, []Phase{PhaseHeader, PhaseData, PhaseSchemas, PhaseModels, PhaseResolve, PhaseComplete}, mon.phases)
	assert.Equal(t, []InstanceName{EntityName(2), EntityName(1)}, mon.resolved)
}

type countingMetrics struct {
	ops     []string
	success []bool
	decoded int
}

func (m *countingMetrics) Observe(_ context.Context, op string, ok bool, _ time.Duration) {
	m.ops = append(m.ops, op)
	m.success = append(m.success, ok)
}
func (m *countingMetrics) ObserveValidation(string, sdai.Logical, bool, time.Duration) {}
func (m *countingMetrics) CacheRetry()                                                 {}
func (m *countingMetrics) Decoded(n int)                                               { m.decoded += n }

func TestDecodeMetrics(t *testing.T) {
	e := newEnv(t, nil)
	rec := &countingMetrics{}
	e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=BAR();", "#2=BAR();"), WithMetrics(rec))
	_, _, err := e.decode(exchangeFile("'TEST_SCHEMA'", "#1=FOO(#5);"), WithMetrics(rec))
	require.Error(t, err)
	assert.Equal(t, []string{core.OpDecode, core.OpDecode}, rec.ops)
	assert.Equal(t, []bool{true, false}, rec.success)
	assert.Equal(t, 2, rec.decoded)
}

func TestDecodeReferenceSection(t *testing.T) {
	input := `ISO-10303-21;
HEADER;
FILE_DESCRIPTION((''),'2;1');
FILE_NAME('user.stp','',(''),(''),'','','');
FILE_SCHEMA(('TEST_SCHEMA'));
ENDSEC;
REFERENCE;
#3 = <lib.stp#12>;
ENDSEC;
DATA;
#1=FOO(#3);
ENDSEC;
END-ISO-10303-21;`

	t.Run("unresolvable by default", func(t *testing.T) {
		e := newEnv(t, nil)
		_, _, err := e.decode(input)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnresolvable)
		assert.True(t, IsKind(err, ErrorKindResolve))
	})

	t.Run("repository resolver", func(t *testing.T) {
		e := newEnv(t, nil)
		lib, err := e.tx.CreateSdaiModel(e.repo, "lib", testSchema())
		require.NoError(t, err)
		bar, ok := lib.Schema().Entity("BAR")
		require.True(t, ok)
		p, err := core.NewPartialEntity(bar)
		require.NoError(t, err)
		ce, err := core.NewComplexEntity(lib, 12, p)
		require.NoError(t, err)
		require.NoError(t, lib.Contents().Add(ce))

		models := e.mustDecode(input, WithForeignResolver(RepositoryResolver{Repository: e.repo}))
		require.Len(t, models, 1)
		assert.Equal(t, "user", models[0].Name())
		v := values(t, models[0].Contents().ComplexEntity(1), "FOO")[0].(core.EntityValue)
		target, err := v.Ref.Resolve(e.session)
		require.NoError(t, err)
		assert.Same(t, ce, target)
	})
}

type constantResolver struct {
	UnresolvableReferences
	ref core.PersistentEntityReference
}

func (c constantResolver) ResolveEntity(_ context.Context, ref ForeignReference) (core.PersistentEntityReference, error) {
	if ref.Name.Kind == EntityConstant && ref.Name.Constant == "ORIGIN" {
		return c.ref, nil
	}
	return core.PersistentEntityReference{}, errors.New("unexpected constant")
}

func TestDecodeEntityConstant(t *testing.T) {
	e := newEnv(t, nil)
	first := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#1=BAR();"))
	origin := first[0].Contents().ComplexEntity(1).Persistent()

	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", "#5=FOO(#ORIGIN);"), WithForeignResolver(constantResolver{ref: origin}))
	v := values(t, models[0].Contents().ComplexEntity(5), "FOO")[0].(core.EntityValue)
	assert.True(t, v.Ref.Same(origin))
}

func TestResolveSingleInstance(t *testing.T) {
	e := newEnv(t, nil)
	es, _, err := e.decode(exchangeFile("'TEST_SCHEMA'", "#1=FOO(#2);", "#2=BAR();"))
	require.NoError(t, err)
	ref, err := es.Resolve(e.ctx, EntityName(1), nil)
	require.NoError(t, err)
	ce, ok := es.ComplexEntity(EntityName(1))
	require.True(t, ok)
	assert.True(t, ref.Same(ce.Persistent()))
	assert.Same(t, es.DataSections[0].Model(), ce.Model())

	_, err = es.Resolve(e.ctx, EntityName(40), nil)
	require.Error(t, err)
	assert.True(t, sdai.IsCode(err, sdai.InstanceNotExist))
}
