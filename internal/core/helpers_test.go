package core

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"stepcore/internal/infra/persistence/memory"
	"stepcore/pkg/sdai"
)

// geometrySchema is a small schema with one rule of every kind: POINT
// carries a where rule and a uniqueness rule, and the global rule demands
// that every point is used by some other instance.
func geometrySchema() *SchemaDefinition {
	point := NewEntity("POINT", Attr("X", KindReal), Attr("Y", KindReal), Attr("Z", KindReal))
	point.WhereRules = []WhereRule{{
		Label: "NONNEG",
		Check: func(_ *RuleContext, ref *EntityReference) sdai.Logical {
			v, _ := ref.Value("X")
			x, ok := v.(Real)
			if !ok {
				return sdai.Unknown
			}
			return sdai.FromBool(x >= 0)
		},
	}}
	point.UniquenessRules = []UniquenessRule{{
		Label: "UR1",
		Key: func(ref *EntityReference) (string, bool) {
			parts := make([]string, 0, 3)
			for _, v := range ref.Values() {
				if v == nil {
					return "", false
				}
				parts = append(parts, fmt.Sprint(v))
			}
			return strings.Join(parts, ","), true
		},
	}}
	line := NewEntity("LINE", Attr("START", KindEntity), Attr("END", KindEntity))
	schema := NewSchema("GEOMETRY", point, line)
	schema.GlobalRules = []GlobalRule{{
		Name: "EVERY_POINT_USED",
		Evaluate: func(rc *RuleContext, pop Population) []RuleOutcome {
			var out []RuleOutcome
			for _, ref := range pop.Extent("POINT") {
				users, err := rc.UsedIn(ref.Complex(), "")
				result := sdai.FromBool(len(users) > 0)
				if err != nil {
					result = sdai.Unknown
				}
				out = append(out, RuleOutcome{Label: fmt.Sprintf("#%d", ref.Name()), Result: result})
			}
			return out
		},
	}}
	return schema
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	session *Session
	schema  *SchemaDefinition
	store   *memory.Store
	repo    *Repository
	tx      *Transaction
}

func newFixture(t *testing.T, opts ...SessionOption) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), schema: geometrySchema(), store: memory.NewStore()}
	opts = append([]SessionOption{WithSchemas(NewSchemas(f.schema))}, opts...)
	s, err := OpenSession(opts...)
	require.NoError(t, err)
	f.session = s
	f.repo = NewRepository("REPO", WithBackend(f.store))
	require.NoError(t, s.AddKnownRepository(f.repo))
	require.NoError(t, s.OpenRepository(f.ctx, f.repo))
	f.tx, err = s.StartTransactionReadWriteAccess()
	require.NoError(t, err)
	return f
}

func (f *fixture) model(name string) *SdaiModel {
	f.t.Helper()
	m, err := f.tx.CreateSdaiModel(f.repo, name, f.schema)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) instance(name string, models ...*SdaiModel) *SchemaInstance {
	f.t.Helper()
	si, err := f.tx.CreateSchemaInstance(f.repo, name, f.schema)
	require.NoError(f.t, err)
	for _, m := range models {
		require.NoError(f.t, f.tx.AddSdaiModel(si, m))
	}
	return si
}

func (f *fixture) add(m *SdaiModel, name int64, entity string, values ...Value) *ComplexEntity {
	f.t.Helper()
	def, ok := m.Schema().Entity(entity)
	require.True(f.t, ok, entity)
	p, err := NewPartialEntity(def, values...)
	require.NoError(f.t, err)
	ce, err := NewComplexEntity(m, name, p)
	require.NoError(f.t, err)
	require.NoError(f.t, m.Contents().Add(ce))
	return ce
}

func (f *fixture) point(m *SdaiModel, name int64, x, y, z float64) *ComplexEntity {
	return f.add(m, name, "POINT", Real(x), Real(y), Real(z))
}

func (f *fixture) line(m *SdaiModel, name int64, start, end *ComplexEntity) *ComplexEntity {
	var a, b Value
	if start != nil {
		a = EntityValue{Ref: start.Persistent()}
	}
	if end != nil {
		b = EntityValue{Ref: end.Persistent()}
	}
	return f.add(m, name, "LINE", a, b)
}
