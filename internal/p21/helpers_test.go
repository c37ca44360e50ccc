package p21

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"stepcore/internal/core"
)

// testSchema covers every attribute domain the resolver converts into.
func testSchema() *core.SchemaDefinition {
	named := core.NewEntity("NAMED", core.Attr("LABEL", core.KindString))
	circle := core.NewEntity("CIRCLE", core.Attr("CENTRE", core.KindEntity), core.Attr("RADIUS", core.KindReal))
	circle.Supertypes = []*core.EntityDefinition{named}
	flags := core.NewEntity("FLAGS",
		core.Attr("ON", core.KindBoolean),
		core.Attr("STATE", core.KindLogical),
		core.Attr("KIND", core.KindEnumeration),
		core.Attr("DATA", core.KindBinary),
		&core.AttributeDefinition{Name: "ITEMS", Kind: core.KindAggregate, Element: core.KindReal},
	)
	return core.NewSchema("TEST_SCHEMA",
		core.NewEntity("POINT", core.Attr("X", core.KindReal), core.Attr("Y", core.KindReal), core.Attr("Z", core.KindReal)),
		core.NewEntity("FOO", core.Attr("REF", core.KindEntity)),
		core.NewEntity("BAR"),
		core.NewEntity("NODE", core.OptionalAttr("NEXT", core.KindEntity)),
		core.NewEntity("TAGGED", core.Attr("VALUE", core.KindSelect)),
		named, circle, flags,
	)
}

type env struct {
	t       *testing.T
	ctx     context.Context
	session *core.Session
	repo    *core.Repository
	tx      *core.Transaction
}

func newEnv(t *testing.T, registry core.SchemaRegistry) *env {
	t.Helper()
	if registry == nil {
		registry = core.NewSchemas(testSchema())
	}
	s, err := core.OpenSession(core.WithSchemas(registry))
	require.NoError(t, err)
	repo := core.NewRepository("WORK")
	require.NoError(t, s.AddKnownRepository(repo))
	ctx := context.Background()
	require.NoError(t, s.OpenRepository(ctx, repo))
	tx, err := s.StartTransactionReadWriteAccess()
	require.NoError(t, err)
	return &env{t: t, ctx: ctx, session: s, repo: repo, tx: tx}
}

func (e *env) decode(input string, opts ...DecoderOption) (*ExchangeStructure, []*core.SdaiModel, error) {
	return NewDecoder(opts...).DecodeExchange(e.ctx, strings.NewReader(input), e.tx, e.repo)
}

func (e *env) mustDecode(input string, opts ...DecoderOption) []*core.SdaiModel {
	e.t.Helper()
	_, models, err := e.decode(input, opts...)
	require.NoError(e.t, err)
	return models
}

// exchangeFile wraps data-section lines in a minimal exchange structure
// whose FILE_NAME is parts/bracket.stp.
func exchangeFile(schemas string, data ...string) string {
	return fmt.Sprintf(`ISO-10303-21;
HEADER;
FILE_DESCRIPTION(('test'),'2;1');
FILE_NAME('parts/bracket.stp','2024-01-01T00:00:00',('author'),('org'),'pre','sys','');
FILE_SCHEMA((%s));
ENDSEC;
DATA;
%s
ENDSEC;
END-ISO-10303-21;
`, schemas, strings.Join(data, "\n"))
}

func values(t *testing.T, ce *core.ComplexEntity, entity string) []core.Value {
	t.Helper()
	p, ok := ce.Partial(entity)
	require.True(t, ok, "partial %s of %s", entity, ce)
	return p.Values()
}
