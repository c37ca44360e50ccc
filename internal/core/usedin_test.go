package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/pkg/sdai"
)

func TestUsedInFindsReferencingInstances(t *testing.T) {
	f := newFixture(t)
	m := f.model("PARTS")
	p1 := f.point(m, 1, 0, 0, 0)
	p2 := f.point(m, 2, 1, 0, 0)
	line := f.line(m, 3, p1, p2)
	other := f.line(m, 4, p2, p2)

	users, err := f.session.UsedIn(f.ctx, UsedInScope{}, p1, "")
	require.NoError(t, err)
	assert.Equal(t, []*ComplexEntity{line}, users)

	users, err = f.session.UsedIn(f.ctx, UsedInScope{}, p1, "line.start")
	require.NoError(t, err)
	assert.Equal(t, []*ComplexEntity{line}, users)

	users, err = f.session.UsedIn(f.ctx, UsedInScope{}, p1, "LINE.END")
	require.NoError(t, err)
	assert.Empty(t, users)

	users, err = f.session.UsedIn(f.ctx, UsedInScope{}, p2, "")
	require.NoError(t, err)
	assert.Equal(t, []*ComplexEntity{line, other}, users)

	users, err = f.session.UsedIn(f.ctx, UsedInScope{}.Enter(line), p2, "")
	require.NoError(t, err)
	assert.Equal(t, []*ComplexEntity{other}, users)

	roles, err := f.session.Roles(f.ctx, p2)
	require.NoError(t, err)
	assert.Equal(t, []string{"LINE.END", "LINE.START"}, roles)
}

func TestUsedInSeesChangesAfterMutation(t *testing.T) {
	f := newFixture(t)
	m := f.model("PARTS")
	p1 := f.point(m, 1, 0, 0, 0)
	users, err := f.session.UsedIn(f.ctx, UsedInScope{}, p1, "")
	require.NoError(t, err)
	assert.Empty(t, users)

	line := f.line(m, 2, p1, p1)
	users, err = f.session.UsedIn(f.ctx, UsedInScope{}, p1, "")
	require.NoError(t, err)
	assert.Equal(t, []*ComplexEntity{line}, users)
}

func TestUsedInAcrossSchemaInstanceModels(t *testing.T) {
	f := newFixture(t)
	a, b := f.model("A"), f.model("B")
	p := f.point(a, 1, 0, 0, 0)
	line := f.line(b, 1, p, p)

	users, err := f.session.UsedIn(f.ctx, UsedInScope{}, p, "")
	require.NoError(t, err)
	assert.Empty(t, users)

	f.instance("GEO", a, b)
	users, err = f.session.UsedIn(f.ctx, UsedInScope{}, p, "")
	require.NoError(t, err)
	assert.Equal(t, []*ComplexEntity{line}, users)
}

func TestDeepUsedInIsApproximateUntilWarm(t *testing.T) {
	f := newFixture(t)
	m := f.model("PARTS")
	p1 := f.point(m, 1, 0, 0, 0)
	p2 := f.point(m, 2, 1, 0, 0)
	line := f.line(m, 3, p1, p2)
	deep := UsedInScope{}.Enter(p2).Enter(p2)
	require.Equal(t, 2, deep.Depth())

	users, err := f.session.UsedIn(f.ctx, deep, p1, "")
	require.NoError(t, err)
	assert.Empty(t, users)

	m.tasks.Wait()
	require.NotNil(t, m.currentUsedIn())
	users, err = f.session.UsedIn(f.ctx, deep, p1, "")
	require.NoError(t, err)
	assert.Equal(t, []*ComplexEntity{line}, users)
}

func TestUsedInRequiresOpenModel(t *testing.T) {
	f := newFixture(t)
	m := f.model("PARTS")
	p := f.point(m, 1, 0, 0, 0)
	require.NoError(t, f.tx.EndReadWriteAccess(f.ctx, m, true))
	_, err := f.session.UsedIn(context.Background(), UsedInScope{}, p, "")
	assert.ErrorIs(t, err, sdai.Code(sdai.ModelAccessUndefined))
}

func TestUsedInScope(t *testing.T) {
	f := newFixture(t)
	m := f.model("PARTS")
	a, b := f.point(m, 1, 0, 0, 0), f.point(m, 2, 0, 0, 1)
	base := UsedInScope{}.Enter(a)
	extended := base.Enter(b)
	assert.Equal(t, 1, base.Depth())
	assert.False(t, base.Contains(b))
	assert.True(t, extended.Contains(a))
	assert.True(t, extended.Contains(b))
}
