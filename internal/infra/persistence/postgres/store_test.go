package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/internal/infra/persistence/postgres/testutil"
	"stepcore/pkg/sdai"
)

func newStubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(testutil.Opener(db))
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	require.NoError(t, err)
	return store, conn
}

func TestNewStoreCreatesStateTable(t *testing.T) {
	_, conn := newStubStore(t)
	require.NotEmpty(t, conn.Execs)
	assert.Contains(t, conn.Execs[0], "CREATE TABLE IF NOT EXISTS repository_state")
}

func TestStoreSaveLoadSelectsByRepository(t *testing.T) {
	ctx := context.Background()
	store, conn := newStubStore(t)
	a := sdai.RepositorySnapshot{Name: "A", Models: []sdai.ModelSnapshot{{ID: uuid.New(), Name: "MA", Schema: "S"}}}
	b := sdai.RepositorySnapshot{Name: "B", Models: []sdai.ModelSnapshot{{ID: uuid.New(), Name: "MB", Schema: "S"}}}
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))
	a.Models[0].Name = "MA2"
	require.NoError(t, store.Save(ctx, a))
	assert.Equal(t, []string{"A", "B"}, conn.Repositories())

	got, found, err := store.Load(ctx, "A")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "MA2", got.Models[0].Name)

	got, found, err = store.Load(ctx, "B")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "MB", got.Models[0].Name)

	_, found, err = store.Load(ctx, "C")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreSaveSurfacesCommitFailure(t *testing.T) {
	store, conn := newStubStore(t)
	conn.FailCommit = true
	err := store.Save(context.Background(), sdai.RepositorySnapshot{Name: "A"})
	assert.ErrorContains(t, err, "commit")
	assert.Empty(t, conn.Repositories())
}

func TestStoreLoadsSeededSnapshot(t *testing.T) {
	store, conn := newStubStore(t)
	modelID := uuid.New()
	require.NoError(t, conn.Seed(sdai.RepositorySnapshot{
		Name:   "BRACKETS",
		Models: []sdai.ModelSnapshot{{ID: modelID, Name: "bracket", Schema: "GEOMETRY"}},
		SchemaInstances: []sdai.SchemaInstanceSnapshot{{
			ID: uuid.New(), Name: "geometry", Schema: "GEOMETRY", Models: []uuid.UUID{modelID},
		}},
	}))
	got, found, err := store.Load(context.Background(), "BRACKETS")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.SchemaInstances, 1)
	assert.Equal(t, []uuid.UUID{modelID}, got.SchemaInstances[0].Models)
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	t.Cleanup(OverrideSQLOpen(testutil.Opener(db)))
	_, err := NewStore(context.Background(), "postgres://example")
	assert.ErrorContains(t, err, "ping postgres")
}
