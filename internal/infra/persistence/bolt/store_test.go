package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/pkg/sdai"
)

func TestStoreRoundTripAndReplace(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "repo.bolt")
	store, err := NewStore(path)
	require.NoError(t, err)
	assert.Equal(t, path, store.Filename())

	m1, m2 := uuid.New(), uuid.New()
	si := uuid.New()
	snap := sdai.RepositorySnapshot{
		Name:            "REPO",
		Models:          []sdai.ModelSnapshot{{ID: m1, Name: "A", Schema: "S"}, {ID: m2, Name: "B", Schema: "S"}},
		SchemaInstances: []sdai.SchemaInstanceSnapshot{{ID: si, Name: "SI", Schema: "S", Models: []uuid.UUID{m1, m2}}},
	}
	require.NoError(t, store.Save(ctx, snap))

	snap.Models = snap.Models[:1]
	require.NoError(t, store.Save(ctx, snap))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, found, err := reopened.Load(ctx, "REPO")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.Models, 1)
	assert.Equal(t, m1, got.Models[0].ID)
	require.Len(t, got.SchemaInstances, 1)
	assert.Equal(t, si, got.SchemaInstances[0].ID)

	_, found, err = reopened.Load(ctx, "OTHER")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreRejectsUnnamedSnapshot(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "x.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.Error(t, store.Save(context.Background(), sdai.RepositorySnapshot{}))
}
