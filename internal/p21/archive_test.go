package p21

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/internal/blob"
)

func TestArchiveAndDecodeBlob(t *testing.T) {
	store := blob.NewMemory()
	e := newEnv(t, nil)
	models := e.mustDecode(exchangeFile("'TEST_SCHEMA'", geometryData...))

	info, err := ArchiveModels(e.ctx, store, "exchange/golden.stp", goldenHeader(), models...)
	require.NoError(t, err)
	assert.Equal(t, ContentType, info.ContentType)
	assert.Equal(t, "bracket", info.Metadata["models"])
	assert.Equal(t, "7", info.Metadata["instances"])
	assert.Positive(t, info.Size)

	_, err = ArchiveModels(e.ctx, store, "exchange/golden.stp", goldenHeader(), models...)
	require.Error(t, err, "existing keys are kept")

	fresh := newEnv(t, nil)
	decoded, err := DecodeBlob(fresh.ctx, store, "exchange/golden.stp", fresh.tx, fresh.repo)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "golden", decoded[0].Name())
	assert.Equal(t, 7, decoded[0].Contents().Len())

	_, err = DecodeBlob(fresh.ctx, store, "exchange/missing.stp", fresh.tx, fresh.repo)
	require.Error(t, err)
}
