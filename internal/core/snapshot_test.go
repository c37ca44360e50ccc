package core

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepcore/pkg/sdai"
)

func TestValueCodecPreservesStructure(t *testing.T) {
	model := uuid.New()
	v := Aggregate{
		Integer(-4),
		Real(2.5),
		String("it's"),
		Binary("0F"),
		Boolean(true),
		LogicalValue(sdai.Unknown),
		Enumeration("RIGHT"),
		nil,
		Typed{Type: "LENGTH_MEASURE", Value: Real(1)},
		Aggregate{EntityValue{Ref: NewPersistentReference(model, 12)}},
	}
	raw, err := EncodeValue(v)
	require.NoError(t, err)
	back, err := DecodeValue(raw)
	require.NoError(t, err)
	assert.True(t, ValuesEqual(v, back))
}

func TestValueCodecEdges(t *testing.T) {
	raw, err := EncodeValue(nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), raw)
	v, err := DecodeValue(raw)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = EncodeValue(Real(math.NaN()))
	assert.Error(t, err)
	_, err = DecodeValue(json.RawMessage(`{"k":"mystery"}`))
	assert.Error(t, err)
	_, err = DecodeValue(json.RawMessage(`{"k":"logical","s":"MAYBE"}`))
	assert.Error(t, err)
	_, err = DecodeValue(json.RawMessage(`{"k":"ref","name":3}`))
	assert.Error(t, err)
}

func TestSnapshotSkipsFallbackAssociations(t *testing.T) {
	f := newFixture(t)
	m := f.model("PARTS")
	f.point(m, 1, 0, 0, 0)
	f.instance("GEO", m)
	snap, err := f.repo.snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Models, 1)
	require.Len(t, snap.SchemaInstances, 1)
	assert.Equal(t, []uuid.UUID{m.ID()}, snap.SchemaInstances[0].Models)
	require.Len(t, snap.Models[0].Entities, 1)
	assert.Equal(t, "POINT", snap.Models[0].Entities[0].Partials[0].Entity)
}

func TestRestoreRejectsUnknownEntity(t *testing.T) {
	s, err := OpenSession(WithSchemas(NewSchemas(geometrySchema())))
	require.NoError(t, err)
	r := NewRepository("R")
	snap := sdai.RepositorySnapshot{Name: "R", Models: []sdai.ModelSnapshot{{
		ID: uuid.New(), Name: "M", Schema: "GEOMETRY",
		Entities: []sdai.EntitySnapshot{{Name: 1, Partials: []sdai.PartialSnapshot{{Entity: "CIRCLE"}}}},
	}}}
	assert.Error(t, r.restore(snap, s))

	snap.Models[0].Schema = "UNREGISTERED"
	require.NoError(t, r.restore(snap, s))
	m, ok := r.FindSdaiModel("M")
	require.True(t, ok)
	assert.True(t, m.Schema().Lenient())
}
