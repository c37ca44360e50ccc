package sdai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RepositorySnapshot is the committed state of one repository as stored by
// a RepositoryBackend. Attribute values are opaque JSON produced by the
// engine's value codec.
type RepositorySnapshot struct {
	Name            string                   `json:"name"`
	SavedAt         time.Time                `json:"saved_at"`
	Models          []ModelSnapshot          `json:"models"`
	SchemaInstances []SchemaInstanceSnapshot `json:"schema_instances"`
}

// ModelSnapshot captures one SDAI-model.
type ModelSnapshot struct {
	ID         uuid.UUID        `json:"id"`
	Name       string           `json:"name"`
	Schema     string           `json:"schema"`
	ChangeDate time.Time        `json:"change_date"`
	Entities   []EntitySnapshot `json:"entities"`
}

// EntitySnapshot captures one complex entity instance.
type EntitySnapshot struct {
	Name     int64             `json:"name"`
	Partials []PartialSnapshot `json:"partials"`
}

// PartialSnapshot captures the explicit attribute values of one partial entity.
type PartialSnapshot struct {
	Entity     string            `json:"entity"`
	Attributes []json.RawMessage `json:"attributes"`
}

// SchemaInstanceSnapshot captures a schema instance and its associations.
type SchemaInstanceSnapshot struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	Schema     string      `json:"schema"`
	Models     []uuid.UUID `json:"models"`
	ChangeDate time.Time   `json:"change_date"`
}

// RepositoryBackend is a minimal abstraction over durable repository storage.
// Load returns found=false for a repository that was never saved.
type RepositoryBackend interface {
	Load(ctx context.Context, repository string) (snapshot RepositorySnapshot, found bool, err error)
	Save(ctx context.Context, snapshot RepositorySnapshot) error
	Close() error
}
