package blob

import (
	memorystore "stepcore/internal/infra/blob/memory"
)

// NewMemory returns an empty in-memory Store.
func NewMemory() Store { return memorystore.New() }
