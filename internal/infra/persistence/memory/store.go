// Package memory provides an in-process repository backend. Snapshots are
// kept in their encoded form so callers never share slices with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"stepcore/pkg/sdai"
)

var _ sdai.RepositoryBackend = (*Store)(nil)

// Store keeps repository snapshots in memory.
type Store struct {
	mu    sync.RWMutex
	state map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: make(map[string][]byte)}
}

// Load returns the last snapshot saved under repository.
func (s *Store) Load(ctx context.Context, repository string) (sdai.RepositorySnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return sdai.RepositorySnapshot{}, false, err
	}
	s.mu.RLock()
	payload, ok := s.state[repository]
	s.mu.RUnlock()
	if !ok {
		return sdai.RepositorySnapshot{}, false, nil
	}
	var snap sdai.RepositorySnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return sdai.RepositorySnapshot{}, false, fmt.Errorf("decode %s: %w", repository, err)
	}
	return snap, true, nil
}

// Save replaces the snapshot stored for snap.Name.
func (s *Store) Save(ctx context.Context, snap sdai.RepositorySnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Name == "" {
		return fmt.Errorf("snapshot without repository name")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.Name, err)
	}
	s.mu.Lock()
	s.state[snap.Name] = payload
	s.mu.Unlock()
	return nil
}

// Repositories lists the names of saved repositories.
func (s *Store) Repositories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.state))
	for name := range s.state {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
