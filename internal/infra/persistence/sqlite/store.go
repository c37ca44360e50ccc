// Package sqlite persists repository snapshots to a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"stepcore/pkg/sdai"
)

var _ sdai.RepositoryBackend = (*Store)(nil)

// Store keeps one JSON payload per repository, keyed by repository name.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating when needed) the database at path.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "stepcore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Load reads the snapshot stored for repository.
func (s *Store) Load(ctx context.Context, repository string) (sdai.RepositorySnapshot, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = ?`, repository).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return sdai.RepositorySnapshot{}, false, nil
	}
	if err != nil {
		return sdai.RepositorySnapshot{}, false, fmt.Errorf("select %s: %w", repository, err)
	}
	var snap sdai.RepositorySnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return sdai.RepositorySnapshot{}, false, fmt.Errorf("decode %s: %w", repository, err)
	}
	return snap, true, nil
}

// Save upserts the snapshot under snap.Name.
func (s *Store) Save(ctx context.Context, snap sdai.RepositorySnapshot) (retErr error) {
	if snap.Name == "" {
		return fmt.Errorf("snapshot without repository name")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, snap.Name, data); err != nil {
		retErr = fmt.Errorf("upsert %s: %w", snap.Name, err)
		return retErr
	}
	return tx.Commit()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
