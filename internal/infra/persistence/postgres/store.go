// Package postgres persists repository snapshots to PostgreSQL through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"stepcore/pkg/sdai"
)

var _ sdai.RepositoryBackend = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/stepcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store keeps one JSONB payload per repository.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore connects using dsn (defaultDSN when empty) and ensures the
// snapshot table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ddl := `CREATE TABLE IF NOT EXISTS repository_state (
		repository TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the snapshot stored for repository.
func (s *Store) Load(ctx context.Context, repository string) (sdai.RepositorySnapshot, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repository, payload FROM repository_state WHERE repository = $1`, repository)
	if err != nil {
		return sdai.RepositorySnapshot{}, false, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		var payload []byte
		if err := rows.Scan(&name, &payload); err != nil {
			return sdai.RepositorySnapshot{}, false, fmt.Errorf("scan state: %w", err)
		}
		if name != repository || len(payload) == 0 {
			continue
		}
		var snap sdai.RepositorySnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return sdai.RepositorySnapshot{}, false, fmt.Errorf("decode %s: %w", repository, err)
		}
		return snap, true, nil
	}
	if err := rows.Err(); err != nil {
		return sdai.RepositorySnapshot{}, false, fmt.Errorf("iterate state: %w", err)
	}
	return sdai.RepositorySnapshot{}, false, nil
}

// Save upserts the snapshot inside a transaction.
func (s *Store) Save(ctx context.Context, snap sdai.RepositorySnapshot) error {
	if snap.Name == "" {
		return fmt.Errorf("snapshot without repository name")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.Name, err)
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `INSERT INTO repository_state (repository, payload, saved_at) VALUES ($1,$2,$3) ON CONFLICT (repository) DO UPDATE SET payload=EXCLUDED.payload, saved_at=EXCLUDED.saved_at`, snap.Name, data, savedAt); err != nil {
		return fmt.Errorf("upsert %s: %w", snap.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
