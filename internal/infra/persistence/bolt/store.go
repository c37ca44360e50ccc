// Package bolt persists repository snapshots in a bbolt key/value file. Each
// repository gets a nested bucket holding a header record and one record per
// SDAI-model, so a save rewrites only that repository.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"stepcore/pkg/sdai"
)

var _ sdai.RepositoryBackend = (*Store)(nil)

var (
	rootBucket = []byte("repositories")
	headerKey  = []byte("header")
	modelsKey  = []byte("models")
)

// Store wraps an open bbolt database.
type Store struct {
	db       *bolt.DB
	filename string
}

// NewStore opens (creating when needed) the bolt file at filename.
func NewStore(filename string) (*Store, error) {
	if filename == "" {
		filename = "stepcore.bolt"
	}
	db, err := bolt.Open(filename, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create root bucket: %w", err)
	}
	return &Store{db: db, filename: filename}, nil
}

// Load reassembles the snapshot stored for repository.
func (s *Store) Load(ctx context.Context, repository string) (sdai.RepositorySnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return sdai.RepositorySnapshot{}, false, err
	}
	var snap sdai.RepositorySnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket).Bucket([]byte(repository))
		if b == nil {
			return nil
		}
		header := b.Get(headerKey)
		if header == nil {
			return nil
		}
		if err := json.Unmarshal(header, &snap); err != nil {
			return fmt.Errorf("decode header: %w", err)
		}
		snap.Models = nil
		if mb := b.Bucket(modelsKey); mb != nil {
			err := mb.ForEach(func(k, v []byte) error {
				var ms sdai.ModelSnapshot
				if err := json.Unmarshal(v, &ms); err != nil {
					return fmt.Errorf("decode model %s: %w", k, err)
				}
				snap.Models = append(snap.Models, ms)
				return nil
			})
			if err != nil {
				return err
			}
		}
		found = true
		return nil
	})
	if err != nil {
		return sdai.RepositorySnapshot{}, false, fmt.Errorf("load %s: %w", repository, err)
	}
	return snap, found, nil
}

// Save replaces the repository's bucket with snap.
func (s *Store) Save(ctx context.Context, snap sdai.RepositorySnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Name == "" {
		return fmt.Errorf("snapshot without repository name")
	}
	models := snap.Models
	snap.Models = nil
	header, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.Name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		name := []byte(snap.Name)
		if root.Bucket(name) != nil {
			if err := root.DeleteBucket(name); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket(name)
		if err != nil {
			return err
		}
		if err := b.Put(headerKey, header); err != nil {
			return err
		}
		mb, err := b.CreateBucket(modelsKey)
		if err != nil {
			return err
		}
		for _, ms := range models {
			data, err := json.Marshal(ms)
			if err != nil {
				return fmt.Errorf("encode model %s: %w", ms.Name, err)
			}
			if err := mb.Put([]byte(ms.ID.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Filename returns the path of the bolt file.
func (s *Store) Filename() string { return s.filename }

// Close closes the bolt file.
func (s *Store) Close() error { return s.db.Close() }
