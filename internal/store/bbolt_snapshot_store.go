package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRunSnapshots = []byte("run_snapshots")

type bboltSnapshotBackend struct {
	db *bolt.DB
	mu sync.Mutex
}

func NewBboltSnapshotBackend(path string) (SnapshotBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("snapshot db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRunSnapshots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltSnapshotBackend{db: db}, nil
}

func (s *bboltSnapshotBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunSnapshots)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if len(raw) == 0 {
			return nil
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *bboltSnapshotBackend) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunSnapshots)
		if b == nil {
			return errors.New("run_snapshots bucket missing")
		}
		return b.Put([]byte(key), value)
	})
}

func (s *bboltSnapshotBackend) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunSnapshots)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *bboltSnapshotBackend) Backend() string {
	return SnapshotBackendBbolt
}

func (s *bboltSnapshotBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
