package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
)

const snapshotFileSchemaVersion = 1

type snapshotFile struct {
	Version int                        `json:"version"`
	Entries map[string]json.RawMessage `json:"entries"`
}

// FileSnapshotBackend keeps every snapshot in one JSON document, rewritten
// atomically on each change.
type FileSnapshotBackend struct {
	path string
	mu   sync.Mutex
}

func NewFileSnapshotBackend(path string) *FileSnapshotBackend {
	return &FileSnapshotBackend{path: path}
}

func (s *FileSnapshotBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	raw, ok := file.Entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (s *FileSnapshotBackend) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if file == nil {
		file = newSnapshotFile()
	}
	if !json.Valid(value) {
		return errors.New("snapshot value is not valid json")
	}
	file.Entries[key] = append(json.RawMessage(nil), value...)
	return writeJSONAtomic(s.path, file)
}

func (s *FileSnapshotBackend) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, ok := file.Entries[key]; !ok {
		return nil
	}
	delete(file.Entries, key)
	return writeJSONAtomic(s.path, file)
}

func (s *FileSnapshotBackend) Backend() string {
	return SnapshotBackendFile
}

func (s *FileSnapshotBackend) Close() error {
	return nil
}

func (s *FileSnapshotBackend) load() (*snapshotFile, error) {
	file := newSnapshotFile()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return file, nil
	}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, err
	}
	if file.Entries == nil {
		file.Entries = map[string]json.RawMessage{}
	}
	return file, nil
}

func newSnapshotFile() *snapshotFile {
	return &snapshotFile{
		Version: snapshotFileSchemaVersion,
		Entries: map[string]json.RawMessage{},
	}
}
