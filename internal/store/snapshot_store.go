package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"runstream/internal/logging"
	"runstream/internal/types"
)

const (
	SnapshotBackendBbolt  = "bbolt"
	SnapshotBackendFile   = "file"
	SnapshotBackendMemory = "memory"

	DefaultSnapshotTTL    = 6 * time.Hour
	DefaultSnapshotPrefix = "run-stream"
)

// SnapshotBackend is the raw key-value layer beneath Snapshots.
// Implementations must be safe for concurrent access.
type SnapshotBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Backend() string
	Close() error
}

// SnapshotKey builds "<prefix>:<projectId>[:<scopeId>]".
func SnapshotKey(prefix, projectID, scopeID string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultSnapshotPrefix
	}
	key := prefix + ":" + strings.TrimSpace(projectID)
	if scope := strings.TrimSpace(scopeID); scope != "" {
		key += ":" + scope
	}
	return key
}

// OpenSnapshotBackend opens the named backend. path is ignored by the
// memory backend.
func OpenSnapshotBackend(backend, path string) (SnapshotBackend, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", SnapshotBackendBbolt:
		return NewBboltSnapshotBackend(path)
	case SnapshotBackendFile:
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("snapshot file path is required")
		}
		return NewFileSnapshotBackend(path), nil
	case SnapshotBackendMemory:
		return NewMemorySnapshotBackend(), nil
	default:
		return nil, errors.New("unknown snapshot backend: " + backend)
	}
}

// Snapshots is the advisory persistence tier for run state. Every
// operation is best-effort: failures are logged and never returned.
// Entries older than the TTL, or that fail to decode, load as absent and
// are deleted.
type Snapshots struct {
	backend SnapshotBackend
	ttl     time.Duration
	logger  logging.Logger
	now     func() time.Time
}

type SnapshotsOption func(*Snapshots)

func WithSnapshotTTL(ttl time.Duration) SnapshotsOption {
	return func(s *Snapshots) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithSnapshotLogger(logger logging.Logger) SnapshotsOption {
	return func(s *Snapshots) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSnapshotClock(now func() time.Time) SnapshotsOption {
	return func(s *Snapshots) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSnapshots(backend SnapshotBackend, opts ...SnapshotsOption) *Snapshots {
	if backend == nil {
		backend = NewMemorySnapshotBackend()
	}
	s := &Snapshots{
		backend: backend,
		ttl:     DefaultSnapshotTTL,
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Save persists state under key. A nil state clears the key.
func (s *Snapshots) Save(ctx context.Context, key string, state *types.RunState) {
	if s == nil {
		return
	}
	if state == nil {
		s.Clear(ctx, key)
		return
	}
	raw, err := json.Marshal(types.Snapshot{SavedAt: s.now().UnixMilli(), RunState: state})
	if err != nil {
		s.logger.Warn("snapshot_encode_failed", logging.F("key", key), logging.F("error", err))
		return
	}
	if err := s.backend.Put(ctx, key, raw); err != nil {
		s.logger.Warn("snapshot_save_failed", logging.F("key", key), logging.F("backend", s.backend.Backend()), logging.F("error", err))
	}
}

// Load returns the stored state or nil when absent, stale or malformed.
func (s *Snapshots) Load(ctx context.Context, key string) *types.RunState {
	if s == nil {
		return nil
	}
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.logger.Warn("snapshot_load_failed", logging.F("key", key), logging.F("backend", s.backend.Backend()), logging.F("error", err))
		return nil
	}
	if !ok {
		return nil
	}
	var snapshot types.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil || !validSnapshot(snapshot) {
		s.logger.Warn("snapshot_malformed", logging.F("key", key))
		s.Clear(ctx, key)
		return nil
	}
	savedAt := time.UnixMilli(snapshot.SavedAt)
	if s.now().Sub(savedAt) > s.ttl {
		s.logger.Debug("snapshot_expired", logging.F("key", key), logging.F("saved_at", savedAt.UTC().Format(time.RFC3339)))
		s.Clear(ctx, key)
		return nil
	}
	state := snapshot.RunState
	if state.StepsByID == nil {
		state.StepsByID = map[string]*types.RunStepState{}
	}
	if state.StepOrder == nil {
		state.StepOrder = []string{}
	}
	return state
}

func (s *Snapshots) Clear(ctx context.Context, key string) {
	if s == nil {
		return
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		s.logger.Warn("snapshot_clear_failed", logging.F("key", key), logging.F("backend", s.backend.Backend()), logging.F("error", err))
	}
}

func (s *Snapshots) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func validSnapshot(snapshot types.Snapshot) bool {
	if snapshot.SavedAt <= 0 || snapshot.RunState == nil {
		return false
	}
	if strings.TrimSpace(snapshot.RunState.RunID) == "" {
		return false
	}
	switch snapshot.RunState.Status {
	case types.RunStatusRunning, types.RunStatusCompleted, types.RunStatusFailed:
	default:
		return false
	}
	for _, id := range snapshot.RunState.StepOrder {
		if snapshot.RunState.StepsByID[id] == nil {
			return false
		}
	}
	return true
}
