package redis

import (
	"context"
	"errors"
	"log/slog"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
)

// SnapshotStore persists progress snapshots in Redis, one JSON document
// per user. Implements progress.SnapshotStore.
type SnapshotStore struct {
	cache  *Cache
	logger *slog.Logger
}

// NewSnapshotStore creates a Redis-backed snapshot store.
func NewSnapshotStore(cache *Cache, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{cache: cache, logger: logger}
}

func snapshotKey(userID string) string {
	return PrefixSnapshot + userID
}

// Load returns the stored snapshot for the user.
func (s *SnapshotStore) Load(ctx context.Context, userID string) (*progress.Snapshot, error) {
	var snapshot progress.Snapshot

	err := s.cache.Get(ctx, snapshotKey(userID), &snapshot)
	switch {
	case errors.Is(err, ErrCacheMiss):
		return nil, shared.WrapError("persistence", "Load", shared.ErrSnapshotNotFound, "no snapshot for user", err)
	case errors.Is(err, ErrCacheSerialization):
		// A corrupt document must not take the session down: the caller
		// starts empty and repopulates from the remote service.
		s.logger.Warn("snapshot document corrupt, discarding", "user_id", userID, "error", err)
		return nil, shared.WrapError("persistence", "Load", shared.ErrSnapshotCorrupt, "snapshot unreadable", err)
	case err != nil:
		return nil, shared.WrapError("persistence", "Load", shared.ErrPersistence, "redis read failed", err)
	}

	if !snapshot.IsValid() {
		s.logger.Warn("snapshot version mismatch, discarding",
			"user_id", userID, "version", snapshot.Version, "expected", progress.SnapshotVersion)
		return nil, shared.NewDomainError("persistence", "Load", shared.ErrSnapshotCorrupt, "unsupported snapshot version")
	}

	return &snapshot, nil
}

// Save atomically replaces the user's snapshot document.
func (s *SnapshotStore) Save(ctx context.Context, userID string, snapshot *progress.Snapshot) error {
	if snapshot == nil {
		return shared.NewDomainError("persistence", "Save", shared.ErrInvalidInput, "nil snapshot")
	}

	if err := s.cache.Set(ctx, snapshotKey(userID), snapshot, TTLSnapshot); err != nil {
		return shared.WrapError("persistence", "Save", shared.ErrPersistence, "redis write failed", err)
	}

	return nil
}

// Clear removes the user's snapshot.
func (s *SnapshotStore) Clear(ctx context.Context, userID string) error {
	if err := s.cache.Delete(ctx, snapshotKey(userID)); err != nil {
		return shared.WrapError("persistence", "Clear", shared.ErrPersistence, "redis delete failed", err)
	}
	return nil
}
