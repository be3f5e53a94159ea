package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/learnhub/progress-engine/internal/domain/progress"
)

// kv is the subset of Cache operations the certificate cache needs,
// narrowed so tests can substitute an in-memory store.
type kv interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CertificateCache is a read-through cache in front of a durable
// CertificateLedger. Reads are served from Redis for TTLCertificateCache
// and fall back to the ledger on a miss; a recorded certificate
// invalidates the user's cached list. Implements progress.CertificateLedger.
type CertificateCache struct {
	store  kv
	ledger progress.CertificateLedger
	logger *slog.Logger
}

// NewCertificateCache wraps the ledger with a Redis-backed read cache.
func NewCertificateCache(cache *Cache, ledger progress.CertificateLedger, logger *slog.Logger) *CertificateCache {
	return newCertificateCache(cache, ledger, logger)
}

func newCertificateCache(store kv, ledger progress.CertificateLedger, logger *slog.Logger) *CertificateCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &CertificateCache{store: store, ledger: ledger, logger: logger}
}

func certificateKey(userID string) string {
	return PrefixCertificate + userID
}

// Record writes the certificate to the ledger and drops the user's
// cached list. The ledger is the source of truth: a failed invalidation
// is logged but never fails the write, the entry simply expires.
func (c *CertificateCache) Record(ctx context.Context, userID string, cert *progress.Certificate) error {
	if err := c.ledger.Record(ctx, userID, cert); err != nil {
		return err
	}

	if err := c.store.Delete(ctx, certificateKey(userID)); err != nil {
		c.logger.Warn("certificate cache invalidation failed", "user_id", userID, "error", err)
	}
	return nil
}

// ListByUser returns the user's certificates, from cache when present.
func (c *CertificateCache) ListByUser(ctx context.Context, userID string) ([]*progress.Certificate, error) {
	key := certificateKey(userID)

	var cached []*progress.Certificate
	err := c.store.Get(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("certificate cache read failed", "user_id", userID, "error", err)
	}

	certs, err := c.ledger.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := c.store.Set(ctx, key, certs, TTLCertificateCache); err != nil {
		c.logger.Warn("certificate cache write failed", "user_id", userID, "error", err)
	}
	return certs, nil
}
