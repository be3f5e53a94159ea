package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnhub/progress-engine/internal/domain/progress"
)

// memoryKV imitates the JSON round-trip the real Cache performs.
type memoryKV struct {
	data map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string][]byte)}
}

func (m *memoryKV) Get(_ context.Context, key string, dest interface{}) error {
	raw, ok := m.data[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.data[key] = raw
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

// countingLedger records certificates in memory and counts reads.
type countingLedger struct {
	certs     map[string][]*progress.Certificate
	listCalls int
}

func newCountingLedger() *countingLedger {
	return &countingLedger{certs: make(map[string][]*progress.Certificate)}
}

func (l *countingLedger) Record(_ context.Context, userID string, cert *progress.Certificate) error {
	l.certs[userID] = append(l.certs[userID], cert)
	return nil
}

func (l *countingLedger) ListByUser(_ context.Context, userID string) ([]*progress.Certificate, error) {
	l.listCalls++
	return l.certs[userID], nil
}

func testCertificate(courseID string) *progress.Certificate {
	return &progress.Certificate{
		CourseID:         progress.CourseID(courseID),
		CredentialID:     "cred-" + courseID,
		VerificationCode: "verify-" + courseID,
		IssuedAt:         time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestCertificateCache_MissFallsThroughAndPopulates(t *testing.T) {
	ctx := context.Background()
	store := newMemoryKV()
	ledger := newCountingLedger()
	require.NoError(t, ledger.Record(ctx, "user-1", testCertificate("go-basics")))

	cache := newCertificateCache(store, ledger, nil)

	certs, err := cache.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, progress.CourseID("go-basics"), certs[0].CourseID)
	assert.Equal(t, 1, ledger.listCalls)

	// The miss populated the cache: a second read never hits the ledger.
	certs, err = cache.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "cred-go-basics", certs[0].CredentialID)
	assert.Equal(t, 1, ledger.listCalls)
}

func TestCertificateCache_RecordInvalidatesCachedList(t *testing.T) {
	ctx := context.Background()
	store := newMemoryKV()
	ledger := newCountingLedger()
	cache := newCertificateCache(store, ledger, nil)

	_, err := cache.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, ledger.listCalls)

	require.NoError(t, cache.Record(ctx, "user-1", testCertificate("sql-advanced")))

	// The stale empty list was dropped, so the new certificate is visible.
	certs, err := cache.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, progress.CourseID("sql-advanced"), certs[0].CourseID)
	assert.Equal(t, 2, ledger.listCalls)
}
