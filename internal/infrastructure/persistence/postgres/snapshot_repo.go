package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
)

// SnapshotRepository implements progress.SnapshotStore on PostgreSQL.
// The whole snapshot is one JSONB document: the engine always loads and
// saves the full session state, so there is nothing to join.
type SnapshotRepository struct {
	conn *Connection
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(conn *Connection) *SnapshotRepository {
	return &SnapshotRepository{conn: conn}
}

// Load returns the stored snapshot for the user.
func (r *SnapshotRepository) Load(ctx context.Context, userID string) (*progress.Snapshot, error) {
	query := `SELECT document FROM progress_snapshots WHERE user_id = $1`

	var document []byte
	err := r.conn.QueryRow(ctx, query, userID).Scan(&document)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.WrapError("persistence", "Load", shared.ErrSnapshotNotFound, "no snapshot for user", err)
		}
		return nil, shared.WrapError("persistence", "Load", shared.ErrPersistence, "query snapshot", err)
	}

	var snapshot progress.Snapshot
	if err := json.Unmarshal(document, &snapshot); err != nil {
		return nil, shared.WrapError("persistence", "Load", shared.ErrSnapshotCorrupt, "snapshot unreadable", err)
	}

	if !snapshot.IsValid() {
		return nil, shared.NewDomainError("persistence", "Load", shared.ErrSnapshotCorrupt, "unsupported snapshot version")
	}

	return &snapshot, nil
}

// Save atomically replaces the user's snapshot document.
func (r *SnapshotRepository) Save(ctx context.Context, userID string, snapshot *progress.Snapshot) error {
	if snapshot == nil {
		return shared.NewDomainError("persistence", "Save", shared.ErrInvalidInput, "nil snapshot")
	}

	document, err := json.Marshal(snapshot)
	if err != nil {
		return shared.WrapError("persistence", "Save", shared.ErrPersistence, "marshal snapshot", err)
	}

	query := `
		INSERT INTO progress_snapshots (user_id, version, saved_at, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET version = EXCLUDED.version,
		    saved_at = EXCLUDED.saved_at,
		    document = EXCLUDED.document
	`

	if _, err := r.conn.Exec(ctx, query, userID, snapshot.Version, snapshot.SavedAt, document); err != nil {
		return shared.WrapError("persistence", "Save", shared.ErrPersistence, "upsert snapshot", err)
	}

	return nil
}

// Clear removes the user's snapshot.
func (r *SnapshotRepository) Clear(ctx context.Context, userID string) error {
	if _, err := r.conn.Exec(ctx, `DELETE FROM progress_snapshots WHERE user_id = $1`, userID); err != nil {
		return shared.WrapError("persistence", "Clear", shared.ErrPersistence, "delete snapshot", err)
	}
	return nil
}

// CertificateRepository implements progress.CertificateLedger on PostgreSQL.
type CertificateRepository struct {
	conn *Connection
}

// NewCertificateRepository creates a new CertificateRepository.
func NewCertificateRepository(conn *Connection) *CertificateRepository {
	return &CertificateRepository{conn: conn}
}

// Record appends a certificate to the ledger. Idempotent per
// (user, course): replaying an issuance is a no-op.
func (r *CertificateRepository) Record(ctx context.Context, userID string, cert *progress.Certificate) error {
	if cert == nil {
		return shared.NewDomainError("persistence", "Record", shared.ErrInvalidInput, "nil certificate")
	}

	query := `
		INSERT INTO certificates (user_id, course_id, credential_id, verification_code, issued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, course_id) DO NOTHING
	`

	_, err := r.conn.Exec(ctx, query,
		userID, cert.CourseID.String(), cert.CredentialID, cert.VerificationCode, cert.IssuedAt)
	if err != nil {
		return shared.WrapError("persistence", "Record", shared.ErrPersistence, "insert certificate", err)
	}

	return nil
}

// ListByUser returns all certificates issued to a user, oldest first.
func (r *CertificateRepository) ListByUser(ctx context.Context, userID string) ([]*progress.Certificate, error) {
	query := `
		SELECT course_id, credential_id, verification_code, issued_at
		FROM certificates
		WHERE user_id = $1
		ORDER BY issued_at ASC
	`

	rows, err := r.conn.Query(ctx, query, userID)
	if err != nil {
		return nil, shared.WrapError("persistence", "ListByUser", shared.ErrPersistence, "query certificates", err)
	}
	defer rows.Close()

	var certs []*progress.Certificate
	for rows.Next() {
		var cert progress.Certificate
		var courseID string

		if err := rows.Scan(&courseID, &cert.CredentialID, &cert.VerificationCode, &cert.IssuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}

		cert.CourseID = progress.CourseID(courseID)
		certs = append(certs, &cert)
	}

	return certs, rows.Err()
}
