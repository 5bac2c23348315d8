package repositories

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/populist/attestation-service/internal/models"
)

type IdentityVerificationRepository interface {
	// UpsertStatus applies the vendor-reported state for a session.
	// Re-applying the same event is a no-op for the caller's purposes,
	// which is what makes webhook retries safe.
	UpsertStatus(ctx context.Context, v *models.IdentityVerification) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.IdentityVerification, error)
}

type identityVerificationRepo struct {
	db DB
}

func NewIdentityVerificationRepository(db DB) IdentityVerificationRepository {
	return &identityVerificationRepo{db: db}
}

func (r *identityVerificationRepo) UpsertStatus(ctx context.Context, v *models.IdentityVerification) error {
	q := `
INSERT INTO identity_verifications (
    session_id, user_id, status, event_type, vendor_timestamp, updated_at
) VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (session_id)
DO UPDATE SET
    user_id          = EXCLUDED.user_id,
    status           = EXCLUDED.status,
    event_type       = EXCLUDED.event_type,
    vendor_timestamp = EXCLUDED.vendor_timestamp,
    updated_at       = NOW()
`
	_, err := r.db.Exec(ctx, q,
		v.SessionID,
		v.UserID,
		v.Status,
		v.EventType,
		v.VendorTimestamp,
	)
	return err
}

func (r *identityVerificationRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.IdentityVerification, error) {
	q := `
SELECT session_id, user_id, status, event_type, vendor_timestamp, updated_at
FROM identity_verifications
WHERE session_id=$1
`
	row := r.db.QueryRow(ctx, q, sessionID)
	var v models.IdentityVerification
	err := row.Scan(&v.SessionID, &v.UserID, &v.Status, &v.EventType, &v.VendorTimestamp, &v.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
