package repositories

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/populist/attestation-service/internal/models"
)

type DeviceCredentialRepository interface {
	// Create inserts a credential or refreshes the key material of an
	// existing one. The stored counter and revocation state are left
	// alone on conflict; a re-registration never rewinds either.
	Create(ctx context.Context, cred *models.DeviceCredential) error
	GetByKeyID(ctx context.Context, keyID string) (*models.DeviceCredential, error)
	List(ctx context.Context, revoked *bool, limit, offset int) ([]*models.DeviceCredential, error)

	// UpdateCounterIfPrior advances the replay counter only if the stored
	// value still equals prior and the credential is not revoked. Returns
	// false when another request won the race or the guard failed.
	UpdateCounterIfPrior(ctx context.Context, keyID string, prior, next uint32, ip string) (bool, error)

	// SaveSealedSecret stores a freshly sealed secret. Returns false when
	// the credential is revoked or gone, in which case nothing was written.
	SaveSealedSecret(ctx context.Context, keyID, service string, sealed, nonce, authTag []byte) (bool, error)

	// TouchSecretUse bumps request_count and last_seen for a cache hit.
	TouchSecretUse(ctx context.Context, keyID, ip string) error

	SetRevoked(ctx context.Context, keyID, reason, by string) error
}

type deviceCredentialRepo struct {
	db DB
}

func NewDeviceCredentialRepository(db DB) DeviceCredentialRepository {
	return &deviceCredentialRepo{db: db}
}

func (r *deviceCredentialRepo) Create(ctx context.Context, cred *models.DeviceCredential) error {
	q := `
INSERT INTO device_credentials (
    key_id, platform, public_key_material, counter,
    request_count, ip_address, created_at, last_seen
) VALUES ($1, $2, $3, $4, 0, NULLIF($5,''), NOW(), NOW())
ON CONFLICT (key_id)
DO UPDATE SET
    platform            = EXCLUDED.platform,
    public_key_material = EXCLUDED.public_key_material,
    ip_address          = EXCLUDED.ip_address,
    last_seen           = NOW()
`
	var ip string
	if cred.IPAddress != nil {
		ip = *cred.IPAddress
	}
	_, err := r.db.Exec(ctx, q,
		cred.KeyID,
		cred.Platform,
		cred.PublicKeyMaterial,
		cred.Counter,
		ip,
	)
	return err
}

func baseSelectDeviceCredential() string {
	return `
SELECT key_id, platform, public_key_material, counter,
       revoked, revoked_reason, revoked_by, revoked_at,
       service, sealed_secret, seal_nonce, seal_auth_tag, secret_issued_at,
       request_count, last_seen, ip_address, created_at
FROM device_credentials`
}

func scanDeviceCredential(row pgx.Row) (*models.DeviceCredential, error) {
	var c models.DeviceCredential
	err := row.Scan(
		&c.KeyID, &c.Platform, &c.PublicKeyMaterial, &c.Counter,
		&c.Revoked, &c.RevokedReason, &c.RevokedBy, &c.RevokedAt,
		&c.Service, &c.SealedSecret, &c.SealNonce, &c.SealAuthTag, &c.SecretIssuedAt,
		&c.RequestCount, &c.LastSeen, &c.IPAddress, &c.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *deviceCredentialRepo) GetByKeyID(ctx context.Context, keyID string) (*models.DeviceCredential, error) {
	row := r.db.QueryRow(ctx, baseSelectDeviceCredential()+" WHERE key_id=$1", keyID)
	return scanDeviceCredential(row)
}

func (r *deviceCredentialRepo) List(ctx context.Context, revoked *bool, limit, offset int) ([]*models.DeviceCredential, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if revoked != nil {
		rows, err = r.db.Query(ctx,
			baseSelectDeviceCredential()+" WHERE revoked=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
			*revoked, limit, offset)
	} else {
		rows, err = r.db.Query(ctx,
			baseSelectDeviceCredential()+" ORDER BY created_at DESC LIMIT $1 OFFSET $2",
			limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DeviceCredential
	for rows.Next() {
		c, err := scanDeviceCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *deviceCredentialRepo) UpdateCounterIfPrior(ctx context.Context, keyID string, prior, next uint32, ip string) (bool, error) {
	q := `
UPDATE device_credentials
SET counter=$1, last_seen=NOW(), ip_address=NULLIF($2,'')
WHERE key_id=$3 AND counter=$4 AND NOT revoked
`
	tag, err := r.db.Exec(ctx, q, next, ip, keyID, prior)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *deviceCredentialRepo) SaveSealedSecret(ctx context.Context, keyID, service string, sealed, nonce, authTag []byte) (bool, error) {
	q := `
UPDATE device_credentials
SET service=$1, sealed_secret=$2, seal_nonce=$3, seal_auth_tag=$4,
    secret_issued_at=NOW(), request_count=request_count+1, last_seen=NOW()
WHERE key_id=$5 AND NOT revoked
`
	tag, err := r.db.Exec(ctx, q, service, sealed, nonce, authTag, keyID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *deviceCredentialRepo) TouchSecretUse(ctx context.Context, keyID, ip string) error {
	q := `
UPDATE device_credentials
SET request_count=request_count+1, last_seen=NOW(), ip_address=NULLIF($2,'')
WHERE key_id=$1
`
	_, err := r.db.Exec(ctx, q, keyID, ip)
	return err
}

func (r *deviceCredentialRepo) SetRevoked(ctx context.Context, keyID, reason, by string) error {
	q := `
UPDATE device_credentials
SET revoked=TRUE, revoked_reason=NULLIF($2,''), revoked_by=$3, revoked_at=NOW()
WHERE key_id=$1
`
	_, err := r.db.Exec(ctx, q, keyID, reason, by)
	return err
}
