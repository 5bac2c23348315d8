package models

import "time"

// DeviceCredential is one registered attestation key. The key id is the
// sanitized primary key; the raw authenticator data captured at
// registration is kept verbatim so the public key can be re-derived on
// every assertion.
type DeviceCredential struct {
	KeyID             string `json:"key_id"`
	Platform          string `json:"platform"`
	PublicKeyMaterial []byte `json:"-"`

	// Counter only moves forward. Re-registration must not reset it.
	Counter uint32 `json:"counter"`

	Revoked       bool       `json:"revoked"`
	RevokedReason *string    `json:"revoked_reason,omitempty"`
	RevokedBy     *string    `json:"revoked_by,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`

	// Sealed secret state; at most one live secret per device, the most
	// recently requested service wins.
	Service        *string    `json:"service,omitempty"`
	SealedSecret   []byte     `json:"-"`
	SealNonce      []byte     `json:"-"`
	SealAuthTag    []byte     `json:"-"`
	SecretIssuedAt *time.Time `json:"secret_issued_at,omitempty"`

	RequestCount int64      `json:"request_count"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	IPAddress    *string    `json:"ip_address,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// HasSealedSecretFor reports whether a live sealed secret for the given
// service is already stored.
func (d *DeviceCredential) HasSealedSecretFor(service string) bool {
	return d.Service != nil && *d.Service == service && len(d.SealedSecret) > 0
}
