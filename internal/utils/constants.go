package utils

const (
	// OrganizationName is used in outbound email and operator-facing text.
	OrganizationName = "Populist"

	// CORSLowSecurityAllowedOriginLocalhost is appended to the allowed
	// origins when the cors_high_security flag is off (local dev builds).
	CORSLowSecurityAllowedOriginLocalhost = "http://localhost:*"
)

// Client platforms accepted on the attestation endpoints.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// Fake tokens honored only when real device attestation is flagged off.
// Dev and simulator builds cannot produce Secure Enclave material, so they
// send these literals instead of real CBOR blobs.
const (
	FakeAttestationToken = "FAKE_ATTESTATION"
	FakeAssertionToken   = "FAKE_ASSERTION"
)

// Admin device listing bounds.
const (
	DefaultAdminPageSize = 25
	MaxAdminPageSize     = 100
)

// SealedSecretVersion tags the JSON payload sealed for devices so the
// client can dispatch on format changes.
const SealedSecretVersion = 1
