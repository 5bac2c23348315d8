package routes

const (
	// Health
	Health = "/health"

	// Attestation (mobile-facing)
	AttestationRegister = "/api/v1/attestation/register"
	AttestationSecret   = "/api/v1/attestation/secret"

	// Identity verification webhook (vendor-facing)
	VerificationWebhook = "/api/v1/attestation/verification/webhook"

	// Admin panel (relative paths)
	AdminBase         = "/api/v1/attestation/admin" // Base prefix for the admin sub-router
	AdminDevices      = "/devices"
	AdminRevokeDevice = "/devices/revoke"
)
