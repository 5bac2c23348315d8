package utils

import (
	"errors"
	"net/http"
)

// Domain-level errors used by the service layer to provide
// fine-grained failure reasons. The public attestation surface
// collapses most of these into a single generic denial; the detailed
// reason only ever reaches the server logs and the admin API.
var (
	ErrUnknownDevice        = errors.New("unknown_device")
	ErrDeviceRevoked        = errors.New("device_revoked")
	ErrAttestationFailed    = errors.New("attestation_failed")
	ErrSignatureInvalid     = errors.New("signature_invalid")
	ErrReplayDetected       = errors.New("replay_detected")
	ErrServiceNotConfigured = errors.New("service_not_configured")

	// Webhook trust boundary
	ErrInvalidWebhookSignature = errors.New("invalid_webhook_signature")
	ErrStaleWebhook            = errors.New("stale_webhook")

	// For rate limiting
	ErrRateLimitExceeded = errors.New("rate_limit_exceeded")

	// For external service failures (e.g., SendGrid)
	ErrExternalServiceFailure = errors.New("external_service_failure")

	// Additional examples
	ErrNotFound      = errors.New("not_found")
	ErrNoRowsUpdated = errors.New("no_rows_updated")
)

// AppError for structured error handling from services to controllers.
type AppError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// HandleAppError centralizes responding to AppErrors.
func HandleAppError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		RespondErrorWithCode(w, appErr.StatusCode, appErr.Code, appErr.Message, nil, appErr.Err)
	} else {
		// Fallback for unexpected error types
		RespondErrorWithCode(w, http.StatusInternalServerError, ErrCodeInternal, "An unexpected error occurred", nil, err)
	}
}
