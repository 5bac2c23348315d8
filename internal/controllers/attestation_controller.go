package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/populist/attestation-service/internal/dtos"
	"github.com/populist/attestation-service/internal/services"
	"github.com/populist/attestation-service/internal/utils"
)

var validate = validator.New()

// AttestationController fronts the two anonymous device endpoints. Every
// verification failure leaves the same way: a generic 401 that tells a
// probing client nothing about which check tripped.
type AttestationController struct {
	attestationService *services.AttestationService
	rateLimiter        services.RateLimiterService
}

func NewAttestationController(
	attestationService *services.AttestationService,
	rateLimiter services.RateLimiterService,
) *AttestationController {
	return &AttestationController{
		attestationService: attestationService,
		rateLimiter:        rateLimiter,
	}
}

// POST /api/v1/attestation/register
func (c *AttestationController) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	ip := utils.DetectClientIP(r)
	if err := c.rateLimiter.CheckRegisterRateLimits(r.Context(), ip); err != nil {
		c.respondRateLimited(w, err)
		return
	}

	var req dtos.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid JSON payload", nil, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", nil, err)
		return
	}

	keyID, err := c.attestationService.RegisterDevice(r.Context(), &req, ip)
	if err != nil {
		c.respondAttestationError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.RegisterDeviceResponse{KeyID: keyID})
}

// POST /api/v1/attestation/secret
func (c *AttestationController) DeviceSecretHandler(w http.ResponseWriter, r *http.Request) {
	ip := utils.DetectClientIP(r)
	if err := c.rateLimiter.CheckSecretRateLimits(r.Context(), ip); err != nil {
		c.respondRateLimited(w, err)
		return
	}

	var req dtos.DeviceSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid JSON payload", nil, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", nil, err)
		return
	}

	resp, err := c.attestationService.IssueSecret(r.Context(), &req, ip)
	if err != nil {
		c.respondAttestationError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (c *AttestationController) respondRateLimited(w http.ResponseWriter, err error) {
	if errors.Is(err, utils.ErrRateLimitExceeded) {
		utils.RespondErrorWithCode(w, http.StatusTooManyRequests, utils.ErrCodeRateLimitExceeded, "Too many requests", nil, err)
		return
	}
	utils.RespondErrorWithCode(w, http.StatusInternalServerError, utils.ErrCodeInternal, "An unexpected error occurred", nil, err)
}

// respondAttestationError maps service failures onto the wire. Unknown
// device, revocation, bad signatures and replays are deliberately
// indistinguishable to the caller; the detailed cause is already in the
// server logs.
func (c *AttestationController) respondAttestationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, utils.ErrServiceNotConfigured):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeServiceNotConfigured, "Unknown service", nil, err)
	case errors.Is(err, utils.ErrUnknownDevice),
		errors.Is(err, utils.ErrDeviceRevoked),
		errors.Is(err, utils.ErrAttestationFailed),
		errors.Is(err, utils.ErrSignatureInvalid),
		errors.Is(err, utils.ErrReplayDetected):
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeAttestationFailed, "Attestation failed", nil, err)
	default:
		utils.RespondErrorWithCode(w, http.StatusInternalServerError, utils.ErrCodeInternal, "An unexpected error occurred", nil, err)
	}
}
