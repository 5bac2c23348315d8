package controllers

import (
	"io"
	"net/http"
	"time"

	"github.com/populist/attestation-service/internal/services"
	"github.com/populist/attestation-service/internal/utils"
)

// VerificationWebhookController receives the identity-verification
// vendor's events. Anything short of authenticated-and-fresh is a 401;
// the body is never parsed before the signature passes.
type VerificationWebhookController struct {
	webhookService *services.WebhookEventService
}

func NewVerificationWebhookController(webhookService *services.WebhookEventService) *VerificationWebhookController {
	return &VerificationWebhookController{webhookService: webhookService}
}

func (c *VerificationWebhookController) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.Logger.WithError(err).Error("Failed to read verification webhook body")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sigHeader := r.Header.Get("X-Signature")
	if sigHeader == "" {
		utils.Logger.Error("Missing X-Signature header on verification webhook")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tsHeader := r.Header.Get("X-Timestamp")
	if tsHeader == "" {
		utils.Logger.Error("Missing X-Timestamp header on verification webhook")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !c.webhookService.VerifySignature(body, sigHeader) {
		utils.Logger.Error("Verification webhook signature check failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := c.webhookService.CheckTimestamp(tsHeader, time.Now()); err != nil {
		utils.Logger.WithError(err).Error("Verification webhook outside freshness window")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := c.webhookService.Process(r.Context(), body); err != nil {
		utils.Logger.WithError(err).Error("Failed to process verification webhook event")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
