package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/populist/attestation-service/internal/config"
	"github.com/populist/attestation-service/internal/dtos"
	"github.com/populist/attestation-service/internal/models"
	"github.com/populist/attestation-service/internal/repositories"
	"github.com/populist/attestation-service/internal/utils"
)

// webhookTimestampSkew is the freshness window for X-Timestamp, either side.
const webhookTimestampSkew = 5 * time.Minute

// how long we remember an applied event in-process. The ledger is the
// authority; this cache only skips DB work on hot re-deliveries.
const duplicateCacheTTL = 60 * time.Minute

// WebhookEventService is the trust filter for the identity-verification
// vendor's webhooks: authenticity, freshness, then exactly-once apply
// backed by the persisted ledger.
type WebhookEventService struct {
	cfg    *config.Config
	ledger repositories.ProcessedWebhookEventRepository
	verifs repositories.IdentityVerificationRepository
	alerts *AlertService

	mu         sync.Mutex
	seenEvents map[string]time.Time
}

func NewWebhookEventService(
	cfg *config.Config,
	ledger repositories.ProcessedWebhookEventRepository,
	verifs repositories.IdentityVerificationRepository,
	alerts *AlertService,
) *WebhookEventService {
	return &WebhookEventService{
		cfg:        cfg,
		ledger:     ledger,
		verifs:     verifs,
		alerts:     alerts,
		seenEvents: make(map[string]time.Time),
	}
}

// VerifySignature checks the X-Signature header: hex HMAC-SHA256 over the
// raw request body.
func (s *WebhookEventService) VerifySignature(body []byte, providedSig string) bool {
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSigningSecret))
	mac.Write(body)
	expected := mac.Sum(nil)
	decodedSig, err := hex.DecodeString(providedSig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decodedSig)
}

// CheckTimestamp enforces the freshness window on the X-Timestamp header
// (unix seconds). Unparseable values are treated as stale.
func (s *WebhookEventService) CheckTimestamp(raw string, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return utils.ErrStaleWebhook
	}
	d := now.Sub(time.Unix(ts, 0))
	if d > webhookTimestampSkew || d < -webhookTimestampSkew {
		return utils.ErrStaleWebhook
	}
	return nil
}

// EventID builds the deterministic identity of an event. The vendor does
// not send one, so re-deliveries are recognized by this composite.
func EventID(evt *dtos.VerificationWebhookEvent) string {
	return fmt.Sprintf("%s:%s:%d", evt.SessionID, evt.Type, evt.CreatedAt)
}

// Process applies an authenticated event exactly once. The order is
// ledger check, business update, ledger insert: the update is an upsert,
// so a crash between the last two steps just means the vendor's retry
// re-applies the same state before landing in the ledger.
func (s *WebhookEventService) Process(ctx context.Context, rawEvent []byte) error {
	var evt dtos.VerificationWebhookEvent
	if err := json.Unmarshal(rawEvent, &evt); err != nil {
		return fmt.Errorf("failed to unmarshal verification event: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("verification event failed validation: %w", err)
	}

	eventID := EventID(&evt)

	if s.isRecentDuplicate(eventID) {
		utils.Logger.Warnf("Skipping duplicate verification event (cache): %s", eventID)
		return nil
	}

	applied, err := s.ledger.Exists(ctx, eventID)
	if err != nil {
		return err
	}
	if applied {
		utils.Logger.Infof("Verification event %s already applied; acknowledging", eventID)
		s.rememberEvent(eventID)
		return nil
	}

	verif := &models.IdentityVerification{
		SessionID:       evt.SessionID,
		UserID:          evt.UserID,
		Status:          mapVendorStatus(evt.Status),
		EventType:       evt.Type,
		VendorTimestamp: time.Unix(evt.CreatedAt, 0).UTC(),
	}
	if err := s.verifs.UpsertStatus(ctx, verif); err != nil {
		utils.Logger.WithError(err).Errorf("Failed to apply verification event %s", eventID)
		s.alerts.SendWebhookApplyFailureAlert(eventID, err)
		return err
	}

	inserted, err := s.ledger.MarkProcessed(ctx, &models.ProcessedWebhookEvent{
		EventID:   eventID,
		EventType: evt.Type,
		SessionID: evt.SessionID,
	})
	if err != nil {
		utils.Logger.WithError(err).Errorf("Failed to record verification event %s in ledger", eventID)
		s.alerts.SendWebhookApplyFailureAlert(eventID, err)
		return err
	}
	if !inserted {
		utils.Logger.Warnf("Verification event %s was recorded by a concurrent delivery", eventID)
	}

	s.rememberEvent(eventID)
	utils.Logger.Infof("Applied verification event %s (status=%s)", eventID, verif.Status)
	return nil
}

// isRecentDuplicate consults the in-process cache only. Events land in
// the cache after they are safely in the ledger, never before, so a
// failed apply is always retryable.
func (s *WebhookEventService) isRecentDuplicate(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, exists := s.seenEvents[eventID]; exists {
		if time.Since(t) < duplicateCacheTTL {
			return true
		}
	}
	return false
}

func (s *WebhookEventService) rememberEvent(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.seenEvents[eventID] = now

	// cleanup old entries
	for id, at := range s.seenEvents {
		if now.Sub(at) > 2*duplicateCacheTTL {
			delete(s.seenEvents, id)
		}
	}
}

func mapVendorStatus(raw string) models.VerificationStatus {
	switch strings.ToLower(raw) {
	case "approved", "verified":
		return models.VerificationStatusApproved
	case "declined", "failed":
		return models.VerificationStatusDeclined
	case "expired", "canceled":
		return models.VerificationStatusExpired
	default:
		return models.VerificationStatusPending
	}
}
