package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/populist/attestation-service/internal/models"
	"github.com/populist/attestation-service/internal/repositories"
	"github.com/populist/attestation-service/internal/utils"
)

// AdminDeviceService backs the operator endpoints: device inventory and
// revocation. There is no un-revoke; a compromised key re-attests under a
// fresh key id instead.
type AdminDeviceService struct {
	creds repositories.DeviceCredentialRepository
	audit repositories.AdminAuditLogRepository
}

func NewAdminDeviceService(
	creds repositories.DeviceCredentialRepository,
	audit repositories.AdminAuditLogRepository,
) *AdminDeviceService {
	return &AdminDeviceService{creds: creds, audit: audit}
}

// ListDevices returns credentials, optionally filtered by revocation
// state. The page size is clamped to keep the endpoint bounded.
func (s *AdminDeviceService) ListDevices(ctx context.Context, revoked *bool, limit, offset int) ([]*models.DeviceCredential, error) {
	if limit <= 0 {
		limit = utils.DefaultAdminPageSize
	}
	if limit > utils.MaxAdminPageSize {
		limit = utils.MaxAdminPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.creds.List(ctx, revoked, limit, offset)
}

// RevokeDevice permanently blocks a credential and records who did it.
// Revoking an already-revoked device succeeds without rewriting anything.
func (s *AdminDeviceService) RevokeDevice(ctx context.Context, adminSubject, deviceID, reason string) error {
	storageKey := utils.SanitizeStorageKey(deviceID)

	cred, err := s.creds.GetByKeyID(ctx, storageKey)
	if err != nil {
		return err
	}
	if cred == nil {
		return utils.ErrNotFound
	}
	if cred.Revoked {
		utils.Logger.Infof("Device %s already revoked; acknowledging", storageKey)
		return nil
	}

	if err := s.creds.SetRevoked(ctx, storageKey, reason, adminSubject); err != nil {
		return err
	}

	// The revocation already took effect; audit failures are logged, not
	// returned, so the operator does not retry a done action.
	details, _ := json.Marshal(map[string]string{"reason": reason})
	raw := json.RawMessage(details)
	if err := s.audit.Create(ctx, &models.AdminAuditLog{
		ID:           uuid.New(),
		AdminSubject: adminSubject,
		Action:       models.AuditRevokeDevice,
		TargetID:     storageKey,
		TargetType:   models.TargetDeviceCredential,
		Details:      &raw,
	}); err != nil {
		utils.Logger.WithError(err).Errorf("Failed to write audit log for revocation of %s", storageKey)
	}

	utils.Logger.Warnf("Device %s revoked by %s (reason=%q)", storageKey, adminSubject, reason)
	return nil
}
