package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/populist/attestation-service/internal/appattest"
	"github.com/populist/attestation-service/internal/config"
	"github.com/populist/attestation-service/internal/dtos"
	"github.com/populist/attestation-service/internal/models"
	"github.com/populist/attestation-service/internal/repositories"
	"github.com/populist/attestation-service/internal/utils"
)

// AttestationService owns device registration and per-request secret
// issuance. All trust decisions funnel through here; controllers only
// translate its errors onto the wire.
type AttestationService struct {
	cfg      *config.Config
	verifier *appattest.Verifier
	creds    repositories.DeviceCredentialRepository
	alerts   *AlertService
}

func NewAttestationService(
	cfg *config.Config,
	verifier *appattest.Verifier,
	creds repositories.DeviceCredentialRepository,
	alerts *AlertService,
) *AttestationService {
	return &AttestationService{
		cfg:      cfg,
		verifier: verifier,
		creds:    creds,
		alerts:   alerts,
	}
}

// sealedPayload is the JSON sealed for the device. The device id inside
// binds the plaintext to its recipient even after decryption.
type sealedPayload struct {
	SecretValue string `json:"secretValue"`
	DeviceID    string `json:"deviceId"`
	IssuedAt    string `json:"issuedAt"`
	Version     int    `json:"version"`
}

// RegisterDevice verifies a first-time attestation and stores the
// credential. Re-registration refreshes key material but never rewinds
// the replay counter, and a revoked key stays revoked.
func (s *AttestationService) RegisterDevice(ctx context.Context, req *dtos.RegisterDeviceRequest, ip string) (string, error) {
	storageKey := utils.SanitizeStorageKey(req.KeyID)
	platform := req.Platform
	if platform == "" {
		platform = utils.PlatformIOS
	}

	existing, err := s.creds.GetByKeyID(ctx, storageKey)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Revoked {
		utils.Logger.Warnf("[AppAttest] FAIL: registration attempt for revoked key %s", storageKey)
		return "", utils.ErrDeviceRevoked
	}

	cred := &models.DeviceCredential{
		KeyID:    storageKey,
		Platform: platform,
	}
	if ip != "" {
		cred.IPAddress = utils.Ptr(ip)
	}

	// Dev builds cannot produce Secure Enclave material.
	if !s.cfg.LDFlag_DoRealDeviceAttestation && req.Attestation == utils.FakeAttestationToken {
		if err := s.creds.Create(ctx, cred); err != nil {
			return "", err
		}
		utils.Logger.Infof("[AppAttest] Registered dummy credential %s", storageKey)
		return storageKey, nil
	}

	// Android registration is bookkeeping only; Play Integrity depth is
	// out of scope, so there is nothing to verify yet.
	if platform == utils.PlatformAndroid {
		if err := s.creds.Create(ctx, cred); err != nil {
			return "", err
		}
		utils.Logger.Infof("[PlayIntegrity] Registered stub Android credential %s", storageKey)
		return storageKey, nil
	}

	keyIDBytes, err := appattest.DecodeBlob(req.KeyID)
	if err != nil {
		utils.Logger.WithError(err).Warnf("[AppAttest] Invalid key_id format")
		return "", utils.ErrAttestationFailed
	}
	attBytes, err := appattest.DecodeBlob(req.Attestation)
	if err != nil {
		utils.Logger.WithError(err).Warn("[AppAttest] Failed to decode attestation object")
		return "", utils.ErrAttestationFailed
	}
	challenge, err := appattest.DecodeBlob(req.Challenge)
	if err != nil {
		utils.Logger.WithError(err).Warn("[AppAttest] Failed to decode challenge")
		return "", utils.ErrAttestationFailed
	}

	res, err := s.verifier.VerifyAttestation(attBytes, challenge, keyIDBytes)
	if err != nil {
		utils.Logger.WithError(err).Warnf("[AppAttest] FAIL: attestation verification for key %s", storageKey)
		return "", utils.ErrAttestationFailed
	}
	utils.Logger.Debugf("[AppAttest] PASS: attestation object valid for key %s", storageKey)

	cred.PublicKeyMaterial = res.AuthData
	cred.Counter = res.Counter
	if err := s.creds.Create(ctx, cred); err != nil {
		return "", err
	}

	utils.Logger.Infof("[AppAttest] Attestation successful. Saved key %s", storageKey)
	return storageKey, nil
}

// IssueSecret verifies a per-request assertion and returns the sealed
// per-device secret for the requested service. The stored sealed payload
// is reused on repeat requests for the same (device, service) pair.
func (s *AttestationService) IssueSecret(ctx context.Context, req *dtos.DeviceSecretRequest, ip string) (*dtos.DeviceSecretResponse, error) {
	secretValue, ok := s.cfg.ServiceAPIKeys[req.Service]
	if !ok || secretValue == "" {
		utils.Logger.Warnf("[Secrets] Request for unconfigured service %q", req.Service)
		return nil, utils.ErrServiceNotConfigured
	}

	storageKey := utils.SanitizeStorageKey(req.DeviceID)

	if req.Platform == utils.PlatformAndroid {
		return s.issueSecretAndroid(ctx, req, storageKey, secretValue, ip)
	}

	cred, err := s.creds.GetByKeyID(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		utils.Logger.Warnf("[AppAttest] FAIL: assertion for unknown device %s", storageKey)
		return nil, utils.ErrUnknownDevice
	}
	// Revocation is checked before any crypto work.
	if cred.Revoked {
		utils.Logger.Warnf("[AppAttest] FAIL: assertion for revoked device %s", storageKey)
		return nil, utils.ErrDeviceRevoked
	}

	// Dummy dev path: existence and revocation still enforced above, the
	// signature and counter work is skipped.
	if !s.cfg.LDFlag_DoRealDeviceAttestation && req.Assertion == utils.FakeAssertionToken {
		utils.Logger.Debugf("[AppAttest] Dummy assertion accepted for %s", storageKey)
		return s.sealForDevice(ctx, cred, req.DeviceID, req.Service, secretValue, ip)
	}

	assertBytes, err := appattest.DecodeBlob(req.Assertion)
	if err != nil {
		utils.Logger.WithError(err).Warnf("[AppAttest] Failed to decode assertion for %s", storageKey)
		return nil, utils.ErrSignatureInvalid
	}
	challenge, err := appattest.DecodeBlob(req.Challenge)
	if err != nil {
		utils.Logger.WithError(err).Warnf("[AppAttest] Failed to decode challenge for %s", storageKey)
		return nil, utils.ErrSignatureInvalid
	}

	res, err := s.verifier.VerifyAssertion(assertBytes, cred.PublicKeyMaterial, challenge)
	if err != nil {
		utils.Logger.WithError(err).Warnf("[AppAttest] FAIL: assertion verification for %s", storageKey)
		return nil, utils.ErrSignatureInvalid
	}
	utils.Logger.Debugf("[AppAttest] PASS: assertion signature valid for %s", storageKey)

	// The counter must strictly advance. The guarded UPDATE re-checks the
	// stored value, so two requests presenting the same counter cannot
	// both pass even if they interleave here.
	if res.Counter <= cred.Counter {
		utils.Logger.Warnf("[AppAttest] FAIL: replay detected for %s (presented=%d stored=%d)", storageKey, res.Counter, cred.Counter)
		s.alerts.SendReplayAlert(storageKey, res.Counter, cred.Counter)
		return nil, utils.ErrReplayDetected
	}
	advanced, err := s.creds.UpdateCounterIfPrior(ctx, storageKey, cred.Counter, res.Counter, ip)
	if err != nil {
		return nil, err
	}
	if !advanced {
		utils.Logger.Warnf("[AppAttest] FAIL: counter advance lost the race for %s", storageKey)
		s.alerts.SendReplayAlert(storageKey, res.Counter, cred.Counter)
		return nil, utils.ErrReplayDetected
	}
	utils.Logger.Debugf("[AppAttest] PASS: counter advanced to %d for %s", res.Counter, storageKey)

	return s.sealForDevice(ctx, cred, req.DeviceID, req.Service, secretValue, ip)
}

// issueSecretAndroid is the stub Android path: no signature to verify,
// but revocation still binds and issuance is recorded per device.
func (s *AttestationService) issueSecretAndroid(ctx context.Context, req *dtos.DeviceSecretRequest, storageKey, secretValue, ip string) (*dtos.DeviceSecretResponse, error) {
	cred, err := s.creds.GetByKeyID(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	if cred != nil && cred.Revoked {
		utils.Logger.Warnf("[PlayIntegrity] FAIL: secret request for revoked device %s", storageKey)
		return nil, utils.ErrDeviceRevoked
	}
	if cred == nil {
		cred = &models.DeviceCredential{
			KeyID:    storageKey,
			Platform: utils.PlatformAndroid,
		}
		if ip != "" {
			cred.IPAddress = utils.Ptr(ip)
		}
		if err := s.creds.Create(ctx, cred); err != nil {
			return nil, err
		}
		utils.Logger.Infof("[PlayIntegrity] Registered stub Android credential %s", storageKey)
	}
	return s.sealForDevice(ctx, cred, req.DeviceID, req.Service, secretValue, ip)
}

// sealForDevice returns the stored sealed payload when one exists for
// this exact (device, service) pair, otherwise derives the device key,
// seals a fresh payload and persists it.
func (s *AttestationService) sealForDevice(ctx context.Context, cred *models.DeviceCredential, rawDeviceID, service, secretValue, ip string) (*dtos.DeviceSecretResponse, error) {
	if cred.HasSealedSecretFor(service) {
		if err := s.creds.TouchSecretUse(ctx, cred.KeyID, ip); err != nil {
			return nil, err
		}
		utils.Logger.Debugf("[Secrets] Returning cached sealed secret for %s service=%s", cred.KeyID, service)
		return sealedResponse(cred.SealedSecret, cred.SealNonce, cred.SealAuthTag), nil
	}

	// Key derivation salts with the device id exactly as the client sent
	// it; the client derives the same key from its own raw id.
	deviceKey, err := utils.DeriveDeviceKey(s.cfg.AttestationMasterSecret, rawDeviceID, service)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(sealedPayload{
		SecretValue: secretValue,
		DeviceID:    rawDeviceID,
		IssuedAt:    time.Now().UTC().Format(time.RFC3339),
		Version:     utils.SealedSecretVersion,
	})
	if err != nil {
		return nil, err
	}

	sealed, nonce, authTag, err := utils.SealSecret(deviceKey, plaintext)
	if err != nil {
		return nil, err
	}

	stored, err := s.creds.SaveSealedSecret(ctx, cred.KeyID, service, sealed, nonce, authTag)
	if err != nil {
		return nil, err
	}
	if !stored {
		// The credential was revoked between verification and the write.
		utils.Logger.Warnf("[Secrets] FAIL: sealed secret write refused for %s", cred.KeyID)
		return nil, utils.ErrDeviceRevoked
	}

	utils.Logger.Infof("[Secrets] Issued sealed secret for %s service=%s", cred.KeyID, service)
	return sealedResponse(sealed, nonce, authTag), nil
}

func sealedResponse(sealed, nonce, authTag []byte) *dtos.DeviceSecretResponse {
	return &dtos.DeviceSecretResponse{
		Sealed:  base64.StdEncoding.EncodeToString(sealed),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		AuthTag: base64.StdEncoding.EncodeToString(authTag),
	}
}
