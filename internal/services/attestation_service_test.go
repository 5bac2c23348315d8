package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
	"github.com/stretchr/testify/require"

	"github.com/populist/attestation-service/internal/appattest"
	"github.com/populist/attestation-service/internal/config"
	"github.com/populist/attestation-service/internal/dtos"
	"github.com/populist/attestation-service/internal/utils"
)

const (
	testService    = "places"
	testServiceKey = "sk-places-test-123"
	testIP         = "203.0.113.7"
)

func testConfig() *config.Config {
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i)
	}
	return &config.Config{
		OrganizationName:               "Populist",
		AppName:                        "attestation-service",
		ServiceAPIKeys:                 map[string]string{testService: testServiceKey},
		AttestationMasterSecret:        master,
		WebhookSigningSecret:           "whsec-test",
		LDFlag_DoRealDeviceAttestation: true,
	}
}

func newTestAttestationService(cfg *config.Config) (*AttestationService, *appattest.Verifier, *fakeCredRepo) {
	v := appattest.New("A1B2C3D4E5", "app.populist.mobile")
	repo := newFakeCredRepo()
	svc := NewAttestationService(cfg, v, repo, NewAlertService(cfg, nil))
	return svc, v, repo
}

// The helpers below play the device's role: they assemble the same wire
// bytes a Secure Enclave credential would emit, so the service is tested
// through its real verification path.

func genDeviceKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "generate device key")
	return priv
}

func deviceKeyID(pub *ecdsa.PublicKey) []byte {
	pt := make([]byte, 65)
	pt[0] = 0x04
	pub.X.FillBytes(pt[1:33])
	pub.Y.FillBytes(pt[33:])
	h := sha256.Sum256(pt)
	return h[:]
}

func deviceAuthData(t *testing.T, v *appattest.Verifier, priv *ecdsa.PrivateKey, counter uint32) []byte {
	t.Helper()

	x := make([]byte, 32)
	y := make([]byte, 32)
	priv.PublicKey.X.FillBytes(x)
	priv.PublicKey.Y.FillBytes(y)
	coseKey, err := cbor.Marshal(map[int]any{
		iana.KeyParameterKty:    iana.KeyTypeEC2,
		iana.KeyParameterAlg:    iana.AlgorithmES256,
		iana.EC2KeyParameterCrv: iana.EllipticCurveP_256,
		iana.EC2KeyParameterX:   x,
		iana.EC2KeyParameterY:   y,
	})
	require.NoError(t, err, "marshal COSE key")

	credID := deviceKeyID(&priv.PublicKey)
	rpHash := v.RPIDHash()

	buf := rpHash[:]
	buf = append(buf, appattest.FlagUserPresent|appattest.FlagAttestedCredentialData)
	buf = binary.BigEndian.AppendUint32(buf, counter)
	buf = append(buf, []byte("appattestdevelop")...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(credID)))
	buf = append(buf, credID...)
	buf = append(buf, coseKey...)
	return buf
}

func mintRegisterRequest(t *testing.T, v *appattest.Verifier, priv *ecdsa.PrivateKey, challenge string) *dtos.RegisterDeviceRequest {
	t.Helper()

	att, err := cbor.Marshal(map[string]any{
		"fmt":      "apple-appattest",
		"attStmt":  map[string]any{"x5c": [][]byte(nil), "receipt": []byte{}},
		"authData": deviceAuthData(t, v, priv, 0),
	})
	require.NoError(t, err, "marshal attestation object")

	return &dtos.RegisterDeviceRequest{
		KeyID:       base64.StdEncoding.EncodeToString(deviceKeyID(&priv.PublicKey)),
		Attestation: base64.StdEncoding.EncodeToString(att),
		Challenge:   base64.StdEncoding.EncodeToString([]byte(challenge)),
		Platform:    utils.PlatformIOS,
	}
}

func mintSecretRequest(t *testing.T, v *appattest.Verifier, priv *ecdsa.PrivateKey, counter uint32, challenge string) *dtos.DeviceSecretRequest {
	t.Helper()

	rpHash := v.RPIDHash()
	authData := rpHash[:]
	authData = append(authData, appattest.FlagUserPresent)
	authData = binary.BigEndian.AppendUint32(authData, counter)

	clientDataHash := sha256.Sum256([]byte(challenge))
	digest := sha256.Sum256(append(authData, clientDataHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err, "sign assertion")

	blob, err := cbor.Marshal(map[string]any{
		"signature":         sig,
		"authenticatorData": authData,
	})
	require.NoError(t, err, "marshal assertion object")

	return &dtos.DeviceSecretRequest{
		Platform:  utils.PlatformIOS,
		DeviceID:  base64.StdEncoding.EncodeToString(deviceKeyID(&priv.PublicKey)),
		Assertion: base64.StdEncoding.EncodeToString(blob),
		Challenge: base64.StdEncoding.EncodeToString([]byte(challenge)),
		Service:   testService,
	}
}

func TestRegisterDeviceStoresCredential(t *testing.T) {
	svc, v, repo := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)
	req := mintRegisterRequest(t, v, priv, "register-challenge-1")

	key, err := svc.RegisterDevice(context.Background(), req, testIP)
	require.NoError(t, err)
	require.Equal(t, utils.SanitizeStorageKey(req.KeyID), key)

	cred, err := repo.GetByKeyID(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, cred, "credential should be persisted")
	require.Equal(t, utils.PlatformIOS, cred.Platform)
	require.NotEmpty(t, cred.PublicKeyMaterial, "authenticator data should be stored")
	require.EqualValues(t, 0, cred.Counter)
	require.False(t, cred.Revoked)
}

func TestRegisterDeviceRejectsBadAttestation(t *testing.T) {
	svc, v, repo := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)
	req := mintRegisterRequest(t, v, priv, "register-challenge-2")
	req.Attestation = base64.StdEncoding.EncodeToString([]byte("definitely not cbor"))

	_, err := svc.RegisterDevice(context.Background(), req, testIP)
	require.ErrorIs(t, err, utils.ErrAttestationFailed)

	cred, err := repo.GetByKeyID(context.Background(), utils.SanitizeStorageKey(req.KeyID))
	require.NoError(t, err)
	require.Nil(t, cred, "nothing should be persisted on a failed attestation")
}

func TestRegisterDeviceRejectsRevokedKey(t *testing.T) {
	svc, v, repo := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)
	req := mintRegisterRequest(t, v, priv, "register-challenge-3")

	key, err := svc.RegisterDevice(context.Background(), req, testIP)
	require.NoError(t, err)
	require.NoError(t, repo.SetRevoked(context.Background(), key, "compromised", "admin@populist.app"))

	_, err = svc.RegisterDevice(context.Background(), req, testIP)
	require.ErrorIs(t, err, utils.ErrDeviceRevoked, "a revoked key must not re-register")
}

func TestIssueSecretFullFlow(t *testing.T) {
	cfg := testConfig()
	svc, v, repo := newTestAttestationService(cfg)
	priv := genDeviceKey(t)

	_, err := svc.RegisterDevice(context.Background(), mintRegisterRequest(t, v, priv, "c-reg"), testIP)
	require.NoError(t, err)

	req := mintSecretRequest(t, v, priv, 1, "c-assert-1")
	resp, err := svc.IssueSecret(context.Background(), req, testIP)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Sealed)
	require.NotEmpty(t, resp.Nonce)
	require.NotEmpty(t, resp.AuthTag)

	// The device unseals with the key it derives from its own raw id.
	sealed, err := base64.StdEncoding.DecodeString(resp.Sealed)
	require.NoError(t, err)
	nonce, err := base64.StdEncoding.DecodeString(resp.Nonce)
	require.NoError(t, err)
	authTag, err := base64.StdEncoding.DecodeString(resp.AuthTag)
	require.NoError(t, err)

	deviceKey, err := utils.DeriveDeviceKey(cfg.AttestationMasterSecret, req.DeviceID, testService)
	require.NoError(t, err)
	plaintext, err := utils.OpenSecret(deviceKey, sealed, nonce, authTag)
	require.NoError(t, err, "device-side unseal should succeed")

	var payload struct {
		SecretValue string `json:"secretValue"`
		DeviceID    string `json:"deviceId"`
		IssuedAt    string `json:"issuedAt"`
		Version     int    `json:"version"`
	}
	require.NoError(t, json.Unmarshal(plaintext, &payload))
	require.Equal(t, testServiceKey, payload.SecretValue)
	require.Equal(t, req.DeviceID, payload.DeviceID)
	require.NotEmpty(t, payload.IssuedAt)
	require.Equal(t, utils.SealedSecretVersion, payload.Version)

	cred, err := repo.GetByKeyID(context.Background(), utils.SanitizeStorageKey(req.DeviceID))
	require.NoError(t, err)
	require.EqualValues(t, 1, cred.Counter, "counter should have advanced")
	require.EqualValues(t, 1, cred.RequestCount)
	require.NotNil(t, cred.Service)
	require.Equal(t, testService, *cred.Service)
}

func TestIssueSecretReusesSealedPayload(t *testing.T) {
	svc, v, repo := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)

	_, err := svc.RegisterDevice(context.Background(), mintRegisterRequest(t, v, priv, "c-reg"), testIP)
	require.NoError(t, err)

	first, err := svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 1, "c-assert-1"), testIP)
	require.NoError(t, err)

	// A fresh, valid assertion for the same service returns the stored
	// payload instead of sealing a new one.
	second, err := svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 2, "c-assert-2"), testIP)
	require.NoError(t, err)
	require.Equal(t, first.Sealed, second.Sealed)
	require.Equal(t, first.Nonce, second.Nonce)
	require.Equal(t, first.AuthTag, second.AuthTag)

	storageKey := utils.SanitizeStorageKey(base64.StdEncoding.EncodeToString(deviceKeyID(&priv.PublicKey)))
	cred, err := repo.GetByKeyID(context.Background(), storageKey)
	require.NoError(t, err)
	require.EqualValues(t, 2, cred.Counter, "counter still advances on cache hits")
	require.EqualValues(t, 2, cred.RequestCount)
}

func TestIssueSecretReplayDenied(t *testing.T) {
	svc, v, repo := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)

	_, err := svc.RegisterDevice(context.Background(), mintRegisterRequest(t, v, priv, "c-reg"), testIP)
	require.NoError(t, err)
	_, err = svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 3, "c-assert-1"), testIP)
	require.NoError(t, err)

	// Same counter again: replay.
	_, err = svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 3, "c-assert-2"), testIP)
	require.ErrorIs(t, err, utils.ErrReplayDetected)

	// Lower counter: also replay.
	_, err = svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 1, "c-assert-3"), testIP)
	require.ErrorIs(t, err, utils.ErrReplayDetected)

	storageKey := utils.SanitizeStorageKey(base64.StdEncoding.EncodeToString(deviceKeyID(&priv.PublicKey)))
	cred, err := repo.GetByKeyID(context.Background(), storageKey)
	require.NoError(t, err)
	require.EqualValues(t, 3, cred.Counter, "replays must not move the counter")
}

func TestIssueSecretUnknownDevice(t *testing.T) {
	svc, v, _ := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)

	_, err := svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 1, "c-assert"), testIP)
	require.ErrorIs(t, err, utils.ErrUnknownDevice)
}

func TestIssueSecretRevokedDevice(t *testing.T) {
	svc, v, repo := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)

	key, err := svc.RegisterDevice(context.Background(), mintRegisterRequest(t, v, priv, "c-reg"), testIP)
	require.NoError(t, err)
	require.NoError(t, repo.SetRevoked(context.Background(), key, "lost device", "admin@populist.app"))

	// Even a perfectly valid assertion is refused once revoked.
	_, err = svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 1, "c-assert"), testIP)
	require.ErrorIs(t, err, utils.ErrDeviceRevoked)
}

func TestIssueSecretUnconfiguredService(t *testing.T) {
	svc, v, _ := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)

	req := mintSecretRequest(t, v, priv, 1, "c-assert")
	req.Service = "no-such-service"
	_, err := svc.IssueSecret(context.Background(), req, testIP)
	require.ErrorIs(t, err, utils.ErrServiceNotConfigured)
}

func TestIssueSecretBadSignature(t *testing.T) {
	svc, v, _ := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)

	_, err := svc.RegisterDevice(context.Background(), mintRegisterRequest(t, v, priv, "c-reg"), testIP)
	require.NoError(t, err)

	// Assertion signed over one challenge, presented with another.
	req := mintSecretRequest(t, v, priv, 1, "c-signed")
	req.Challenge = base64.StdEncoding.EncodeToString([]byte("c-presented"))
	_, err = svc.IssueSecret(context.Background(), req, testIP)
	require.ErrorIs(t, err, utils.ErrSignatureInvalid)
}

func TestReRegistrationKeepsCounter(t *testing.T) {
	svc, v, repo := newTestAttestationService(testConfig())
	priv := genDeviceKey(t)

	key, err := svc.RegisterDevice(context.Background(), mintRegisterRequest(t, v, priv, "c-reg-1"), testIP)
	require.NoError(t, err)
	_, err = svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 5, "c-assert-1"), testIP)
	require.NoError(t, err)

	// Device reinstalls and re-attests. The fresh attestation object
	// carries counter 0 but the stored counter must not rewind.
	_, err = svc.RegisterDevice(context.Background(), mintRegisterRequest(t, v, priv, "c-reg-2"), testIP)
	require.NoError(t, err)

	cred, err := repo.GetByKeyID(context.Background(), key)
	require.NoError(t, err)
	require.EqualValues(t, 5, cred.Counter, "re-registration must not rewind the counter")

	_, err = svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 3, "c-assert-2"), testIP)
	require.ErrorIs(t, err, utils.ErrReplayDetected)

	_, err = svc.IssueSecret(context.Background(), mintSecretRequest(t, v, priv, 6, "c-assert-3"), testIP)
	require.NoError(t, err)
}

func TestDummyModeFlow(t *testing.T) {
	cfg := testConfig()
	cfg.LDFlag_DoRealDeviceAttestation = false
	svc, _, repo := newTestAttestationService(cfg)

	regReq := &dtos.RegisterDeviceRequest{
		KeyID:       "dev-device-001",
		Attestation: utils.FakeAttestationToken,
		Challenge:   "ZGV2LWNoYWxsZW5nZQ==",
	}
	key, err := svc.RegisterDevice(context.Background(), regReq, testIP)
	require.NoError(t, err)

	secReq := &dtos.DeviceSecretRequest{
		Platform:  utils.PlatformIOS,
		DeviceID:  "dev-device-001",
		Assertion: utils.FakeAssertionToken,
		Challenge: "ZGV2LWNoYWxsZW5nZQ==",
		Service:   testService,
	}
	resp, err := svc.IssueSecret(context.Background(), secReq, testIP)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Sealed)

	// Existence and revocation still bind in dummy mode.
	unknown := *secReq
	unknown.DeviceID = "dev-device-unknown"
	_, err = svc.IssueSecret(context.Background(), &unknown, testIP)
	require.ErrorIs(t, err, utils.ErrUnknownDevice)

	require.NoError(t, repo.SetRevoked(context.Background(), key, "test", "admin@populist.app"))
	_, err = svc.IssueSecret(context.Background(), secReq, testIP)
	require.ErrorIs(t, err, utils.ErrDeviceRevoked)
}

func TestDummyTokensRejectedInProduction(t *testing.T) {
	svc, _, _ := newTestAttestationService(testConfig())

	regReq := &dtos.RegisterDeviceRequest{
		KeyID:       "dev-device-001",
		Attestation: utils.FakeAttestationToken,
		Challenge:   "ZGV2LWNoYWxsZW5nZQ==",
	}
	_, err := svc.RegisterDevice(context.Background(), regReq, testIP)
	require.ErrorIs(t, err, utils.ErrAttestationFailed,
		"fake tokens must not short-circuit when real attestation is on")
}

func TestAndroidStubFlow(t *testing.T) {
	svc, _, repo := newTestAttestationService(testConfig())

	regReq := &dtos.RegisterDeviceRequest{
		KeyID:       "android-device-001",
		Attestation: "cGxheS1pbnRlZ3JpdHktdG9rZW4=",
		Challenge:   "YW5kcm9pZC1jaGFsbGVuZ2U=",
		Platform:    utils.PlatformAndroid,
	}
	key, err := svc.RegisterDevice(context.Background(), regReq, testIP)
	require.NoError(t, err)

	cred, err := repo.GetByKeyID(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, utils.PlatformAndroid, cred.Platform)

	secReq := &dtos.DeviceSecretRequest{
		Platform:  utils.PlatformAndroid,
		DeviceID:  "android-device-001",
		Assertion: "cGxheS1pbnRlZ3JpdHktdG9rZW4=",
		Challenge: "YW5kcm9pZC1jaGFsbGVuZ2U=",
		Service:   testService,
	}
	resp, err := svc.IssueSecret(context.Background(), secReq, testIP)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Sealed)

	// An Android device that skipped registration is auto-created.
	fresh := *secReq
	fresh.DeviceID = "android-device-002"
	_, err = svc.IssueSecret(context.Background(), &fresh, testIP)
	require.NoError(t, err)
	created, err := repo.GetByKeyID(context.Background(), "android-device-002")
	require.NoError(t, err)
	require.NotNil(t, created)

	// Revocation binds the stub path too.
	require.NoError(t, repo.SetRevoked(context.Background(), key, "abuse", "admin@populist.app"))
	_, err = svc.IssueSecret(context.Background(), secReq, testIP)
	require.ErrorIs(t, err, utils.ErrDeviceRevoked)
}
