package dtos

// RegisterDeviceRequest carries a first-time attestation. The blobs are
// base64 (either alphabet); size caps keep hostile payloads off the
// CBOR decoder.
type RegisterDeviceRequest struct {
	KeyID       string `json:"key_id" validate:"required,max=256"`
	Attestation string `json:"attestation" validate:"required,max=12288"`
	Challenge   string `json:"challenge" validate:"required,max=2048"`
	Platform    string `json:"platform,omitempty" validate:"omitempty,oneof=ios android"`
}

type RegisterDeviceResponse struct {
	KeyID string `json:"key_id"`
}

// DeviceSecretRequest asks for the sealed per-device secret of one
// backend service, proven by a fresh assertion.
type DeviceSecretRequest struct {
	Platform  string `json:"platform" validate:"required,oneof=ios android"`
	DeviceID  string `json:"device_id" validate:"required,max=256"`
	Assertion string `json:"assertion" validate:"required,max=8192"`
	Challenge string `json:"challenge" validate:"required,max=2048"`
	Service   string `json:"service" validate:"required,max=64"`
}

// DeviceSecretResponse carries the sealed payload split the way mobile
// AEAD APIs want it: ciphertext, nonce and tag, each base64.
type DeviceSecretResponse struct {
	Sealed  string `json:"sealed"`
	Nonce   string `json:"nonce"`
	AuthTag string `json:"auth_tag"`
}
