package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	deviceKeyLen = 32
	// SealNonceLen is the GCM nonce size used for sealed device secrets.
	// Historical clients expect 16 bytes rather than the GCM default of 12.
	SealNonceLen = 16
	// SealTagLen is the GCM auth tag length, stored separately from the
	// ciphertext so the client can feed tag and body to its own AEAD API.
	SealTagLen = 16

	kdfInfoSuffix = "-api-key-encryption"
)

// DeriveDeviceKey expands the master secret into a per-device, per-service
// AES-256 key via HKDF-SHA256. The device id is the salt and the service
// name scopes the info string, so neither another device nor another
// service arrives at the same key.
func DeriveDeviceKey(master []byte, deviceID, service string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("master secret is empty")
	}
	r := hkdf.New(sha256.New, master, []byte(deviceID), []byte(service+kdfInfoSuffix))
	key := make([]byte, deviceKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealSecret encrypts plaintext under key with AES-256-GCM and a fresh
// random 16-byte nonce. The auth tag is split off the end of the GCM
// output and returned as its own value.
func SealSecret(key, plaintext []byte) (sealed, nonce, authTag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, SealNonceLen)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, SealNonceLen)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, err
	}

	out := gcm.Seal(nil, nonce, plaintext, nil)
	sealed = out[:len(out)-SealTagLen]
	authTag = out[len(out)-SealTagLen:]
	return sealed, nonce, authTag, nil
}

// OpenSecret reverses SealSecret. Any tampering with sealed, nonce or
// authTag fails the GCM tag check.
func OpenSecret(key, sealed, nonce, authTag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, SealNonceLen)
	if err != nil {
		return nil, err
	}

	ct := make([]byte, 0, len(sealed)+len(authTag))
	ct = append(ct, sealed...)
	ct = append(ct, authTag...)
	return gcm.Open(nil, nonce, ct, nil)
}
