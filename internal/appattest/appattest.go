// Package appattest verifies Apple App Attest attestation objects and the
// per-request assertions produced by attested keys. It is pure computation:
// no storage, no logging, no clock beyond certificate validity checks.
package appattest

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"strings"
)

// Apple App Attestation Root CA – retrieved 2025-06-25
const appleAppAttestRootCA = `-----BEGIN CERTIFICATE-----
MIICITCCAaegAwIBAgIQC/O+DvHN0uD7jG5yH2IXmDAKBggqhkjOPQQDAzBSMSYw
JAYDVQQDDB1BcHBsZSBBcHAgQXR0ZXN0YXRpb24gUm9vdCBDQTETMBEGA1UECgwK
QXBwbGUgSW5jLjETMBEGA1UECAwKQ2FsaWZvcm5pYTAeFw0yMDAzMTgxODMyNTNa
Fw00NTAzMTUwMDAwMDBaMFIxJjAkBgNVBAMMHUFwcGxlIEFwcCBBdHRlc3RhdGlv
biBSb290IENBMRMwEQYDVQQKDApBcHBsZSBJbmMuMRMwEQYDVQQIDApDYWxpZm9y
bmlhMHYwEAYHKoZIzj0CAQYFK4EEACIDYgAERTHhmLW07ATaFQIEVwTtT4dyctdh
NbJhFs/Ii2FdCgAHGbpphY3+d8qjuDngIN3WVhQUBHAoMeQ/cLiP1sOUtgjqK9au
Yen1mMEvRq9Sk3Jm5X8U62H+xTD3FE9TgS41o0IwQDAPBgNVHRMBAf8EBTADAQH/
MB0GA1UdDgQWBBSskRBTM72+aEH/pwyp5frq5eWKoTAOBgNVHQ8BAf8EBAMCAQYw
CgYIKoZIzj0EAwMDaAAwZQIwQgFGnByvsiVbpTKwSga0kP0e8EeDS4+sQmTvb7vn
53O5+FRXgeLhpJ06ysC5PrOyAjEAp5U4xDgEgllF7En3VcE3iexZZtKeYnpqtijV
oyFraWVIyd/dganmrduC1bmTBGwD
-----END CERTIFICATE-----`

// Verifier checks attestations and assertions for a single app identity
// (team id + bundle id). Certificate-chain validation runs only when the
// verifier was built with roots; without them the trust decision rests on
// the key-binding and signature checks alone.
type Verifier struct {
	appID string
	roots *x509.CertPool
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithAttestationRoots enables certificate-chain and nonce validation of
// attestation objects against the given PEM bundle.
func WithAttestationRoots(pemRoots []byte) Option {
	return func(v *Verifier) {
		if v.roots == nil {
			v.roots = x509.NewCertPool()
		}
		v.roots.AppendCertsFromPEM(pemRoots)
	}
}

// WithAppleRoots enables certificate-chain and nonce validation against
// the embedded Apple App Attestation root CA.
func WithAppleRoots() Option {
	return WithAttestationRoots([]byte(appleAppAttestRootCA))
}

// New builds a Verifier for teamID.bundleID.
func New(teamID, bundleID string, opts ...Option) *Verifier {
	v := &Verifier{appID: teamID + "." + bundleID}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RPIDHash returns the SHA-256 of the app id, the value every piece of
// authenticator data must open with.
func (v *Verifier) RPIDHash() [32]byte {
	return sha256.Sum256([]byte(v.appID))
}

// DecodeBlob handles base64 in either alphabet, with or without padding.
// Clients are not consistent about which encoder they use.
func DecodeBlob(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}
