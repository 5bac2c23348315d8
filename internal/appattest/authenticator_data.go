package appattest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/binary"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
	"github.com/pkg/errors"
)

// Authenticator data fixed layout:
//
//	rpIdHash(32) | flags(1) | counter(4 BE) | aaguid(16) | credIdLen(2 BE) | credId | COSE key
//
// Assertions carry only the first 37 bytes.
const (
	rpHashLen  = 32
	flagsLen   = 1
	counterLen = 4
	aaguidLen  = 16
	idLenBytes = 2

	counterOffset        = rpHashLen + flagsLen
	assertionAuthDataLen = rpHashLen + flagsLen + counterLen
	attestedDataOffset   = assertionAuthDataLen + aaguidLen + idLenBytes
)

// Authenticator data flag bits.
const (
	FlagUserPresent            byte = 1 << 0
	FlagUserVerified           byte = 1 << 2
	FlagAttestedCredentialData byte = 1 << 6
	FlagExtensionData          byte = 1 << 7
)

// AuthenticatorData is the parsed form of App Attest authenticator data.
// For assertions only the header fields are populated.
type AuthenticatorData struct {
	RPIDHash     []byte
	Flags        byte
	Counter      uint32
	AAGUID       []byte
	CredentialID []byte

	// CredentialPublicKey is the COSE_Key map keyed by its integer
	// labels (kty=1, crv=-1, x=-2, y=-3).
	CredentialPublicKey map[int]any
}

// ParseAuthenticatorData parses attestation authenticator data including
// the attested credential region. Every boundary is checked before it is
// crossed; truncated or oversized fields come back as ErrDecode.
func ParseAuthenticatorData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < attestedDataOffset {
		return nil, errors.WithMessage(ErrDecode, "authData too short")
	}

	ad := &AuthenticatorData{
		RPIDHash: raw[:rpHashLen],
		Flags:    raw[rpHashLen],
		Counter:  binary.BigEndian.Uint32(raw[counterOffset : counterOffset+counterLen]),
		AAGUID:   raw[assertionAuthDataLen : assertionAuthDataLen+aaguidLen],
	}

	if ad.Flags&FlagAttestedCredentialData == 0 {
		return nil, errors.WithMessage(ErrDecode, "attested credential data flag not set")
	}

	credIDLen := int(binary.BigEndian.Uint16(raw[attestedDataOffset-idLenBytes : attestedDataOffset]))
	cursor := attestedDataOffset + credIDLen
	if cursor > len(raw) {
		return nil, errors.WithMessage(ErrDecode, "credentialID overflow")
	}
	ad.CredentialID = raw[attestedDataOffset:cursor]

	if cursor == len(raw) {
		return nil, errors.WithMessage(ErrDecode, "credential public key missing")
	}

	// Decode just the COSE map; Apple appends nothing after it, but a
	// streaming decode keeps trailing bytes from failing the parse.
	var cose map[int]any
	dec := cbor.NewDecoder(bytes.NewReader(raw[cursor:]))
	if err := dec.Decode(&cose); err != nil {
		return nil, errors.WithMessagef(ErrDecode, "cose key parse: %v", err)
	}
	ad.CredentialPublicKey = cose

	return ad, nil
}

// ParseAssertionAuthData parses the 37-byte header carried in assertions.
func ParseAssertionAuthData(raw []byte) (*AuthenticatorData, error) {
	if len(raw) < assertionAuthDataLen {
		return nil, errors.WithMessage(ErrDecode, "authenticatorData too short")
	}
	return &AuthenticatorData{
		RPIDHash: raw[:rpHashLen],
		Flags:    raw[rpHashLen],
		Counter:  binary.BigEndian.Uint32(raw[counterOffset:assertionAuthDataLen]),
	}, nil
}

// PublicKey converts the COSE key region into an ECDSA P-256 public key.
// The key type, curve and coordinate sizes are all validated; App Attest
// credentials are always EC2/P-256/ES256.
func (ad *AuthenticatorData) PublicKey() (*ecdsa.PublicKey, error) {
	cose := ad.CredentialPublicKey
	if cose == nil {
		return nil, errors.WithMessage(ErrDecode, "no credential public key")
	}

	if kty, ok := coseInt(cose[iana.KeyParameterKty]); !ok || kty != iana.KeyTypeEC2 {
		return nil, errors.WithMessage(ErrDecode, "cose key type is not EC2")
	}
	if crv, ok := coseInt(cose[iana.EC2KeyParameterCrv]); !ok || crv != iana.EllipticCurveP_256 {
		return nil, errors.WithMessage(ErrDecode, "cose curve is not P-256")
	}
	if alg, ok := coseInt(cose[iana.KeyParameterAlg]); ok && alg != iana.AlgorithmES256 {
		return nil, errors.WithMessage(ErrDecode, "cose alg is not ES256")
	}

	xBytes, _ := cose[iana.EC2KeyParameterX].([]byte)
	yBytes, _ := cose[iana.EC2KeyParameterY].([]byte)
	if len(xBytes) != 32 || len(yBytes) != 32 {
		return nil, errors.WithMessage(ErrDecode, "unexpected key size")
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// coseInt normalizes the integer shapes the CBOR decoder produces for
// interface{} targets (uint64 for positive, int64 for negative).
func coseInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}
