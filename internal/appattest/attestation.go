package appattest

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// attestationObject is the CBOR envelope Apple produces at key creation.
// Decoding into a typed struct is the single normalization step: however
// the client encoded it, fields land in one canonical shape.
type attestationObject struct {
	Format   string          `cbor:"fmt"`
	AttStmt  attestationStmt `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

type attestationStmt struct {
	X5C     [][]byte `cbor:"x5c"`
	Receipt []byte   `cbor:"receipt"`
}

// AttestationResult carries everything registration needs to persist.
// AuthData is stored verbatim as the credential's key material; the
// public key is re-derived from it on every later assertion.
type AttestationResult struct {
	AuthData     []byte
	Counter      uint32
	CredentialID []byte
	PublicKeyDER []byte
}

// VerifyAttestation validates a decoded attestation blob against the
// challenge the device was asked to bind and the keyID it claims.
// keyID must be the raw (base64-decoded) key id bytes.
func (v *Verifier) VerifyAttestation(attBytes, challenge, keyID []byte) (*AttestationResult, error) {
	var attObj attestationObject
	if err := cbor.Unmarshal(attBytes, &attObj); err != nil {
		return nil, errors.WithMessagef(ErrDecode, "cbor: %v", err)
	}

	if attObj.Format != "apple-appattest" {
		return nil, errors.WithMessagef(ErrFormat, "got %q", attObj.Format)
	}

	ad, err := ParseAuthenticatorData(attObj.AuthData)
	if err != nil {
		return nil, err
	}

	rpHash := v.RPIDHash()
	if !bytes.Equal(ad.RPIDHash, rpHash[:]) {
		return nil, errors.WithMessage(ErrAppIDMismatch, "rpIdHash mismatch")
	}

	if v.roots != nil {
		if err := v.verifyCertChain(&attObj, challenge); err != nil {
			return nil, err
		}
	}

	pub, err := ad.PublicKey()
	if err != nil {
		return nil, err
	}

	// The key id the client presents must be the SHA-256 of the
	// uncompressed credential point. Without this binding a client could
	// register someone else's credential under its own id.
	pt := make([]byte, 65)
	pt[0] = 0x04
	pub.X.FillBytes(pt[1:33])
	pub.Y.FillBytes(pt[33:])
	pubHash := sha256.Sum256(pt)
	if !bytes.Equal(pubHash[:], keyID) {
		return nil, errors.WithMessage(ErrKeyMismatch, "keyID does not hash to credential key")
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.WithMessagef(ErrDecode, "marshal public key: %v", err)
	}

	return &AttestationResult{
		AuthData:     attObj.AuthData,
		Counter:      ad.Counter,
		CredentialID: ad.CredentialID,
		PublicKeyDER: pubDER,
	}, nil
}

// appleNonceOID marks the leaf-certificate extension carrying the nonce
// Apple computed over authData and the client data hash.
var appleNonceOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 8, 2}

func (v *Verifier) verifyCertChain(attObj *attestationObject, challenge []byte) error {
	if len(attObj.AttStmt.X5C) == 0 {
		return errors.WithMessage(ErrCertChain, "missing x5c")
	}

	leaf, err := x509.ParseCertificate(attObj.AttStmt.X5C[0])
	if err != nil {
		return errors.WithMessagef(ErrCertChain, "leaf parse: %v", err)
	}
	interPool := x509.NewCertPool()
	for _, der := range attObj.AttStmt.X5C[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return errors.WithMessagef(ErrCertChain, "intermediate parse: %v", err)
		}
		interPool.AddCert(cert)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: interPool,
		CurrentTime:   time.Now(),
	}); err != nil {
		return errors.WithMessagef(ErrCertChain, "cert verify: %v", err)
	}

	// The nonce lives in SEQUENCE { [1] EXPLICIT OCTET STRING }.
	var nonceExt []byte
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(appleNonceOID) {
			continue
		}

		var outer asn1.RawValue
		if _, err := asn1.Unmarshal(ext.Value, &outer); err != nil {
			return errors.WithMessagef(ErrCertChain, "nonce outer parse: %v", err)
		}
		var wrapper asn1.RawValue
		if _, err := asn1.Unmarshal(outer.Bytes, &wrapper); err != nil {
			return errors.WithMessagef(ErrCertChain, "nonce wrapper parse: %v", err)
		}
		if wrapper.Class != asn1.ClassContextSpecific || wrapper.Tag != 1 {
			return errors.WithMessage(ErrCertChain, "unexpected nonce wrapper")
		}
		if _, err := asn1.Unmarshal(wrapper.Bytes, &nonceExt); err != nil {
			return errors.WithMessagef(ErrCertChain, "nonce inner parse: %v", err)
		}
		if len(nonceExt) != 32 {
			return errors.WithMessage(ErrCertChain, "nonce length != 32")
		}
		break
	}
	if len(nonceExt) == 0 {
		return errors.WithMessage(ErrCertChain, "nonce extension missing")
	}

	clientDataHash := sha256.Sum256(challenge)
	expectedNonce := sha256.Sum256(append(attObj.AuthData, clientDataHash[:]...))
	if !bytes.Equal(nonceExt, expectedNonce[:]) {
		return errors.WithMessage(ErrNonce, "nonce mismatch")
	}
	return nil
}
