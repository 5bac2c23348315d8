package appattest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

type assertionObject struct {
	Signature         []byte `cbor:"signature"`
	AuthenticatorData []byte `cbor:"authenticatorData"`
}

// AssertionResult reports what a verified assertion presented.
type AssertionResult struct {
	Counter uint32
}

// VerifyAssertion checks an assertion blob against the authenticator data
// captured at registration and the challenge for this request. challenge
// is the raw (base64-decoded) challenge bytes; the signed message is
// authenticatorData || SHA256(challenge).
//
// The public key is re-derived from storedAuthData on every call. Nothing
// derived from it is trusted across requests, so corrupted or swapped key
// material fails here instead of verifying against a stale parse.
func (v *Verifier) VerifyAssertion(blob, storedAuthData, challenge []byte) (*AssertionResult, error) {
	var as assertionObject
	if err := cbor.Unmarshal(blob, &as); err != nil {
		return nil, errors.WithMessagef(ErrDecode, "cbor: %v", err)
	}

	ad, err := ParseAssertionAuthData(as.AuthenticatorData)
	if err != nil {
		return nil, err
	}

	rpHash := v.RPIDHash()
	if !bytes.Equal(ad.RPIDHash, rpHash[:]) {
		return nil, errors.WithMessage(ErrAppIDMismatch, "rpIdHash mismatch")
	}

	stored, err := ParseAuthenticatorData(storedAuthData)
	if err != nil {
		return nil, errors.WithMessage(err, "stored credential material")
	}
	pub, err := stored.PublicKey()
	if err != nil {
		return nil, err
	}

	var rs struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(as.Signature, &rs); err != nil {
		return nil, errors.WithMessagef(ErrSignature, "asn1: %v", err)
	}
	n := elliptic.P256().Params().N
	halfN := new(big.Int).Rsh(n, 1)
	if rs.S.Cmp(halfN) == 1 {
		rs.S.Sub(n, rs.S) // force low-S
	}

	clientDataHash := sha256.Sum256(challenge)
	msg := append(as.AuthenticatorData, clientDataHash[:]...)
	digest := sha256.Sum256(msg)

	if !ecdsa.Verify(pub, digest[:], rs.R, rs.S) {
		return nil, errors.WithMessage(ErrSignature, "ecdsa verify failed")
	}

	return &AssertionResult{Counter: ad.Counter}, nil
}
