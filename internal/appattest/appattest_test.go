package appattest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
)

const (
	testTeamID   = "A1B2C3D4E5"
	testBundleID = "app.populist.mobile"
)

func newTestVerifier() *Verifier {
	return New(testTeamID, testBundleID)
}

func genTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey returned error: %v", err)
	}
	return priv
}

// keyIDFor computes the key id a device derives for its credential: the
// SHA-256 of the uncompressed public point.
func keyIDFor(pub *ecdsa.PublicKey) []byte {
	pt := make([]byte, 65)
	pt[0] = 0x04
	pub.X.FillBytes(pt[1:33])
	pub.Y.FillBytes(pt[33:])
	h := sha256.Sum256(pt)
	return h[:]
}

func coseKeyBytes(t *testing.T, pub *ecdsa.PublicKey) []byte {
	t.Helper()
	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	enc, err := cbor.Marshal(map[int]any{
		iana.KeyParameterKty:    iana.KeyTypeEC2,
		iana.KeyParameterAlg:    iana.AlgorithmES256,
		iana.EC2KeyParameterCrv: iana.EllipticCurveP_256,
		iana.EC2KeyParameterX:   x,
		iana.EC2KeyParameterY:   y,
	})
	if err != nil {
		t.Fatalf("Marshal COSE key returned error: %v", err)
	}
	return enc
}

// buildAuthData assembles attestation authenticator data byte for byte.
// The aaguid is Apple's development value, which happens to be 16 ASCII
// characters.
func buildAuthData(t *testing.T, rpIDHash [32]byte, flags byte, counter uint32, credID, coseKey []byte) []byte {
	t.Helper()
	buf := make([]byte, 0, attestedDataOffset+len(credID)+len(coseKey))
	buf = append(buf, rpIDHash[:]...)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, counter)
	buf = append(buf, []byte("appattestdevelop")...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(credID)))
	buf = append(buf, credID...)
	buf = append(buf, coseKey...)
	return buf
}

// defaultAuthData builds valid attestation authenticator data for priv
// with the attested-credential flag set and the given counter.
func defaultAuthData(t *testing.T, v *Verifier, priv *ecdsa.PrivateKey, counter uint32) []byte {
	t.Helper()
	return buildAuthData(
		t,
		v.RPIDHash(),
		FlagUserPresent|FlagAttestedCredentialData,
		counter,
		keyIDFor(&priv.PublicKey),
		coseKeyBytes(t, &priv.PublicKey),
	)
}

func mintAttestationObject(t *testing.T, format string, authData []byte, x5c [][]byte) []byte {
	t.Helper()
	enc, err := cbor.Marshal(map[string]any{
		"fmt": format,
		"attStmt": map[string]any{
			"x5c":     x5c,
			"receipt": []byte{},
		},
		"authData": authData,
	})
	if err != nil {
		t.Fatalf("Marshal attestation object returned error: %v", err)
	}
	return enc
}

// assertionHeader builds the 37-byte authenticator data an assertion carries.
func assertionHeader(rpIDHash [32]byte, counter uint32) []byte {
	buf := make([]byte, 0, assertionAuthDataLen)
	buf = append(buf, rpIDHash[:]...)
	buf = append(buf, FlagUserPresent)
	buf = binary.BigEndian.AppendUint32(buf, counter)
	return buf
}

func signAssertionDigest(t *testing.T, priv *ecdsa.PrivateKey, authData, challenge []byte) []byte {
	t.Helper()
	clientDataHash := sha256.Sum256(challenge)
	digest := sha256.Sum256(append(authData, clientDataHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1 returned error: %v", err)
	}
	return sig
}

func mintAssertionObject(t *testing.T, sig, authData []byte) []byte {
	t.Helper()
	enc, err := cbor.Marshal(map[string]any{
		"signature":         sig,
		"authenticatorData": authData,
	})
	if err != nil {
		t.Fatalf("Marshal assertion object returned error: %v", err)
	}
	return enc
}

func TestRPIDHashMatchesAppID(t *testing.T) {
	v := newTestVerifier()
	want := sha256.Sum256([]byte(testTeamID + "." + testBundleID))
	got := v.RPIDHash()
	if !bytes.Equal(got[:], want[:]) {
		t.Fatalf("RPIDHash mismatch: got %x, want %x", got, want)
	}
}

func TestDecodeBlobBothAlphabets(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0x00, 0x41, 0x7e}

	std := base64.StdEncoding.EncodeToString(raw)
	urlSafe := base64.RawURLEncoding.EncodeToString(raw)

	got, err := DecodeBlob(std)
	if err != nil {
		t.Fatalf("DecodeBlob(std) returned error: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("DecodeBlob(std): got %x, want %x", got, raw)
	}

	got, err = DecodeBlob(urlSafe)
	if err != nil {
		t.Fatalf("DecodeBlob(url-safe, unpadded) returned error: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("DecodeBlob(url-safe): got %x, want %x", got, raw)
	}
}

func TestDecodeBlobInvalid(t *testing.T) {
	_, err := DecodeBlob("not base64 at all!!!")
	if err == nil {
		t.Fatal("Expected error for invalid base64, got none")
	} else {
		t.Logf("Correctly got error for invalid base64: %v", err)
	}
}
