package appattest

import "errors"

// Classification sentinels. Callers match with errors.Is; every failure
// path in this package wraps exactly one of these.
var (
	ErrDecode        = errors.New("malformed attestation data")
	ErrFormat        = errors.New("unexpected attestation format")
	ErrAppIDMismatch = errors.New("app id mismatch")
	ErrKeyMismatch   = errors.New("key id does not match credential key")
	ErrCertChain     = errors.New("attestation certificate chain invalid")
	ErrNonce         = errors.New("attestation nonce mismatch")
	ErrSignature     = errors.New("invalid assertion signature")
)
