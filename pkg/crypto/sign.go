// Package crypto provides the settlement core's content hashing and keyed
// transaction signing. Per spec, a production-grade asymmetric signature
// scheme is out of scope; a keyed-hash MAC is sufficient.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SignMessage returns the hex-encoded HMAC-SHA256 tag over message, keyed by
// secret. message is expected to already be the canonical string form of the
// fields being signed (see txn.CanonicalSigningString).
//
// SignMessage panics if secret is empty: an HMAC keyed with no secret is not
// a MAC at all, and every caller in this codebase is expected to have
// validated SigningSecret at startup (see config.Config.Validate). Callers
// that cannot guarantee this ahead of time should check len(secret) == 0
// themselves and return ErrEmptySecret.
func SignMessage(message []byte, secret []byte) string {
	if len(secret) == 0 {
		panic(ErrEmptySecret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMessage recomputes the HMAC tag for message with secret and compares
// it against tag in constant time.
func VerifyMessage(message []byte, secret []byte, tag string) bool {
	want, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	got := mac.Sum(nil)
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ContentHash returns the hex-encoded SHA-256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ErrEmptySecret is the value SignMessage panics with when given an empty
// secret.
var ErrEmptySecret = fmt.Errorf("crypto: signing secret must not be empty")
