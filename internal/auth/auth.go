// Package auth implements the bearer token scheme used by the HTTP API.
//
// Tokens are HMAC-signed user identifiers: "uid.base64url(HMAC-SHA256(secret, uid))".
// They carry no expiry; revocation is done by rotating the secret. This is
// deliberately simpler than JWT: there is exactly one claim (the user ID)
// and one issuer (us).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// Sentinel errors for token verification.
var (
	// ErrTokenMalformed is returned when the token format cannot be parsed.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenInvalid is returned when the token signature does not match.
	ErrTokenInvalid = errors.New("token invalid")
)

// Verifier validates bearer tokens against a signing secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the given signing secret.
// Secret length is validated at config load, not here.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Sign creates a token for the given user ID.
// SECURITY: HMAC makes the token tamper-evident; a client cannot
// change the embedded user ID without the secret.
func (v *Verifier) Sign(userID string) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(userID))
	sig := base64.URLEncoding.EncodeToString(h.Sum(nil))
	return userID + "." + sig
}

// Verify checks a token and returns the embedded user ID.
// The signature comparison is constant-time.
func (v *Verifier) Verify(token string) (string, error) {
	idx := strings.LastIndex(token, ".")
	if idx < 1 {
		return "", ErrTokenMalformed
	}

	userID := token[:idx]
	sig, err := base64.URLEncoding.DecodeString(token[idx+1:])
	if err != nil {
		return "", ErrTokenMalformed
	}

	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(userID))
	expected := h.Sum(nil)

	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return "", ErrTokenInvalid
	}

	return userID, nil
}
