// Package auth issues and verifies HMAC identity tokens. Sessions live in the
// web app; it mints a token per user and the API only checks the signature
// and expiry.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed = errors.New("malformed token")
	ErrSignature = errors.New("token signature mismatch")
	ErrExpired   = errors.New("token expired")
)

// Signer generates and validates tokens of the form
// base64url(userID) "." expiresUnix "." hex(hmac-sha256).
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for a user id and expiry.
func (s *Signer) Sign(userID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", userID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue returns a token for userID valid for ttl.
func (s *Signer) Issue(userID string, ttl time.Duration) string {
	exp := s.now().Add(ttl).Unix()
	encoded := base64.RawURLEncoding.EncodeToString([]byte(userID))
	return encoded + "." + strconv.FormatInt(exp, 10) + "." + s.Sign(userID, exp)
}

// Verify returns the user id carried by a valid, unexpired token.
func (s *Signer) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(raw) == 0 {
		return "", ErrMalformed
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	userID := string(raw)
	expected := s.Sign(userID, exp)
	// hmac.Equal compares in constant time.
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", ErrSignature
	}
	if s.now().Unix() >= exp {
		return "", ErrExpired
	}
	return userID, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
