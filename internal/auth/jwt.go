// Package auth implements the façade's authentication surface (C11):
// HMAC-signed session tokens and password-based login with windowed
// account lockout, in the teacher's own hand-rolled-JWT idiom
// (oriys-nova/internal/auth/jwt.go parses and verifies three-part
// base64url tokens itself rather than importing a JWT library; this
// package adds the matching Issue half using the same primitives).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenTTL is the session lifetime spec.md §4.10 mandates: a 30-day
// signed token.
const TokenTTL = 30 * 24 * time.Hour

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims are the standard fields spec.md §4.10 requires: sub, iat,
// exp, type=access.
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Type      string `json:"type"`
}

// Signer issues and validates HMAC-SHA256 tokens, the teacher's own
// approach (no external JWT library) generalized to also sign, not
// just verify.
type Signer struct {
	key []byte
	now func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret), now: func() time.Time { return time.Now().UTC() }}
}

// Issue signs a 30-day access token for subject.
func (s *Signer) Issue(subject string) (string, error) {
	now := s.now()
	claims := Claims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(TokenTTL).Unix(),
		Type:      "access",
	}
	return s.sign(claims)
}

func (s *Signer) sign(claims Claims) (string, error) {
	header := base64URLEncode([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("auth: marshal claims: %w", err)
	}
	payload := base64URLEncode(payloadBytes)

	signingInput := header + "." + payload
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(signingInput))
	signature := base64URLEncode(mac.Sum(nil))

	return signingInput + "." + signature, nil
}

// Validate verifies the signature and expiry of a token issued by
// Issue, returning its claims.
func (s *Signer) Validate(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}
	headerB64, payloadB64, signatureB64 := parts[0], parts[1], parts[2]

	signature, err := base64URLDecode(signatureB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(headerB64 + "." + payloadB64))
	expected := mac.Sum(nil)
	if !hmac.Equal(signature, expected) {
		return Claims{}, ErrInvalidToken
	}

	payloadBytes, err := base64URLDecode(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Type != "access" {
		return Claims{}, ErrInvalidToken
	}
	if claims.ExpiresAt < s.now().Unix() {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
