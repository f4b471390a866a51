// Package auth issues and verifies the signed share tokens embedded in
// client review links.
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

// ShareClaims scope a token to one proof.
type ShareClaims struct {
	ProofID string `json:"pid"`
	Role    string `json:"role"`
	JTI     string `json:"jti"`
	Exp     int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueShareToken(secret []byte, claims ShareClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseShareToken(secret []byte, token string) (ShareClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return ShareClaims{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ShareClaims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return ShareClaims{}, ErrInvalidToken
	}

	var claims ShareClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return ShareClaims{}, ErrInvalidToken
	}
	if claims.ProofID == "" || claims.Role == "" || claims.JTI == "" || claims.Exp == 0 {
		return ShareClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return ShareClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
