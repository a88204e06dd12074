package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrMalformedBearerToken = errors.New("malformed bearer token")

func GenerateRandomToken(size int) (string, error) {
	buffer := make([]byte, size)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// BuildBearerToken joins the token row id (lookup key) with the random
// secret. The id carries no authority; only the secret half is hashed.
func BuildBearerToken(id uuid.UUID, secret string) string {
	return id.String() + "." + secret
}

// ParseBearerToken splits a presented bearer value into its lookup id and
// secret half. Malformed input is indistinguishable from an unknown token to
// the caller of the verification flow.
func ParseBearerToken(token string) (uuid.UUID, string, error) {
	idPart, secret, found := strings.Cut(token, ".")
	if !found || secret == "" {
		return uuid.Nil, "", ErrMalformedBearerToken
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", ErrMalformedBearerToken
	}
	return id, secret, nil
}

// HashBearerSecret computes the stored token hash: a keyed HMAC over the
// per-token nonce and the secret half, so a database dump alone cannot be
// replayed against the service.
func HashBearerSecret(serverSecret []byte, nonce string, secret string) string {
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(nonce))
	mac.Write([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyBearerSecret recomputes the hash and compares in constant time.
func VerifyBearerSecret(serverSecret []byte, nonce string, secret string, wantHash string) bool {
	got := HashBearerSecret(serverSecret, nonce, secret)
	return hmac.Equal([]byte(got), []byte(wantHash))
}

// HashIP produces the stored form of a client IP, used only for rate-limit
// correlation and audit.
func HashIP(serverSecret []byte, ip string) string {
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(strings.TrimSpace(ip)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
