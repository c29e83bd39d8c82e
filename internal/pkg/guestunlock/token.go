package guestunlock

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

var (
	ErrInvalidToken = errors.New("invalid unlock token")
	ErrExpiredToken = errors.New("unlock token expired")
)

type tokenClaims struct {
	Session
	TTLSeconds int64 `json:"ttl"`
}

// Encode serializes s for transport to the client. With a signing key the
// payload carries an HMAC-SHA256 signature; without one it is plain base64.
func Encode(s Session, ttl time.Duration, secret string) (string, error) {
	payload, err := json.Marshal(tokenClaims{Session: s, TTLSeconds: int64(ttl / time.Second)})
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	if secret == "" {
		return body, nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("%s.%s", body, base64.RawURLEncoding.EncodeToString(mac.Sum(nil))), nil
}

// Decode parses a token produced by Encode, checks the signature when a key
// is configured and rejects sessions outside their TTL.
func Decode(token, secret string) (*Session, error) {
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if secret != "" {
		if len(parts) != 2 {
			return nil, ErrInvalidToken
		}
		sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, ErrInvalidToken
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(payloadBytes)
		if !hmac.Equal(sigBytes, mac.Sum(nil)) {
			return nil, ErrInvalidToken
		}
	}

	var claims tokenClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if !IsValid(claims.Session, time.Duration(claims.TTLSeconds)*time.Second) {
		return nil, ErrExpiredToken
	}
	return &claims.Session, nil
}
