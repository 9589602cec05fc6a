package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// TokenSigner issues bearer tokens of the form
// base64url(expiry|subject) "." base64url(hmac-sha256).
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenSigner(secret []byte, ttl time.Duration) *TokenSigner {
	return &TokenSigner{secret: secret, ttl: ttl, now: time.Now}
}

func (s *TokenSigner) Issue(subject string) (string, time.Time) {
	expiry := s.now().Add(s.ttl)
	payload := strconv.FormatInt(expiry.Unix(), 10) + "|" + subject
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(s.sign([]byte(payload))), expiry
}

func (s *TokenSigner) Verify(value string) (string, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 2 {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	if !hmac.Equal(sig, s.sign(payload)) {
		return "", ErrInvalidToken
	}
	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 || fields[1] == "" {
		return "", ErrInvalidToken
	}
	exp, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if s.now().Unix() > exp {
		return "", ErrTokenExpired
	}
	return fields[1], nil
}

func (s *TokenSigner) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
