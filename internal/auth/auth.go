// Package auth authenticates gateway administrators: bcrypt password checks
// on login and HMAC signed bearer tokens for the security endpoints.
package auth

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrNoUsers            = errors.New("no admin users configured")
)

type User struct {
	Email        string
	PasswordHash string
}

type Authenticator struct {
	users  map[string][]byte
	signer *TokenSigner
	// dummy keeps unknown-user logins as slow as real ones.
	dummy []byte
}

func New(users []User, secret []byte, ttl time.Duration) (*Authenticator, error) {
	a := &Authenticator{
		users:  make(map[string][]byte, len(users)),
		signer: NewTokenSigner(secret, ttl),
	}
	for _, u := range users {
		a.users[normalizeEmail(u.Email)] = []byte(u.PasswordHash)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("clinicguard-dummy"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	a.dummy = dummy
	return a, nil
}

func (a *Authenticator) HasUsers() bool {
	return len(a.users) > 0
}

// Login checks the credentials and returns a signed token with its expiry.
func (a *Authenticator) Login(email, password string) (string, time.Time, error) {
	if !a.HasUsers() {
		return "", time.Time{}, ErrNoUsers
	}
	key := normalizeEmail(email)
	hash, ok := a.users[key]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummy, []byte(password))
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	token, exp := a.signer.Issue(key)
	return token, exp, nil
}

// Verify returns the subject of a valid, unexpired token.
func (a *Authenticator) Verify(token string) (string, error) {
	subject, err := a.signer.Verify(token)
	if err != nil {
		return "", err
	}
	if _, ok := a.users[subject]; !ok {
		return "", ErrInvalidToken
	}
	return subject, nil
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
