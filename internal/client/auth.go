package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned by calls that need a login first.
var ErrNoToken = errors.New("not logged in")

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID int `json:"user_id"`
}

// AuthSession holds the bearer token of the logged-in student. It is passed
// explicitly to whatever needs it; nothing reads a token from global state.
type AuthSession struct {
	mu     sync.RWMutex
	token  string
	claims *tokenClaims
}

// NewAuthSession returns an empty session.
func NewAuthSession() *AuthSession {
	return &AuthSession{}
}

// Token returns the current bearer token, or "" when logged out.
func (a *AuthSession) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// SetToken replaces the token. The claims are decoded without verifying the
// signature; the server verifies on every request, the client only reads
// them for display and expiry checks. An empty token logs out.
func (a *AuthSession) SetToken(token string) error {
	if token == "" {
		a.mu.Lock()
		a.token, a.claims = "", nil
		a.mu.Unlock()
		return nil
	}

	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}

	a.mu.Lock()
	a.token, a.claims = token, claims
	a.mu.Unlock()
	return nil
}

// StudentID returns the id carried by the token, or 0 when logged out.
func (a *AuthSession) StudentID() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.claims == nil {
		return 0
	}
	return a.claims.UserID
}

// Expired reports whether there is no usable token at now.
func (a *AuthSession) Expired(now time.Time) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.claims == nil {
		return true
	}
	if a.claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(a.claims.ExpiresAt.Time)
}
