package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionToken is the in-memory session credential. It lives for the process
// lifetime at most and is never persisted.
type SessionToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Subject   string
	Leeway    time.Duration
}

// TokenFromJWT builds a SessionToken from the server-issued JWT. The
// signature is the server's concern; the client only reads the registered
// claims for expiry bookkeeping.
func TokenFromJWT(value string, leeway time.Duration) (*SessionToken, error) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(value, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("access token has no expiry")
	}
	token := &SessionToken{
		Value:     value,
		ExpiresAt: claims.ExpiresAt.Time,
		Subject:   claims.Subject,
		Leeway:    leeway,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	return token, nil
}

// Valid reports whether the token may still be presented. The leeway is an
// early-refresh margin: the token stops being used leeway before expires_at,
// so moderate clock drift can never make the agent present an expired token.
func (t *SessionToken) Valid(now time.Time) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-t.Leeway))
}

// TTL returns the remaining usable lifetime at the given instant.
func (t *SessionToken) TTL(now time.Time) time.Duration {
	if !t.Valid(now) {
		return 0
	}
	return t.ExpiresAt.Add(-t.Leeway).Sub(now)
}
