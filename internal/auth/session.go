package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims is the payload carried in a canonical session token.
type SessionClaims struct {
	UserID       uuid.UUID  `json:"uid"`
	LineUserID   string     `json:"line_uid,omitempty"`
	DisplayName  string     `json:"name"`
	Contact      string     `json:"contact,omitempty"`
	Role         Role       `json:"role"`
	RestaurantID *uuid.UUID `json:"restaurant_id,omitempty"`
	jwt.RegisteredClaims
}

// SessionSigner issues and verifies signed canonical session tokens.
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionSigner creates a SessionSigner with the given HMAC secret and
// token lifetime.
func NewSessionSigner(secret string, ttl time.Duration) *SessionSigner {
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SessionSigner{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// TTL returns the configured token lifetime.
func (s *SessionSigner) TTL() time.Duration {
	return s.ttl
}

// Issue produces a signed session token for the user.
func (s *SessionSigner) Issue(user *User) (string, error) {
	now := time.Now()

	claims := SessionClaims{
		UserID:       user.ID,
		DisplayName:  user.DisplayName,
		Contact:      user.Contact,
		Role:         user.Role,
		RestaurantID: user.RestaurantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	if user.LineUserID != nil {
		claims.LineUserID = *user.LineUserID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	return signed, nil
}

// Verify parses a session token and returns its claims. An expired,
// malformed, or foreign-signed token returns an error.
func (s *SessionSigner) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	return claims, nil
}
