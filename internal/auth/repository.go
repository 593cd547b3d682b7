package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrIdentityExists is returned by CreateUser when another user already
// holds the external identity. Callers re-read the winning row instead of
// creating a duplicate mapping.
var ErrIdentityExists = errors.New("external identity already mapped")

// Repository defines the interface for user and web-session persistence.
type Repository interface {
	// User operations
	FindUserByLineID(ctx context.Context, lineUserID string) (*User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	CreateUser(ctx context.Context, user User) (User, error)
	UpdateUserProfile(ctx context.Context, id uuid.UUID, displayName, avatarURL, locale string) error

	// Conventional web-session operations
	CreateWebSession(ctx context.Context, session WebSession, tokenHash string) error
	FindWebSessionByTokenHash(ctx context.Context, tokenHash string) (*WebSession, *User, error)
	DeleteWebSession(ctx context.Context, id uuid.UUID) error
	DeleteExpiredWebSessions(ctx context.Context) (int64, error)
}
