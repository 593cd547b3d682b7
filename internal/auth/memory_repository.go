package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository stores users and web sessions in in-process maps, ideal
// for local development or tests.
type InMemoryRepository struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]User
	byLineID map[string]uuid.UUID
	sessions map[string]WebSession
}

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		users:    make(map[uuid.UUID]User),
		byLineID: make(map[string]uuid.UUID),
		sessions: make(map[string]WebSession),
	}
}

// FindUserByLineID returns the user mapped to the LINE identity, or nil.
func (r *InMemoryRepository) FindUserByLineID(_ context.Context, lineUserID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byLineID[lineUserID]
	if !ok {
		return nil, nil
	}
	user := r.users[id]
	return &user, nil
}

// FindUserByID returns the user with the given ID, or nil.
func (r *InMemoryRepository) FindUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// CreateUser stores a new user. The external identity mapping is enforced
// here: a LINE identity already mapped to another user yields
// ErrIdentityExists.
func (r *InMemoryRepository) CreateUser(_ context.Context, user User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user.LineUserID != nil {
		if _, taken := r.byLineID[*user.LineUserID]; taken {
			return User{}, ErrIdentityExists
		}
		r.byLineID[*user.LineUserID] = user.ID
	}
	r.users[user.ID] = user
	return user, nil
}

// UpdateUserProfile refreshes display metadata and the last-login timestamp.
func (r *InMemoryRepository) UpdateUserProfile(_ context.Context, id uuid.UUID, displayName, avatarURL, locale string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil
	}
	user.DisplayName = displayName
	user.AvatarURL = avatarURL
	user.Locale = locale
	now := time.Now()
	user.UpdatedAt = now
	user.LastLoginAt = now
	r.users[id] = user
	return nil
}

// CreateWebSession stores a new web session keyed by token hash.
func (r *InMemoryRepository) CreateWebSession(_ context.Context, session WebSession, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[tokenHash] = session
	return nil
}

// FindWebSessionByTokenHash returns the session and its user, or nils.
func (r *InMemoryRepository) FindWebSessionByTokenHash(_ context.Context, tokenHash string) (*WebSession, *User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[tokenHash]
	if !ok {
		return nil, nil, nil
	}
	user, ok := r.users[session.UserID]
	if !ok {
		return nil, nil, nil
	}
	return &session, &user, nil
}

// DeleteWebSession removes the session with the given ID.
func (r *InMemoryRepository) DeleteWebSession(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hash, session := range r.sessions {
		if session.ID == id {
			delete(r.sessions, hash)
		}
	}
	return nil
}

// DeleteExpiredWebSessions removes all sessions past their expiry.
func (r *InMemoryRepository) DeleteExpiredWebSessions(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	now := time.Now()
	for hash, session := range r.sessions {
		if now.After(session.ExpiresAt) {
			delete(r.sessions, hash)
			removed++
		}
	}
	return removed, nil
}
