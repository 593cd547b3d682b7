package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tablevine/internal/liff"
)

// IdentityProvider verifies access tokens and fetches profiles from the
// identity platform.
type IdentityProvider interface {
	VerifyToken(ctx context.Context, accessToken string) error
	FetchProfile(ctx context.Context, accessToken string) (*liff.Profile, error)
}

// ExchangeStatus classifies the result of a token exchange.
type ExchangeStatus int

const (
	// ExchangeSuccess means a canonical session token was issued.
	ExchangeSuccess ExchangeStatus = iota
	// ExchangeNeedsLogin means the access token is unusable and the
	// caller must re-authenticate through the platform.
	ExchangeNeedsLogin
	// ExchangeFailure means the exchange failed for a reason other
	// than an invalid token.
	ExchangeFailure
)

// Outcome is the result of exchanging an access token for a session.
type Outcome struct {
	Status       ExchangeStatus
	SessionToken string
	User         *User
	Reason       string
	Retryable    bool
}

// Service provides authentication business logic.
type Service struct {
	repo     Repository
	signer   *SessionSigner
	cache    *liff.Cache
	provider IdentityProvider
	logger   *slog.Logger
	webTTL   time.Duration
}

// NewService creates a new auth Service.
func NewService(repo Repository, signer *SessionSigner, cache *liff.Cache, provider IdentityProvider, logger *slog.Logger, webTTL time.Duration) *Service {
	if webTTL == 0 {
		webTTL = 12 * time.Hour
	}
	return &Service{
		repo:     repo,
		signer:   signer,
		cache:    cache,
		provider: provider,
		logger:   logger,
		webTTL:   webTTL,
	}
}

// ExchangeToken verifies a platform access token, resolves it to a local
// user, and issues a canonical session token. An invalid token clears any
// cached session for it so a stale entry cannot resurrect a dead login.
func (s *Service) ExchangeToken(ctx context.Context, accessToken string, restaurantID *uuid.UUID) Outcome {
	if accessToken == "" {
		return Outcome{Status: ExchangeNeedsLogin, Reason: "missing access token"}
	}

	if err := s.provider.VerifyToken(ctx, accessToken); err != nil {
		if liff.IsIdentity(err) {
			s.cache.Clear(liff.CacheKey(accessToken))
			return Outcome{Status: ExchangeNeedsLogin, Reason: "access token rejected"}
		}
		s.logger.Warn("token verification unavailable", "error", err)
		return Outcome{Status: ExchangeFailure, Reason: "verification unavailable", Retryable: liff.IsTransient(err)}
	}

	profile, err := s.resolveProfile(ctx, accessToken)
	if err != nil {
		if liff.IsIdentity(err) {
			s.cache.Clear(liff.CacheKey(accessToken))
			return Outcome{Status: ExchangeNeedsLogin, Reason: "profile unavailable"}
		}
		s.logger.Warn("profile fetch failed", "error", err)
		return Outcome{Status: ExchangeFailure, Reason: "profile fetch failed", Retryable: liff.IsTransient(err)}
	}

	user, err := s.FindOrCreateFromProfile(ctx, profile, restaurantID)
	if err != nil {
		s.logger.Error("user mapping failed", "error", err)
		return Outcome{Status: ExchangeFailure, Reason: "account mapping failed", Retryable: true}
	}

	token, err := s.signer.Issue(user)
	if err != nil {
		s.logger.Error("session issue failed", "error", err)
		return Outcome{Status: ExchangeFailure, Reason: "session issue failed"}
	}

	now := time.Now()
	s.cache.Save(liff.CacheKey(accessToken), liff.PersistedSession{
		AccessToken:  accessToken,
		Profile:      *profile,
		RestaurantID: restaurantID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.signer.TTL()),
	})

	return Outcome{Status: ExchangeSuccess, SessionToken: token, User: user}
}

// resolveProfile returns the cached profile for the token if one exists,
// otherwise fetches it from the platform.
func (s *Service) resolveProfile(ctx context.Context, accessToken string) (*liff.Profile, error) {
	if cached, ok := s.cache.Load(liff.CacheKey(accessToken)); ok {
		return &cached.Profile, nil
	}
	return s.provider.FetchProfile(ctx, accessToken)
}

// FindOrCreateFromProfile maps a platform profile onto a local user. An
// already-mapped identity keeps its account and gets its display metadata
// refreshed; an unknown identity gets a new customer account. The mapping
// is never reassigned.
func (s *Service) FindOrCreateFromProfile(ctx context.Context, profile *liff.Profile, restaurantID *uuid.UUID) (*User, error) {
	existing, err := s.repo.FindUserByLineID(ctx, profile.UserID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}

	if existing != nil {
		locale := profile.Language
		if locale == "" {
			locale = existing.Locale
		}
		if err := s.repo.UpdateUserProfile(ctx, existing.ID, profile.DisplayName, profile.PictureURL, locale); err != nil {
			return nil, fmt.Errorf("update user profile: %w", err)
		}
		existing.DisplayName = profile.DisplayName
		existing.AvatarURL = profile.PictureURL
		existing.Locale = locale
		existing.LastLoginAt = time.Now()
		return existing, nil
	}

	now := time.Now()
	lineID := profile.UserID
	newUser := User{
		ID:           uuid.New(),
		DisplayName:  profile.DisplayName,
		AvatarURL:    profile.PictureURL,
		Locale:       profile.Language,
		LineUserID:   &lineID,
		Role:         RoleCustomer,
		RestaurantID: restaurantID,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastLoginAt:  now,
	}

	created, err := s.repo.CreateUser(ctx, newUser)
	if err != nil {
		// Lost a race with a concurrent exchange for the same identity.
		if errors.Is(err, ErrIdentityExists) {
			raced, findErr := s.repo.FindUserByLineID(ctx, profile.UserID)
			if findErr != nil {
				return nil, fmt.Errorf("find user after conflict: %w", findErr)
			}
			if raced != nil {
				return raced, nil
			}
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &created, nil
}

// CreateOrUpdateUser maps LINE Login claims onto a local user. Used by the
// conventional web login path; shares the identity mapping with ExchangeToken.
func (s *Service) CreateOrUpdateUser(ctx context.Context, claims *LineClaims) (*User, error) {
	profile := &liff.Profile{
		UserID:      claims.Sub,
		DisplayName: claims.Name,
		PictureURL:  claims.Picture,
	}
	return s.FindOrCreateFromProfile(ctx, profile, nil)
}

// CreateWebSession creates a conventional web session for the given user
// and returns the opaque session token.
func (s *Service) CreateWebSession(ctx context.Context, userID uuid.UUID, userAgent, ipAddress string) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)
	tokenHash := hashToken(token)

	now := time.Now()
	session := WebSession{
		ID:        uuid.New(),
		UserID:    userID,
		ExpiresAt: now.Add(s.webTTL),
		CreatedAt: now,
		UserAgent: truncateString(userAgent, 512),
		IPAddress: truncateString(ipAddress, 45),
	}

	if err := s.repo.CreateWebSession(ctx, session, tokenHash); err != nil {
		return "", fmt.Errorf("create web session: %w", err)
	}

	return token, nil
}

// ValidateWebSession checks if the token maps to a live session and
// returns the associated user.
func (s *Service) ValidateWebSession(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, nil
	}

	tokenHash := hashToken(token)
	session, user, err := s.repo.FindWebSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("find web session: %w", err)
	}

	if session == nil || user == nil {
		return nil, nil
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.repo.DeleteWebSession(ctx, session.ID)
		return nil, nil
	}

	return user, nil
}

// DeleteWebSession removes the session associated with the given token.
func (s *Service) DeleteWebSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	tokenHash := hashToken(token)
	session, _, err := s.repo.FindWebSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return fmt.Errorf("find web session: %w", err)
	}

	if session == nil {
		return nil
	}

	return s.repo.DeleteWebSession(ctx, session.ID)
}

// CleanupExpiredWebSessions removes all expired web sessions.
func (s *Service) CleanupExpiredWebSessions(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredWebSessions(ctx)
}

// VerifySessionToken parses a canonical session token.
func (s *Service) VerifySessionToken(token string) (*SessionClaims, error) {
	return s.signer.Verify(token)
}

// SessionTTL returns the canonical session token lifetime.
func (s *Service) SessionTTL() time.Duration {
	return s.signer.TTL()
}

// WebSessionTTL returns the conventional web session lifetime.
func (s *Service) WebSessionTTL() time.Duration {
	return s.webTTL
}

// hashToken returns the SHA-256 hash of the token as a hex string.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// truncateString truncates a string to the given max length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
