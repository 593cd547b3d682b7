package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"tablevine/internal/liff"
)

type repoStub struct {
	findUserByLineID         func(ctx context.Context, lineUserID string) (*User, error)
	findUserByID             func(ctx context.Context, id uuid.UUID) (*User, error)
	createUser               func(ctx context.Context, user User) (User, error)
	updateUserProfile        func(ctx context.Context, id uuid.UUID, displayName, avatarURL, locale string) error
	createWebSession         func(ctx context.Context, session WebSession, tokenHash string) error
	findWebSessionByHash     func(ctx context.Context, tokenHash string) (*WebSession, *User, error)
	deleteWebSession         func(ctx context.Context, id uuid.UUID) error
	deleteExpiredWebSessions func(ctx context.Context) (int64, error)
}

func (r *repoStub) FindUserByLineID(ctx context.Context, lineUserID string) (*User, error) {
	if r.findUserByLineID != nil {
		return r.findUserByLineID(ctx, lineUserID)
	}
	return nil, nil
}

func (r *repoStub) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	if r.findUserByID != nil {
		return r.findUserByID(ctx, id)
	}
	return nil, nil
}

func (r *repoStub) CreateUser(ctx context.Context, user User) (User, error) {
	if r.createUser != nil {
		return r.createUser(ctx, user)
	}
	return user, nil
}

func (r *repoStub) UpdateUserProfile(ctx context.Context, id uuid.UUID, displayName, avatarURL, locale string) error {
	if r.updateUserProfile != nil {
		return r.updateUserProfile(ctx, id, displayName, avatarURL, locale)
	}
	return nil
}

func (r *repoStub) CreateWebSession(ctx context.Context, session WebSession, tokenHash string) error {
	if r.createWebSession != nil {
		return r.createWebSession(ctx, session, tokenHash)
	}
	return nil
}

func (r *repoStub) FindWebSessionByTokenHash(ctx context.Context, tokenHash string) (*WebSession, *User, error) {
	if r.findWebSessionByHash != nil {
		return r.findWebSessionByHash(ctx, tokenHash)
	}
	return nil, nil, nil
}

func (r *repoStub) DeleteWebSession(ctx context.Context, id uuid.UUID) error {
	if r.deleteWebSession != nil {
		return r.deleteWebSession(ctx, id)
	}
	return nil
}

func (r *repoStub) DeleteExpiredWebSessions(ctx context.Context) (int64, error) {
	if r.deleteExpiredWebSessions != nil {
		return r.deleteExpiredWebSessions(ctx)
	}
	return 0, nil
}

type providerStub struct {
	verifyToken  func(ctx context.Context, accessToken string) error
	fetchProfile func(ctx context.Context, accessToken string) (*liff.Profile, error)
}

func (p *providerStub) VerifyToken(ctx context.Context, accessToken string) error {
	if p.verifyToken != nil {
		return p.verifyToken(ctx, accessToken)
	}
	return nil
}

func (p *providerStub) FetchProfile(ctx context.Context, accessToken string) (*liff.Profile, error) {
	if p.fetchProfile != nil {
		return p.fetchProfile(ctx, accessToken)
	}
	return &liff.Profile{UserID: "U-default", DisplayName: "Default"}, nil
}

func newTestService(repo Repository, provider IdentityProvider, cache *liff.Cache) *Service {
	if cache == nil {
		cache = liff.NewCache()
	}
	signer := NewSessionSigner("test-secret", time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, signer, cache, provider, logger, time.Hour)
}

func TestExchangeTokenIssuesSession(t *testing.T) {
	var created User
	repo := &repoStub{
		createUser: func(ctx context.Context, user User) (User, error) {
			created = user
			return user, nil
		},
	}
	provider := &providerStub{
		fetchProfile: func(ctx context.Context, accessToken string) (*liff.Profile, error) {
			return &liff.Profile{UserID: "U-123", DisplayName: "Hana", PictureURL: "p.png", Language: "ja"}, nil
		},
	}
	cache := liff.NewCache()
	svc := newTestService(repo, provider, cache)

	outcome := svc.ExchangeToken(context.Background(), "tok-abc", nil)
	if outcome.Status != ExchangeSuccess {
		t.Fatalf("expected success, got status=%v reason=%q", outcome.Status, outcome.Reason)
	}
	if outcome.SessionToken == "" {
		t.Fatal("expected a session token")
	}
	if created.LineUserID == nil || *created.LineUserID != "U-123" {
		t.Fatalf("expected created user bound to U-123, got %+v", created)
	}
	if created.Role != RoleCustomer {
		t.Fatalf("expected customer role, got %q", created.Role)
	}

	claims, err := svc.VerifySessionToken(outcome.SessionToken)
	if err != nil {
		t.Fatalf("issued token failed verification: %v", err)
	}
	if claims.LineUserID != "U-123" || claims.DisplayName != "Hana" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, ok := cache.Load(liff.CacheKey("tok-abc")); !ok {
		t.Fatal("expected exchange to persist the verified session")
	}
}

func TestExchangeTokenEmptyToken(t *testing.T) {
	svc := newTestService(&repoStub{}, &providerStub{}, nil)

	outcome := svc.ExchangeToken(context.Background(), "", nil)
	if outcome.Status != ExchangeNeedsLogin {
		t.Fatalf("expected needs-login, got %v", outcome.Status)
	}
}

func TestExchangeTokenInvalidTokenClearsCache(t *testing.T) {
	cache := liff.NewCache()
	cache.Save(liff.CacheKey("tok-bad"), liff.PersistedSession{
		AccessToken: "tok-bad",
		Profile:     liff.Profile{UserID: "U-1"},
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	provider := &providerStub{
		verifyToken: func(ctx context.Context, accessToken string) error {
			return liff.NewIdentityError("token rejected")
		},
	}
	svc := newTestService(&repoStub{}, provider, cache)

	outcome := svc.ExchangeToken(context.Background(), "tok-bad", nil)
	if outcome.Status != ExchangeNeedsLogin {
		t.Fatalf("expected needs-login, got %v", outcome.Status)
	}
	if outcome.Retryable {
		t.Fatal("invalid token must not be retryable")
	}
	if _, ok := cache.Load(liff.CacheKey("tok-bad")); ok {
		t.Fatal("expected persisted session to be cleared for an invalid token")
	}
}

func TestExchangeTokenProfileRejectedClearsCache(t *testing.T) {
	cache := liff.NewCache()

	provider := &providerStub{
		fetchProfile: func(ctx context.Context, accessToken string) (*liff.Profile, error) {
			return nil, liff.NewIdentityError("profile endpoint returned 401")
		},
	}
	svc := newTestService(&repoStub{}, provider, cache)

	outcome := svc.ExchangeToken(context.Background(), "tok-c", nil)
	if outcome.Status != ExchangeNeedsLogin {
		t.Fatalf("expected needs-login, got %v", outcome.Status)
	}
	if outcome.Retryable {
		t.Fatal("rejected profile must not be retryable")
	}
}

func TestExchangeTokenTransientVerifyFailure(t *testing.T) {
	provider := &providerStub{
		verifyToken: func(ctx context.Context, accessToken string) error {
			return liff.NewTransientError("verify endpoint unreachable")
		},
	}
	svc := newTestService(&repoStub{}, provider, nil)

	outcome := svc.ExchangeToken(context.Background(), "tok-x", nil)
	if outcome.Status != ExchangeFailure {
		t.Fatalf("expected failure, got %v", outcome.Status)
	}
	if !outcome.Retryable {
		t.Fatal("transient failure should be retryable")
	}
}

func TestExchangeTokenUsesCachedProfile(t *testing.T) {
	cache := liff.NewCache()
	cache.Save(liff.CacheKey("tok-cached"), liff.PersistedSession{
		AccessToken: "tok-cached",
		Profile:     liff.Profile{UserID: "U-77", DisplayName: "Cached"},
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	fetches := 0
	provider := &providerStub{
		fetchProfile: func(ctx context.Context, accessToken string) (*liff.Profile, error) {
			fetches++
			return &liff.Profile{UserID: "U-77"}, nil
		},
	}
	svc := newTestService(&repoStub{}, provider, cache)

	outcome := svc.ExchangeToken(context.Background(), "tok-cached", nil)
	if outcome.Status != ExchangeSuccess {
		t.Fatalf("expected success, got %v (%s)", outcome.Status, outcome.Reason)
	}
	if fetches != 0 {
		t.Fatalf("expected cached profile to skip the fetch, got %d fetches", fetches)
	}
}

func TestFindOrCreateExistingUpdatesMetadata(t *testing.T) {
	userID := uuid.New()
	lineID := "U-123"
	existing := &User{
		ID:          userID,
		DisplayName: "Old Name",
		AvatarURL:   "old.png",
		Locale:      "ja",
		LineUserID:  &lineID,
		Role:        RoleCustomer,
	}
	var updatedName, updatedAvatar string
	createCalls := 0

	repo := &repoStub{
		findUserByLineID: func(ctx context.Context, id string) (*User, error) {
			return existing, nil
		},
		updateUserProfile: func(ctx context.Context, id uuid.UUID, displayName, avatarURL, locale string) error {
			if id != userID {
				return errors.New("unexpected id")
			}
			updatedName = displayName
			updatedAvatar = avatarURL
			return nil
		},
		createUser: func(ctx context.Context, user User) (User, error) {
			createCalls++
			return user, nil
		},
	}
	svc := newTestService(repo, &providerStub{}, nil)

	profile := &liff.Profile{UserID: "U-123", DisplayName: "New Name", PictureURL: "new.png"}
	user, err := svc.FindOrCreateFromProfile(context.Background(), profile, nil)
	if err != nil {
		t.Fatalf("FindOrCreateFromProfile returned error: %v", err)
	}
	if user.ID != userID {
		t.Fatal("expected the existing account to be kept")
	}
	if createCalls != 0 {
		t.Fatal("existing identity must not create a second user")
	}
	if updatedName != "New Name" || updatedAvatar != "new.png" {
		t.Fatalf("expected metadata refresh, got name=%q avatar=%q", updatedName, updatedAvatar)
	}
	if user.Locale != "ja" {
		t.Fatalf("empty profile language must not clobber locale, got %q", user.Locale)
	}
}

func TestFindOrCreateConcurrentCreateConflict(t *testing.T) {
	winnerID := uuid.New()
	lineID := "U-race"
	winner := &User{ID: winnerID, LineUserID: &lineID}

	lookups := 0
	repo := &repoStub{
		findUserByLineID: func(ctx context.Context, id string) (*User, error) {
			lookups++
			if lookups == 1 {
				return nil, nil
			}
			return winner, nil
		},
		createUser: func(ctx context.Context, user User) (User, error) {
			return User{}, ErrIdentityExists
		},
	}
	svc := newTestService(repo, &providerStub{}, nil)

	user, err := svc.FindOrCreateFromProfile(context.Background(), &liff.Profile{UserID: "U-race"}, nil)
	if err != nil {
		t.Fatalf("expected conflict to resolve to the winner, got error: %v", err)
	}
	if user.ID != winnerID {
		t.Fatalf("expected the winning account, got %s", user.ID)
	}
}

func TestCreateWebSessionStoresHash(t *testing.T) {
	var storedHash string
	var storedSession WebSession
	repo := &repoStub{
		createWebSession: func(ctx context.Context, session WebSession, tokenHash string) error {
			storedHash = tokenHash
			storedSession = session
			return nil
		},
	}
	svc := newTestService(repo, &providerStub{}, nil)

	longUA := strings.Repeat("a", 600)
	longIP := strings.Repeat("b", 60)
	userID := uuid.New()
	token, err := svc.CreateWebSession(context.Background(), userID, longUA, longIP)
	if err != nil {
		t.Fatalf("CreateWebSession returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected token to be returned")
	}
	if storedHash != hashToken(token) {
		t.Fatalf("expected token hash to match, got %q", storedHash)
	}
	if storedSession.UserID != userID {
		t.Fatalf("expected session user ID %s, got %s", userID, storedSession.UserID)
	}
	if len(storedSession.UserAgent) != 512 {
		t.Fatalf("expected user agent to be truncated to 512, got %d", len(storedSession.UserAgent))
	}
	if len(storedSession.IPAddress) != 45 {
		t.Fatalf("expected ip address to be truncated to 45, got %d", len(storedSession.IPAddress))
	}
}

func TestValidateWebSessionExpired(t *testing.T) {
	var deletedID uuid.UUID
	repo := &repoStub{
		findWebSessionByHash: func(ctx context.Context, tokenHash string) (*WebSession, *User, error) {
			return &WebSession{ID: uuid.New(), ExpiresAt: time.Now().Add(-time.Minute)}, &User{ID: uuid.New()}, nil
		},
		deleteWebSession: func(ctx context.Context, id uuid.UUID) error {
			deletedID = id
			return nil
		},
	}
	svc := newTestService(repo, &providerStub{}, nil)

	user, err := svc.ValidateWebSession(context.Background(), "token")
	if err != nil {
		t.Fatalf("ValidateWebSession returned error: %v", err)
	}
	if user != nil {
		t.Fatalf("expected expired session to return nil user, got %+v", user)
	}
	if deletedID == uuid.Nil {
		t.Fatal("expected expired session to be deleted")
	}
}

func TestValidateWebSessionValid(t *testing.T) {
	expected := &User{ID: uuid.New(), DisplayName: "Hana"}
	repo := &repoStub{
		findWebSessionByHash: func(ctx context.Context, tokenHash string) (*WebSession, *User, error) {
			return &WebSession{ID: uuid.New(), ExpiresAt: time.Now().Add(time.Minute)}, expected, nil
		},
	}
	svc := newTestService(repo, &providerStub{}, nil)

	user, err := svc.ValidateWebSession(context.Background(), "token")
	if err != nil {
		t.Fatalf("ValidateWebSession returned error: %v", err)
	}
	if user != expected {
		t.Fatal("expected user to be returned")
	}
}

func TestValidateWebSessionEmptyToken(t *testing.T) {
	svc := newTestService(&repoStub{}, &providerStub{}, nil)

	user, err := svc.ValidateWebSession(context.Background(), "")
	if err != nil {
		t.Fatalf("ValidateWebSession returned error: %v", err)
	}
	if user != nil {
		t.Fatalf("expected no user, got %+v", user)
	}
}

func TestDeleteWebSession(t *testing.T) {
	var deletedID uuid.UUID
	sessionID := uuid.New()
	repo := &repoStub{
		findWebSessionByHash: func(ctx context.Context, tokenHash string) (*WebSession, *User, error) {
			return &WebSession{ID: sessionID}, &User{ID: uuid.New()}, nil
		},
		deleteWebSession: func(ctx context.Context, id uuid.UUID) error {
			deletedID = id
			return nil
		},
	}
	svc := newTestService(repo, &providerStub{}, nil)

	if err := svc.DeleteWebSession(context.Background(), "token"); err != nil {
		t.Fatalf("DeleteWebSession returned error: %v", err)
	}
	if deletedID != sessionID {
		t.Fatalf("expected session %s to be deleted, got %s", sessionID, deletedID)
	}
}

func TestCleanupExpiredWebSessions(t *testing.T) {
	repo := &repoStub{
		deleteExpiredWebSessions: func(ctx context.Context) (int64, error) {
			return 3, nil
		},
	}
	svc := newTestService(repo, &providerStub{}, nil)

	count, err := svc.CleanupExpiredWebSessions(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpiredWebSessions returned error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 expired sessions removed, got %d", count)
	}
}
