package http

import (
	"context"
	"io"
	"log/slog"
	"time"

	"tablevine/internal/auth"
	"tablevine/internal/liff"

	"github.com/google/uuid"
)

type authRepoStub struct {
	findUserByLineID         func(ctx context.Context, lineUserID string) (*auth.User, error)
	findUserByID             func(ctx context.Context, id uuid.UUID) (*auth.User, error)
	createUser               func(ctx context.Context, user auth.User) (auth.User, error)
	updateUserProfile        func(ctx context.Context, id uuid.UUID, displayName, avatarURL, locale string) error
	createWebSession         func(ctx context.Context, session auth.WebSession, tokenHash string) error
	findWebSessionByHash     func(ctx context.Context, tokenHash string) (*auth.WebSession, *auth.User, error)
	deleteWebSession         func(ctx context.Context, id uuid.UUID) error
	deleteExpiredWebSessions func(ctx context.Context) (int64, error)
}

func (r *authRepoStub) FindUserByLineID(ctx context.Context, lineUserID string) (*auth.User, error) {
	if r.findUserByLineID != nil {
		return r.findUserByLineID(ctx, lineUserID)
	}
	return nil, nil
}

func (r *authRepoStub) FindUserByID(ctx context.Context, id uuid.UUID) (*auth.User, error) {
	if r.findUserByID != nil {
		return r.findUserByID(ctx, id)
	}
	return nil, nil
}

func (r *authRepoStub) CreateUser(ctx context.Context, user auth.User) (auth.User, error) {
	if r.createUser != nil {
		return r.createUser(ctx, user)
	}
	return user, nil
}

func (r *authRepoStub) UpdateUserProfile(ctx context.Context, id uuid.UUID, displayName, avatarURL, locale string) error {
	if r.updateUserProfile != nil {
		return r.updateUserProfile(ctx, id, displayName, avatarURL, locale)
	}
	return nil
}

func (r *authRepoStub) CreateWebSession(ctx context.Context, session auth.WebSession, tokenHash string) error {
	if r.createWebSession != nil {
		return r.createWebSession(ctx, session, tokenHash)
	}
	return nil
}

func (r *authRepoStub) FindWebSessionByTokenHash(ctx context.Context, tokenHash string) (*auth.WebSession, *auth.User, error) {
	if r.findWebSessionByHash != nil {
		return r.findWebSessionByHash(ctx, tokenHash)
	}
	return nil, nil, nil
}

func (r *authRepoStub) DeleteWebSession(ctx context.Context, id uuid.UUID) error {
	if r.deleteWebSession != nil {
		return r.deleteWebSession(ctx, id)
	}
	return nil
}

func (r *authRepoStub) DeleteExpiredWebSessions(ctx context.Context) (int64, error) {
	if r.deleteExpiredWebSessions != nil {
		return r.deleteExpiredWebSessions(ctx)
	}
	return 0, nil
}

type identityProviderStub struct {
	verifyToken  func(ctx context.Context, accessToken string) error
	fetchProfile func(ctx context.Context, accessToken string) (*liff.Profile, error)
}

func (p *identityProviderStub) VerifyToken(ctx context.Context, accessToken string) error {
	if p.verifyToken != nil {
		return p.verifyToken(ctx, accessToken)
	}
	return nil
}

func (p *identityProviderStub) FetchProfile(ctx context.Context, accessToken string) (*liff.Profile, error) {
	if p.fetchProfile != nil {
		return p.fetchProfile(ctx, accessToken)
	}
	return &liff.Profile{UserID: "U-default", DisplayName: "Default"}, nil
}

type sdkBootstrapStub struct {
	ensureLoaded func(ctx context.Context, maxRetries int) (*liff.Descriptor, error)
	initialize   func(ctx context.Context, maxRetries int) error
}

func (b *sdkBootstrapStub) EnsureLoaded(ctx context.Context, maxRetries int) (*liff.Descriptor, error) {
	if b.ensureLoaded != nil {
		return b.ensureLoaded(ctx, maxRetries)
	}
	return &liff.Descriptor{Version: "2.0.0"}, nil
}

func (b *sdkBootstrapStub) Initialize(ctx context.Context, maxRetries int) error {
	if b.initialize != nil {
		return b.initialize(ctx, maxRetries)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuthService(repo auth.Repository, provider auth.IdentityProvider) *auth.Service {
	signer := auth.NewSessionSigner("test-secret", time.Hour)
	return auth.NewService(repo, signer, liff.NewCache(), provider, testLogger(), time.Hour)
}
