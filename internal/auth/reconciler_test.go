package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"tablevine/internal/liff"
)

const lineUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Line/14.0.0"

type bootstrapStub struct {
	ensureLoaded func(ctx context.Context, maxRetries int) (*liff.Descriptor, error)
	initialize   func(ctx context.Context, maxRetries int) error
	loadCalls    int
	initCalls    int
}

func (b *bootstrapStub) EnsureLoaded(ctx context.Context, maxRetries int) (*liff.Descriptor, error) {
	b.loadCalls++
	if b.ensureLoaded != nil {
		return b.ensureLoaded(ctx, maxRetries)
	}
	return &liff.Descriptor{Version: "2.0.0"}, nil
}

func (b *bootstrapStub) Initialize(ctx context.Context, maxRetries int) error {
	b.initCalls++
	if b.initialize != nil {
		return b.initialize(ctx, maxRetries)
	}
	return nil
}

func newTestReconciler(repo Repository, provider IdentityProvider, bootstrap SDKBootstrapper) (*Reconciler, *Service) {
	svc := newTestService(repo, provider, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReconciler(svc, bootstrap, logger), svc
}

func TestReconcileValidCanonicalCookie(t *testing.T) {
	bootstrap := &bootstrapStub{}
	rec, svc := newTestReconciler(&repoStub{}, &providerStub{}, bootstrap)

	token, err := svc.signer.Issue(&User{ID: uuid.New(), DisplayName: "Hana", Role: RoleCustomer})
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}

	result := rec.Reconcile(context.Background(), ReconcileInput{CanonicalToken: token})
	if result.State != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v (%s)", result.State, result.Reason)
	}
	if result.Source != SourceCanonical {
		t.Fatalf("expected canonical source, got %q", result.Source)
	}
	if result.Claims == nil || result.Claims.DisplayName != "Hana" {
		t.Fatalf("expected claims from the cookie, got %+v", result.Claims)
	}
	if bootstrap.loadCalls != 0 {
		t.Fatal("a valid cookie must not trigger recovery")
	}
}

func TestReconcileCanonicalAloneSufficient(t *testing.T) {
	// No web session anywhere; the canonical cookie alone authenticates.
	rec, svc := newTestReconciler(&repoStub{
		findWebSessionByHash: func(ctx context.Context, tokenHash string) (*WebSession, *User, error) {
			t.Fatal("web session store must not be consulted")
			return nil, nil, nil
		},
	}, &providerStub{}, &bootstrapStub{})

	token, _ := svc.signer.Issue(&User{ID: uuid.New(), Role: RoleCustomer})
	result := rec.Reconcile(context.Background(), ReconcileInput{CanonicalToken: token})
	if result.State != StateAuthenticated || result.Source != SourceCanonical {
		t.Fatalf("expected canonical-only authentication, got %+v", result)
	}
}

func TestReconcileForgedCookieNotAuthenticated(t *testing.T) {
	rec, _ := newTestReconciler(&repoStub{}, &providerStub{}, &bootstrapStub{})

	forged := NewSessionSigner("attacker-secret", time.Hour)
	token, _ := forged.Issue(&User{ID: uuid.New(), Role: RoleAdmin})

	result := rec.Reconcile(context.Background(), ReconcileInput{CanonicalToken: token})
	if result.State == StateAuthenticated {
		t.Fatal("a forged cookie must never authenticate")
	}
}

func TestReconcileFallsBackToWebSession(t *testing.T) {
	expected := &User{ID: uuid.New(), DisplayName: "Hana"}
	repo := &repoStub{
		findWebSessionByHash: func(ctx context.Context, tokenHash string) (*WebSession, *User, error) {
			return &WebSession{ID: uuid.New(), ExpiresAt: time.Now().Add(time.Hour)}, expected, nil
		},
	}
	rec, _ := newTestReconciler(repo, &providerStub{}, &bootstrapStub{})

	result := rec.Reconcile(context.Background(), ReconcileInput{
		CanonicalToken:  "not-a-jwt",
		WebSessionToken: "web-token",
	})
	if result.State != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v", result.State)
	}
	if result.Source != SourceWeb {
		t.Fatalf("expected web source, got %q", result.Source)
	}
	if result.User != expected {
		t.Fatal("expected the web session user")
	}
}

func TestReconcileNoSessionOutsideEmbeddedContext(t *testing.T) {
	bootstrap := &bootstrapStub{}
	rec, _ := newTestReconciler(&repoStub{}, &providerStub{}, bootstrap)

	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent: "Mozilla/5.0 (Macintosh) Safari/605.1.15",
	})
	if result.State != StateNeedsLogin {
		t.Fatalf("expected needs-login, got %v", result.State)
	}
	if bootstrap.loadCalls != 0 {
		t.Fatal("recovery must not run outside the embedded context")
	}
}

func TestReconcileRecoversEmbeddedSession(t *testing.T) {
	bootstrap := &bootstrapStub{}
	provider := &providerStub{
		fetchProfile: func(ctx context.Context, accessToken string) (*liff.Profile, error) {
			return &liff.Profile{UserID: "U-embed", DisplayName: "Embedded"}, nil
		},
	}
	rec, svc := newTestReconciler(&repoStub{}, provider, bootstrap)

	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent:   lineUserAgent,
		AccessToken: "tok-live",
	})
	if result.State != StateAuthenticated {
		t.Fatalf("expected authenticated after recovery, got %v (%s)", result.State, result.Reason)
	}
	if result.Source != SourceRecovered {
		t.Fatalf("expected recovered source, got %q", result.Source)
	}
	if !result.Reload {
		t.Fatal("recovery success must carry the reload hint")
	}
	if !result.MarkRecovery {
		t.Fatal("recovery must be marked so it is not repeated")
	}
	if result.SessionToken == "" {
		t.Fatal("expected a new canonical token")
	}
	if _, err := svc.VerifySessionToken(result.SessionToken); err != nil {
		t.Fatalf("recovered token failed verification: %v", err)
	}
	if bootstrap.loadCalls != 1 || bootstrap.initCalls != 1 {
		t.Fatalf("expected one load and one init, got %d/%d", bootstrap.loadCalls, bootstrap.initCalls)
	}
}

func TestReconcileQueryFlagTriggersRecovery(t *testing.T) {
	bootstrap := &bootstrapStub{}
	rec, _ := newTestReconciler(&repoStub{}, &providerStub{}, bootstrap)

	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent:    "Mozilla/5.0 (Macintosh) Safari/605.1.15",
		EmbeddedHint: true,
		AccessToken:  "tok-live",
	})
	if result.State != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v (%s)", result.State, result.Reason)
	}
	if bootstrap.loadCalls != 1 {
		t.Fatal("the explicit flag alone should trigger recovery")
	}
}

func TestReconcileSingleRecoveryPerPageLifetime(t *testing.T) {
	bootstrap := &bootstrapStub{}
	rec, _ := newTestReconciler(&repoStub{}, &providerStub{}, bootstrap)

	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent:         lineUserAgent,
		AccessToken:       "tok-live",
		RecoveryAttempted: true,
	})
	if result.State != StateNeedsLogin {
		t.Fatalf("expected needs-login on the second pass, got %v", result.State)
	}
	if bootstrap.loadCalls != 0 {
		t.Fatal("recovery must run at most once per page lifetime")
	}
}

func TestReconcileSDKLoadFailureRetryLater(t *testing.T) {
	bootstrap := &bootstrapStub{
		ensureLoaded: func(ctx context.Context, maxRetries int) (*liff.Descriptor, error) {
			return nil, liff.NewTransientError("both sources unreachable")
		},
	}
	rec, _ := newTestReconciler(&repoStub{}, &providerStub{}, bootstrap)

	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent:   lineUserAgent,
		AccessToken: "tok-live",
	})
	if result.State != StateRetryLater {
		t.Fatalf("sdk load failure should surface as retry-later, got %v", result.State)
	}
	if !result.MarkRecovery {
		t.Fatal("failed recovery still counts as the one attempt")
	}
}

func TestReconcileNoPlatformLoginNeedsLogin(t *testing.T) {
	bootstrap := &bootstrapStub{}
	rec, _ := newTestReconciler(&repoStub{}, &providerStub{}, bootstrap)

	// SDK healthy but no access token: the user is simply logged out.
	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent: lineUserAgent,
	})
	if result.State != StateNeedsLogin {
		t.Fatalf("expected a quiet needs-login, got %v", result.State)
	}
	if result.Reload {
		t.Fatal("no recovery happened; no reload hint expected")
	}
}

func TestReconcileInitConfigFailureRetryLater(t *testing.T) {
	bootstrap := &bootstrapStub{
		initialize: func(ctx context.Context, maxRetries int) error {
			return liff.NewConfigError("invalid channel id")
		},
	}
	rec, _ := newTestReconciler(&repoStub{}, &providerStub{}, bootstrap)

	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent:   lineUserAgent,
		AccessToken: "tok-live",
	})
	if result.State != StateRetryLater {
		t.Fatalf("init failure is not an identity failure, got %v", result.State)
	}
}

func TestReconcileInvalidAccessTokenNeedsLogin(t *testing.T) {
	provider := &providerStub{
		verifyToken: func(ctx context.Context, accessToken string) error {
			return liff.NewIdentityError("token rejected")
		},
	}
	rec, _ := newTestReconciler(&repoStub{}, provider, &bootstrapStub{})

	result := rec.Reconcile(context.Background(), ReconcileInput{
		UserAgent:   lineUserAgent,
		AccessToken: "tok-dead",
	})
	if result.State != StateNeedsLogin {
		t.Fatalf("a rejected token means re-login, got %v", result.State)
	}
	if result.Reload {
		t.Fatal("failed recovery must not request a reload")
	}
}
