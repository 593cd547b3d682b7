package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"tablevine/internal/liff"
)

// ReconcileState is the terminal state of a reconciliation pass.
type ReconcileState int

const (
	// StateAuthenticated means a usable session exists or was recovered.
	StateAuthenticated ReconcileState = iota
	// StateNeedsLogin means no session exists and the user must log in
	// explicitly. Expected for logged-out visitors; callers show a quiet
	// login affordance.
	StateNeedsLogin
	// StateRetryLater means recovery failed for a non-identity reason
	// and may succeed on retry. Callers show a retry affordance instead
	// of a login prompt.
	StateRetryLater
)

func (s ReconcileState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateNeedsLogin:
		return "needs_login"
	case StateRetryLater:
		return "retry_later"
	default:
		return "unknown"
	}
}

// SessionSource records which mechanism authenticated the request.
type SessionSource string

const (
	SourceCanonical SessionSource = "canonical"
	SourceWeb       SessionSource = "web"
	SourceRecovered SessionSource = "recovered"
)

// ReconcileInput carries everything the reconciler reads from a request.
type ReconcileInput struct {
	// CanonicalToken is the canonical session cookie value, if present.
	CanonicalToken string
	// WebSessionToken is the conventional web session cookie value.
	WebSessionToken string
	// UserAgent is the request user agent, used for embedded-context
	// detection.
	UserAgent string
	// EmbeddedHint is set when the request carries an explicit marker
	// that the page was opened inside the embedded browser.
	EmbeddedHint bool
	// RecoveryAttempted is set when a recovery marker from an earlier
	// pass in the same page lifetime is present.
	RecoveryAttempted bool
	// AccessToken is the platform access token supplied for silent
	// recovery.
	AccessToken string
	// RestaurantID scopes a recovered session to a restaurant.
	RestaurantID *uuid.UUID
}

// ReconcileResult is the outcome of a reconciliation pass.
type ReconcileResult struct {
	State  ReconcileState
	Source SessionSource
	User   *User
	Claims *SessionClaims
	// SessionToken carries a newly issued canonical token after a
	// successful recovery.
	SessionToken string
	// Reload is set after a successful recovery so the page re-renders
	// with the new cookie in place.
	Reload bool
	// MarkRecovery is set when a recovery was attempted this pass, so
	// the caller can record the marker and prevent a second attempt.
	MarkRecovery bool
	Reason       string
}

// SDKBootstrapper prepares the identity SDK channel before token exchange.
type SDKBootstrapper interface {
	EnsureLoaded(ctx context.Context, maxRetries int) (*liff.Descriptor, error)
	Initialize(ctx context.Context, maxRetries int) error
}

type sdkBootstrap struct {
	loader      *liff.Loader
	initializer *liff.Initializer
}

func (b *sdkBootstrap) EnsureLoaded(ctx context.Context, maxRetries int) (*liff.Descriptor, error) {
	return b.loader.EnsureLoaded(ctx, maxRetries)
}

func (b *sdkBootstrap) Initialize(ctx context.Context, maxRetries int) error {
	return b.initializer.Initialize(ctx, maxRetries)
}

// NewSDKBootstrap bundles a loader and initializer into an SDKBootstrapper.
func NewSDKBootstrap(loader *liff.Loader, initializer *liff.Initializer) SDKBootstrapper {
	return &sdkBootstrap{loader: loader, initializer: initializer}
}

// Reconciler evaluates the two session mechanisms against one request and
// drives silent recovery when neither is present.
type Reconciler struct {
	service    *Service
	bootstrap  SDKBootstrapper
	logger     *slog.Logger
	maxRetries int
}

// NewReconciler creates a new Reconciler.
func NewReconciler(service *Service, bootstrap SDKBootstrapper, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		service:    service,
		bootstrap:  bootstrap,
		logger:     logger,
		maxRetries: 2,
	}
}

// Reconcile runs the session state machine for one request.
//
// Order is fixed: canonical cookie, then conventional web session, then
// embedded-context recovery. A valid canonical cookie alone is sufficient;
// the conventional session is read but never written here.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) ReconcileResult {
	if in.CanonicalToken != "" {
		claims, err := r.service.VerifySessionToken(in.CanonicalToken)
		if err == nil {
			return ReconcileResult{State: StateAuthenticated, Source: SourceCanonical, Claims: claims}
		}
		r.logger.Debug("canonical cookie rejected", "error", err)
	}

	if in.WebSessionToken != "" {
		user, err := r.service.ValidateWebSession(ctx, in.WebSessionToken)
		if err != nil {
			r.logger.Warn("web session lookup failed", "error", err)
		} else if user != nil {
			return ReconcileResult{State: StateAuthenticated, Source: SourceWeb, User: user}
		}
	}

	if !r.isEmbeddedContext(in) {
		return ReconcileResult{State: StateNeedsLogin, Reason: "no session"}
	}

	if in.RecoveryAttempted {
		return ReconcileResult{State: StateNeedsLogin, Reason: "recovery already attempted"}
	}

	return r.recover(ctx, in)
}

// isEmbeddedContext reports whether the request originated inside the
// platform's embedded browser. The user-agent marker is " Line/" with
// surrounding delimiters; an explicit query flag also counts.
func (r *Reconciler) isEmbeddedContext(in ReconcileInput) bool {
	if in.EmbeddedHint {
		return true
	}
	return strings.Contains(in.UserAgent, " Line/")
}

// recover attempts a single silent recovery through the SDK bootstrap and
// token exchange. Every result marks the attempt so it is not repeated
// within the same page lifetime.
func (r *Reconciler) recover(ctx context.Context, in ReconcileInput) ReconcileResult {
	if _, err := r.bootstrap.EnsureLoaded(ctx, r.maxRetries); err != nil {
		r.logger.Warn("sdk load failed during recovery", "error", err)
		return ReconcileResult{State: StateRetryLater, MarkRecovery: true, Reason: "sdk unavailable"}
	}

	if err := r.bootstrap.Initialize(ctx, r.maxRetries); err != nil {
		if liff.IsConfig(err) {
			r.logger.Error("sdk channel misconfigured", "error", err)
			return ReconcileResult{State: StateRetryLater, MarkRecovery: true, Reason: "sdk misconfigured"}
		}
		r.logger.Warn("sdk init failed during recovery", "error", err)
		return ReconcileResult{State: StateRetryLater, MarkRecovery: true, Reason: "sdk init failed"}
	}

	if in.AccessToken == "" {
		// SDK is up but the user has no platform login.
		return ReconcileResult{State: StateNeedsLogin, MarkRecovery: true, Reason: "not logged in to platform"}
	}

	outcome := r.service.ExchangeToken(ctx, in.AccessToken, in.RestaurantID)
	switch outcome.Status {
	case ExchangeSuccess:
		return ReconcileResult{
			State:        StateAuthenticated,
			Source:       SourceRecovered,
			User:         outcome.User,
			SessionToken: outcome.SessionToken,
			Reload:       true,
			MarkRecovery: true,
		}
	case ExchangeNeedsLogin:
		return ReconcileResult{State: StateNeedsLogin, MarkRecovery: true, Reason: outcome.Reason}
	default:
		if outcome.Retryable {
			return ReconcileResult{State: StateRetryLater, MarkRecovery: true, Reason: outcome.Reason}
		}
		return ReconcileResult{State: StateNeedsLogin, MarkRecovery: true, Reason: outcome.Reason}
	}
}
