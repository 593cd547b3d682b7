package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tablevine/internal/auth"
)

// LiffHandler exposes the embedded-browser authentication endpoints: direct
// token exchange and the dual-session reconcile evaluation.
type LiffHandler struct {
	service    *auth.Service
	reconciler *auth.Reconciler
	logger     *slog.Logger
	policy     cookiePolicy
}

// NewLiffHandler creates a new LiffHandler.
func NewLiffHandler(service *auth.Service, reconciler *auth.Reconciler, policy cookiePolicy, logger *slog.Logger) *LiffHandler {
	return &LiffHandler{
		service:    service,
		reconciler: reconciler,
		logger:     logger,
		policy:     policy,
	}
}

type exchangeRequest struct {
	AccessToken  string `json:"accessToken"`
	RestaurantID string `json:"restaurantId,omitempty"`
}

type userPayload struct {
	ID           uuid.UUID  `json:"id"`
	DisplayName  string     `json:"displayName"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	Role         auth.Role  `json:"role"`
	RestaurantID *uuid.UUID `json:"restaurantId,omitempty"`
}

func toUserPayload(user *auth.User) *userPayload {
	if user == nil {
		return nil
	}
	return &userPayload{
		ID:           user.ID,
		DisplayName:  user.DisplayName,
		AvatarURL:    user.AvatarURL,
		Role:         user.Role,
		RestaurantID: user.RestaurantID,
	}
}

// Exchange handles POST /api/auth/liff/exchange
// Verifies the supplied platform access token and issues the canonical
// session cookie.
func (h *LiffHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var payload exchangeRequest
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}

	restaurantID, ok := parseOptionalUUID(payload.RestaurantID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid restaurantId")
		return
	}

	outcome := h.service.ExchangeToken(r.Context(), strings.TrimSpace(payload.AccessToken), restaurantID)
	switch outcome.Status {
	case auth.ExchangeSuccess:
		http.SetCookie(w, h.policy.sessionCookie(canonicalCookieName, outcome.SessionToken, h.service.SessionTTL()))
		writeJSON(w, http.StatusOK, map[string]any{
			"user": toUserPayload(outcome.User),
		})
	case auth.ExchangeNeedsLogin:
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":     outcome.Reason,
			"retryable": false,
		})
	default:
		status := http.StatusBadGateway
		if outcome.Retryable {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"error":     outcome.Reason,
			"retryable": outcome.Retryable,
		})
	}
}

type reconcileRequest struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RestaurantID string `json:"restaurantId,omitempty"`
	// Embedded is the explicit client-side flag that the page was opened
	// inside the platform browser.
	Embedded bool `json:"embedded,omitempty"`
}

// Reconcile handles POST /api/auth/reconcile
// Evaluates the dual-session state machine for the caller and drives at most
// one silent recovery per page lifetime.
func (h *LiffHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var payload reconcileRequest
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeJSONError(w, err)
		return
	}

	restaurantID, ok := parseOptionalUUID(payload.RestaurantID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid restaurantId")
		return
	}

	embedded := payload.Embedded || r.URL.Query().Get("liff") != ""

	input := auth.ReconcileInput{
		CanonicalToken:    cookieValue(r, canonicalCookieName),
		WebSessionToken:   cookieValue(r, webSessionCookieName),
		UserAgent:         r.UserAgent(),
		EmbeddedHint:      embedded,
		RecoveryAttempted: cookieValue(r, recoveryCookieName) != "",
		AccessToken:       strings.TrimSpace(payload.AccessToken),
		RestaurantID:      restaurantID,
	}

	result := h.reconciler.Reconcile(r.Context(), input)

	if result.MarkRecovery {
		http.SetCookie(w, h.policy.sessionCookie(recoveryCookieName, "1", recoveryCookieTTL))
	}
	if result.SessionToken != "" {
		http.SetCookie(w, h.policy.sessionCookie(canonicalCookieName, result.SessionToken, h.service.SessionTTL()))
	}

	response := map[string]any{
		"state":  result.State.String(),
		"reload": result.Reload,
	}
	if result.Source != "" {
		response["source"] = string(result.Source)
	}
	if result.User != nil {
		response["user"] = toUserPayload(result.User)
	} else if result.Claims != nil {
		response["user"] = toUserPayload(userFromClaims(result.Claims))
	}
	if result.Reason != "" {
		response["reason"] = result.Reason
	}

	writeJSON(w, http.StatusOK, response)
}

func parseOptionalUUID(value string) (*uuid.UUID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, true
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, false
	}
	return &id, true
}
