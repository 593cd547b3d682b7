package http

import (
	"log/slog"
	"net/http"

	"tablevine/internal/auth"
)

// SessionHandler reports and tears down sessions across both mechanisms.
type SessionHandler struct {
	authService *auth.Service
	logger      *slog.Logger
	policy      cookiePolicy
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(authService *auth.Service, policy cookiePolicy, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		authService: authService,
		logger:      logger,
		policy:      policy,
	}
}

// Status handles GET /api/session
// Reports whether the request holds a usable session and which mechanism
// provided it.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	if token := cookieValue(r, canonicalCookieName); token != "" {
		if claims, err := h.authService.VerifySessionToken(token); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"authenticated": true,
				"source":        string(auth.SourceCanonical),
				"user":          toUserPayload(userFromClaims(claims)),
			})
			return
		}
	}

	if token := cookieValue(r, webSessionCookieName); token != "" {
		user, err := h.authService.ValidateWebSession(r.Context(), token)
		if err != nil {
			h.logger.Error("session status: validation error", "error", err)
			writeError(w, http.StatusInternalServerError, "unexpected error")
			return
		}
		if user != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"authenticated": true,
				"source":        string(auth.SourceWeb),
				"user":          toUserPayload(user),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
}

// Logout handles DELETE /api/session
// Removes the web session record and clears every session cookie, including
// the recovery marker so the next page load may attempt recovery again.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := cookieValue(r, webSessionCookieName); token != "" {
		if err := h.authService.DeleteWebSession(r.Context(), token); err != nil {
			h.logger.Error("logout: delete web session", "error", err)
		}
	}

	http.SetCookie(w, h.policy.clearCookie(canonicalCookieName))
	http.SetCookie(w, h.policy.clearCookie(webSessionCookieName))
	http.SetCookie(w, h.policy.clearCookie(recoveryCookieName))

	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/users/me behind the auth middleware.
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		unauthorized(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":   toUserPayload(user),
		"source": string(SessionSourceFromContext(r.Context())),
	})
}
