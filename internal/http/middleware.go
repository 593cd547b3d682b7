package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tablevine/internal/auth"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newSlogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", recorder.status, "duration", duration.String())
		})
	}
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	userContextKey   contextKey = "user"
	sourceContextKey contextKey = "session_source"
)

// UserFromContext extracts the authenticated user from the request context.
// Returns nil if the auth middleware hasn't populated the context.
func UserFromContext(ctx context.Context) *auth.User {
	user, _ := ctx.Value(userContextKey).(*auth.User)
	return user
}

// SessionSourceFromContext reports which session mechanism authenticated the
// request.
func SessionSourceFromContext(ctx context.Context) auth.SessionSource {
	source, _ := ctx.Value(sourceContextKey).(auth.SessionSource)
	return source
}

// newAuthMiddleware admits requests carrying either a valid canonical session
// cookie or a live conventional web session. The canonical cookie wins when
// both are present; a cookie that fails signature or expiry checks is treated
// as absent, never trusted.
func newAuthMiddleware(authService *auth.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := cookieValue(r, canonicalCookieName); token != "" {
				claims, err := authService.VerifySessionToken(token)
				if err == nil {
					user := userFromClaims(claims)
					ctx := context.WithValue(r.Context(), userContextKey, user)
					ctx = context.WithValue(ctx, sourceContextKey, auth.SourceCanonical)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				logger.Debug("canonical cookie rejected", "error", err)
			}

			if token := cookieValue(r, webSessionCookieName); token != "" {
				user, err := authService.ValidateWebSession(r.Context(), token)
				if err != nil {
					logger.Error("web session validation error", "error", err)
					unauthorized(w)
					return
				}
				if user != nil {
					ctx := context.WithValue(r.Context(), userContextKey, user)
					ctx = context.WithValue(ctx, sourceContextKey, auth.SourceWeb)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			unauthorized(w)
		})
	}
}

// userFromClaims reconstructs the user subset carried in a canonical token.
func userFromClaims(claims *auth.SessionClaims) *auth.User {
	user := &auth.User{
		ID:           claims.UserID,
		DisplayName:  claims.DisplayName,
		Contact:      claims.Contact,
		Role:         claims.Role,
		RestaurantID: claims.RestaurantID,
	}
	if claims.LineUserID != "" {
		lineID := claims.LineUserID
		user.LineUserID = &lineID
	}
	return user
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "authentication required")
}

func newSecurityHeadersMiddleware(environment string) func(http.Handler) http.Handler {
	isDev := strings.EqualFold(environment, "development")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")

			if !isDev {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
