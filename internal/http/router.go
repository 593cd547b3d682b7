package http

import (
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tablevine/internal/auth"
	"tablevine/internal/config"
)

// NewRouter wires application routes and middleware using chi.
func NewRouter(cfg config.Config, authService *auth.Service, reconciler *auth.Reconciler, line lineAuthenticator, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(newSecurityHeadersMiddleware(cfg.Environment))
	r.Use(newSlogMiddleware(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"environment": cfg.Environment,
		})
	})

	policy := cookiePolicy{
		secure:    !strings.EqualFold(cfg.Environment, "development"),
		crossSite: cfg.CrossSiteCookies,
	}

	sessionHandler := NewSessionHandler(authService, policy, logger)
	liffHandler := NewLiffHandler(authService, reconciler, policy, logger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			if line != nil {
				lineHandler := NewLineHandler(line, authService, cfg.FrontendURL, policy, logger)
				r.Get("/line", lineHandler.Initiate)
				r.Get("/line/callback", lineHandler.Callback)
			}
			r.Post("/liff/exchange", liffHandler.Exchange)
			r.Post("/reconcile", liffHandler.Reconcile)
		})

		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Status)
			r.Delete("/", sessionHandler.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(newAuthMiddleware(authService, logger))
			r.Get("/users/me", sessionHandler.Me)
		})
	})

	r.NotFound(http.NotFoundHandler().ServeHTTP)

	return r
}
