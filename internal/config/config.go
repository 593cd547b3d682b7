package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the Tablevine services.
type Config struct {
	Environment    string
	HTTPPort       int
	DatabaseURL    string
	DataStore      string
	LogLevel       string
	AllowedOrigins []string
	FrontendURL    string

	// Canonical session credential (signed cookie).
	SessionSecret    string
	SessionTTL       time.Duration
	CrossSiteCookies bool

	// Conventional (framework-managed) web session.
	WebSessionTTL time.Duration

	// LINE Login (web flow, conventional session path).
	LineClientID     string
	LineClientSecret string
	LineRedirectURL  string

	// LIFF (embedded mini-app) channel and provider endpoints.
	LiffChannelID      string
	LiffSDKPrimaryURL  string
	LiffSDKFallbackURL string
}

// Load reads configuration from environment variables with sensible defaults
// for local development. A missing LIFF channel ID is always a hard error:
// there is no development fallback channel.
func Load() (Config, error) {
	_ = godotenv.Load()

	databaseURL, err := getEnvOrFile("DATABASE_URL", "/run/secrets/tablevine_database_url")
	if err != nil {
		return Config{}, err
	}

	sessionSecret, err := getEnvOrFile("SESSION_SECRET", "/run/secrets/tablevine_session_secret")
	if err != nil {
		return Config{}, err
	}

	lineClientSecret, err := getEnvOrFile("AUTH_LINE_CLIENT_SECRET", "/run/secrets/tablevine_line_client_secret")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:    getEnv("APP_ENV", "development"),
		DatabaseURL:    databaseURL,
		DataStore:      strings.ToLower(getEnv("DATA_STORE", "memory")),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		AllowedOrigins: parseCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:4200,http://localhost:8080")),
		FrontendURL:    strings.TrimSuffix(getEnv("FRONTEND_URL", "http://localhost:4200"), "/"),

		SessionSecret:    strings.TrimSpace(sessionSecret),
		CrossSiteCookies: getEnv("CROSS_SITE_COOKIES", "") == "true",

		LineClientID:     strings.TrimSpace(getEnv("AUTH_LINE_CLIENT_ID", "")),
		LineClientSecret: strings.TrimSpace(lineClientSecret),
		LineRedirectURL:  getEnv("AUTH_LINE_REDIRECT_URL", ""),

		LiffChannelID:      strings.TrimSpace(getEnv("LIFF_CHANNEL_ID", "")),
		LiffSDKPrimaryURL:  getEnv("LIFF_SDK_PRIMARY_URL", "https://static.line-scdn.net/liff/edge/2/descriptor.json"),
		LiffSDKFallbackURL: getEnv("LIFF_SDK_FALLBACK_URL", "https://static.line-scdn.net/liff/edge/versions/2.26.1/descriptor.json"),
	}

	sessionTTL, err := parseDuration("SESSION_TTL", 30*24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL = sessionTTL

	webSessionTTL, err := parseDuration("WEB_SESSION_TTL", 12*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg.WebSessionTTL = webSessionTTL

	portValue := getEnv("PORT", getEnv("HTTP_PORT", "8080"))
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return Config{}, fmt.Errorf("invalid port %q: %w", portValue, err)
	}
	cfg.HTTPPort = port

	if cfg.DataStore == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATA_STORE is postgres but DATABASE_URL is not set")
	}

	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET is required")
	}

	if cfg.LiffChannelID == "" {
		return Config{}, fmt.Errorf("LIFF_CHANNEL_ID is required")
	}

	if !cfg.IsDevelopment() {
		if cfg.LineClientID == "" {
			return Config{}, fmt.Errorf("AUTH_LINE_CLIENT_ID is required outside development")
		}
		if cfg.LineClientSecret == "" {
			return Config{}, fmt.Errorf("AUTH_LINE_CLIENT_SECRET is required outside development")
		}
		for _, origin := range cfg.AllowedOrigins {
			if origin == "*" {
				return Config{}, fmt.Errorf("ALLOWED_ORIGINS cannot contain wildcard outside development")
			}
		}
	}

	return cfg, nil
}

// HTTPAddress returns the address the HTTP server should bind to.
func (c Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// UseInMemoryStore returns true if the in-memory repository should be used.
func (c Config) UseInMemoryStore() bool {
	return c.DataStore == "memory"
}

// IsDevelopment reports whether the service runs with relaxed local defaults.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// LineLoginEnabled reports whether the web LINE Login flow is configured.
func (c Config) LineLoginEnabled() bool {
	return c.LineClientID != "" && c.LineClientSecret != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, raw)
	}
	return value, nil
}

func getEnvOrFile(key, defaultPath string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}

	fileKey := key + "_FILE"
	if path := os.Getenv(fileKey); path != "" {
		return readSecret(path, fileKey)
	}

	if defaultPath != "" {
		return readSecret(defaultPath, key)
	}

	return "", nil
}

func readSecret(path, name string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: reading %s (%s): %w", name, path, err)
	}

	value := strings.TrimSpace(string(contents))
	if value == "" {
		return "", fmt.Errorf("config: %s (%s) is empty", name, path)
	}
	return value, nil
}
