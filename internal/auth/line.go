package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const lineIssuer = "https://access.line.me"

// LineAuthenticator handles LINE Login (OAuth 2.0 / OIDC) for the
// conventional web session path.
type LineAuthenticator struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewLineAuthenticator creates a new LineAuthenticator.
func NewLineAuthenticator(ctx context.Context, clientID, clientSecret, redirectURL string) (*LineAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, lineIssuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile"},
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return &LineAuthenticator{
		config:   config,
		verifier: verifier,
	}, nil
}

// AuthURL generates the LINE Login consent URL with the given state.
func (l *LineAuthenticator) AuthURL(state string) string {
	return l.config.AuthCodeURL(state)
}

// Exchange exchanges the authorization code for tokens and returns the user claims.
func (l *LineAuthenticator) Exchange(ctx context.Context, code string) (*LineClaims, error) {
	token, err := l.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in response")
	}

	idToken, err := l.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	var claims LineClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	return &claims, nil
}

// GenerateState generates a cryptographically secure random state string.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
