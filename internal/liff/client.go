package liff

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// Profile is the identity the provider reports for an access token.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PictureURL  string `json:"pictureUrl,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Client talks to the provider's verification and profile endpoints using the
// descriptor obtained by the Loader. It must not be used before the loader
// reaches LOADED; the exchange pipeline enforces that ordering.
type Client struct {
	loader    *Loader
	base      *http.Client
	channelID string
}

// NewClient creates a provider client bound to the given loader and channel.
func NewClient(loader *Loader, base *http.Client, channelID string) *Client {
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{loader: loader, base: base, channelID: channelID}
}

// VerifyToken asks the provider whether the access token is live and issued
// for our channel. A definitive provider "no" is an identity failure, never
// retried; transport trouble is transient.
func (c *Client) VerifyToken(ctx context.Context, accessToken string) error {
	d, err := c.loader.Descriptor()
	if err != nil {
		return err
	}

	endpoint := d.VerifyURL + "?access_token=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newError(CategoryInternal, "build verify request", err)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return newError(CategoryTransient, "token verification request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var body struct {
			ClientID  string `json:"client_id"`
			ExpiresIn int64  `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return newError(CategoryTransient, "decode verify response", err)
		}
		if body.ClientID != c.channelID {
			return newError(CategoryIdentity,
				fmt.Sprintf("token issued for channel %q, not ours", body.ClientID), nil)
		}
		if body.ExpiresIn <= 0 {
			return newError(CategoryIdentity, "token expired", nil)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return newError(CategoryIdentity,
			fmt.Sprintf("provider rejected token (status %d)", resp.StatusCode), nil)
	default:
		return newError(CategoryTransient,
			fmt.Sprintf("token verification returned status %d", resp.StatusCode), nil)
	}
}

// FetchProfile retrieves the external identity profile for the access token.
// Non-2xx means the token is bad from the caller's perspective.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	d, err := c.loader.Descriptor()
	if err != nil {
		return nil, err
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.base), source)

	resp, err := client.Get(d.ProfileURL)
	if err != nil {
		return nil, newError(CategoryTransient, "profile request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= 500 {
			return nil, newError(CategoryTransient,
				fmt.Sprintf("profile endpoint returned status %d", resp.StatusCode), nil)
		}
		return nil, newError(CategoryIdentity,
			fmt.Sprintf("profile endpoint rejected token (status %d)", resp.StatusCode), nil)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, newError(CategoryTransient, "decode profile", err)
	}
	if profile.UserID == "" {
		return nil, newError(CategoryIdentity, "profile missing user id", nil)
	}
	return &profile, nil
}
