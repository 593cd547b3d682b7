package liff

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"
)

const initRetryDelay = 500 * time.Millisecond

// Initializer validates the configured channel against the bootstrapped
// provider. Initialization happens at most once per process; repeated calls
// re-verify the existing registration with a cheap probe instead of trusting
// the stale flag.
type Initializer struct {
	loader    *Loader
	client    *http.Client
	channelID string
	logger    *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewInitializer creates an Initializer for the given channel ID. The channel
// ID must come from configuration; there is no development fallback.
func NewInitializer(loader *Loader, client *http.Client, channelID string, logger *slog.Logger) *Initializer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Initializer{
		loader:    loader,
		client:    client,
		channelID: channelID,
		logger:    logger,
	}
}

// Initialized reports whether the channel registration has been established
// in this process.
func (i *Initializer) Initialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

// Initialize ensures the provider is bootstrapped and the channel registered.
// Error buckets get different policies: "already initialized" is success,
// an invalid channel ID is fatal with no retry, and transient failures retry
// up to maxRetries with linear backoff. Anything else spends the retry budget
// and then surfaces as a non-retryable failure carrying the last error.
func (i *Initializer) Initialize(ctx context.Context, maxRetries int) error {
	d, err := i.loader.EnsureLoaded(ctx, maxRetries)
	if err != nil {
		return err
	}

	i.mu.Lock()
	already := i.initialized
	i.mu.Unlock()

	if already {
		if err := i.probe(ctx, d); err == nil {
			return nil
		}
		// The registration the flag promised is gone. Reset and redo it
		// rather than trusting stale state.
		i.mu.Lock()
		i.initialized = false
		i.mu.Unlock()
		if i.logger != nil {
			i.logger.Warn("channel registration probe failed, re-initializing", "channel_id", i.channelID)
		}
	}

	var lastErr error
	backoff := retry.WithMaxRetries(uint64(maxRetries), linearBackoff(initRetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		initErr := i.register(ctx, d)
		if initErr == nil {
			return nil
		}
		lastErr = initErr
		if IsConfig(initErr) {
			return initErr
		}
		return retry.RetryableError(initErr)
	})
	if err == nil {
		i.mu.Lock()
		i.initialized = true
		i.mu.Unlock()
		return nil
	}

	if IsConfig(lastErr) || IsTransient(lastErr) {
		return lastErr
	}
	return newError(CategoryInternal, "channel initialization failed", lastErr)
}

// register performs one registration attempt and classifies the outcome at
// the provider boundary.
func (i *Initializer) register(ctx context.Context, d *Descriptor) error {
	endpoint := d.ConfigURL + "?channelId=" + url.QueryEscape(i.channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newError(CategoryInternal, "build registration request", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return newError(CategoryTransient, "channel registration request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return newError(CategoryTransient, "decode registration response", err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already registered by an earlier attempt. Idempotent success.
		return nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return newError(CategoryConfig,
			fmt.Sprintf("channel %q rejected by provider (status %d)", i.channelID, resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return newError(CategoryTransient,
			fmt.Sprintf("provider registration returned status %d", resp.StatusCode), nil)
	default:
		return newError(CategoryInternal,
			fmt.Sprintf("unexpected registration status %d", resp.StatusCode), nil)
	}
}

// probe is the cheap no-op call confirming an existing registration is still
// usable.
func (i *Initializer) probe(ctx context.Context, d *Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	endpoint := d.ConfigURL + "?channelId=" + url.QueryEscape(i.channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
