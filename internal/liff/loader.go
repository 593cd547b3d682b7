package liff

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

// LoadState tracks the process-wide provider bootstrap lifecycle.
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Descriptor is the provider descriptor served from the CDN. It names the
// endpoints the rest of the pipeline talks to. A descriptor fetched from a
// cold edge can arrive incomplete; it is not usable until every endpoint is
// present.
type Descriptor struct {
	Version    string `json:"version"`
	VerifyURL  string `json:"verifyUrl"`
	ProfileURL string `json:"profileUrl"`
	ConfigURL  string `json:"configUrl"`
}

func (d *Descriptor) usable() bool {
	return d != nil && d.VerifyURL != "" && d.ProfileURL != "" && d.ConfigURL != ""
}

const (
	// signalWindow bounds how long a load waits for an externally triggered
	// bootstrap to report before giving up on that path.
	signalWindow = 3 * time.Second
	// ownFetchGrace is how long a load holds off on its own fetch to give an
	// in-flight external bootstrap a chance to win first.
	ownFetchGrace = 1 * time.Second
	// usableWindow bounds the poll for an incomplete descriptor to fill in.
	usableWindow       = 10 * time.Second
	usablePollInterval = 250 * time.Millisecond

	fetchRetryDelay = 500 * time.Millisecond
)

// Loader bootstraps the provider descriptor exactly once per process.
// Concurrent callers share a single in-flight load, and a completed load is
// reused for the lifetime of the process.
type Loader struct {
	client      *http.Client
	primaryURL  string
	fallbackURL string
	logger      *slog.Logger

	mu         sync.Mutex
	state      LoadState
	descriptor *Descriptor

	signalMu   sync.Mutex
	signalCh   chan struct{}
	signalDesc *Descriptor
	signalErr  error
	signalDone bool

	group singleflight.Group
}

// NewLoader creates a Loader fetching from primaryURL with fallbackURL as the
// pinned-version backup.
func NewLoader(client *http.Client, primaryURL, fallbackURL string, logger *slog.Logger) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Loader{
		client:      client,
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		logger:      logger,
		signalCh:    make(chan struct{}),
	}
}

// State returns the current bootstrap state.
func (l *Loader) State() LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Descriptor returns the loaded descriptor, or a transient error if the
// bootstrap has not completed. Exchange callers must not run before LOADED.
func (l *Loader) Descriptor() (*Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateLoaded {
		return nil, newError(CategoryTransient, fmt.Sprintf("provider descriptor not loaded (state %s)", l.state), nil)
	}
	return l.descriptor, nil
}

// NotifyLoaded reports a descriptor obtained by an external bootstrap path
// (e.g. the startup warm-up). The first notification wins; later ones are
// ignored.
func (l *Loader) NotifyLoaded(d *Descriptor) {
	l.signal(d, nil)
}

// NotifyFailed reports that an external bootstrap path gave up.
func (l *Loader) NotifyFailed(err error) {
	l.signal(nil, err)
}

func (l *Loader) signal(d *Descriptor, err error) {
	l.signalMu.Lock()
	defer l.signalMu.Unlock()
	if l.signalDone {
		return
	}
	l.signalDone = true
	l.signalDesc = d
	l.signalErr = err
	close(l.signalCh)
}

func (l *Loader) signalOutcome() (*Descriptor, error) {
	l.signalMu.Lock()
	defer l.signalMu.Unlock()
	return l.signalDesc, l.signalErr
}

// EnsureLoaded returns the provider descriptor, bootstrapping it if needed.
// Idempotent once loaded. Concurrent callers during LOADING share the same
// underlying load. A caller whose context expires abandons the wait; the
// shared load keeps running and its eventual result is reused by later
// callers rather than triggering a second fetch.
func (l *Loader) EnsureLoaded(ctx context.Context, maxRetries int) (*Descriptor, error) {
	l.mu.Lock()
	if l.state == StateLoaded {
		d := l.descriptor
		l.mu.Unlock()
		return d, nil
	}
	l.mu.Unlock()

	ch := l.group.DoChan("load", func() (any, error) {
		return l.load(maxRetries)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Descriptor), nil
	case <-ctx.Done():
		return nil, newError(CategoryTransient, "wait for provider bootstrap cancelled", ctx.Err())
	}
}

// load races two strategies: waiting for an externally triggered bootstrap
// to signal, and fetching the descriptor itself after a short grace period.
// First result wins; the loser is left to finish harmlessly.
func (l *Loader) load(maxRetries int) (*Descriptor, error) {
	l.mu.Lock()
	if l.state == StateLoaded {
		d := l.descriptor
		l.mu.Unlock()
		return d, nil
	}
	l.state = StateLoading
	l.mu.Unlock()

	signalCh := l.waitSignalChan()

	ownCh := make(chan ownFetchResult, 1)
	var ownStarted bool
	startOwn := func() {
		if ownStarted {
			return
		}
		ownStarted = true
		go func() {
			d, err := l.fetch(maxRetries)
			ownCh <- ownFetchResult{d: d, err: err}
		}()
	}

	grace := time.NewTimer(ownFetchGrace)
	defer grace.Stop()
	window := time.NewTimer(signalWindow)
	defer window.Stop()

	for {
		select {
		case <-signalCh:
			d, err := l.signalOutcome()
			if err == nil && d.usable() {
				return l.finish(d)
			}
			if l.logger != nil {
				l.logger.Warn("external provider bootstrap failed, fetching directly", "error", err)
			}
			signalCh = nil
			startOwn()
		case <-grace.C:
			startOwn()
		case <-window.C:
			signalCh = nil
			startOwn()
		case r := <-ownCh:
			if r.err != nil {
				l.mu.Lock()
				l.state = StateFailed
				l.mu.Unlock()
				return nil, r.err
			}
			return l.finish(r.d)
		}
	}
}

type ownFetchResult struct {
	d   *Descriptor
	err error
}

func (l *Loader) waitSignalChan() <-chan struct{} {
	l.signalMu.Lock()
	defer l.signalMu.Unlock()
	return l.signalCh
}

func (l *Loader) finish(d *Descriptor) (*Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateLoaded {
		l.state = StateLoaded
		l.descriptor = d
	}
	return l.descriptor, nil
}

// fetch retrieves the descriptor with bounded retry and linear backoff. Each
// attempt tries the primary CDN URL, falls back to the pinned URL, and then
// polls an incomplete descriptor until it becomes usable.
func (l *Loader) fetch(maxRetries int) (*Descriptor, error) {
	var out *Descriptor
	backoff := retry.WithMaxRetries(uint64(maxRetries), linearBackoff(fetchRetryDelay))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		d, err := l.fetchOnce(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		d, err = l.awaitUsable(ctx, d)
		if err != nil {
			return retry.RetryableError(err)
		}
		out = d
		return nil
	})
	if err != nil {
		if IsTransient(err) {
			return nil, err
		}
		return nil, newError(CategoryTransient, "provider descriptor fetch exhausted retries", err)
	}
	return out, nil
}

// FetchDescriptor performs a single fetch attempt without touching the shared
// load state. Used by the startup warm-up, which reports through
// NotifyLoaded/NotifyFailed.
func (l *Loader) FetchDescriptor(ctx context.Context) (*Descriptor, error) {
	d, err := l.fetchOnce(ctx)
	if err != nil {
		return nil, err
	}
	return l.awaitUsable(ctx, d)
}

func (l *Loader) fetchOnce(ctx context.Context) (*Descriptor, error) {
	d, primaryErr := l.fetchURL(ctx, l.primaryURL)
	if primaryErr == nil {
		return d, nil
	}
	if l.logger != nil {
		l.logger.Warn("primary descriptor fetch failed, trying fallback", "url", l.primaryURL, "error", primaryErr)
	}

	d, fallbackErr := l.fetchURL(ctx, l.fallbackURL)
	if fallbackErr == nil {
		return d, nil
	}
	return nil, newError(CategoryTransient,
		fmt.Sprintf("descriptor unreachable (primary: %v)", primaryErr), fallbackErr)
}

func (l *Loader) fetchURL(ctx context.Context, url string) (*Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("descriptor endpoint returned status %d", resp.StatusCode)
	}

	var d Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &d, nil
}

// awaitUsable polls an incomplete descriptor until its endpoints appear. A
// successful fetch does not guarantee a usable descriptor: a cold edge can
// serve the document before the endpoint set is published.
func (l *Loader) awaitUsable(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	if d.usable() {
		return d, nil
	}

	deadline := time.NewTimer(usableWindow)
	defer deadline.Stop()
	tick := time.NewTicker(usablePollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, newError(CategoryTransient, "descriptor poll cancelled", ctx.Err())
		case <-deadline.C:
			return nil, newError(CategoryTransient, "descriptor never became usable", nil)
		case <-tick.C:
			refreshed, err := l.fetchOnce(ctx)
			if err != nil {
				continue
			}
			if refreshed.usable() {
				return refreshed, nil
			}
		}
	}
}

// linearBackoff grows the delay by a fixed step per attempt.
func linearBackoff(step time.Duration) retry.Backoff {
	var attempt int
	var mu sync.Mutex
	return retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		return time.Duration(attempt) * step, false
	})
}
