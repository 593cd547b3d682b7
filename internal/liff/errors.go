package liff

import (
	"errors"
	"fmt"
)

// Category classifies a provider failure at the boundary where it is first
// observed, so callers branch on the tag instead of matching error text.
type Category int

const (
	// CategoryTransient covers network failures and timeouts. Safe to retry
	// with backoff up to the caller's budget.
	CategoryTransient Category = iota
	// CategoryConfig covers configuration defects such as an invalid channel
	// ID. Retrying cannot succeed.
	CategoryConfig
	// CategoryIdentity covers invalid or expired access tokens. The token is
	// bad, not the transport; retrying the same token cannot succeed.
	CategoryIdentity
	// CategoryNeedsLogin is the expected negative: the user has no active
	// provider session. Not a fault.
	CategoryNeedsLogin
	// CategoryInternal covers unclassified failures that survived the retry
	// budget. Surfaced non-retryable with the last error preserved.
	CategoryInternal
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryConfig:
		return "config"
	case CategoryIdentity:
		return "identity"
	case CategoryNeedsLogin:
		return "needs_login"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("liff: %s: %v", e.Message, e.Err)
	}
	return "liff: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same operation can succeed.
func (e *Error) Retryable() bool {
	return e.Category == CategoryTransient
}

func newError(category Category, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// NewTransientError builds a classified transient failure.
func NewTransientError(message string) *Error {
	return newError(CategoryTransient, message, nil)
}

// NewConfigError builds a classified configuration failure.
func NewConfigError(message string) *Error {
	return newError(CategoryConfig, message, nil)
}

// NewIdentityError builds a classified identity failure.
func NewIdentityError(message string) *Error {
	return newError(CategoryIdentity, message, nil)
}

func categoryOf(err error) (Category, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Category, true
	}
	return 0, false
}

// IsTransient reports whether err is a classified transient failure.
func IsTransient(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryTransient
}

// IsConfig reports whether err is a classified configuration failure.
func IsConfig(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryConfig
}

// IsIdentity reports whether err is a classified identity failure.
func IsIdentity(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryIdentity
}

// IsNeedsLogin reports whether err is the expected no-session outcome.
func IsNeedsLogin(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryNeedsLogin
}
