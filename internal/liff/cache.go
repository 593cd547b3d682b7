package liff

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PersistedSession is the last verified embedded credential for one client.
// It only short-circuits provider round-trips; it is never authoritative on
// its own, and a record past its expiry is never returned.
type PersistedSession struct {
	AccessToken  string
	Profile      Profile
	RestaurantID *uuid.UUID
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Cache stores verified embedded credentials across requests, keyed by
// CacheKey of the access token.
type Cache struct {
	mu      sync.Mutex
	entries map[string]PersistedSession
	now     func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]PersistedSession),
		now:     time.Now,
	}
}

// CacheKey derives the cache key for an access token. The raw token is never
// used as a map key directly.
func CacheKey(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}

// Save stores a verified credential under key.
func (c *Cache) Save(key string, session PersistedSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = session
}

// Load returns the credential for key. An expired record is deleted and
// reported as absent, unconditionally.
func (c *Cache) Load(key string) (PersistedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.entries[key]
	if !ok {
		return PersistedSession{}, false
	}
	if !c.now().Before(session.ExpiresAt) {
		delete(c.entries, key)
		return PersistedSession{}, false
	}
	return session, true
}

// Clear removes the credential for key, if present.
func (c *Cache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge drops every expired record and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for key, session := range c.entries {
		if !now.Before(session.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
