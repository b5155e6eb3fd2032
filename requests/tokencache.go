package requests

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Token is a cached OAuth access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenCache stores OAuth tokens between auth resolutions. Implementations
// must be safe for concurrent use.
type TokenCache interface {
	Get(key string) (Token, bool)
	Set(key string, tok Token)
}

// TokenCacheKey builds the cache key for a client-credentials grant.
func TokenCacheKey(tokenURL, clientID string, scopes []string) string {
	return tokenURL + "::" + clientID + "::" + strings.Join(scopes, " ")
}

// MemoryTokenCache is a process-local TokenCache whose entries expire with
// their tokens.
type MemoryTokenCache struct {
	c *gocache.Cache
}

// NewMemoryTokenCache creates a cache that sweeps expired tokens every
// cleanupInterval.
func NewMemoryTokenCache(cleanupInterval time.Duration) *MemoryTokenCache {
	return &MemoryTokenCache{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get implements TokenCache.
func (m *MemoryTokenCache) Get(key string) (Token, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return Token{}, false
	}
	tok, ok := v.(Token)
	return tok, ok
}

// Set implements TokenCache. Already-expired tokens are not stored.
func (m *MemoryTokenCache) Set(key string, tok Token) {
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return
	}
	m.c.Set(key, tok, ttl)
}

// ItemCount returns the number of cached tokens, including expired ones not
// yet swept.
func (m *MemoryTokenCache) ItemCount() int {
	return m.c.ItemCount()
}

// NopTokenCache never stores anything.
type NopTokenCache struct{}

// Get implements TokenCache.
func (NopTokenCache) Get(string) (Token, bool) { return Token{}, false }

// Set implements TokenCache.
func (NopTokenCache) Set(string, Token) {}
