// Package auth manages access token lifecycle for the account pool:
// caching, expiry tracking, and single-flight refresh against the SSO
// OIDC endpoint.
package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CachedToken is one access token with its expiry.
type CachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenCache persists access tokens per account so a restart does not
// force a refresh for every account at once. Access tokens are short
// lived; losing the file only costs one refresh round.
type TokenCache struct {
	mu     sync.Mutex
	path   string
	tokens map[string]CachedToken
}

// NewTokenCache loads the cache file, starting empty when it is missing
// or unreadable.
func NewTokenCache(path string) *TokenCache {
	c := &TokenCache{path: path, tokens: map[string]CachedToken{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("auth: reading token cache %s: %v", path, err)
		}
		return c
	}
	if err := json.Unmarshal(data, &c.tokens); err != nil {
		log.Warnf("auth: token cache %s is corrupt, starting empty: %v", path, err)
		c.tokens = map[string]CachedToken{}
	}
	return c
}

// Get returns the cached token for an account.
func (c *TokenCache) Get(accountID string) (CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[accountID]
	return tok, ok
}

// Put stores a token and writes the cache through to disk.
func (c *TokenCache) Put(accountID string, tok CachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[accountID] = tok
	c.persistLocked()
}

// Delete drops an account's token, for example after its account is
// removed or its token was rejected upstream.
func (c *TokenCache) Delete(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tokens[accountID]; !ok {
		return
	}
	delete(c.tokens, accountID)
	c.persistLocked()
}

func (c *TokenCache) persistLocked() {
	if c.path == "" {
		return
	}
	data, err := json.MarshalIndent(c.tokens, "", "  ")
	if err != nil {
		log.Warnf("auth: encoding token cache: %v", err)
		return
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warnf("auth: creating %s: %v", dir, err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.json")
	if err != nil {
		log.Warnf("auth: writing token cache: %v", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err == nil {
		if err := tmp.Chmod(0o600); err == nil {
			if err := tmp.Close(); err == nil {
				if err := os.Rename(tmp.Name(), c.path); err != nil {
					log.Warnf("auth: writing token cache: %v", err)
				}
				return
			}
		}
	}
	tmp.Close()
}
