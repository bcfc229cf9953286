package auth

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/qgate-proxy/qgate/internal/auth/codewhisperer"
	"github.com/qgate-proxy/qgate/internal/metrics"
	"github.com/qgate-proxy/qgate/internal/registry"
)

// expiryMargin is how long before actual expiry a token is treated as
// expired. It must exceed the longest plausible upstream request setup
// time so a token never dies mid-request.
const expiryMargin = 5 * time.Minute

// retryBackoff is the wait before the single retry of a transient
// refresh failure.
const retryBackoff = 2 * time.Second

// ErrNoRefreshToken is returned for accounts missing credentials.
var ErrNoRefreshToken = errors.New("auth: account has no refresh token")

// Refresher is the token exchange dependency, satisfied by
// *codewhisperer.Client.
type Refresher interface {
	Refresh(ctx context.Context, creds codewhisperer.Credentials) (*codewhisperer.Token, error)
}

// Rotations receives refresh outcomes that must outlive the process,
// satisfied by *registry.Registry.
type Rotations interface {
	ApplyRotatedToken(id, refreshToken string) error
	RecordRefresh(id string, refreshErr error)
}

// Manager hands out valid access tokens for accounts. Concurrent callers
// asking for the same expired account share one upstream refresh; distinct
// accounts refresh independently.
type Manager struct {
	refresher Refresher
	rotations Rotations
	cache     *TokenCache
	group     singleflight.Group
	now       func() time.Time
}

// NewManager wires the manager. cache may be NewTokenCache("") for a
// purely in-memory cache.
func NewManager(refresher Refresher, rotations Rotations, cache *TokenCache) *Manager {
	return &Manager{
		refresher: refresher,
		rotations: rotations,
		cache:     cache,
		now:       time.Now,
	}
}

// AccessToken returns a token valid for at least the expiry margin,
// refreshing first when needed.
func (m *Manager) AccessToken(ctx context.Context, acc registry.Account) (string, error) {
	if tok, ok := m.cache.Get(acc.ID); ok && m.fresh(tok) {
		return tok.AccessToken, nil
	}
	return m.refresh(ctx, acc)
}

// ForceRefresh discards any cached token and refreshes. Used when the
// upstream rejects a token the cache still considers valid.
func (m *Manager) ForceRefresh(ctx context.Context, acc registry.Account) (string, error) {
	m.cache.Delete(acc.ID)
	return m.refresh(ctx, acc)
}

// Invalidate drops the cached token for an account.
func (m *Manager) Invalidate(accountID string) {
	m.cache.Delete(accountID)
}

// NeedsRefresh reports whether the account's cached token is inside the
// expiry margin. The background sweep uses this to refresh ahead of
// demand.
func (m *Manager) NeedsRefresh(accountID string) bool {
	tok, ok := m.cache.Get(accountID)
	return !ok || !m.fresh(tok)
}

func (m *Manager) fresh(tok CachedToken) bool {
	return tok.AccessToken != "" && m.now().Before(tok.ExpiresAt.Add(-expiryMargin))
}

func (m *Manager) refresh(ctx context.Context, acc registry.Account) (string, error) {
	if acc.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	v, err, shared := m.group.Do(acc.ID, func() (any, error) {
		// A refresh that finished while we queued makes this one a no-op.
		if tok, ok := m.cache.Get(acc.ID); ok && m.fresh(tok) {
			return tok.AccessToken, nil
		}
		return m.refreshOnce(ctx, acc)
	})
	if shared {
		log.Debugf("auth: refresh for account %s shared across callers", acc.ID)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refreshOnce(ctx context.Context, acc registry.Account) (string, error) {
	creds := codewhisperer.Credentials{
		RefreshToken: acc.RefreshToken,
		ClientID:     acc.ClientID,
		ClientSecret: acc.ClientSecret,
	}

	tok, err := m.refresher.Refresh(ctx, creds)
	if err != nil {
		var refreshErr *codewhisperer.RefreshError
		if errors.As(err, &refreshErr) && refreshErr.Temporary() {
			log.Warnf("auth: transient refresh failure for account %s, retrying: %v", acc.ID, err)
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			tok, err = m.refresher.Refresh(ctx, creds)
		}
	}
	m.rotations.RecordRefresh(acc.ID, err)
	metrics.RecordTokenRefresh(err)
	if err != nil {
		log.Errorf("auth: refreshing account %s: %v", acc.ID, err)
		return "", err
	}

	m.cache.Put(acc.ID, CachedToken{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt})
	if tok.RefreshToken != "" && tok.RefreshToken != acc.RefreshToken {
		if err := m.rotations.ApplyRotatedToken(acc.ID, tok.RefreshToken); err != nil {
			log.Errorf("auth: persisting rotated refresh token for %s: %v", acc.ID, err)
		}
	}
	log.Infof("auth: refreshed token for account %s, valid until %s", acc.ID, tok.ExpiresAt.Format(time.RFC3339))
	return tok.AccessToken, nil
}
