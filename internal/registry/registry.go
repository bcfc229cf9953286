// Package registry holds the CodeWhisperer account pool. Exactly one
// account is active at a time; the active account's credentials back every
// upstream request until it is switched or removed.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound        = errors.New("registry: account not found")
	ErrNoActiveAccount = errors.New("registry: no accounts configured")
)

// Account is one stored SSO credential set.
type Account struct {
	ID           string    `json:"id"`
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	ProfileArn   string    `json:"profile_arn,omitempty"`
	Name         string    `json:"name,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`

	// Refresh bookkeeping, updated by the token manager.
	LastRefreshAt    time.Time `json:"last_refresh_at,omitempty"`
	LastRefreshError string    `json:"last_refresh_error,omitempty"`
}

// Redacted returns a copy safe to expose over the management API. The
// refresh token keeps its first 10 and last 4 characters, the client
// secret is always masked.
func (a Account) Redacted() Account {
	out := a
	out.RefreshToken = RedactSecret(a.RefreshToken)
	if out.ClientSecret != "" {
		out.ClientSecret = "***"
	}
	return out
}

// RedactSecret masks a credential for display.
func RedactSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 14 {
		return "***"
	}
	return s[:10] + "..." + s[len(s)-4:]
}

// Registry is the in-memory account pool with file persistence behind it.
// All mutating operations persist before returning.
type Registry struct {
	mu       sync.RWMutex
	accounts []*Account
	byID     map[string]*Account
	store    *Store
}

// New loads the pool from the store. A missing file starts an empty pool.
func New(store *Store) (*Registry, error) {
	r := &Registry{store: store, byID: map[string]*Account{}}
	accounts, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		a := acc
		r.accounts = append(r.accounts, &a)
		r.byID[a.ID] = &a
	}
	log.Infof("registry: loaded %d account(s) from %s", len(r.accounts), store.Path())
	return r, nil
}

// List returns all accounts in insertion order, redacted.
func (r *Registry) List() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc.Redacted())
	}
	return out
}

// Snapshot returns unredacted copies of all accounts, for internal
// callers such as the background refresh loop.
func (r *Registry) Snapshot() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, *acc)
	}
	return out
}

// Get returns the full, unredacted account.
func (r *Registry) Get(id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.byID[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *acc, nil
}

// Active returns the active account. When nothing is explicitly active the
// first account stands in, matching load order.
func (r *Registry) Active() (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, acc := range r.accounts {
		if acc.IsActive {
			return *acc, nil
		}
	}
	if len(r.accounts) > 0 {
		return *r.accounts[0], nil
	}
	return Account{}, ErrNoActiveAccount
}

// Add stores a new account. The first account in an empty pool becomes
// active automatically.
func (r *Registry) Add(acc Account) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if acc.RefreshToken == "" {
		return Account{}, errors.New("registry: refresh_token is required")
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if _, exists := r.byID[acc.ID]; exists {
		return Account{}, fmt.Errorf("registry: account %s already exists", acc.ID)
	}
	if acc.Name == "" {
		acc.Name = fmt.Sprintf("account %d", len(r.accounts)+1)
	}
	acc.CreatedAt = time.Now().UTC()
	acc.IsActive = len(r.accounts) == 0

	a := acc
	r.accounts = append(r.accounts, &a)
	r.byID[a.ID] = &a
	if err := r.persistLocked(); err != nil {
		return Account{}, err
	}
	log.Infof("registry: added account %s (%s), active=%v", a.ID, a.Name, a.IsActive)
	return a.Redacted(), nil
}

// Remove deletes an account. Removing the active account promotes the
// first remaining one so the pool never loses its single active slot
// while non-empty.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	wasActive := acc.IsActive
	delete(r.byID, id)
	for i, a := range r.accounts {
		if a.ID == id {
			r.accounts = append(r.accounts[:i], r.accounts[i+1:]...)
			break
		}
	}
	if wasActive && len(r.accounts) > 0 {
		r.accounts[0].IsActive = true
		log.Infof("registry: active account removed, promoted %s", r.accounts[0].ID)
	}
	return r.persistLocked()
}

// Activate makes the given account the single active one.
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for _, acc := range r.accounts {
		acc.IsActive = false
	}
	target.IsActive = true
	log.Infof("registry: activated account %s (%s)", target.ID, target.Name)
	return r.persistLocked()
}

// ApplyRotatedToken persists a refresh token rotation reported by the
// token endpoint. Losing a rotated token invalidates the account, so this
// writes through immediately.
func (r *Registry) ApplyRotatedToken(id, refreshToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if refreshToken == "" || refreshToken == acc.RefreshToken {
		return nil
	}
	acc.RefreshToken = refreshToken
	log.Infof("registry: rotated refresh token for account %s", id)
	return r.persistLocked()
}

// RecordRefresh notes the outcome of a token refresh attempt for the
// management API to report.
func (r *Registry) RecordRefresh(id string, refreshErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, ok := r.byID[id]
	if !ok {
		return
	}
	acc.LastRefreshAt = time.Now().UTC()
	if refreshErr != nil {
		acc.LastRefreshError = refreshErr.Error()
	} else {
		acc.LastRefreshError = ""
	}
	if err := r.persistLocked(); err != nil {
		log.Warnf("registry: persisting refresh status for %s: %v", id, err)
	}
}

// Replace swaps the in-memory pool for one loaded from disk. Used by the
// file watcher when the backing file is edited out of band.
func (r *Registry) Replace(accounts []Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = r.accounts[:0]
	r.byID = map[string]*Account{}
	for _, acc := range accounts {
		a := acc
		r.accounts = append(r.accounts, &a)
		r.byID[a.ID] = &a
	}
}

// Len returns the number of stored accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accounts)
}

func (r *Registry) persistLocked() error {
	accounts := make([]Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		accounts = append(accounts, *acc)
	}
	return r.store.Save(accounts)
}
