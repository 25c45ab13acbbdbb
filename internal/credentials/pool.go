// Package credentials manages the pool of upstream OAuth credentials:
// disable-aware round-robin selection, token refresh through the identity
// provider, and per-credential call accounting.
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/gwpool/gemini-gateway/internal/clock"
	"github.com/gwpool/gemini-gateway/internal/store"
)

var ErrNoCredentialsAvailable = errors.New("no credentials available")

// Credential is one rotatable upstream identity. The pool exclusively owns
// these records; callers interact through Lease values and pool methods.
type Credential struct {
	AccessToken  string         `toml:"access_token"`
	RefreshToken string         `toml:"refresh_token,omitempty"`
	ProjectID    string         `toml:"project_id"`
	Disabled     bool           `toml:"disabled,omitempty"`
	LastSuccess  string         `toml:"last_success,omitempty"`
	SuccessCount int            `toml:"success_count,omitempty"`
	ErrorCodes   map[string]int `toml:"error_codes,omitempty"`
}

// Lease is the read-only view of a borrowed credential. The borrower keeps
// only the ID; all state changes go back through the pool.
type Lease struct {
	ID      string
	Token   string
	Project string
}

// TokenRefresher mints a fresh access token for a credential via the
// external identity provider.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred Credential) (string, error)
}

// Pool serves credentials round-robin over the active subset. A single lock
// protects the cursor; token refresh runs outside it once the target
// credential is captured.
type Pool struct {
	mu        sync.Mutex
	ids       []string
	cursor    int
	store     *store.Store[Credential]
	refresher TokenRefresher
	logger    *slog.Logger
}

// NewPool builds a pool over the already-loaded credential store. IDs are
// ordered lexically so rotation order is stable across restarts.
func NewPool(st *store.Store[Credential], refresher TokenRefresher, logger *slog.Logger) (*Pool, error) {
	var ids []string
	st.View(func(m map[string]Credential) {
		for id := range m {
			ids = append(ids, id)
		}
	})
	if len(ids) == 0 {
		return nil, ErrNoCredentialsAvailable
	}
	sort.Strings(ids)

	return &Pool{
		ids:       ids,
		store:     st,
		refresher: refresher,
		logger:    logger,
	}, nil
}

// Borrow returns the credential at the cursor, skipping disabled entries.
// The second return is false only when every credential is disabled.
func (p *Pool) Borrow() (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.ids)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		id := p.ids[idx]
		cred, ok := p.store.Get(id)
		if !ok || cred.Disabled {
			continue
		}
		p.cursor = idx
		return Lease{ID: id, Token: cred.AccessToken, Project: cred.ProjectID}, true
	}
	return Lease{}, false
}

// Rotate advances the cursor without counting a call. The next Borrow skips
// any disabled credentials from the new position.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return
	}
	p.cursor = (p.cursor + 1) % len(p.ids)
}

// Refresh mints a new access token for the given credential. On success the
// token is updated in place and true is returned; on failure the credential
// is left untouched and eligible for disabling by the caller.
func (p *Pool) Refresh(ctx context.Context, id string) bool {
	cred, ok := p.store.Get(id)
	if !ok {
		return false
	}
	if p.refresher == nil {
		p.logger.Debug("No token refresher configured", "credential", id)
		return false
	}

	// Network call runs outside both the pool and store locks.
	token, err := p.refresher.Refresh(ctx, cred)
	if err != nil {
		p.logger.Error("Failed to refresh access token", "credential", id, "error", err)
		return false
	}

	p.store.Update(func(m map[string]Credential) {
		c, exists := m[id]
		if !exists {
			return
		}
		c.AccessToken = token
		m[id] = c
	})
	p.logger.Info("Access token refreshed", "credential", id)
	return true
}

// Disable marks a credential ineligible for selection. Persisted.
func (p *Pool) Disable(id string) {
	p.setDisabled(id, true)
}

// Enable re-admits a credential to the rotation. Persisted.
func (p *Pool) Enable(id string) {
	p.setDisabled(id, false)
}

func (p *Pool) setDisabled(id string, disabled bool) {
	p.store.Update(func(m map[string]Credential) {
		c, exists := m[id]
		if !exists {
			return
		}
		c.Disabled = disabled
		m[id] = c
	})
	p.logger.Warn("Credential availability changed", "credential", id, "disabled", disabled)
}

// Record updates per-credential call counters. Rotation-only paths must not
// call it; the engine records at most once per upstream attempt.
func (p *Pool) Record(id string, ok bool, statusCode int) {
	p.store.Update(func(m map[string]Credential) {
		c, exists := m[id]
		if !exists {
			return
		}
		if ok {
			c.SuccessCount++
			c.LastSuccess = clock.NowString()
		} else {
			if c.ErrorCodes == nil {
				c.ErrorCodes = make(map[string]int)
			}
			c.ErrorCodes[strconv.Itoa(statusCode)]++
		}
		m[id] = c
	})
}

// Get returns a copy of one credential record.
func (p *Pool) Get(id string) (Credential, bool) {
	return p.store.Get(id)
}

// ActiveCount returns the number of enabled credentials.
func (p *Pool) ActiveCount() int {
	count := 0
	p.store.View(func(m map[string]Credential) {
		for _, c := range m {
			if !c.Disabled {
				count++
			}
		}
	})
	return count
}

// Size returns the total number of credentials, disabled included.
func (p *Pool) Size() int {
	return len(p.ids)
}

// Snapshot returns a copy of all credential records keyed by ID.
func (p *Pool) Snapshot() map[string]Credential {
	out := make(map[string]Credential, len(p.ids))
	p.store.View(func(m map[string]Credential) {
		for id, c := range m {
			out[id] = c
		}
	})
	return out
}
