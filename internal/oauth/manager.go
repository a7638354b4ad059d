package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aspect-build/notion-mcp/internal/crypto"
	"github.com/aspect-build/notion-mcp/internal/logx"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

// DefaultScope is granted when a flow requests none.
const DefaultScope = "notion.read"

// DefaultRefreshLookahead is how long before upstream expiry a session's
// upstream credential is refreshed proactively.
const DefaultRefreshLookahead = 60 * time.Second

// TokenStore is the subset of the vault the manager needs.
type TokenStore interface {
	FindTokenByID(id string) (*vault.TokenRecord, bool)
	FindTokenByAccess(token string) (*vault.TokenRecord, bool)
	FindTokenByRefresh(token string) (*vault.TokenRecord, bool)
	UpsertTokenRecord(rec *vault.TokenRecord) error
	UpdateTokenRecord(id string, fn func(*vault.TokenRecord) error) (*vault.TokenRecord, error)
	DeleteTokenRecord(id string) error
}

// UpstreamRefresher refreshes an upstream credential in place.
type UpstreamRefresher interface {
	Refresh(ctx context.Context, cred *vault.UpstreamCredential) error
}

// UpstreamAPI performs authenticated upstream API requests.
type UpstreamAPI interface {
	Do(ctx context.Context, accessToken, method, path string, body any) (json.RawMessage, error)
}

// ManagerConfig holds token lifetimes.
type ManagerConfig struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	RefreshLookahead time.Duration
}

// Manager issues, validates, rotates and revokes bearer sessions and keeps
// their upstream credentials fresh.
type Manager struct {
	store    TokenStore
	upstream UpstreamRefresher
	api      UpstreamAPI
	cfg      ManagerConfig
	now      func() time.Time
	group    singleflight.Group
}

// NewManager wires a Manager.
func NewManager(store TokenStore, refresher UpstreamRefresher, api UpstreamAPI, cfg ManagerConfig) *Manager {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.RefreshLookahead <= 0 {
		cfg.RefreshLookahead = DefaultRefreshLookahead
	}
	return &Manager{store: store, upstream: refresher, api: api, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// AccessTTL is the lifetime of issued bearer tokens.
func (m *Manager) AccessTTL() time.Duration { return m.cfg.AccessTTL }

// Issue mints a new session for a redeemed authorization code and
// persists it.
func (m *Manager) Issue(grant *CodeGrant) (*vault.TokenRecord, error) {
	access, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}
	refresh, err := crypto.RandomToken(48)
	if err != nil {
		return nil, err
	}
	id, err := crypto.RandomToken(12)
	if err != nil {
		return nil, err
	}

	scope := grant.Scope
	if scope == "" {
		scope = DefaultScope
	}
	now := m.now()
	rec := &vault.TokenRecord{
		ID:               id,
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  vault.MillisOf(now.Add(m.cfg.AccessTTL)),
		RefreshExpiresAt: vault.MillisOf(now.Add(m.cfg.RefreshTTL)),
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
		LastUsedAt:       now.UTC(),
		ClientID:         grant.ClientID,
		Scope:            scope,
		Upstream:         grant.Upstream,
	}
	if err := m.store.UpsertTokenRecord(rec); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	logx.Infof("oauth: issued session id=%s client=%s scope=%q", rec.ID, rec.ClientID, rec.Scope)
	return rec, nil
}

// Authenticate resolves a bearer token to its session, records the use and
// refreshes the upstream credential when it is about to expire. A failed
// proactive refresh is logged only; the request path retries on 401.
func (m *Manager) Authenticate(ctx context.Context, access string) (*vault.TokenRecord, error) {
	rec, ok := m.store.FindTokenByAccess(access)
	if !ok {
		return nil, ErrInvalidToken
	}
	now := m.now()
	if rec.AccessExpired(now) {
		return nil, ErrTokenExpired
	}

	rec, err := m.store.UpdateTokenRecord(rec.ID, func(r *vault.TokenRecord) error {
		if r.AccessToken != access {
			return ErrInvalidToken
		}
		r.LastUsedAt = now.UTC()
		return nil
	})
	if errors.Is(err, vault.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	if m.upstreamExpiring(rec, now) {
		fresh, err := m.refreshUpstream(ctx, rec.ID, rec.Upstream.AccessToken)
		if err != nil {
			logx.Warnf("oauth: proactive upstream refresh failed for session %s: %v", rec.ID, err)
		} else {
			rec = fresh
		}
	}
	return rec, nil
}

// Refresh rotates the access token of the session owning refreshToken.
// The refresh token itself is not rotated.
func (m *Manager) Refresh(refreshToken string) (*vault.TokenRecord, error) {
	rec, ok := m.store.FindTokenByRefresh(refreshToken)
	if !ok {
		return nil, ErrInvalidGrant
	}
	now := m.now()
	if rec.RefreshExpired(now) {
		if err := m.store.DeleteTokenRecord(rec.ID); err != nil {
			logx.Warnf("oauth: delete expired session %s: %v", rec.ID, err)
		}
		return nil, ErrRefreshExpired
	}

	access, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}
	rec, err = m.store.UpdateTokenRecord(rec.ID, func(r *vault.TokenRecord) error {
		if r.RefreshToken != refreshToken {
			return ErrInvalidGrant
		}
		r.AccessToken = access
		r.AccessExpiresAt = vault.MillisOf(now.Add(m.cfg.AccessTTL))
		r.UpdatedAt = now.UTC()
		return nil
	})
	if errors.Is(err, vault.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, err
	}
	logx.Debugf("oauth: rotated access token for session %s", rec.ID)
	return rec, nil
}

// Revoke deletes the session owning token, given as either its access or
// refresh token. Unknown tokens are not an error.
func (m *Manager) Revoke(token string) error {
	rec, ok := m.store.FindTokenByAccess(token)
	if !ok {
		rec, ok = m.store.FindTokenByRefresh(token)
	}
	if !ok {
		return nil
	}
	if err := m.store.DeleteTokenRecord(rec.ID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	logx.Infof("oauth: revoked session id=%s", rec.ID)
	return nil
}

func (m *Manager) upstreamExpiring(rec *vault.TokenRecord, now time.Time) bool {
	exp := rec.Upstream.ExpiresAt
	return exp != 0 && !now.Before(exp.Time().Add(-m.cfg.RefreshLookahead))
}

// refreshUpstream refreshes the upstream credential of session id. stale is
// the upstream access token the caller saw; if the stored one already
// differs and is not expiring, another request refreshed it and the stored
// record is returned as is. Concurrent calls for one session share a single
// provider round trip, and the work is detached from ctx cancellation so a
// rotated credential is always persisted.
func (m *Manager) refreshUpstream(ctx context.Context, id, stale string) (*vault.TokenRecord, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, _ := m.group.Do(id, func() (any, error) {
		cur, ok := m.store.FindTokenByID(id)
		if !ok {
			return nil, ErrInvalidToken
		}
		now := m.now()
		if cur.Upstream.AccessToken != stale && !m.upstreamExpiring(cur, now) {
			return cur, nil
		}

		cred := cur.Upstream
		if err := m.upstream.Refresh(ctx, &cred); err != nil {
			return nil, err
		}
		updated, err := m.store.UpdateTokenRecord(id, func(r *vault.TokenRecord) error {
			r.Upstream = cred
			r.UpdatedAt = now.UTC()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("persist refreshed upstream credential: %w", err)
		}
		logx.Debugf("oauth: refreshed upstream credential for session %s", id)
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*vault.TokenRecord), nil
}
