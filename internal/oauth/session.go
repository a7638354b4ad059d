package oauth

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aspect-build/notion-mcp/internal/upstream"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

// ErrNoUpstreamCredential is returned when a session has no upstream token.
var ErrNoUpstreamCredential = errors.New("session has no notion access token")

// SessionCaller performs upstream API requests on behalf of one session.
type SessionCaller struct {
	m    *Manager
	id   string
	cred vault.UpstreamCredential
}

// Caller returns a SessionCaller bound to rec.
func (m *Manager) Caller(rec *vault.TokenRecord) *SessionCaller {
	return &SessionCaller{m: m, id: rec.ID, cred: rec.Upstream}
}

// Request sends one upstream request. If the upstream rejects the access
// token, the credential is refreshed and the request retried exactly once.
// The request is not cancelled when ctx is.
func (c *SessionCaller) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if c.cred.AccessToken == "" {
		return nil, ErrNoUpstreamCredential
	}
	ctx = context.WithoutCancel(ctx)

	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := c.m.api.Do(ctx, c.cred.AccessToken, method, path, body)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var apiErr *upstream.APIError
		if !errors.As(err, &apiErr) || !apiErr.Unauthorized() || attempt == maxAttempts-1 {
			break
		}
		rec, rerr := c.m.refreshUpstream(ctx, c.id, c.cred.AccessToken)
		if rerr != nil {
			return nil, rerr
		}
		c.cred = rec.Upstream
	}
	return nil, lastErr
}
