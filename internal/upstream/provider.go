// Package upstream talks to Notion: the OAuth token endpoint through
// golang.org/x/oauth2 and the REST API through a small JSON client.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/aspect-build/notion-mcp/internal/vault"
)

const (
	DefaultAuthURL  = "https://api.notion.com/v1/oauth/authorize"
	DefaultTokenURL = "https://api.notion.com/v1/oauth/token"
	DefaultAPIBase  = "https://api.notion.com/v1"
	DefaultVersion  = "2025-09-03"

	// defaultTokenLifetime applies when the provider omits expires_in.
	defaultTokenLifetime = time.Hour
)

// ErrNotConfigured is returned when Notion client credentials are missing.
var ErrNotConfigured = errors.New("notion oauth client is not configured")

// ProviderConfig holds the Notion OAuth integration settings.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	// HTTPClient overrides the client used for token requests.
	HTTPClient *http.Client
}

// Provider performs the upstream halves of the OAuth flow.
type Provider struct {
	cfg  *oauth2.Config
	http *http.Client
	now  func() time.Time
}

// NewProvider builds a Provider. Missing credentials are not an error here;
// they surface as ErrNotConfigured on first use.
func NewProvider(c ProviderConfig) *Provider {
	authURL, tokenURL := c.AuthURL, c.TokenURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &Provider{
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			RedirectURL:  c.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		http: c.HTTPClient,
		now:  time.Now,
	}
}

// Configured reports whether client credentials are present.
func (p *Provider) Configured() bool {
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != ""
}

// AuthCodeURL returns the Notion consent URL carrying state.
func (p *Provider) AuthCodeURL(state string) (string, error) {
	if !p.Configured() {
		return "", ErrNotConfigured
	}
	return p.cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("owner", "user")), nil
}

// Exchange trades an authorization code for an upstream credential.
func (p *Provider) Exchange(ctx context.Context, code string) (*vault.UpstreamCredential, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	tok, err := p.cfg.Exchange(p.context(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("notion code exchange: %w", wrapRetrieveError(err))
	}
	cred := &vault.UpstreamCredential{}
	p.apply(cred, tok)
	return cred, nil
}

// Refresh obtains a new access token for cred and updates it in place.
// Identity fields the provider omits are kept; a missing new refresh token
// keeps the old one.
func (p *Provider) Refresh(ctx context.Context, cred *vault.UpstreamCredential) error {
	if !p.Configured() {
		return ErrNotConfigured
	}
	if cred.RefreshToken == "" {
		return errors.New("notion refresh: no refresh token stored")
	}
	tok, err := p.cfg.TokenSource(p.context(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return fmt.Errorf("notion refresh: %w", wrapRetrieveError(err))
	}
	p.apply(cred, tok)
	return nil
}

func (p *Provider) context(ctx context.Context) context.Context {
	if p.http != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.http)
	}
	return ctx
}

func (p *Provider) apply(cred *vault.UpstreamCredential, tok *oauth2.Token) {
	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = p.now().Add(defaultTokenLifetime)
	}
	cred.ExpiresAt = vault.MillisOf(expiry)

	if v := extraString(tok, "workspace_id"); v != "" {
		cred.WorkspaceID = v
	}
	if v := extraString(tok, "workspace_name"); v != "" {
		cred.WorkspaceName = v
	}
	if v := extraString(tok, "bot_id"); v != "" {
		cred.BotID = v
	}
	if owner := tok.Extra("owner"); owner != nil {
		if raw, err := json.Marshal(owner); err == nil {
			cred.Owner = raw
		}
	}
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

// wrapRetrieveError turns a token endpoint failure into an *APIError so
// callers handle all provider errors the same way.
func wrapRetrieveError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	apiErr := &APIError{Err: err}
	if re.Response != nil {
		apiErr.Status = re.Response.StatusCode
	}
	if json.Valid(re.Body) {
		apiErr.Details = json.RawMessage(re.Body)
	}
	return apiErr
}
