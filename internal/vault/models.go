package vault

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// CurrentVersion is the document version written by this package.
const CurrentVersion = 1

// Millis is a timestamp stored as Unix milliseconds, the format used for
// expiry fields in the vault document.
type Millis int64

// MillisOf converts t to Millis. The zero time maps to 0 (no expiry).
func MillisOf(t time.Time) Millis {
	if t.IsZero() {
		return 0
	}
	return Millis(t.UnixMilli())
}

// Time converts m back to a time.Time. 0 yields the zero time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m))
}

// Client is an OAuth client allowed to start the authorization flow.
type Client struct {
	ClientID     string    `json:"client_id"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
}

// AllowsRedirect reports whether uri is registered verbatim for the client.
func (c *Client) AllowsRedirect(uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// UpstreamCredential is the provider-side credential backing a session.
type UpstreamCredential struct {
	AccessToken   string          `json:"access_token"`
	RefreshToken  string          `json:"refresh_token,omitempty"`
	ExpiresAt     Millis          `json:"expires_at,omitempty"`
	WorkspaceID   string          `json:"workspace_id,omitempty"`
	WorkspaceName string          `json:"workspace_name,omitempty"`
	BotID         string          `json:"bot_id,omitempty"`
	Owner         json.RawMessage `json:"owner,omitempty"`
}

// TokenRecord is one issued session: a bearer/refresh pair bound to a client,
// a scope set and an upstream credential.
type TokenRecord struct {
	ID               string             `json:"id"`
	AccessToken      string             `json:"access_token"`
	RefreshToken     string             `json:"refresh_token"`
	AccessExpiresAt  Millis             `json:"access_expires_at"`
	RefreshExpiresAt Millis             `json:"refresh_expires_at"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	LastUsedAt       time.Time          `json:"last_used_at"`
	ClientID         string             `json:"client_id"`
	Scope            string             `json:"scopes"`
	Upstream         UpstreamCredential `json:"notion"`
}

// HasScope reports whether the space-separated scope list contains want.
// An empty requirement is always satisfied.
func (r *TokenRecord) HasScope(want string) bool {
	if want == "" {
		return true
	}
	return slices.Contains(strings.Fields(r.Scope), want)
}

// AccessExpired reports whether the bearer token has lapsed at now.
func (r *TokenRecord) AccessExpired(now time.Time) bool {
	return r.AccessExpiresAt != 0 && now.After(r.AccessExpiresAt.Time())
}

// RefreshExpired reports whether the refresh token has lapsed at now.
func (r *TokenRecord) RefreshExpired(now time.Time) bool {
	return r.RefreshExpiresAt != 0 && now.After(r.RefreshExpiresAt.Time())
}

// Vault is the decrypted document persisted by Store.
type Vault struct {
	Version int           `json:"version"`
	Clients []Client      `json:"clients"`
	Tokens  []TokenRecord `json:"tokens"`
}

func (c Client) clone() Client {
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.Scopes = slices.Clone(c.Scopes)
	return c
}

func (r TokenRecord) clone() TokenRecord {
	r.Upstream.Owner = slices.Clone(r.Upstream.Owner)
	return r
}

func (v *Vault) clone() Vault {
	out := Vault{
		Version: v.Version,
		Clients: make([]Client, len(v.Clients)),
		Tokens:  make([]TokenRecord, len(v.Tokens)),
	}
	for i := range v.Clients {
		out.Clients[i] = v.Clients[i].clone()
	}
	for i := range v.Tokens {
		out.Tokens[i] = v.Tokens[i].clone()
	}
	return out
}

func (v *Vault) normalize() {
	if v.Version == 0 {
		v.Version = CurrentVersion
	}
	if v.Clients == nil {
		v.Clients = []Client{}
	}
	if v.Tokens == nil {
		v.Tokens = []TokenRecord{}
	}
}
