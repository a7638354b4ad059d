package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/notion-mcp/internal/crypto"
	"github.com/aspect-build/notion-mcp/internal/logx"
	"github.com/aspect-build/notion-mcp/internal/oauth"
	"github.com/aspect-build/notion-mcp/internal/tools"
	"github.com/aspect-build/notion-mcp/internal/upstream"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

const maxRegistrationBytes = 64 << 10

// ClientStore resolves and registers OAuth clients.
type ClientStore interface {
	FindClient(id string, fallback *vault.Client) (*vault.Client, bool)
	UpsertClient(c *vault.Client) error
}

// UpstreamAuth runs the Notion half of the authorization flow.
type UpstreamAuth interface {
	AuthCodeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (*vault.UpstreamCredential, error)
}

// OAuthDeps is what the authorization server endpoints share.
type OAuthDeps struct {
	BaseURL       string
	Clients       ClientStore
	DefaultClient *vault.Client
	Codes         *oauth.CodeCache
	Tokens        *oauth.Manager
	Upstream      UpstreamAuth
	StateKey      []byte
	// CodeTTL bounds both the signed state and the authorization code.
	CodeTTL time.Duration
	Now     func() time.Time
}

func (d *OAuthDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func oauthError(c *gin.Context, err *oauth.Error) {
	c.JSON(err.Status, gin.H{"error": err.Code})
}

// HandleProtectedResource handles GET /.well-known/oauth-protected-resource.
func HandleProtectedResource(baseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"resource":                 baseURL + "/mcp",
			"authorization_servers":    []string{baseURL},
			"scopes_supported":         tools.Scopes,
			"bearer_methods_supported": []string{"header"},
		})
	}
}

// HandleAuthorizationServer handles GET /.well-known/oauth-authorization-server.
func HandleAuthorizationServer(baseURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"issuer":                                baseURL,
			"authorization_endpoint":                baseURL + "/authorize",
			"token_endpoint":                        baseURL + "/token",
			"registration_endpoint":                 baseURL + "/register",
			"revocation_endpoint":                   baseURL + "/revoke",
			"response_types_supported":              []string{"code"},
			"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
			"code_challenge_methods_supported":      []string{oauth.PKCEMethodS256},
			"token_endpoint_auth_methods_supported": []string{"none"},
			"scopes_supported":                      tools.Scopes,
		})
	}
}

// grantableScope normalizes requested into a space-separated list and
// checks every entry is a known scope the client may hold.
func grantableScope(requested string, client *vault.Client) (string, bool) {
	fields := strings.Fields(requested)
	if len(fields) == 0 {
		fields = []string{oauth.DefaultScope}
	}
	out := make([]string, 0, len(fields))
	for _, s := range fields {
		if !slices.Contains(tools.Scopes, s) || !slices.Contains(client.Scopes, s) {
			return "", false
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return strings.Join(out, " "), true
}

// HandleAuthorize handles GET /authorize. It validates the client request,
// wraps it in signed state and redirects the browser to Notion's consent
// screen.
func HandleAuthorize(d *OAuthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("response_type") != "code" {
			oauthError(c, oauth.ErrUnsupportedResponseType)
			return
		}
		clientID := c.Query("client_id")
		client, ok := d.Clients.FindClient(clientID, d.DefaultClient)
		if !ok {
			oauthError(c, oauth.ErrInvalidClient)
			return
		}
		redirectURI := c.Query("redirect_uri")
		if !client.AllowsRedirect(redirectURI) {
			oauthError(c, oauth.ErrInvalidRedirectURI)
			return
		}
		challenge, method := c.Query("code_challenge"), c.Query("code_challenge_method")
		if challenge == "" || method != oauth.PKCEMethodS256 {
			oauthError(c, oauth.ErrInvalidPKCE)
			return
		}
		scope, ok := grantableScope(c.Query("scope"), client)
		if !ok {
			oauthError(c, oauth.ErrInvalidScope)
			return
		}

		nonce, err := crypto.RandomToken(16)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "authorize_failed"})
			return
		}
		state, err := oauth.SignState(&oauth.StatePayload{
			Nonce:               nonce,
			IssuedAt:            d.now().UnixMilli(),
			ClientID:            clientID,
			RedirectURI:         redirectURI,
			Scope:               scope,
			ClientState:         c.Query("state"),
			CodeChallenge:       challenge,
			CodeChallengeMethod: method,
		}, d.StateKey)
		if err != nil {
			logx.Errorf("authorize: sign state: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "authorize_failed"})
			return
		}

		target, err := d.Upstream.AuthCodeURL(state)
		if errors.Is(err, upstream.ErrNotConfigured) {
			logx.Errorf("authorize: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "notion_client_missing"})
			return
		}
		if err != nil {
			logx.Errorf("authorize: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "authorize_failed"})
			return
		}
		c.Redirect(http.StatusFound, target)
	}
}

// HandleCallback handles GET /oauth/callback, Notion's redirect back after
// consent. The upstream code is exchanged immediately and the resulting
// credential parked under a fresh authorization code for the client.
func HandleCallback(d *OAuthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if e := c.Query("error"); e != "" {
			logx.Infof("callback: notion returned error=%q", e)
			oauthError(c, oauth.ErrUpstreamDenied)
			return
		}
		code, rawState := c.Query("code"), c.Query("state")
		if code == "" || rawState == "" {
			oauthError(c, oauth.ErrMissingCodeOrState)
			return
		}
		payload, ok := oauth.VerifyState(rawState, d.StateKey)
		if !ok {
			oauthError(c, oauth.ErrInvalidState)
			return
		}
		now := d.now()
		if now.Sub(payload.Issued()) > d.CodeTTL {
			oauthError(c, oauth.ErrStateExpired)
			return
		}
		redirect, err := url.Parse(payload.RedirectURI)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "oauth_callback_failed"})
			return
		}

		cred, err := d.Upstream.Exchange(c.Request.Context(), code)
		if err != nil {
			logx.Errorf("callback: notion code exchange failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "oauth_callback_failed"})
			return
		}

		authCode, err := crypto.RandomToken(24)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "oauth_callback_failed"})
			return
		}
		err = d.Codes.Save(authCode, &oauth.CodeGrant{
			ClientID:            payload.ClientID,
			RedirectURI:         payload.RedirectURI,
			Scope:               payload.Scope,
			CodeChallenge:       payload.CodeChallenge,
			CodeChallengeMethod: payload.CodeChallengeMethod,
			Upstream:            *cred,
			CreatedAt:           now,
		})
		if errors.Is(err, oauth.ErrCodeCacheFull) {
			logx.Warnf("callback: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "oauth_callback_failed"})
			return
		}

		q := redirect.Query()
		q.Set("code", authCode)
		if payload.ClientState != "" {
			q.Set("state", payload.ClientState)
		}
		redirect.RawQuery = q.Encode()
		logx.Infof("callback: issued authorization code for client %s workspace %s", payload.ClientID, cred.WorkspaceID)
		c.Redirect(http.StatusFound, redirect.String())
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func newTokenResponse(rec *vault.TokenRecord, ttl time.Duration) *tokenResponse {
	return &tokenResponse{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ttl / time.Second),
		Scope:        rec.Scope,
	}
}

// HandleToken handles POST /token for the authorization_code and
// refresh_token grants.
func HandleToken(d *OAuthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.PostForm("grant_type") {
		case "authorization_code":
			exchangeCode(c, d)
		case "refresh_token":
			rec, err := d.Tokens.Refresh(c.PostForm("refresh_token"))
			if err != nil {
				renderGrantError(c, err)
				return
			}
			c.JSON(http.StatusOK, newTokenResponse(rec, d.Tokens.AccessTTL()))
		default:
			oauthError(c, oauth.ErrUnsupportedGrantType)
		}
	}
}

func exchangeCode(c *gin.Context, d *OAuthDeps) {
	clientID, redirectURI := c.PostForm("client_id"), c.PostForm("redirect_uri")
	client, ok := d.Clients.FindClient(clientID, d.DefaultClient)
	if !ok {
		oauthError(c, oauth.ErrInvalidClient)
		return
	}
	if !client.AllowsRedirect(redirectURI) {
		oauthError(c, oauth.ErrInvalidRedirectURI)
		return
	}
	grant, ok := d.Codes.Consume(c.PostForm("code"))
	if !ok {
		oauthError(c, oauth.ErrInvalidCode)
		return
	}
	if d.now().Sub(grant.CreatedAt) > d.CodeTTL {
		oauthError(c, oauth.ErrCodeExpired)
		return
	}
	if grant.ClientID != clientID || grant.RedirectURI != redirectURI {
		oauthError(c, oauth.ErrInvalidRequest)
		return
	}
	if !oauth.VerifyPKCE(c.PostForm("code_verifier"), grant.CodeChallenge, grant.CodeChallengeMethod) {
		oauthError(c, oauth.ErrInvalidPKCE)
		return
	}

	rec, err := d.Tokens.Issue(grant)
	if err != nil {
		logx.Errorf("token: issue session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_failed"})
		return
	}
	c.JSON(http.StatusOK, newTokenResponse(rec, d.Tokens.AccessTTL()))
}

func renderGrantError(c *gin.Context, err error) {
	var oe *oauth.Error
	if errors.As(err, &oe) {
		oauthError(c, oe)
		return
	}
	logx.Errorf("token: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "token_failed"})
}

// HandleRevoke handles POST /revoke (RFC 7009). Unknown tokens are not an
// error, so the response is 200 whenever the request is well formed.
func HandleRevoke(d *OAuthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.PostForm("token")
		if token == "" {
			oauthError(c, oauth.ErrInvalidRequest)
			return
		}
		if err := d.Tokens.Revoke(token); err != nil {
			logx.Errorf("revoke: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable"})
			return
		}
		c.Status(http.StatusOK)
	}
}

type registerRequest struct {
	ClientName   string   `json:"client_name" binding:"required"`
	RedirectURIs []string `json:"redirect_uris" binding:"required,min=1,dive,required"`
	Scope        string   `json:"scope"`
}

// HandleRegister handles POST /register (RFC 7591 dynamic client
// registration for public clients).
func HandleRegister(d *OAuthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRegistrationBytes)
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			oauthError(c, oauth.ErrInvalidClientMetadata)
			return
		}
		for _, raw := range req.RedirectURIs {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" || u.Fragment != "" {
				oauthError(c, oauth.ErrInvalidRedirectURI)
				return
			}
		}
		scopes := strings.Fields(req.Scope)
		if len(scopes) == 0 {
			scopes = []string{oauth.DefaultScope}
		}
		for _, s := range scopes {
			if !slices.Contains(tools.Scopes, s) {
				oauthError(c, oauth.ErrInvalidClientMetadata)
				return
			}
		}

		suffix, err := crypto.RandomToken(10)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
			return
		}
		client := &vault.Client{
			ClientID:     "mcp-" + suffix,
			ClientName:   req.ClientName,
			RedirectURIs: req.RedirectURIs,
			Scopes:       scopes,
			CreatedAt:    d.now().UTC(),
		}
		if err := d.Clients.UpsertClient(client); err != nil {
			logx.Errorf("register: persist client: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
			return
		}
		logx.Infof("register: new client %s (%s)", client.ClientID, client.ClientName)

		c.JSON(http.StatusCreated, gin.H{
			"client_id":                  client.ClientID,
			"client_name":                client.ClientName,
			"client_id_issued_at":        client.CreatedAt.Unix(),
			"token_endpoint_auth_method": "none",
			"grant_types":                []string{"authorization_code", "refresh_token"},
			"response_types":             []string{"code"},
			"redirect_uris":              client.RedirectURIs,
			"scope":                      strings.Join(client.Scopes, " "),
		})
	}
}
