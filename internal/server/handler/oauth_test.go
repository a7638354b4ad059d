package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/notion-mcp/internal/oauth"
	"github.com/aspect-build/notion-mcp/internal/upstream"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testStateKey = []byte("state-key-for-tests")

type memClients struct {
	clients map[string]*vault.Client
}

func (m *memClients) FindClient(id string, fallback *vault.Client) (*vault.Client, bool) {
	if c, ok := m.clients[id]; ok {
		return c, true
	}
	if fallback != nil && fallback.ClientID == id {
		return fallback, true
	}
	return nil, false
}

func (m *memClients) UpsertClient(c *vault.Client) error {
	if m.clients == nil {
		m.clients = make(map[string]*vault.Client)
	}
	m.clients[c.ClientID] = c
	return nil
}

type stubUpstream struct {
	authErr     error
	exchangeErr error
	exchanged   []string
}

func (s *stubUpstream) AuthCodeURL(state string) (string, error) {
	if s.authErr != nil {
		return "", s.authErr
	}
	return "https://notion.test/authorize?state=" + url.QueryEscape(state), nil
}

func (s *stubUpstream) Exchange(_ context.Context, code string) (*vault.UpstreamCredential, error) {
	s.exchanged = append(s.exchanged, code)
	if s.exchangeErr != nil {
		return nil, s.exchangeErr
	}
	return &vault.UpstreamCredential{AccessToken: "ntn_x", WorkspaceID: "ws-1"}, nil
}

func newDeps(up *stubUpstream) *OAuthDeps {
	return &OAuthDeps{
		BaseURL: "https://bridge.test",
		Clients: &memClients{},
		DefaultClient: &vault.Client{
			ClientID:     "mcp-cli",
			RedirectURIs: []string{"http://localhost:3000/callback"},
			Scopes:       []string{"notion.read", "notion.write", "notion.admin"},
		},
		Codes:    oauth.NewCodeCache(10*time.Minute, 10),
		Upstream: up,
		StateKey: testStateKey,
		CodeTTL:  10 * time.Minute,
	}
}

func serveOAuth(h gin.HandlerFunc, method, target string, body string) *httptest.ResponseRecorder {
	r := gin.New()
	path, _, _ := strings.Cut(target, "?")
	r.Handle(method, path, h)
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		if strings.HasPrefix(body, "{") {
			req.Header.Set("Content-Type", "application/json")
		} else {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	s, _ := m["error"].(string)
	return s
}

func authorizeQuery(scope string) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {"mcp-cli"},
		"redirect_uri":          {"http://localhost:3000/callback"},
		"code_challenge":        {"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"},
		"code_challenge_method": {"S256"},
		"state":                 {"client-state"},
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	return "/authorize?" + q.Encode()
}

func TestAuthorize_RedirectsWithSignedState(t *testing.T) {
	d := newDeps(&stubUpstream{})
	w := serveOAuth(HandleAuthorize(d), http.MethodGet, authorizeQuery("notion.write notion.read notion.write"), "")
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	payload, ok := oauth.VerifyState(loc.Query().Get("state"), testStateKey)
	if !ok {
		t.Fatal("state does not verify")
	}
	if payload.Scope != "notion.write notion.read" {
		t.Errorf("scope = %q", payload.Scope)
	}
	if payload.ClientState != "client-state" || payload.ClientID != "mcp-cli" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Nonce == "" {
		t.Error("nonce missing")
	}
}

func TestAuthorize_DefaultScope(t *testing.T) {
	d := newDeps(&stubUpstream{})
	w := serveOAuth(HandleAuthorize(d), http.MethodGet, authorizeQuery(""), "")
	loc, _ := url.Parse(w.Header().Get("Location"))
	payload, ok := oauth.VerifyState(loc.Query().Get("state"), testStateKey)
	if !ok || payload.Scope != oauth.DefaultScope {
		t.Fatalf("default scope not applied: %+v", payload)
	}
}

func TestAuthorize_NotConfigured(t *testing.T) {
	d := newDeps(&stubUpstream{authErr: upstream.ErrNotConfigured})
	w := serveOAuth(HandleAuthorize(d), http.MethodGet, authorizeQuery(""), "")
	if w.Code != http.StatusInternalServerError || errorCode(t, w) != "notion_client_missing" {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
}

func signedState(t *testing.T, issued time.Time) string {
	t.Helper()
	s, err := oauth.SignState(&oauth.StatePayload{
		Nonce:               "n",
		IssuedAt:            issued.UnixMilli(),
		ClientID:            "mcp-cli",
		RedirectURI:         "http://localhost:3000/callback?keep=1",
		Scope:               "notion.read",
		ClientState:         "cs",
		CodeChallenge:       "c",
		CodeChallengeMethod: "S256",
	}, testStateKey)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCallback_IssuesCode(t *testing.T) {
	up := &stubUpstream{}
	d := newDeps(up)
	state := signedState(t, time.Now())
	w := serveOAuth(HandleCallback(d), http.MethodGet, "/oauth/callback?code=up-code&state="+url.QueryEscape(state), "")
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	q := loc.Query()
	if q.Get("keep") != "1" || q.Get("state") != "cs" {
		t.Errorf("redirect = %s", loc)
	}
	grant, ok := d.Codes.Consume(q.Get("code"))
	if !ok {
		t.Fatal("code not cached")
	}
	if grant.Upstream.AccessToken != "ntn_x" || grant.Scope != "notion.read" {
		t.Errorf("grant = %+v", grant)
	}
	if len(up.exchanged) != 1 || up.exchanged[0] != "up-code" {
		t.Errorf("exchanged = %v", up.exchanged)
	}
}

func TestCallback_Rejections(t *testing.T) {
	valid := signedState(t, time.Now())
	stale := signedState(t, time.Now().Add(-11*time.Minute))

	cases := []struct {
		name   string
		query  string
		up     *stubUpstream
		status int
		want   string
	}{
		{"denied wins over missing code", "error=access_denied", &stubUpstream{}, http.StatusBadRequest, "upstream_denied"},
		{"missing state", "code=x", &stubUpstream{}, http.StatusBadRequest, "missing_code_or_state"},
		{"tampered", "code=x&state=" + url.QueryEscape(valid+"00"), &stubUpstream{}, http.StatusBadRequest, "invalid_state"},
		{"expired", "code=x&state=" + url.QueryEscape(stale), &stubUpstream{}, http.StatusBadRequest, "state_expired"},
		{"exchange fails", "code=x&state=" + url.QueryEscape(valid), &stubUpstream{exchangeErr: errors.New("boom")}, http.StatusBadGateway, "oauth_callback_failed"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := serveOAuth(HandleCallback(newDeps(c.up)), http.MethodGet, "/oauth/callback?"+c.query, "")
			if w.Code != c.status || errorCode(t, w) != c.want {
				t.Errorf("got %d %s, want %d %s", w.Code, w.Body, c.status, c.want)
			}
		})
	}
}

func TestCallback_CodeCacheFull(t *testing.T) {
	d := newDeps(&stubUpstream{})
	d.Codes = oauth.NewCodeCache(10*time.Minute, 1)
	if err := d.Codes.Save("taken", &oauth.CodeGrant{CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	state := signedState(t, time.Now())
	w := serveOAuth(HandleCallback(d), http.MethodGet, "/oauth/callback?code=x&state="+url.QueryEscape(state), "")
	if w.Code != http.StatusServiceUnavailable || errorCode(t, w) != "temporarily_unavailable" {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
}

func TestToken_CodeBoundToClientAndRedirect(t *testing.T) {
	d := newDeps(&stubUpstream{})
	_ = d.Codes.Save("c1", &oauth.CodeGrant{
		ClientID:            "mcp-cli",
		RedirectURI:         "http://localhost:3000/callback",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now().Add(-11 * time.Minute),
	})
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"c1"},
		"client_id":     {"mcp-cli"},
		"redirect_uri":  {"http://localhost:3000/callback"},
		"code_verifier": {"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"},
	}
	w := serveOAuth(HandleToken(d), http.MethodPost, "/token", form.Encode())
	if errorCode(t, w) != "code_expired" {
		t.Errorf("expired code: %s", w.Body)
	}

	form.Set("redirect_uri", "http://localhost:4000/callback")
	w = serveOAuth(HandleToken(d), http.MethodPost, "/token", form.Encode())
	if errorCode(t, w) != "invalid_redirect_uri" {
		t.Errorf("unregistered redirect: %s", w.Body)
	}

	w = serveOAuth(HandleToken(d), http.MethodPost, "/token", "grant_type=implicit")
	if errorCode(t, w) != "unsupported_grant_type" {
		t.Errorf("implicit: %s", w.Body)
	}
}

func TestGrantableScope(t *testing.T) {
	client := &vault.Client{Scopes: []string{"notion.read", "notion.write"}}
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "notion.read", true},
		{"  notion.write\tnotion.read ", "notion.write notion.read", true},
		{"notion.read notion.read", "notion.read", true},
		{"notion.admin", "", false},
		{"notion.read bogus", "", false},
	}
	for _, c := range cases {
		got, ok := grantableScope(c.in, client)
		if got != c.want || ok != c.ok {
			t.Errorf("grantableScope(%q) = %q, %v; want %q, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestRegister(t *testing.T) {
	d := newDeps(&stubUpstream{})
	cases := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"missing name", `{"redirect_uris":["https://a.test/cb"]}`, http.StatusBadRequest, "invalid_client_metadata"},
		{"no redirects", `{"client_name":"x","redirect_uris":[]}`, http.StatusBadRequest, "invalid_client_metadata"},
		{"fragment", `{"client_name":"x","redirect_uris":["https://a.test/cb#frag"]}`, http.StatusBadRequest, "invalid_redirect_uri"},
		{"unknown scope", `{"client_name":"x","redirect_uris":["https://a.test/cb"],"scope":"notion.root"}`, http.StatusBadRequest, "invalid_client_metadata"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := serveOAuth(HandleRegister(d), http.MethodPost, "/register", c.body)
			if w.Code != c.status || errorCode(t, w) != c.want {
				t.Errorf("got %d %s, want %d %s", w.Code, w.Body, c.status, c.want)
			}
		})
	}

	w := serveOAuth(HandleRegister(d), http.MethodPost, "/register", `{"client_name":"Desktop","redirect_uris":["https://a.test/cb"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body)
	}
	var resp struct {
		ClientID string `json:"client_id"`
		Scope    string `json:"scope"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Scope != "notion.read" {
		t.Errorf("scope = %q", resp.Scope)
	}
	client, ok := d.Clients.FindClient(resp.ClientID, nil)
	if !ok || !client.AllowsRedirect("https://a.test/cb") {
		t.Errorf("client not stored: %+v", client)
	}
}
