package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/notion-mcp/internal/crypto"
	"github.com/aspect-build/notion-mcp/internal/server"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

const (
	testClientID    = "mcp-cli"
	testRedirectURI = "http://localhost:3000/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	notionCode      = "notion-consent-code"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeNotion stands in for Notion's OAuth and REST endpoints.
type fakeNotion struct {
	*httptest.Server

	mu        sync.Mutex
	issued    int
	valid     map[string]bool
	refreshes int
	calls     []string
}

func newFakeNotion() *fakeNotion {
	n := &fakeNotion{valid: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth/token", n.handleToken)
	mux.HandleFunc("/v1/", n.handleAPI)
	n.Server = httptest.NewServer(mux)
	return n
}

func (n *fakeNotion) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (n *fakeNotion) handleToken(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != "notion-client" || pass != "notion-secret" {
		n.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil {
		n.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != notionCode {
			n.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	case "refresh_token":
		if !strings.HasPrefix(r.PostForm.Get("refresh_token"), "ntn_refresh_") {
			n.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		n.refreshes++
	default:
		n.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	n.issued++
	access := fmt.Sprintf("ntn_access_%d", n.issued)
	n.valid[access] = true
	n.writeJSON(w, http.StatusOK, map[string]any{
		"access_token":   access,
		"refresh_token":  fmt.Sprintf("ntn_refresh_%d", n.issued),
		"token_type":     "bearer",
		"expires_in":     3600,
		"bot_id":         "bot-123",
		"workspace_id":   "ws-456",
		"workspace_name": "Acme",
		"owner":          map[string]any{"type": "user", "user": map[string]string{"id": "user-1"}},
	})
}

func (n *fakeNotion) handleAPI(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	n.mu.Lock()
	ok := n.valid[token]
	n.calls = append(n.calls, r.Method+" "+r.URL.RequestURI())
	n.mu.Unlock()

	if !ok {
		n.writeJSON(w, http.StatusUnauthorized, map[string]any{
			"object": "error", "status": 401, "code": "unauthorized",
			"message": "API token is invalid: " + token,
		})
		return
	}
	if r.Header.Get("Notion-Version") == "" {
		n.writeJSON(w, http.StatusBadRequest, map[string]any{"object": "error", "code": "missing_version"})
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/search":
		n.writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"results": []any{map[string]any{
				"object": "page", "id": "page-1", "url": "https://www.notion.so/page-1",
				"last_edited_time": "2025-01-01T00:00:00.000Z",
				"properties": map[string]any{
					"Name": map[string]any{"type": "title", "title": []any{map[string]string{"plain_text": "Roadmap"}}},
				},
			}},
			"next_cursor": nil,
			"has_more":    false,
		})
	case r.Method == http.MethodGet && r.URL.Path == "/v1/users":
		n.writeJSON(w, http.StatusOK, map[string]any{"results": []any{map[string]string{"id": "user-1"}}, "has_more": false})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/pages/"):
		n.writeJSON(w, http.StatusNotFound, map[string]any{
			"object": "error", "status": 404, "code": "object_not_found",
			"message": "Could not find page",
		})
	default:
		n.writeJSON(w, http.StatusNotFound, map[string]any{"object": "error", "code": "not_found"})
	}
}

// invalidateAll makes every issued access token fail with 401, as if
// Notion had expired them early.
func (n *fakeNotion) invalidateAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.valid = make(map[string]bool)
}

func (n *fakeNotion) refreshCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refreshes
}

// harness is a running bridge wired to a fakeNotion.
type harness struct {
	ts     *httptest.Server
	notion *fakeNotion
	store  *vault.Store
	cfg    *server.Config
	path   string
	client *http.Client
}

func testVaultKey() [crypto.KeyLen]byte {
	var key [crypto.KeyLen]byte
	for i := range key {
		key[i] = byte(0xA0 + i)
	}
	return key
}

func startHarness(dir string, tweak func(*server.Config)) (*harness, error) {
	notion := newFakeNotion()

	path := filepath.Join(dir, "token_store.json.enc")
	store, err := vault.Open(path, testVaultKey())
	if err != nil {
		notion.Close()
		return nil, err
	}

	cfg := &server.Config{
		NotionClientID:      "notion-client",
		NotionClientSecret:  "notion-secret",
		NotionAuthorizeURL:  notion.URL + "/v1/oauth/authorize",
		NotionTokenURL:      notion.URL + "/v1/oauth/token",
		NotionAPIBase:       notion.URL + "/v1",
		NotionVersion:       "2025-09-03",
		MCPClientID:         testClientID,
		AllowedRedirectURIs: []string{testRedirectURI},
		TokenStorePath:      path,
		AccessTokenTTL:      time.Hour,
		RefreshTokenTTL:     30 * 24 * time.Hour,
		AuthCodeTTL:         10 * time.Minute,
		RateLimitWindow:     time.Minute,
		RateLimitMaxMCP:     1000,
		RateLimitMaxAuth:    1000,
	}
	if tweak != nil {
		tweak(cfg)
	}

	var router http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	cfg.BaseURL = ts.URL
	cfg.NotionRedirectURI = ts.URL + "/oauth/callback"
	router = server.NewRouter(server.NewApp(cfg, store, "test-state-signing-key", nil))

	return &harness{
		ts:     ts,
		notion: notion,
		store:  store,
		cfg:    cfg,
		path:   path,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}, nil
}

func (h *harness) Close() {
	h.ts.Close()
	h.notion.Close()
	h.store.Close()
}

type httpResult struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *httpResult) JSON() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(r.Body, &m)
	return m
}

func (h *harness) do(req *http.Request) (*httpResult, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &httpResult{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (h *harness) get(path string) (*httpResult, error) {
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+path, nil)
	if err != nil {
		return nil, err
	}
	return h.do(req)
}

func (h *harness) postForm(path string, form url.Values) (*httpResult, error) {
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req)
}

func (h *harness) postJSON(path, body string, headers map[string]string) (*httpResult, error) {
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.do(req)
}

// authorize walks /authorize and the Notion callback and returns the
// authorization code delivered to the client's redirect URI.
func (h *harness) authorize(clientID, redirectURI, scope, clientState string) (string, error) {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {crypto.S256Challenge(testVerifier)},
		"code_challenge_method": {"S256"},
		"state":                 {clientState},
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	res, err := h.get("/authorize?" + q.Encode())
	if err != nil {
		return "", err
	}
	if res.Status != http.StatusFound {
		return "", fmt.Errorf("authorize: status %d: %s", res.Status, res.Body)
	}
	consent, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(consent.String(), h.notion.URL+"/v1/oauth/authorize") {
		return "", fmt.Errorf("authorize redirected to %s", consent)
	}
	if consent.Query().Get("owner") != "user" {
		return "", errors.New("consent URL is missing owner=user")
	}

	cb := url.Values{"code": {notionCode}, "state": {consent.Query().Get("state")}}
	res, err = h.get("/oauth/callback?" + cb.Encode())
	if err != nil {
		return "", err
	}
	if res.Status != http.StatusFound {
		return "", fmt.Errorf("callback: status %d: %s", res.Status, res.Body)
	}
	back, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(back.String(), redirectURI) {
		return "", fmt.Errorf("callback redirected to %s", back)
	}
	if clientState != "" && back.Query().Get("state") != clientState {
		return "", fmt.Errorf("client state not echoed: %s", back)
	}
	return back.Query().Get("code"), nil
}

func (h *harness) exchange(code, verifier string) (*httpResult, error) {
	return h.postForm("/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
}

// login runs the whole flow for the default client and returns the token
// response.
func (h *harness) login(scope string) (access, refresh string, err error) {
	code, err := h.authorize(testClientID, testRedirectURI, scope, "xyz")
	if err != nil {
		return "", "", err
	}
	res, err := h.exchange(code, testVerifier)
	if err != nil {
		return "", "", err
	}
	if res.Status != http.StatusOK {
		return "", "", fmt.Errorf("token: status %d: %s", res.Status, res.Body)
	}
	m := res.JSON()
	access, _ = m["access_token"].(string)
	refresh, _ = m["refresh_token"].(string)
	return access, refresh, nil
}

func (h *harness) rpc(access, body string) (*httpResult, error) {
	headers := map[string]string{"MCP-Protocol-Version": "2025-11-25"}
	if access != "" {
		headers["Authorization"] = "Bearer " + access
	}
	return h.postJSON("/mcp", body, headers)
}

func callTool(id int, name, args string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, name, args)
}
