package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aspect-build/notion-mcp/internal/tools"
	"github.com/aspect-build/notion-mcp/internal/upstream"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

type stubCaller struct {
	calls int
	resp  string
	err   error
}

func (s *stubCaller) Request(_ context.Context, _, _ string, _ any) (json.RawMessage, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.resp), nil
}

func session(scope string) *vault.TokenRecord {
	return &vault.TokenRecord{
		ID:           "sess-1",
		AccessToken:  "mcp-access-secret",
		RefreshToken: "mcp-refresh-secret",
		Scope:        scope,
		Upstream: vault.UpstreamCredential{
			AccessToken: "ntn_upstream_secret",
			BotID:       "bot-42",
			WorkspaceID: "ws-7",
			Owner:       json.RawMessage(`{"type":"user"}`),
		},
	}
}

func serve(t *testing.T, rec *vault.TokenRecord, caller tools.Caller, body string) (*Response, map[string]any) {
	t.Helper()
	if caller == nil {
		caller = &stubCaller{resp: "{}"}
	}
	resp := New(tools.NewRegistry()).Serve(context.Background(), rec, caller, []byte(body))
	require.NotNil(t, resp)
	if resp.Body == nil {
		return resp, nil
	}
	raw, err := json.Marshal(resp.Body)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return resp, m
}

func errorOf(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	e, ok := m["error"].(map[string]any)
	require.True(t, ok, "expected JSON-RPC error, got %v", m)
	return e
}

func TestServe_Envelope(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		code   float64
	}{
		{"parse error", `{"jsonrpc":`, http.StatusBadRequest, -32700},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, http.StatusBadRequest, -32600},
		{"not an object", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, http.StatusBadRequest, -32600},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, http.StatusBadRequest, -32600},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, http.StatusOK, -32601},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, m := serve(t, session("notion.read"), nil, c.body)
			assert.Equal(t, c.status, resp.Status)
			assert.Equal(t, c.code, errorOf(t, m)["code"])
		})
	}
}

func TestServe_RepliesAndNotificationsAreAccepted(t *testing.T) {
	for _, body := range []string{
		`{"jsonrpc":"2.0","id":3,"result":{}}`,
		`{"jsonrpc":"2.0","id":3,"error":{"code":1,"message":"x"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"no/such/method"}`,
	} {
		resp, m := serve(t, session("notion.read"), nil, body)
		assert.Equal(t, http.StatusAccepted, resp.Status, body)
		assert.Nil(t, m, body)
	}
}

func TestServe_NotificationStillRunsTool(t *testing.T) {
	caller := &stubCaller{resp: `{"results":[]}`}
	resp, m := serve(t, session("notion.read"), caller, `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"notion.search","arguments":{}}}`)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Nil(t, m)
	assert.Equal(t, 1, caller.calls)
}

func TestServe_Initialize(t *testing.T) {
	resp, m := serve(t, session(""), nil, `{"jsonrpc":"2.0","id":"init-1","method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "init-1", m["id"])
	result := m["result"].(map[string]any)
	assert.Equal(t, "2025-06-18", result["protocolVersion"])
	assert.Equal(t, map[string]any{"tools": map[string]any{}}, result["capabilities"])
	assert.Equal(t, "notion-mcp-remote", result["serverInfo"].(map[string]any)["name"])

	_, m = serve(t, session(""), nil, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	assert.Equal(t, DefaultProtocolVersion, m["result"].(map[string]any)["protocolVersion"])
	assert.Equal(t, float64(2), m["id"])
}

func TestServe_Ping(t *testing.T) {
	resp, m := serve(t, session(""), nil, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{}, m["result"])
}

func TestServe_ToolsList(t *testing.T) {
	_, m := serve(t, session("notion.read"), nil, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	list := m["result"].(map[string]any)["tools"].([]any)
	require.Len(t, list, 9)
	first := list[0].(map[string]any)
	assert.Equal(t, "notion.search", first["name"])
	assert.Contains(t, first, "inputSchema")
}

func TestServe_ToolNotFound(t *testing.T) {
	resp, m := serve(t, session("notion.read"), nil, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"notion.nope"}}`)
	assert.Equal(t, http.StatusOK, resp.Status)
	e := errorOf(t, m)
	assert.Equal(t, float64(-32601), e["code"])
	assert.Equal(t, "Tool not found", e["message"])
}

func TestServe_InsufficientScope(t *testing.T) {
	caller := &stubCaller{resp: "{}"}
	resp, m := serve(t, session("notion.read"), caller, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"notion.create_page","arguments":{"parent":{"page_id":"p"},"properties":{}}}}`)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "notion.write", resp.RequiredScope)
	e := errorOf(t, m)
	assert.Equal(t, float64(-32001), e["code"])
	assert.Equal(t, map[string]any{"required": "notion.write"}, e["data"])
	assert.Zero(t, caller.calls)
}

func TestServe_InsufficientScopeNotification(t *testing.T) {
	resp, m := serve(t, session("notion.read"), nil, `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"notion.whoami"}}`)
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, "notion.admin", resp.RequiredScope)
	assert.Nil(t, m)
}

func TestServe_InvalidParams(t *testing.T) {
	caller := &stubCaller{resp: "{}"}
	_, m := serve(t, session("notion.read"), caller, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"notion.search","arguments":{"page_size":500}}}`)
	e := errorOf(t, m)
	assert.Equal(t, float64(-32602), e["code"])
	details := e["data"].([]any)
	require.NotEmpty(t, details)
	assert.Equal(t, "page_size", details[0].(map[string]any)["field"])
	assert.Zero(t, caller.calls)
}

func TestServe_ToolSuccess(t *testing.T) {
	_, m := serve(t, session("notion.read notion.admin"), nil, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"notion.whoami","arguments":{}}}`)
	result := m["result"].(map[string]any)
	content := result["content"].([]any)
	require.Len(t, content, 1)
	item := content[0].(map[string]any)
	assert.Equal(t, "text", item["type"])
	text := item["text"].(string)
	assert.True(t, strings.HasPrefix(text, "{\n  \"bot_id\": \"bot-42\""), text)
	assert.Equal(t, "bot-42", result["structuredContent"].(map[string]any)["bot_id"])
	assert.NotEqual(t, true, result["isError"])
}

func TestServe_ToolFailureIsRedacted(t *testing.T) {
	caller := &stubCaller{err: &upstream.APIError{
		Status:  http.StatusBadRequest,
		Details: json.RawMessage(`{"object":"error","code":"validation_error","message":"bad token ntn_upstream_secret"}`),
	}}
	_, m := serve(t, session("notion.read"), caller, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"notion.get_page","arguments":{"page_id":"p1"}}}`)
	e := errorOf(t, m)
	assert.Equal(t, float64(-32000), e["code"])
	assert.Equal(t, "Tool execution failed", e["message"])
	data := e["data"].(map[string]any)
	assert.Equal(t, "validation_error", data["code"])
	assert.Equal(t, "bad token [REDACTED]", data["message"])
}

func TestSupportsProtocolVersion(t *testing.T) {
	for _, v := range []string{"2025-11-25", "2025-06-18", "2025-03-26"} {
		assert.True(t, SupportsProtocolVersion(v), v)
	}
	assert.False(t, SupportsProtocolVersion("2024-11-05"))
	assert.False(t, SupportsProtocolVersion(""))
}
