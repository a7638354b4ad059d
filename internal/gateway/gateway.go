// Package gateway dispatches MCP JSON-RPC requests made by an authenticated
// session to the tool registry.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/aspect-build/notion-mcp/internal/logx"
	"github.com/aspect-build/notion-mcp/internal/redact"
	"github.com/aspect-build/notion-mcp/internal/tools"
	"github.com/aspect-build/notion-mcp/internal/upstream"
	"github.com/aspect-build/notion-mcp/internal/vault"
	"github.com/aspect-build/notion-mcp/internal/version"
)

// DefaultProtocolVersion is answered to initialize requests that ask for an
// unsupported or no protocol version.
const DefaultProtocolVersion = "2025-11-25"

// SupportedProtocolVersions lists the accepted MCP-Protocol-Version values.
var SupportedProtocolVersions = []string{"2025-11-25", "2025-06-18", "2025-03-26"}

// SupportsProtocolVersion reports whether v is a supported MCP revision.
func SupportsProtocolVersion(v string) bool {
	return slices.Contains(SupportedProtocolVersions, v)
}

// JSON-RPC error codes used beyond the standard set.
const (
	CodeToolFailed        = -32000
	CodeInsufficientScope = -32001
)

// Response is the HTTP rendition of one JSON-RPC exchange. A nil Body means
// the request is answered with an empty 202.
type Response struct {
	Status int
	Body   any
	// RequiredScope is set when a tool call was refused for lack of scope.
	RequiredScope string
}

// Gateway routes JSON-RPC methods for the MCP endpoint.
type Gateway struct {
	registry *tools.Registry
}

// New returns a Gateway serving the tools in registry.
func New(registry *tools.Registry) *Gateway {
	return &Gateway{registry: registry}
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

type rpcError struct {
	status  int
	code    int
	message string
	data    any
	scope   string
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Serve handles one JSON-RPC message from the session rec. caller performs
// the upstream requests of any tool invoked.
func (g *Gateway) Serve(ctx context.Context, rec *vault.TokenRecord, caller tools.Caller, raw []byte) *Response {
	if !json.Valid(raw) {
		return errorResponse(http.StatusBadRequest, mcp.NewRequestId(nil), mcp.PARSE_ERROR, "Parse error", nil)
	}
	var req envelope
	if err := json.Unmarshal(raw, &req); err != nil || req.JSONRPC != mcp.JSONRPC_VERSION {
		return errorResponse(http.StatusBadRequest, mcp.NewRequestId(nil), mcp.INVALID_REQUEST, "Invalid Request", nil)
	}
	if present(req.Result) || present(req.Error) {
		return &Response{Status: http.StatusAccepted}
	}
	if req.Method == "" {
		return errorResponse(http.StatusBadRequest, mcp.NewRequestId(nil), mcp.INVALID_REQUEST, "Invalid Request", nil)
	}

	notification := len(req.ID) == 0
	result, rerr := g.dispatch(ctx, rec, caller, &req)
	if notification {
		resp := &Response{Status: http.StatusAccepted}
		if rerr != nil {
			resp.RequiredScope = rerr.scope
		}
		return resp
	}

	id := requestID(req.ID)
	if rerr != nil {
		resp := errorResponse(rerr.status, id, rerr.code, rerr.message, rerr.data)
		resp.RequiredScope = rerr.scope
		return resp
	}
	return &Response{Status: http.StatusOK, Body: mcp.NewJSONRPCResultResponse(id, result)}
}

func (g *Gateway) dispatch(ctx context.Context, rec *vault.TokenRecord, caller tools.Caller, req *envelope) (any, *rpcError) {
	switch req.Method {
	case string(mcp.MethodInitialize):
		var p initializeParams
		if present(req.Params) {
			_ = json.Unmarshal(req.Params, &p)
		}
		negotiated := DefaultProtocolVersion
		if SupportsProtocolVersion(p.ProtocolVersion) {
			negotiated = p.ProtocolVersion
		}
		return &initializeResult{
			ProtocolVersion: negotiated,
			Capabilities:    map[string]any{"tools": struct{}{}},
			ServerInfo:      mcp.Implementation{Name: version.ServerName, Version: version.Version},
		}, nil
	case string(mcp.MethodPing):
		return struct{}{}, nil
	case string(mcp.MethodToolsList):
		return &mcp.ListToolsResult{Tools: g.registry.List()}, nil
	case string(mcp.MethodToolsCall):
		return g.callTool(ctx, rec, caller, req.Params)
	default:
		return nil, &rpcError{status: http.StatusOK, code: mcp.METHOD_NOT_FOUND, message: "Method not found"}
	}
}

func (g *Gateway) callTool(ctx context.Context, rec *vault.TokenRecord, caller tools.Caller, params json.RawMessage) (any, *rpcError) {
	var p callParams
	if present(params) {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{status: http.StatusOK, code: mcp.INVALID_PARAMS, message: "Invalid params", data: err.Error()}
		}
	}
	tool, ok := g.registry.Lookup(p.Name)
	if !ok {
		return nil, &rpcError{status: http.StatusOK, code: mcp.METHOD_NOT_FOUND, message: "Tool not found"}
	}
	if !rec.HasScope(tool.Scope) {
		logx.Infof("gateway: session %s lacks scope %s for %s", rec.ID, tool.Scope, tool.Name)
		return nil, &rpcError{
			status:  http.StatusForbidden,
			code:    CodeInsufficientScope,
			message: "Insufficient scope",
			data:    map[string]string{"required": tool.Scope},
			scope:   tool.Scope,
		}
	}

	run, err := tool.Bind(p.Arguments)
	if err != nil {
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			return nil, &rpcError{status: http.StatusOK, code: mcp.INVALID_PARAMS, message: "Invalid params", data: verr.Errors}
		}
		return nil, &rpcError{status: http.StatusOK, code: mcp.INVALID_PARAMS, message: "Invalid params", data: err.Error()}
	}

	logx.Debugf("gateway: session %s calling %s", rec.ID, tool.Name)
	out, err := run(ctx, &tools.Session{
		Caller:      caller,
		BotID:       rec.Upstream.BotID,
		WorkspaceID: rec.Upstream.WorkspaceID,
		Owner:       rec.Upstream.Owner,
	})
	if err != nil {
		logx.Warnf("gateway: %s failed for session %s: %v", tool.Name, rec.ID, err)
		return nil, &rpcError{status: http.StatusOK, code: CodeToolFailed, message: "Tool execution failed", data: failureDetails(rec, err)}
	}

	text, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, &rpcError{status: http.StatusOK, code: mcp.INTERNAL_ERROR, message: "Internal error", data: err.Error()}
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(text))},
		StructuredContent: out,
	}, nil
}

// failureDetails is what a client learns about a failed tool call: the
// provider's error body when there is one, else the error text. Session
// secrets never appear in either.
func failureDetails(rec *vault.TokenRecord, err error) any {
	r := redact.New(rec.AccessToken, rec.RefreshToken, rec.Upstream.AccessToken, rec.Upstream.RefreshToken)
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) && len(apiErr.Details) > 0 && json.Valid(apiErr.Details) {
		return r.JSON(apiErr.Details)
	}
	return r.String(err.Error())
}

func requestID(raw json.RawMessage) mcp.RequestId {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return mcp.NewRequestId(nil)
	}
	return mcp.NewRequestId(v)
}

func errorResponse(status int, id mcp.RequestId, code int, message string, data any) *Response {
	return &Response{Status: status, Body: mcp.NewJSONRPCError(id, code, message, data)}
}
