// Package tools defines the closed set of Notion tools exposed over MCP.
// Each tool decodes its arguments into a typed struct, rejecting unknown
// fields, and validates them with struct tags before any upstream call.
package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// Caller performs authenticated upstream API requests for one session.
type Caller interface {
	Request(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// Session is what a tool may use while running.
type Session struct {
	Caller      Caller
	BotID       string
	WorkspaceID string
	Owner       json.RawMessage
}

// Handler runs a tool whose arguments were already validated.
type Handler func(ctx context.Context, s *Session) (any, error)

// Tool is one registered tool.
type Tool struct {
	Name         string
	Description  string
	Scope        string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	ReadOnly     bool

	bind func(args json.RawMessage) (Handler, error)
}

// Bind decodes and validates args. Failures are *ValidationError.
func (t *Tool) Bind(args json.RawMessage) (Handler, error) {
	return t.bind(args)
}

// MCP returns the tool's advertised definition.
func (t *Tool) MCP() mcp.Tool {
	tool := mcp.NewToolWithRawSchema(t.Name, t.Description, t.InputSchema)
	tool.RawOutputSchema = t.OutputSchema
	tool.Annotations = mcp.ToolAnnotation{
		ReadOnlyHint:  mcp.ToBoolPtr(t.ReadOnly),
		OpenWorldHint: mcp.ToBoolPtr(true),
	}
	return tool
}

func define[In any](name, description, scope string, readOnly bool, input, output string, run func(ctx context.Context, s *Session, in *In) (any, error)) *Tool {
	return &Tool{
		Name:         name,
		Description:  description,
		Scope:        scope,
		InputSchema:  json.RawMessage(input),
		OutputSchema: json.RawMessage(output),
		ReadOnly:     readOnly,
		bind: func(args json.RawMessage) (Handler, error) {
			in := new(In)
			if err := decodeArgs(args, in); err != nil {
				return nil, err
			}
			return func(ctx context.Context, s *Session) (any, error) {
				return run(ctx, s, in)
			}, nil
		},
	}
}

// Registry is an ordered, immutable set of tools.
type Registry struct {
	tools  []*Tool
	byName map[string]*Tool
}

// NewRegistry returns the registry of all Notion tools.
func NewRegistry() *Registry {
	return newRegistry(
		searchTool(),
		getPageTool(),
		getDatabaseTool(),
		queryDatabaseTool(),
		createPageTool(),
		updatePageTool(),
		appendBlockTool(),
		listUsersTool(),
		whoamiTool(),
	)
}

func newRegistry(tools ...*Tool) *Registry {
	r := &Registry{byName: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		r.tools = append(r.tools, t)
		r.byName[t.Name] = t
	}
	return r
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// List returns the advertised tool definitions in registration order.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.MCP())
	}
	return out
}

// Tools returns the registered tools in order.
func (r *Registry) Tools() []*Tool {
	return append([]*Tool(nil), r.tools...)
}
