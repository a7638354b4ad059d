package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	ScopeRead  = "notion.read"
	ScopeWrite = "notion.write"
	ScopeAdmin = "notion.admin"
)

// Scopes lists every scope a tool can require.
var Scopes = []string{ScopeRead, ScopeWrite, ScopeAdmin}

const defaultUsersPageSize = 100

func call(ctx context.Context, s *Session, method, path string, body any, out any) error {
	raw, err := s.Caller.Request(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode notion response: %w", err)
	}
	return nil
}

// notion.search

type searchInput struct {
	Query       string        `json:"query,omitempty"`
	Filter      *searchFilter `json:"filter,omitempty"`
	Sort        *searchSort   `json:"sort,omitempty"`
	PageSize    *int          `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
	StartCursor string        `json:"start_cursor,omitempty"`
}

type searchFilter struct {
	Object string `json:"object,omitempty" validate:"omitempty,oneof=page database"`
}

type searchSort struct {
	Direction string `json:"direction,omitempty" validate:"omitempty,oneof=ascending descending"`
	Timestamp string `json:"timestamp,omitempty" validate:"omitempty,oneof=last_edited_time created_time"`
}

type searchRequest struct {
	Query       string            `json:"query,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
	Sort        *searchSort       `json:"sort,omitempty"`
	PageSize    *int              `json:"page_size,omitempty"`
	StartCursor string            `json:"start_cursor,omitempty"`
}

const searchInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "filter": {
      "type": "object",
      "properties": {"object": {"type": "string", "enum": ["page", "database"]}},
      "additionalProperties": false
    },
    "sort": {
      "type": "object",
      "properties": {
        "direction": {"type": "string", "enum": ["ascending", "descending"]},
        "timestamp": {"type": "string", "enum": ["last_edited_time", "created_time"]}
      },
      "additionalProperties": false
    },
    "page_size": {"type": "integer", "minimum": 1, "maximum": 100},
    "start_cursor": {"type": "string"}
  },
  "additionalProperties": false
}`

const searchOutputSchema = `{
  "type": "object",
  "properties": {
    "results": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "object": {"type": "string"},
          "url": {"type": "string"},
          "title": {"type": "string"},
          "last_edited_time": {"type": "string"}
        },
        "required": ["id", "object", "url"]
      }
    },
    "next_cursor": {"type": ["string", "null"]},
    "has_more": {"type": "boolean"}
  },
  "required": ["results", "has_more"]
}`

func searchTool() *Tool {
	return define("notion.search", "Search pages and databases the integration can access.", ScopeRead, true,
		searchInputSchema, searchOutputSchema,
		func(ctx context.Context, s *Session, in *searchInput) (any, error) {
			req := searchRequest{Query: in.Query, Sort: in.Sort, PageSize: in.PageSize, StartCursor: in.StartCursor}
			if in.Filter != nil && in.Filter.Object != "" {
				req.Filter = map[string]string{"property": "object", "value": in.Filter.Object}
			}
			raw, err := s.Caller.Request(ctx, http.MethodPost, "/search", req)
			if err != nil {
				return nil, err
			}
			return compactSearch(raw)
		})
}

// notion.get_page

type getPageInput struct {
	PageID            string `json:"page_id" validate:"required"`
	IncludeProperties bool   `json:"include_properties,omitempty"`
}

type pageSummary struct {
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	CreatedTime    string                     `json:"created_time,omitempty"`
	LastEditedTime string                     `json:"last_edited_time,omitempty"`
	Archived       bool                       `json:"archived"`
	Title          string                     `json:"title"`
	Properties     map[string]json.RawMessage `json:"properties,omitempty"`
}

const getPageOutputSchema = `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "url": {"type": "string"},
    "created_time": {"type": "string"},
    "last_edited_time": {"type": "string"},
    "archived": {"type": "boolean"},
    "title": {"type": "string"},
    "properties": {"type": "object"}
  },
  "required": ["id", "url"]
}`

func getPageTool() *Tool {
	return define("notion.get_page", "Retrieve a page by ID.", ScopeRead, true,
		`{
  "type": "object",
  "properties": {
    "page_id": {"type": "string"},
    "include_properties": {"type": "boolean", "default": false}
  },
  "required": ["page_id"],
  "additionalProperties": false
}`, getPageOutputSchema,
		func(ctx context.Context, s *Session, in *getPageInput) (any, error) {
			var page notionObject
			if err := call(ctx, s, http.MethodGet, "/pages/"+url.PathEscape(in.PageID), nil, &page); err != nil {
				return nil, err
			}
			out := &pageSummary{
				ID:             page.ID,
				URL:            page.url(),
				CreatedTime:    page.CreatedTime,
				LastEditedTime: page.LastEditedTime,
				Archived:       page.Archived,
				Title:          pageTitle(page.Properties),
			}
			if in.IncludeProperties {
				out.Properties = page.Properties
			}
			return out, nil
		})
}

// notion.get_database

type getDatabaseInput struct {
	DatabaseID   string `json:"database_id,omitempty" validate:"required_without=DataSourceID"`
	DataSourceID string `json:"data_source_id,omitempty" validate:"required_without=DatabaseID"`
}

type databaseSummary struct {
	ID         string                     `json:"id"`
	Title      string                     `json:"title"`
	URL        *string                    `json:"url"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

func getDatabaseTool() *Tool {
	return define("notion.get_database", "Retrieve a database or data source by ID.", ScopeRead, true,
		`{
  "type": "object",
  "properties": {
    "database_id": {"type": "string"},
    "data_source_id": {"type": "string"}
  },
  "anyOf": [
    {"required": ["database_id"]},
    {"required": ["data_source_id"]}
  ],
  "additionalProperties": false
}`, `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "title": {"type": "string"},
    "url": {"type": ["string", "null"]},
    "properties": {"type": "object"}
  },
  "required": ["id", "url"]
}`,
		func(ctx context.Context, s *Session, in *getDatabaseInput) (any, error) {
			var obj notionObject
			if in.DataSourceID != "" {
				if err := call(ctx, s, http.MethodGet, "/data_sources/"+url.PathEscape(in.DataSourceID), nil, &obj); err != nil {
					return nil, err
				}
				out := &databaseSummary{ID: obj.ID, Title: obj.Name, URL: obj.URL, Properties: obj.Properties}
				if out.URL != nil && *out.URL == "" {
					out.URL = nil
				}
				return out, nil
			}
			if err := call(ctx, s, http.MethodGet, "/databases/"+url.PathEscape(in.DatabaseID), nil, &obj); err != nil {
				return nil, err
			}
			return &databaseSummary{ID: obj.ID, Title: plainText(obj.Title), URL: obj.URL, Properties: obj.Properties}, nil
		})
}

// notion.query_database

type queryDatabaseInput struct {
	DatabaseID   string         `json:"database_id,omitempty" validate:"required_without=DataSourceID"`
	DataSourceID string         `json:"data_source_id,omitempty" validate:"required_without=DatabaseID"`
	Filter       map[string]any `json:"filter,omitempty"`
	Sorts        []any          `json:"sorts,omitempty"`
	PageSize     *int           `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
	StartCursor  string         `json:"start_cursor,omitempty"`
}

type queryRequest struct {
	Filter      map[string]any `json:"filter,omitempty"`
	Sorts       []any          `json:"sorts,omitempty"`
	PageSize    *int           `json:"page_size,omitempty"`
	StartCursor string         `json:"start_cursor,omitempty"`
}

const listOutputSchema = `{
  "type": "object",
  "properties": {
    "results": {"type": "array"},
    "next_cursor": {"type": ["string", "null"]},
    "has_more": {"type": "boolean"}
  },
  "required": ["results", "has_more"]
}`

func queryDatabaseTool() *Tool {
	return define("notion.query_database", "Query a database or data source with filters and sorts.", ScopeRead, true,
		`{
  "type": "object",
  "properties": {
    "database_id": {"type": "string"},
    "data_source_id": {"type": "string"},
    "filter": {"type": "object"},
    "sorts": {"type": "array"},
    "page_size": {"type": "integer", "minimum": 1, "maximum": 100},
    "start_cursor": {"type": "string"}
  },
  "anyOf": [
    {"required": ["database_id"]},
    {"required": ["data_source_id"]}
  ],
  "additionalProperties": false
}`, listOutputSchema,
		func(ctx context.Context, s *Session, in *queryDatabaseInput) (any, error) {
			path := "/databases/" + url.PathEscape(in.DatabaseID) + "/query"
			if in.DataSourceID != "" {
				path = "/data_sources/" + url.PathEscape(in.DataSourceID) + "/query"
			}
			req := queryRequest{Filter: in.Filter, Sorts: in.Sorts, PageSize: in.PageSize, StartCursor: in.StartCursor}
			raw, err := s.Caller.Request(ctx, http.MethodPost, path, req)
			if err != nil {
				return nil, err
			}
			return decodeList(raw)
		})
}

// notion.create_page

type pageParent struct {
	DatabaseID   string `json:"database_id,omitempty"`
	DataSourceID string `json:"data_source_id,omitempty"`
	PageID       string `json:"page_id,omitempty"`
}

type createPageInput struct {
	Parent     *pageParent    `json:"parent" validate:"required"`
	Properties map[string]any `json:"properties" validate:"required"`
	Children   []any          `json:"children,omitempty"`
}

type typedParent struct {
	Type string `json:"type,omitempty"`
	pageParent
}

// parentType infers the Notion parent type from which id is set.
func (p *pageParent) parentType() string {
	switch {
	case p.DataSourceID != "":
		return "data_source_id"
	case p.DatabaseID != "":
		return "database_id"
	case p.PageID != "":
		return "page_id"
	}
	return ""
}

type createPageRequest struct {
	Parent     typedParent    `json:"parent"`
	Properties map[string]any `json:"properties"`
	Children   []any          `json:"children,omitempty"`
}

type pageRef struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	CreatedTime string `json:"created_time,omitempty"`
}

func createPageTool() *Tool {
	return define("notion.create_page", "Create a page in a database or as a child of another page.", ScopeWrite, false,
		`{
  "type": "object",
  "properties": {
    "parent": {
      "type": "object",
      "properties": {
        "database_id": {"type": "string"},
        "data_source_id": {"type": "string"},
        "page_id": {"type": "string"}
      },
      "additionalProperties": false
    },
    "properties": {"type": "object"},
    "children": {"type": "array"}
  },
  "required": ["parent", "properties"],
  "additionalProperties": false
}`, `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "url": {"type": "string"},
    "created_time": {"type": "string"}
  },
  "required": ["id", "url"]
}`,
		func(ctx context.Context, s *Session, in *createPageInput) (any, error) {
			req := createPageRequest{
				Parent:     typedParent{Type: in.Parent.parentType(), pageParent: *in.Parent},
				Properties: in.Properties,
				Children:   in.Children,
			}
			var out pageRef
			if err := call(ctx, s, http.MethodPost, "/pages", req, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
}

// notion.update_page

type updatePageInput struct {
	PageID     string         `json:"page_id" validate:"required"`
	Properties map[string]any `json:"properties,omitempty"`
	Archived   *bool          `json:"archived,omitempty"`
}

type updatePageRequest struct {
	Properties map[string]any `json:"properties,omitempty"`
	Archived   *bool          `json:"archived,omitempty"`
}

type updatedPage struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Archived bool   `json:"archived"`
}

func updatePageTool() *Tool {
	return define("notion.update_page", "Update page properties or archive status.", ScopeWrite, false,
		`{
  "type": "object",
  "properties": {
    "page_id": {"type": "string"},
    "properties": {"type": "object"},
    "archived": {"type": "boolean"}
  },
  "required": ["page_id"],
  "additionalProperties": false
}`, `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "url": {"type": "string"},
    "archived": {"type": "boolean"}
  },
  "required": ["id", "url"]
}`,
		func(ctx context.Context, s *Session, in *updatePageInput) (any, error) {
			req := updatePageRequest{Properties: in.Properties, Archived: in.Archived}
			var out updatedPage
			if err := call(ctx, s, http.MethodPatch, "/pages/"+url.PathEscape(in.PageID), req, &out); err != nil {
				return nil, err
			}
			return &out, nil
		})
}

// notion.append_block

type appendBlockInput struct {
	BlockID  string `json:"block_id" validate:"required"`
	Children []any  `json:"children" validate:"required"`
}

type appendBlockResult struct {
	ID      string `json:"id"`
	HasMore bool   `json:"has_more"`
}

func appendBlockTool() *Tool {
	return define("notion.append_block", "Append child blocks to a page or block.", ScopeWrite, false,
		`{
  "type": "object",
  "properties": {
    "block_id": {"type": "string"},
    "children": {"type": "array"}
  },
  "required": ["block_id", "children"],
  "additionalProperties": false
}`, `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "has_more": {"type": "boolean"}
  },
  "required": ["id"]
}`,
		func(ctx context.Context, s *Session, in *appendBlockInput) (any, error) {
			var resp struct {
				HasMore bool `json:"has_more"`
			}
			body := map[string]any{"children": in.Children}
			if err := call(ctx, s, http.MethodPatch, "/blocks/"+url.PathEscape(in.BlockID)+"/children", body, &resp); err != nil {
				return nil, err
			}
			return &appendBlockResult{ID: in.BlockID, HasMore: resp.HasMore}, nil
		})
}

// notion.list_users

type listUsersInput struct {
	PageSize    *int   `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
	StartCursor string `json:"start_cursor,omitempty"`
}

func listUsersTool() *Tool {
	return define("notion.list_users", "List users in the workspace (governance).", ScopeAdmin, true,
		`{
  "type": "object",
  "properties": {
    "page_size": {"type": "integer", "minimum": 1, "maximum": 100},
    "start_cursor": {"type": "string"}
  },
  "additionalProperties": false
}`, listOutputSchema,
		func(ctx context.Context, s *Session, in *listUsersInput) (any, error) {
			size := defaultUsersPageSize
			if in.PageSize != nil {
				size = *in.PageSize
			}
			q := url.Values{}
			q.Set("page_size", strconv.Itoa(size))
			if in.StartCursor != "" {
				q.Set("start_cursor", in.StartCursor)
			}
			raw, err := s.Caller.Request(ctx, http.MethodGet, "/users?"+q.Encode(), nil)
			if err != nil {
				return nil, err
			}
			return decodeList(raw)
		})
}

// notion.whoami

type whoamiInput struct{}

type whoamiResult struct {
	BotID       string          `json:"bot_id"`
	WorkspaceID string          `json:"workspace_id"`
	Owner       json.RawMessage `json:"owner"`
}

func whoamiTool() *Tool {
	return define("notion.whoami", "Return the integration bot identity and workspace metadata.", ScopeAdmin, true,
		`{"type": "object", "properties": {}, "additionalProperties": false}`, `{
  "type": "object",
  "properties": {
    "bot_id": {"type": "string"},
    "workspace_id": {"type": "string"},
    "owner": {"type": "object"}
  },
  "required": ["bot_id"]
}`,
		func(_ context.Context, s *Session, _ *whoamiInput) (any, error) {
			owner := s.Owner
			if len(owner) == 0 {
				owner = json.RawMessage("null")
			}
			return &whoamiResult{BotID: s.BotID, WorkspaceID: s.WorkspaceID, Owner: owner}, nil
		})
}
