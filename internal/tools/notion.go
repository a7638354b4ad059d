package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

type richText struct {
	PlainText string `json:"plain_text"`
}

func plainText(items []richText) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(it.PlainText)
	}
	return strings.TrimSpace(b.String())
}

type titleProperty struct {
	Type  string     `json:"type"`
	Title []richText `json:"title"`
}

// pageTitle returns the plain text of the page's title property.
func pageTitle(properties map[string]json.RawMessage) string {
	for _, raw := range properties {
		var p titleProperty
		if json.Unmarshal(raw, &p) == nil && p.Type == "title" {
			return plainText(p.Title)
		}
	}
	return ""
}

// notionObject covers the fields shared by pages, databases and data sources.
type notionObject struct {
	ID             string                     `json:"id"`
	Object         string                     `json:"object"`
	URL            *string                    `json:"url"`
	Name           string                     `json:"name"`
	CreatedTime    string                     `json:"created_time"`
	LastEditedTime string                     `json:"last_edited_time"`
	Archived       bool                       `json:"archived"`
	Title          []richText                 `json:"title"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

func (o *notionObject) url() string {
	if o.URL == nil {
		return ""
	}
	return *o.URL
}

// displayTitle returns the database title or the page title property.
func (o *notionObject) displayTitle() string {
	if o.Object == "database" {
		return plainText(o.Title)
	}
	return pageTitle(o.Properties)
}

type listResult struct {
	Results    []json.RawMessage `json:"results"`
	NextCursor *string           `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

func decodeList(raw json.RawMessage) (*listResult, error) {
	var out listResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode notion list: %w", err)
	}
	if out.Results == nil {
		out.Results = []json.RawMessage{}
	}
	if out.NextCursor != nil && *out.NextCursor == "" {
		out.NextCursor = nil
	}
	return &out, nil
}

type searchHit struct {
	ID             string `json:"id"`
	Object         string `json:"object"`
	URL            string `json:"url"`
	Title          string `json:"title"`
	LastEditedTime string `json:"last_edited_time,omitempty"`
}

type searchResult struct {
	Results    []searchHit `json:"results"`
	NextCursor *string     `json:"next_cursor"`
	HasMore    bool        `json:"has_more"`
}

// compactSearch reduces a Notion search response to id, type, url, title
// and edit time per hit.
func compactSearch(raw json.RawMessage) (*searchResult, error) {
	list, err := decodeList(raw)
	if err != nil {
		return nil, err
	}
	out := &searchResult{Results: make([]searchHit, 0, len(list.Results)), NextCursor: list.NextCursor, HasMore: list.HasMore}
	for _, item := range list.Results {
		var o notionObject
		if err := json.Unmarshal(item, &o); err != nil {
			return nil, fmt.Errorf("decode search result: %w", err)
		}
		out.Results = append(out.Results, searchHit{
			ID:             o.ID,
			Object:         o.Object,
			URL:            o.url(),
			Title:          o.displayTitle(),
			LastEditedTime: o.LastEditedTime,
		})
	}
	return out, nil
}
