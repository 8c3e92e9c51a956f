package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// serviceCatalogueClient is the plain HTTP client the built-in handlers
// delegate to: search, repo details, and documentation fetch carry no state
// of their own.
type serviceCatalogueClient struct {
	http    *http.Client
	baseURL string
}

func newServiceCatalogueClient(baseURL string) *serviceCatalogueClient {
	return &serviceCatalogueClient{http: &http.Client{}, baseURL: baseURL}
}

func (c *serviceCatalogueClient) get(ctx context.Context, path string, query map[string]string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	for k, v := range query {
		if v != "" {
			q.Set(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service catalogue: %s returned status %d", path, resp.StatusCode)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("service catalogue: decode %s: %w", path, err)
	}
	return raw, nil
}

// hubSearchTool implements the "hub_search" built-in: model/dataset/space
// search, the canonical target of the legacy search aliases (rewrite.go).
type hubSearchTool struct {
	client *serviceCatalogueClient
}

func (t *hubSearchTool) Name() string        { return canonicalSearchTool }
func (t *hubSearchTool) Description() string { return "Search models, datasets, and spaces by query and filters." }
func (t *hubSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":      map[string]any{"type": "string"},
			"repo_types": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"filters":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	}
}

func (t *hubSearchTool) Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error) {
	var args struct {
		Query     string   `json:"query"`
		RepoTypes []string `json:"repo_types"`
		Filters   []string `json:"filters"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("hub_search: decode arguments: %w", err)
	}

	raw, err := t.client.get(ctx, "/search", map[string]string{"q": args.Query})
	if err != nil {
		return nil, err
	}
	return &callToolResult{Content: []contentItem{{"type": "text", "text": string(raw)}}}, nil
}

// repoDetailsTool implements the "repo_details" built-in, the canonical
// target of the legacy "repo_search"/"*-detail" aliases.
type repoDetailsTool struct {
	client *serviceCatalogueClient
}

func (t *repoDetailsTool) Name() string        { return canonicalDetailTool }
func (t *repoDetailsTool) Description() string { return "Fetch metadata for a single model, dataset, or space." }
func (t *repoDetailsTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repo_id":   map[string]any{"type": "string"},
			"repo_type": map[string]any{"type": "string"},
		},
		"required": []string{"repo_id"},
	}
}

func (t *repoDetailsTool) Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error) {
	var args struct {
		RepoID   string `json:"repo_id"`
		RepoType string `json:"repo_type"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("repo_details: decode arguments: %w", err)
	}

	raw, err := t.client.get(ctx, "/repo", map[string]string{"id": args.RepoID, "type": args.RepoType})
	if err != nil {
		return nil, err
	}
	return &callToolResult{Content: []contentItem{{"type": "text", "text": string(raw)}}}, nil
}

// docsSearchTool and docsFetchTool implement the "search enables fetch"
// pairing: enabling the search half auto-enables the matching fetch half.
type docsSearchTool struct {
	client *serviceCatalogueClient
	id     string
}

func (t *docsSearchTool) Name() string        { return t.id }
func (t *docsSearchTool) Description() string { return "Search indexed documentation pages." }
func (t *docsSearchTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	}
}

func (t *docsSearchTool) Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("%s: decode arguments: %w", t.id, err)
	}
	raw, err := t.client.get(ctx, "/docs/search", map[string]string{"q": args.Query})
	if err != nil {
		return nil, err
	}
	return &callToolResult{Content: []contentItem{{"type": "text", "text": string(raw)}}}, nil
}

type docsFetchTool struct {
	client *serviceCatalogueClient
	id     string
}

func (t *docsFetchTool) Name() string        { return t.id }
func (t *docsFetchTool) Description() string { return "Fetch a single documentation page by ID." }
func (t *docsFetchTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"page_id": map[string]any{"type": "string"}},
		"required":   []string{"page_id"},
	}
}

func (t *docsFetchTool) Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error) {
	var args struct {
		PageID string `json:"page_id"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("%s: decode arguments: %w", t.id, err)
	}
	raw, err := t.client.get(ctx, "/docs/page", map[string]string{"id": args.PageID})
	if err != nil {
		return nil, err
	}
	return &callToolResult{Content: []contentItem{{"type": "text", "text": string(raw)}}}, nil
}

const (
	docsSearchToolID = "docs_search"
	docsFetchToolID  = "docs_fetch"

	invokeToolID      = "invoke"
	passthroughToolID = "passthrough"
)

// invokeTool implements the "invoke convenience path": it calls a dynamic
// tool directly by outward name, refusing complex input schemas with a
// structured error pointing at passthroughToolID.
type invokeTool struct {
	registry *Registry
}

func (t *invokeTool) Name() string        { return invokeToolID }
func (t *invokeTool) Description() string { return "Call a tool by name with simple arguments." }
func (t *invokeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tool":      map[string]any{"type": "string"},
			"arguments": map[string]any{"type": "object"},
		},
		"required": []string{"tool"},
	}
}

func (t *invokeTool) Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error) {
	var args struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return &callToolResult{
			IsError: true,
			Content: []contentItem{{"type": "text", "text": fmt.Sprintf(
				"invoke: arguments must be a JSON object shaped like "+
					`{"tool": "%s", "arguments": {"query": "..."}}`+" (got: %v)",
				canonicalSearchTool, err,
			)}},
		}, nil
	}

	session.catalogueMu.RLock()
	target, ok := session.catalogue[args.Tool]
	session.catalogueMu.RUnlock()
	if !ok {
		return nil, ErrToolNotFound
	}

	if classifyComplexity(target.Schema) == schemaComplex {
		schemaErr := &complexSchemaError{ToolName: args.Tool, PassthroughTool: passthroughToolID}
		return &callToolResult{
			IsError: true,
			Content: []contentItem{{"type": "text", "text": schemaErr.Error()}},
		}, nil
	}

	if args.Arguments == nil {
		args.Arguments = json.RawMessage(`{}`)
	}
	return t.registry.Invoke(ctx, session, args.Tool, args.Arguments, nil, nil)
}

// passthroughTool is the escape hatch invokeTool's structured error points
// at: it dispatches unconditionally, regardless of schema complexity.
type passthroughTool struct {
	registry *Registry
}

func (t *passthroughTool) Name() string        { return passthroughToolID }
func (t *passthroughTool) Description() string { return "Call a tool by name, bypassing the simple-schema check." }
func (t *passthroughTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tool":      map[string]any{"type": "string"},
			"arguments": map[string]any{"type": "object"},
		},
		"required": []string{"tool"},
	}
}

func (t *passthroughTool) Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error) {
	var args struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("passthrough: decode arguments: %w", err)
	}
	if args.Arguments == nil {
		args.Arguments = json.RawMessage(`{}`)
	}
	return t.registry.Invoke(ctx, session, args.Tool, args.Arguments, nil, nil)
}

// newBuiltinRegistry assembles the static built-in tool registry, keyed by
// tool ID.
func newBuiltinRegistry(client *serviceCatalogueClient) map[string]builtinTool {
	return map[string]builtinTool{
		canonicalSearchTool: &hubSearchTool{client: client},
		canonicalDetailTool: &repoDetailsTool{client: client},
		docsSearchToolID:    &docsSearchTool{client: client, id: docsSearchToolID},
		docsFetchToolID:     &docsFetchTool{client: client, id: docsFetchToolID},
	}
}

// registerMetaTools adds the invoke/passthrough built-ins once the registry
// they dispatch through exists, breaking the construction cycle (the
// registry itself needs the built-in map before it can exist).
func registerMetaTools(builtins map[string]builtinTool, registry *Registry) {
	builtins[invokeToolID] = &invokeTool{registry: registry}
	builtins[passthroughToolID] = &passthroughTool{registry: registry}
}
