package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// hubClient talks to the Hub API ("GET https://huggingface.co/api/spaces/<ref>")
// and to an individual upstream space's schema endpoint. It carries no
// state beyond the http.Client and base URL, matching the teacher's posture
// of plain, stateless HTTP clients for its collaborators.
type hubClient struct {
	http    *http.Client
	baseURL string
}

func newHubClient(baseURL string) *hubClient {
	return &hubClient{
		http:    &http.Client{},
		baseURL: baseURL,
	}
}

// bearerClient returns an *http.Client that injects token via oauth2's
// static-token transport when token is non-empty, or the bridge's plain
// client otherwise. The hub API call is the one place a per-request bearer
// identity legitimately varies per caller, so the oauth2 transport is built
// fresh per call rather than cached on hubClient.
func (h *hubClient) bearerClient(token string) *http.Client {
	if token == "" {
		return h.http
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &http.Client{
		Transport: &oauth2.Transport{
			Source: src,
			Base:   h.http.Transport,
		},
	}
}

type hubSpaceResponse struct {
	Subdomain string `json:"subdomain"`
	Private   bool   `json:"private"`
	SDK       string `json:"sdk"`
	Emoji     string `json:"emoji,omitempty"`
	Title     string `json:"title,omitempty"`
	Runtime   *struct {
		Stage string `json:"stage,omitempty"`
	} `json:"runtime,omitempty"`
}

// hubFetchResult is the outcome of a single Phase A fetch: either fresh
// metadata, a "not modified" signal, or an error.
type hubFetchResult struct {
	NotModified bool
	Metadata    SpaceMetadata
	Err         error
}

// fetchSpaceMetadata performs the conditional GET for Phase A. staleETag,
// when non-empty, is sent as If-None-Match.
func (h *hubClient) fetchSpaceMetadata(ctx context.Context, ref SpaceRef, staleETag string, bearerToken string) hubFetchResult {
	url := fmt.Sprintf("%s/api/spaces/%s", h.baseURL, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return hubFetchResult{Err: err}
	}
	if staleETag != "" {
		req.Header.Set("If-None-Match", staleETag)
	}

	resp, err := h.bearerClient(bearerToken).Do(req)
	if err != nil {
		return hubFetchResult{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return hubFetchResult{NotModified: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return hubFetchResult{Err: fmt.Errorf("hub: %s returned status %d", ref, resp.StatusCode)}
	}

	var body hubSpaceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return hubFetchResult{Err: fmt.Errorf("hub: decode response for %s: %w", ref, err)}
	}

	meta := SpaceMetadata{
		Ref:       ref,
		Subdomain: body.Subdomain,
		SDK:       body.SDK,
		Private:   body.Private,
		Emoji:     body.Emoji,
		Title:     body.Title,
		ETag:      resp.Header.Get("ETag"),
		FetchedAt: time.Now(),
	}
	if body.Runtime != nil {
		meta.RuntimeStage = body.Runtime.Stage
	}
	return hubFetchResult{Metadata: meta}
}

// schemaFetchResult is the outcome of a single Phase B fetch.
type schemaFetchResult struct {
	Raw json.RawMessage
	Err error
}

// fetchUpstreamSchema performs the GET against the upstream's MCP schema
// endpoint.
func (h *hubClient) fetchUpstreamSchema(ctx context.Context, subdomain string, bearerToken string) schemaFetchResult {
	url := fmt.Sprintf("https://%s.hf.space/gradio_api/mcp/schema", subdomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return schemaFetchResult{Err: err}
	}
	if bearerToken != "" {
		req.Header.Set("X-HF-Authorization", "Bearer "+bearerToken)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return schemaFetchResult{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return schemaFetchResult{Err: fmt.Errorf("schema: %s returned status %d", subdomain, resp.StatusCode)}
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return schemaFetchResult{Err: fmt.Errorf("schema: decode response for %s: %w", subdomain, err)}
	}
	return schemaFetchResult{Raw: raw}
}
