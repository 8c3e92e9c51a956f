package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	optional "github.com/TBXark/optional-go"
)

func newTestApp() (*app, map[string]builtinTool) {
	builtins := map[string]builtinTool{}
	r := newRegistry(&Config{Presets: &PresetCatalog{}, SearchEnablesFetch: optional.NewField(false)}, nil, nil, nil, builtins)
	registerMetaTools(builtins, r)
	return &app{cfg: r.cfg, registry: r}, builtins
}

func TestHandleToolCallRewritesLegacyNameBeforeDispatch(t *testing.T) {
	a, builtins := newTestApp()
	stub := &stubBuiltinTool{name: canonicalSearchTool, result: &callToolResult{Content: []contentItem{{"type": "text", "text": "found"}}}}
	builtins[canonicalSearchTool] = stub

	session := a.registry.CreateSession(context.Background(), "sess-1", nil, "")
	a.registry.swapCatalogue(session, map[string]*CallableTool{
		canonicalSearchTool: {OutwardName: canonicalSearchTool, Enabled: true},
	})

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"model_search","arguments":{"task":"t"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.handleRPC(rec, req, session)

	var resp jsonrpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected response body: %s", rec.Body.String())
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
}

func TestHandleToolCallUnknownToolReturnsJSONRPCError(t *testing.T) {
	a, _ := newTestApp()
	session := a.registry.CreateSession(context.Background(), "sess-2", nil, "")

	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.handleRPC(rec, req, session)

	var resp jsonrpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected -32601 unknown-tool error, got %+v", resp.Error)
	}
}

func TestHandleRPCPingReturnsEmptyResult(t *testing.T) {
	a, _ := newTestApp()
	session := a.registry.CreateSession(context.Background(), "sess-3", nil, "")

	body := []byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.handleRPC(rec, req, session)

	var resp jsonrpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error != nil {
		t.Fatalf("unexpected ping response: %s", rec.Body.String())
	}
}

func TestResolveSessionIDPrefersHeaderOverQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/mcp?sessionId=from-query", nil)
	req.Header.Set("Mcp-Session-Id", "from-header")
	if got := resolveSessionID(req); got != "from-header" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSessionIDFallsBackToQueryThenMintsOne(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/mcp?sessionId=from-query", nil)
	if got := resolveSessionID(req); got != "from-query" {
		t.Fatalf("got %q", got)
	}
	req2 := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	if got := resolveSessionID(req2); got == "" {
		t.Fatalf("expected a minted session id")
	}
}

func TestToolDescriptorIncludesSchemaAndAnnotations(t *testing.T) {
	tool := &CallableTool{
		OutwardName: canonicalSearchTool,
		Description: "Search the hub",
		Schema:      map[string]any{"type": "object"},
	}
	desc := toolDescriptor(tool)
	if desc["name"] != canonicalSearchTool {
		t.Fatalf("unexpected name: %v", desc["name"])
	}
	if desc["inputSchema"] == nil {
		t.Fatalf("expected input schema to be present")
	}
	if _, ok := desc["annotations"]; !ok {
		t.Fatalf("expected annotations to be present")
	}
}

func TestSplitHeaderListTrimsAndDropsEmpty(t *testing.T) {
	got := splitHeaderList(" a , , b ,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
