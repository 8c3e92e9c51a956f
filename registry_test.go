package main

import (
	"context"
	"encoding/json"
	"testing"
)

type stubBuiltinTool struct {
	name   string
	result *callToolResult
	err    error
}

func (s *stubBuiltinTool) Name() string             { return s.name }
func (s *stubBuiltinTool) Description() string      { return s.name + " tool" }
func (s *stubBuiltinTool) Schema() map[string]any   { return map[string]any{"type": "object"} }
func (s *stubBuiltinTool) Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error) {
	return s.result, s.err
}

func newTestRegistry(builtins map[string]builtinTool) *Registry {
	return newRegistry(&Config{}, nil, nil, nil, builtins)
}

func TestOutwardNameMarksPrivateSpaces(t *testing.T) {
	if got := outwardName(1, false, "predict"); got != "gr1_predict" {
		t.Fatalf("got %q", got)
	}
	if got := outwardName(2, true, "predict"); got != "gr2p_predict" {
		t.Fatalf("got %q", got)
	}
}

func TestRegistryListCatalogueExcludesDisabled(t *testing.T) {
	r := newTestRegistry(nil)
	session := newSessionContext(context.Background(), "sess-1")
	r.swapCatalogue(session, map[string]*CallableTool{
		"gr1_predict": {OutwardName: "gr1_predict", Enabled: true},
		"gr1_reset":   {OutwardName: "gr1_reset", Enabled: false},
	})

	got := r.ListCatalogue(session)
	if len(got) != 1 || got[0].OutwardName != "gr1_predict" {
		t.Fatalf("expected only the enabled entry, got %+v", got)
	}
}

func TestRegistrySwapCatalogueEmitsChangeOnlyOnActualDiff(t *testing.T) {
	r := newTestRegistry(nil)
	session := newSessionContext(context.Background(), "sess-1")
	ch := session.Listen()

	r.swapCatalogue(session, map[string]*CallableTool{
		"gr1_predict": {OutwardName: "gr1_predict", Enabled: true},
	})
	select {
	case <-ch:
	default:
		t.Fatalf("expected a change event on the first non-empty catalogue")
	}

	// Same enabled-name set, different map instance: must not emit again.
	r.swapCatalogue(session, map[string]*CallableTool{
		"gr1_predict": {OutwardName: "gr1_predict", Enabled: true, Description: "updated"},
	})
	select {
	case <-ch:
		t.Fatalf("did not expect a change event when the enabled name set is unchanged")
	default:
	}

	r.swapCatalogue(session, map[string]*CallableTool{
		"gr1_predict": {OutwardName: "gr1_predict", Enabled: true},
		"gr2_predict": {OutwardName: "gr2_predict", Enabled: true},
	})
	select {
	case <-ch:
	default:
		t.Fatalf("expected a change event when a name is added to the enabled set")
	}
}

func TestRegistrySetEnabledTogglesAndReportsUnknownTool(t *testing.T) {
	r := newTestRegistry(nil)
	session := newSessionContext(context.Background(), "sess-1")
	r.swapCatalogue(session, map[string]*CallableTool{
		"gr1_predict": {OutwardName: "gr1_predict", Enabled: true},
	})

	if err := r.SetEnabled(session, "does_not_exist", false); err != ErrToolNotFound {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}

	if err := r.SetEnabled(session, "gr1_predict", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.ListCatalogue(session)) != 0 {
		t.Fatalf("expected the tool to be excluded once disabled")
	}
}

func TestRegistryInvokeDispatchesToBuiltin(t *testing.T) {
	stub := &stubBuiltinTool{name: "hub_search", result: &callToolResult{Content: []contentItem{{"type": "text", "text": "ok"}}}}
	r := newTestRegistry(map[string]builtinTool{"hub_search": stub})
	session := newSessionContext(context.Background(), "sess-1")
	r.swapCatalogue(session, map[string]*CallableTool{
		"hub_search": {OutwardName: "hub_search", Enabled: true, Upstream: nil},
	})

	got, err := r.Invoke(context.Background(), session, "hub_search", json.RawMessage(`{}`), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Content) != 1 || got.Content[0]["text"] != "ok" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestRegistryInvokeUnknownToolReturnsErrToolNotFound(t *testing.T) {
	r := newTestRegistry(nil)
	session := newSessionContext(context.Background(), "sess-1")

	_, err := r.Invoke(context.Background(), session, "gr1_predict", json.RawMessage(`{}`), nil, nil)
	if err != ErrToolNotFound {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryInvokeDisabledToolReturnsErrToolNotFound(t *testing.T) {
	r := newTestRegistry(nil)
	session := newSessionContext(context.Background(), "sess-1")
	r.swapCatalogue(session, map[string]*CallableTool{
		"gr1_predict": {OutwardName: "gr1_predict", Enabled: false, Upstream: &upstreamRef{Ref: "o/s", Subdomain: "o-s", ToolName: "predict"}},
	})

	_, err := r.Invoke(context.Background(), session, "gr1_predict", json.RawMessage(`{}`), nil, nil)
	if err != ErrToolNotFound {
		t.Fatalf("expected ErrToolNotFound for a disabled tool, got %v", err)
	}
}
