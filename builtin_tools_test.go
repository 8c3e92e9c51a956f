package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestInvokeToolRefusesComplexSchemaAndPointsAtPassthrough(t *testing.T) {
	builtins := map[string]builtinTool{}
	r := newRegistry(&Config{}, nil, nil, nil, builtins)
	registerMetaTools(builtins, r)

	session := newSessionContext(context.Background(), "sess-1")
	r.swapCatalogue(session, map[string]*CallableTool{
		"gr1_configure": {
			OutwardName: "gr1_configure",
			Enabled:     true,
			Upstream:    &upstreamRef{Ref: "o/s", Subdomain: "o-s", ToolName: "configure"},
			Schema: map[string]any{
				"properties": map[string]any{
					"config": map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "string"}}},
				},
			},
		},
	})

	args, _ := json.Marshal(map[string]any{"tool": "gr1_configure"})
	got, err := builtins[invokeToolID].Invoke(context.Background(), session, args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsError {
		t.Fatalf("expected a structured error result for a complex schema")
	}
	if len(got.Content) != 1 {
		t.Fatalf("expected one content item, got %+v", got.Content)
	}
	text, _ := got.Content[0]["text"].(string)
	if !strings.Contains(text, passthroughToolID) {
		t.Fatalf("expected the error to name %q, got %q", passthroughToolID, text)
	}
}

func TestInvokeToolUnknownToolReturnsErrToolNotFound(t *testing.T) {
	builtins := map[string]builtinTool{}
	r := newRegistry(&Config{}, nil, nil, nil, builtins)
	registerMetaTools(builtins, r)
	session := newSessionContext(context.Background(), "sess-1")

	args, _ := json.Marshal(map[string]any{"tool": "does_not_exist"})
	_, err := builtins[invokeToolID].Invoke(context.Background(), session, args)
	if err != ErrToolNotFound {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}
