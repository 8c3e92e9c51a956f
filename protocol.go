package main

import "encoding/json"

// Shared wire-format pieces of the JSON-RPC tool-invocation protocol that
// are spoken on both the downstream (http.go) and upstream (bridge.go)
// sides. jsonrpcRequest/jsonrpcResponse/jsonrpcError live in http.go
// (adapted from the teacher's facade) since that is where they were first
// introduced; these are the additional shapes the upstream bridge and the
// progress relay need.

// toolCallParams is the decoded body of a "tools/call" request's params,
// shared by the downstream facade and the upstream bridge.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *toolCallMeta   `json:"_meta,omitempty"`
}

type toolCallMeta struct {
	ProgressToken any `json:"progressToken,omitempty"`
}

// contentItem is a single ContentItem: a text block, an image block, or an
// opaque block. The proxy never needs to interpret non-text blocks, so they
// are carried as plain maps.
type contentItem = map[string]any

// callToolResult is the decoded shape of a tools/call result.
type callToolResult struct {
	IsError bool           `json:"isError"`
	Content []contentItem  `json:"content"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

// progressNotificationParams is the params payload of a
// "notifications/progress" message.
type progressNotificationParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         *float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}
