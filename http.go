package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// ===== infra helpers =====

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

func newAuthMiddleware(tokens []string) MiddlewareFunc {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		tokenSet[token] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokenSet) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := tokenSet[token]; !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggerMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("<%s> %s %s", prefix, r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("<%s> panic: %v", prefix, err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type readinessSnapshot struct {
	ReadyAt     time.Time
	ServerCount int
}

var readyState atomic.Pointer[readinessSnapshot]

// ===== SSE facade =====

func emitReadinessEvent(w http.ResponseWriter, flusher http.Flusher) bool {
	snapshot := readyState.Load()
	if snapshot == nil {
		return false
	}
	payload := map[string]any{
		"state":       "ready",
		"readyAt":     snapshot.ReadyAt.Format(time.RFC3339Nano),
		"serverCount": snapshot.ServerCount,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("<facade> failed to marshal readiness payload: %v", err)
		return false
	}
	fmt.Fprintf(w, "event: ready\ndata: %s\n\n", data)
	flusher.Flush()
	return true
}

// handleSSE drains a session's outbound frame queue (progress notifications,
// catalogue-change signals) onto the client's open stream. The relay is
// best-effort: frames are dropped rather than blocking the producer.
func handleSSE(w http.ResponseWriter, r *http.Request, endpoint string, session *SessionContext) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	_, _ = io.WriteString(w, ":\n\n")
	flusher.Flush()

	if endpoint != "" {
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
		flusher.Flush()
	}

	readyAnnounced := emitReadinessEvent(w, flusher)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var changeCh <-chan struct{}
	if session != nil {
		changeCh = session.Listen()
	}

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
			if !readyAnnounced {
				readyAnnounced = emitReadinessEvent(w, flusher)
			}
		case <-changeCh:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", mustMarshal(jsonrpcNotification{
				JSONRPC: "2.0",
				Method:  "notifications/tools/list_changed",
			}))
			flusher.Flush()
		case frame, ok := <-session.frames:
			if !ok {
				return
			}
			w.Write(frame)
			flusher.Flush()
		}
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// ===== JSON-RPC helpers =====

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

func rpcError(id any, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg}}
}

func rpcOK(id any, result any) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func handleNotification(w http.ResponseWriter, req *jsonrpcRequest) bool {
	if req == nil || req.ID != nil {
		return false
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// sessionNotifier adapts a SessionContext's outbound frame queue to the
// downstreamNotifier interface the bridge's progress relay calls through.
type sessionNotifier struct {
	session *SessionContext
}

func (n sessionNotifier) SendNotification(ctx context.Context, method string, params any) error {
	if n.session == nil {
		return errors.New("notifier: no active session")
	}
	frame := fmt.Sprintf("event: message\ndata: %s\n\n", mustMarshal(jsonrpcNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}))
	n.session.PushFrame([]byte(frame))
	return nil
}

// toolDescriptor renders one CallableTool as the wire shape a `tools/list`
// entry expects, annotated via the teacher's annotation normalizer.
func toolDescriptor(tool *CallableTool) map[string]any {
	mcpTool := mcp.Tool{
		Name:        tool.OutwardName,
		Description: tool.Description,
	}
	readOnly := tool.OutwardName == canonicalSearchTool || tool.OutwardName == docsSearchToolID || tool.OutwardName == docsFetchToolID
	mcpTool.Annotations = mcp.ToolAnnotation{ReadOnlyHint: &readOnly}

	descriptor := map[string]any{
		"name":        mcpTool.Name,
		"annotations": normalizeToolAnnotations(mcpTool),
	}
	if mcpTool.Description != "" {
		descriptor["description"] = mcpTool.Description
	}
	if tool.Schema != nil {
		descriptor["inputSchema"] = tool.Schema
	}
	return descriptor
}

func buildInitializeResult(serverName, serverVersion string, tools []*CallableTool) map[string]any {
	entries := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		entries = append(entries, toolDescriptor(t))
	}
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"tools": entries,
	}
}

// resolveSessionID reuses the session id carried by the client, or mints
// one on first contact.
func resolveSessionID(r *http.Request) string {
	if id := r.Header.Get("Mcp-Session-Id"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return uuid.New().String()
}

func bearerTokenFrom(r *http.Request, fallback string) string {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token != "" {
		return token
	}
	return fallback
}

func splitHeaderList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// app bundles everything the HTTP layer needs without reaching for package
// globals, mirroring the teacher's posture of passing explicit collaborators
// into each handler closure.
type app struct {
	cfg      *Config
	registry *Registry
}

func (a *app) selectionInputsFor(r *http.Request, settings *UserSettings) SelectionInputs {
	searchEnablesFetch := a.cfg.SearchEnablesFetch.OrElse(false)
	return SelectionInputs{
		BouquetHeader:      r.Header.Get("X-MCP-Bouquet"),
		MixHeader:          splitHeaderList(r.Header.Get("X-MCP-Mix")),
		GradioHeader:       splitHeaderList(r.Header.Get("X-MCP-Gradio")),
		UserSettings:       settings,
		KnownBuiltinIDs:    a.registry.knownBuiltinIDs(),
		Presets:            a.cfg.Presets,
		SearchEnablesFetch: searchEnablesFetch,
		DocsSearchToolID:   docsSearchToolID,
		DocsFetchToolID:    docsFetchToolID,
	}
}

func (a *app) handleMCP(w http.ResponseWriter, r *http.Request) {
	sessionID := resolveSessionID(r)
	bearerToken := bearerTokenFrom(r, a.cfg.DefaultHFToken)

	session, ok := a.registry.Session(sessionID)
	if !ok {
		session = a.registry.CreateSession(context.Background(), sessionID, nil, bearerToken)
	} else {
		session.BearerToken = bearerToken
	}
	w.Header().Set("Mcp-Session-Id", sessionID)

	switch r.Method {
	case http.MethodGet:
		publicEndpoint := fmt.Sprintf("%s?sessionId=%s", path.Join(a.cfg.BaseURL, "mcp"), sessionID)
		handleSSE(w, r, publicEndpoint, session)
		return

	case http.MethodPost:
		a.handleRPC(w, r, session)
		return

	case http.MethodOptions:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return

	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (a *app) handleRPC(w http.ResponseWriter, r *http.Request, session *SessionContext) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if handleNotification(w, &req) {
		return
	}

	w.Header().Set("Content-Type", "application/json")

	switch req.Method {
	case "initialize":
		a.rebuildCatalogueFor(r, session)
		tools := a.registry.ListCatalogue(session)
		result := buildInitializeResult("hf-mcp-proxy", "1.0.0", tools)
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, result))

	case "tools/list":
		tools := a.registry.ListCatalogue(session)
		entries := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			entries = append(entries, toolDescriptor(t))
		}
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, map[string]any{"tools": entries}))

	case "tools/call":
		a.handleToolCall(w, r, req, session)

	case "ping":
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, map[string]any{}))

	default:
		_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32601, "Method not found"))
	}
}

func (a *app) rebuildCatalogueFor(r *http.Request, session *SessionContext) {
	settings := &UserSettings{ToolIDs: a.registry.knownBuiltinIDs(), Source: settingsSourceInternal}
	selection := resolveToolSelection(a.selectionInputsFor(r, settings))
	_ = a.registry.RebuildCatalogue(r.Context(), session, nil, selection)
}

func (a *app) handleToolCall(w http.ResponseWriter, r *http.Request, req jsonrpcRequest, session *SessionContext) {
	var params toolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32602, "Invalid params"))
			return
		}
	}
	if params.Name == "" {
		_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32602, "Missing tool name"))
		return
	}

	var rawArgs map[string]any
	if len(params.Arguments) > 0 {
		_ = json.Unmarshal(params.Arguments, &rawArgs)
	}
	if rawArgs == nil {
		rawArgs = map[string]any{}
	}
	newName, newArgs, _ := rewriteLegacyRequest(params.Name, rawArgs)
	argsRaw, err := json.Marshal(newArgs)
	if err != nil {
		_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32603, "Internal error"))
		return
	}

	var progressToken any
	if params.Meta != nil {
		progressToken = params.Meta.ProgressToken
	}

	result, err := a.registry.Invoke(r.Context(), session, newName, argsRaw, progressToken, sessionNotifier{session: session})
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32601, "Unknown tool: "+newName))
			return
		}
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, &callToolResult{
			IsError: true,
			Content: []contentItem{{"type": "text", "text": err.Error()}},
		}))
		return
	}
	_ = json.NewEncoder(w).Encode(rpcOK(req.ID, result))
}

// handleDebugStats serves the supplemented "/debug/proxy/stats" endpoint
// described in SPEC_FULL.md's Supplemented Features.
func (a *app) handleDebugStats(cache *TwoLevelCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cache":     cache.Stats(),
			"readiness": readyState.Load(),
		})
	}
}

// ===== main HTTP server =====

func startHTTPServer(cfg *Config, registry *Registry, cache *TwoLevelCache, tokens []string) error {
	a := &app{cfg: cfg, registry: registry}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpMux := http.NewServeMux()

	mcpPath := path.Join(cfg.BaseURL, "mcp")
	if !strings.HasPrefix(mcpPath, "/") {
		mcpPath = "/" + mcpPath
	}

	mws := []MiddlewareFunc{recoverMiddleware("facade"), loggerMiddleware("facade")}
	if len(tokens) > 0 {
		mws = append(mws, newAuthMiddleware(tokens))
	}
	httpMux.Handle(mcpPath, chainMiddleware(http.HandlerFunc(a.handleMCP), mws...))
	httpMux.HandleFunc("/debug/proxy/stats", a.handleDebugStats(cache))

	readyState.Store(&readinessSnapshot{ReadyAt: time.Now().UTC(), ServerCount: len(a.registry.knownBuiltinIDs())})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: httpMux}

	go func() {
		log.Printf("mcp-proxy listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ListenAndServe: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
