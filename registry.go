package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrToolNotFound is returned when an outward name has no catalogue entry,
// or resolves to a disabled entry.
var ErrToolNotFound = errors.New("tool not found")

// builtinTool covers both a static built-in and a dynamic dispatch target,
// modelled as one interface with two concrete implementations rather than a
// deep hierarchy.
type builtinTool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Invoke(ctx context.Context, session *SessionContext, arguments json.RawMessage) (*callToolResult, error)
}

// Registry is the session & tool registry. One Registry is shared
// process-wide; it owns no per-session state itself — each SessionContext's
// catalogue is mutated only through the registry's serialized
// Enable/Disable operations.
type Registry struct {
	cfg       *Config
	cache     *TwoLevelCache
	discovery *discoveryPipeline
	bridge    *upstreamBridge
	builtins  map[string]builtinTool

	sessionsMu sync.RWMutex
	sessions   map[string]*SessionContext
}

func newRegistry(cfg *Config, cache *TwoLevelCache, discovery *discoveryPipeline, bridge *upstreamBridge, builtins map[string]builtinTool) *Registry {
	return &Registry{
		cfg:       cfg,
		cache:     cache,
		discovery: discovery,
		bridge:    bridge,
		builtins:  builtins,
		sessions:  make(map[string]*SessionContext),
	}
}

func (r *Registry) knownBuiltinIDs() []string {
	return sortedKeys(r.builtins)
}

// CreateSession implements the "created on first request carrying a new
// session identifier" lifecycle rule.
func (r *Registry) CreateSession(ctx context.Context, sessionID string, client *ClientInfo, bearerToken string) *SessionContext {
	session := newSessionContext(ctx, sessionID)
	session.ClientInfo = client
	session.BearerToken = bearerToken

	r.sessionsMu.Lock()
	r.sessions[sessionID] = session
	r.sessionsMu.Unlock()
	return session
}

func (r *Registry) Session(sessionID string) (*SessionContext, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// TeardownSession implements the "torn down when the transport closes or on
// idle expiry" lifecycle rule.
func (r *Registry) TeardownSession(sessionID string) {
	r.sessionsMu.Lock()
	session, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.sessionsMu.Unlock()
	if ok {
		session.Teardown()
	}
}

// RebuildCatalogue resolves the active tool-ID set via the selection
// strategy, then synthesizes a CallableTool per built-in ID and per
// (endpoint, ToolDescriptor).
func (r *Registry) RebuildCatalogue(ctx context.Context, session *SessionContext, endpoints []SpaceRef, selection SelectionResult) error {
	newCatalogue := make(map[string]*CallableTool)

	for _, id := range selection.ToolIDs {
		tool, ok := r.builtins[id]
		if !ok {
			continue
		}
		newCatalogue[id] = &CallableTool{
			OutwardName: id,
			Upstream:    nil,
			Schema:      tool.Schema(),
			Description: tool.Description(),
			Enabled:     true,
		}
	}

	allEndpoints := append(append([]SpaceRef(nil), endpoints...), selection.ExtraEndpoints...)
	results := r.discovery.Discover(ctx, allEndpoints, session.BearerToken)

	for i, result := range results {
		if result.Err != nil || result.Metadata == nil {
			continue
		}
		index := i + 1 // 1-based position in the resolved endpoint list
		for _, desc := range result.Tools {
			outward := outwardName(index, result.Metadata.Private, desc.Name)
			newCatalogue[outward] = &CallableTool{
				OutwardName: outward,
				Upstream: &upstreamRef{
					Ref:       result.Ref,
					Subdomain: result.Metadata.Subdomain,
					ToolName:  desc.Name,
					Private:   result.Metadata.Private,
				},
				Schema:      desc.InputSchema,
				Description: desc.Description,
				Enabled:     true,
			}
		}
	}

	r.swapCatalogue(session, newCatalogue)
	return nil
}

// outwardName builds the deterministic "gr{index}_{name}" outward name,
// with a "p" marker inserted for private spaces.
func outwardName(index int, private bool, upstreamName string) string {
	if private {
		return fmt.Sprintf("gr%dp_%s", index, upstreamName)
	}
	return fmt.Sprintf("gr%d_%s", index, upstreamName)
}

// swapCatalogue replaces the session's catalogue and emits a
// catalogue-change event iff the enabled outward-name set actually
// changed.
func (r *Registry) swapCatalogue(session *SessionContext, newCatalogue map[string]*CallableTool) {
	enabledNow := make(map[string]struct{}, len(newCatalogue))
	for name, tool := range newCatalogue {
		if tool.Enabled {
			enabledNow[name] = struct{}{}
		}
	}

	session.catalogueMu.Lock()
	session.catalogue = newCatalogue
	changed := !sameNameSet(session.lastEmitted, enabledNow)
	if changed {
		session.lastEmitted = enabledNow
	}
	session.catalogueMu.Unlock()

	if changed {
		session.notifyCatalogueChanged()
	}
}

func sameNameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if _, ok := b[name]; !ok {
			return false
		}
	}
	return true
}

// ListCatalogue returns the enabled entries only; disabled entries never
// appear in a catalogue listing.
func (r *Registry) ListCatalogue(session *SessionContext) []*CallableTool {
	session.catalogueMu.RLock()
	defer session.catalogueMu.RUnlock()
	out := make([]*CallableTool, 0, len(session.catalogue))
	for _, name := range sortedKeys(session.catalogue) {
		tool := session.catalogue[name]
		if tool.Enabled {
			out = append(out, tool)
		}
	}
	return out
}

// SetEnabled implements runtime enable/disable per tool, serialized per
// session via catalogueMu.
func (r *Registry) SetEnabled(session *SessionContext, outwardName string, enabled bool) error {
	session.catalogueMu.Lock()
	tool, ok := session.catalogue[outwardName]
	if ok {
		tool.Enabled = enabled
	}
	enabledNow := make(map[string]struct{}, len(session.catalogue))
	for name, t := range session.catalogue {
		if t.Enabled {
			enabledNow[name] = struct{}{}
		}
	}
	changed := !sameNameSet(session.lastEmitted, enabledNow)
	if changed {
		session.lastEmitted = enabledNow
	}
	session.catalogueMu.Unlock()

	if !ok {
		return ErrToolNotFound
	}
	if changed {
		session.notifyCatalogueChanged()
	}
	return nil
}

// Invoke handles one invocation: lookup, built-in dispatch, or dynamic
// dispatch through the bridge, with a just-in-time Phase-A refresh if the
// cached metadata for a dynamic tool's backing space is missing or stale.
func (r *Registry) Invoke(ctx context.Context, session *SessionContext, outwardName string, arguments json.RawMessage, progressToken any, notifier downstreamNotifier) (*callToolResult, error) {
	session.catalogueMu.RLock()
	tool, ok := session.catalogue[outwardName]
	session.catalogueMu.RUnlock()
	if !ok || !tool.Enabled {
		return nil, ErrToolNotFound
	}

	if tool.Upstream == nil {
		handler, ok := r.builtins[outwardName]
		if !ok {
			return nil, ErrToolNotFound
		}
		return handler.Invoke(ctx, session, arguments)
	}

	subdomain := tool.Upstream.Subdomain
	if subdomain == "" {
		results := r.discovery.Discover(ctx, []SpaceRef{tool.Upstream.Ref}, session.BearerToken)
		if len(results) == 0 || results[0].Err != nil || results[0].Metadata == nil {
			return nil, fmt.Errorf("registry: could not resolve metadata for %s: %w", tool.Upstream.Ref, ErrToolNotFound)
		}
		subdomain = results[0].Metadata.Subdomain
		tool.Upstream.Subdomain = subdomain
	}

	ic := newInvocationContext(ctx, session, outwardName, arguments, progressToken)
	defer ic.cancel()

	return r.bridge.Call(ic.Context(), subdomain, tool.Upstream.ToolName, arguments, session.BearerToken, ic, notifier)
}
