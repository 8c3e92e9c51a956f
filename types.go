package main

import (
	"context"
	"sync"
	"sync/atomic"
)

// CallableTool is an entry in a session's active catalogue: either a
// built-in (Upstream is nil) or a tool backed by a discovered endpoint.
type CallableTool struct {
	OutwardName string
	Upstream    *upstreamRef // nil for built-in tools
	Schema      map[string]any
	Description string
	Enabled     bool
}

// upstreamRef names the endpoint and upstream tool a dynamic CallableTool
// is backed by.
type upstreamRef struct {
	Ref       SpaceRef
	Subdomain string
	ToolName  string
	Private   bool
}

// ClientInfo mirrors the downstream "initialize" handshake's clientInfo.
type ClientInfo struct {
	Name    string
	Version string
}

// HeaderOverrides is the per-session snapshot of the X-MCP-* request headers
// that steer tool selection (bouquet, mix, and ad-hoc gradio endpoints).
type HeaderOverrides struct {
	Bouquet string
	Mix     []string
	Gradio  []string
}

// SessionContext is everything scoped to one connected client. The
// catalogue is owned exclusively by the registry's serialized
// enable/disable path; readers take catalogueMu.RLock.
type SessionContext struct {
	SessionID      string
	ClientInfo     *ClientInfo
	BearerToken    string
	HeaderOverride HeaderOverrides

	catalogueMu sync.RWMutex
	catalogue   map[string]*CallableTool

	listenerMu sync.Mutex
	listener   chan struct{}
	closed     bool

	lastEmitted map[string]struct{}

	frames chan []byte // outbound SSE frames (progress notifications etc), drained by handleSSE

	cancelFuncs sync.Map // invocation id -> context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

func newSessionContext(parent context.Context, sessionID string) *SessionContext {
	ctx, cancel := context.WithCancel(parent)
	return &SessionContext{
		SessionID: sessionID,
		catalogue: make(map[string]*CallableTool),
		ctx:       ctx,
		cancel:    cancel,
		frames:    make(chan []byte, 64),
	}
}

// PushFrame enqueues a raw SSE frame for the session's open stream,
// dropping it if the buffer is full rather than blocking the caller — the
// relay is best-effort.
func (s *SessionContext) PushFrame(frame []byte) {
	select {
	case s.frames <- frame:
	default:
	}
}

// Teardown cancels every in-flight upstream call associated with the
// session and closes the catalogue-change listener.
func (s *SessionContext) Teardown() {
	s.cancel()
	s.listenerMu.Lock()
	if s.listener != nil && !s.closed {
		close(s.listener)
		s.closed = true
	}
	s.listenerMu.Unlock()
}

// Listen returns the (lazily created) unbuffered, single-subscriber
// catalogue-change channel.
func (s *SessionContext) Listen() <-chan struct{} {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		s.listener = make(chan struct{})
	}
	return s.listener
}

// notifyCatalogueChanged is non-blocking to the producer: a full channel (no
// subscriber currently waiting) simply drops the signal.
func (s *SessionContext) notifyCatalogueChanged() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil || s.closed {
		return
	}
	select {
	case s.listener <- struct{}{}:
	default:
	}
}

// InvocationContext carries the state of one in-flight tool call: its
// cancellation scope, the progress token the caller asked to be updated
// against, and the response headers captured off the upstream transport.
type InvocationContext struct {
	SessionRef    *SessionContext
	OutwardName   string
	Arguments     []byte
	ProgressToken any

	ctx    context.Context
	cancel context.CancelFunc

	relayDisabled atomic.Bool
	relayOnce     sync.Once
	relayCh       chan relayJob

	capturedMu sync.Mutex
	captured   map[string]string
}

func newInvocationContext(parent context.Context, session *SessionContext, outwardName string, arguments []byte, progressToken any) *InvocationContext {
	ctx, cancel := context.WithCancel(parent)
	return &InvocationContext{
		SessionRef:    session,
		OutwardName:   outwardName,
		Arguments:     arguments,
		ProgressToken: progressToken,
		ctx:           ctx,
		cancel:        cancel,
		captured:      make(map[string]string),
	}
}

func (ic *InvocationContext) Context() context.Context { return ic.ctx }

// Cancel signals the invocation to stop: its context is cancelled and any
// blocking work selecting on it unwinds.
func (ic *InvocationContext) Cancel() { ic.cancel() }

func (ic *InvocationContext) cancelled() bool {
	select {
	case <-ic.ctx.Done():
		return true
	default:
		return false
	}
}

func (ic *InvocationContext) captureHeader(key, value string) {
	ic.capturedMu.Lock()
	ic.captured[key] = value
	ic.capturedMu.Unlock()
}

func (ic *InvocationContext) capturedHeaders() map[string]string {
	ic.capturedMu.Lock()
	defer ic.capturedMu.Unlock()
	out := make(map[string]string, len(ic.captured))
	for k, v := range ic.captured {
		out[k] = v
	}
	return out
}

// downstreamNotifier is the minimal surface the progress relay needs from
// the downstream transport: send one notification, fire-and-forget.
// Implementations come from the live HTTP/SSE transport (http.go) or, in
// tests, a stub that can be made to fail.
type downstreamNotifier interface {
	SendNotification(ctx context.Context, method string, params any) error
}
