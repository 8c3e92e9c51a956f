package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// headerCapturingTransport wraps the default transport and reports every
// response's headers to a callback before returning the response to the
// caller.
type headerCapturingTransport struct {
	base    http.RoundTripper
	onReply func(http.Header)
}

func (t *headerCapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err == nil && resp != nil && t.onReply != nil {
		t.onReply(resp.Header)
	}
	return resp, err
}

// upstreamBridge opens a transient SSE client per invocation, injects auth,
// captures headers, relays progress, rewrites replica URLs, and guarantees
// the client is closed on every exit path.
type upstreamBridge struct {
	noReplicaRewrite bool
}

func newUpstreamBridge(noReplicaRewrite bool) *upstreamBridge {
	return &upstreamBridge{noReplicaRewrite: noReplicaRewrite}
}

// upstreamSSEClient is a scoped, per-invocation resource: created, used,
// and destroyed within one Call.
type upstreamSSEClient struct {
	subdomain   string
	bearerToken string

	httpClient *http.Client

	lastReplicaHeader string
	headerMu          sync.Mutex

	sseResp *http.Response
	msgCh   <-chan json.RawMessage
	errCh   <-chan error

	endpointURL string

	closeOnce sync.Once
}

func (b *upstreamBridge) openClient(ctx context.Context, subdomain, bearerToken string) (*upstreamSSEClient, error) {
	c := &upstreamSSEClient{subdomain: subdomain, bearerToken: bearerToken}

	transport := &headerCapturingTransport{
		onReply: func(h http.Header) {
			if v := h.Get("X-Proxied-Replica"); v != "" {
				c.headerMu.Lock()
				c.lastReplicaHeader = v
				c.headerMu.Unlock()
			}
		},
	}
	c.httpClient = &http.Client{Transport: transport}

	sseURL := fmt.Sprintf("https://%s.hf.space/gradio_api/mcp/sse", subdomain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if bearerToken != "" {
		req.Header.Set("X-HF-Authorization", "Bearer "+bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("bridge: sse handshake against %s returned %d: %s", subdomain, resp.StatusCode, body)
	}
	c.sseResp = resp

	msgCh := make(chan json.RawMessage, 16)
	errCh := make(chan error, 1)
	endpointCh := make(chan string, 1)
	c.msgCh = msgCh
	c.errCh = errCh

	go readUpstreamEvents(resp.Body, sseURL, endpointCh, msgCh, errCh)

	select {
	case ep := <-endpointCh:
		c.endpointURL = ep
	case err := <-errCh:
		resp.Body.Close()
		return nil, err
	case <-time.After(10 * time.Second):
		resp.Body.Close()
		return nil, errors.New("bridge: timed out waiting for endpoint event")
	case <-ctx.Done():
		resp.Body.Close()
		return nil, ctx.Err()
	}

	return c, nil
}

// readUpstreamEvents is the SSE frame reader, grounded on the same
// event/data accumulation loop the pack's SSE bridge examples use: collect
// "event:"/"data:" lines until a blank line, then dispatch.
func readUpstreamEvents(body io.ReadCloser, base string, endpointCh chan<- string, msgCh chan<- json.RawMessage, errCh chan<- error) {
	defer close(msgCh)
	defer body.Close()

	reader := bufio.NewReader(body)
	var eventName string
	var dataLines []string

	baseOrigin := base
	if u, err := url.Parse(base); err == nil {
		baseOrigin = u.Scheme + "://" + u.Host
	}

	flush := func() {
		if len(dataLines) == 0 && eventName == "" {
			return
		}
		data := strings.Join(dataLines, "\n")
		switch eventName {
		case "endpoint":
			ep := strings.TrimSpace(data)
			if strings.HasPrefix(ep, "/") {
				ep = baseOrigin + ep
			}
			select {
			case endpointCh <- ep:
			default:
			}
		case "message", "":
			msgCh <- json.RawMessage(data)
		}
		eventName = ""
		dataLines = nil
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case errCh <- err:
				default:
				}
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment/keepalive, ignore
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (c *upstreamSSEClient) replicaHeader() string {
	c.headerMu.Lock()
	defer c.headerMu.Unlock()
	return c.lastReplicaHeader
}

// sendCall posts the single tools/call frame this invocation makes.
func (c *upstreamSSEClient) sendCall(ctx context.Context, id int64, toolName string, arguments json.RawMessage) error {
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}{Name: toolName, Arguments: arguments}
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	envelope := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/call",
		Params:  paramsRaw,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("X-HF-Authorization", "Bearer "+c.bearerToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bridge: tools/call post returned %d: %s", resp.StatusCode, b)
	}
	return nil
}

// Close closes the upstream client on every exit path (success, error,
// cancellation).
func (c *upstreamSSEClient) Close() {
	c.closeOnce.Do(func() {
		if c.sseResp != nil {
			c.sseResp.Body.Close()
		}
	})
}

type upstreamEnvelope struct {
	ID     json.RawMessage             `json:"id,omitempty"`
	Method string                      `json:"method,omitempty"`
	Params json.RawMessage             `json:"params,omitempty"`
	Result json.RawMessage             `json:"result,omitempty"`
	Error  *jsonrpcError               `json:"error,omitempty"`
}

// Call performs one invocation end-to-end against the upstream space named
// by subdomain: opens a transient SSE client, injects X-HF-Authorization,
// relays progress best-effort, awaits the result, rewrites replica URLs,
// and closes the client on every exit path.
func (b *upstreamBridge) Call(ctx context.Context, subdomain, toolName string, arguments json.RawMessage, bearerToken string, ic *InvocationContext, notifier downstreamNotifier) (*callToolResult, error) {
	client, err := b.openClient(ctx, subdomain, bearerToken)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	callID := time.Now().UnixNano()
	if err := client.sendCall(ctx, callID, toolName, arguments); err != nil {
		return nil, err
	}

	idleTimeout := 60 * time.Second
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ic.ctx.Done():
			return nil, ic.ctx.Err()
		case <-timer.C:
			return nil, errors.New("bridge: upstream call timed out without progress")
		case err, ok := <-client.errCh:
			if ok && err != nil {
				return nil, fmt.Errorf("bridge: upstream transport error: %w", err)
			}
		case raw, ok := <-client.msgCh:
			if !ok {
				return nil, errors.New("bridge: upstream closed the stream before returning a result")
			}
			var env upstreamEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				log.Printf("<bridge> %s: malformed upstream frame: %v", subdomain, err)
				continue
			}

			if env.Method == "notifications/progress" {
				relayProgress(ctx, ic, notifier, env.Params)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(idleTimeout)
				continue
			}

			if len(env.ID) == 0 {
				// other notification we don't act on
				continue
			}

			if env.Error != nil {
				return nil, fmt.Errorf("bridge: upstream error %d: %s", env.Error.Code, env.Error.Message)
			}

			var result callToolResult
			if err := json.Unmarshal(env.Result, &result); err != nil {
				return nil, fmt.Errorf("bridge: decode call result: %w", err)
			}

			b.postProcess(&result, client, ic)
			return &result, nil
		}
	}
}

// relayJob is one queued progress send for a single invocation's relay
// worker.
type relayJob struct {
	ctx      context.Context
	notifier downstreamNotifier
	params   progressNotificationParams
}

// relayWorkerBacklog bounds the per-invocation progress queue; upstream
// spaces that report progress faster than the downstream client drains it
// fall behind rather than spawning unbounded goroutines.
const relayWorkerBacklog = 32

// startRelayWorker lazily starts the single goroutine that drains ic's
// relay queue in FIFO order. Called at most once per invocation.
func (ic *InvocationContext) startRelayWorker() {
	ic.relayOnce.Do(func() {
		ic.relayCh = make(chan relayJob, relayWorkerBacklog)
		go func() {
			for {
				select {
				case job, ok := <-ic.relayCh:
					if !ok {
						return
					}
					if ic.relayDisabled.Load() {
						continue
					}
					if err := job.notifier.SendNotification(job.ctx, "notifications/progress", job.params); err != nil {
						ic.relayDisabled.Store(true)
					}
				case <-ic.ctx.Done():
					return
				}
			}
		}()
	})
}

// relayProgress is the best-effort relay for one upstream progress
// notification. It hands the notification to the invocation's single relay
// worker rather than sending it directly, so concurrent notifications for
// the same invocation are always delivered in receipt order. It permanently
// disables itself on the first downstream send failure: sendNotification is
// called at most once after a failure.
func relayProgress(ctx context.Context, ic *InvocationContext, notifier downstreamNotifier, raw json.RawMessage) {
	if ic.ProgressToken == nil || notifier == nil {
		return
	}
	if ic.relayDisabled.Load() {
		return
	}
	if ic.cancelled() {
		return
	}

	var params progressNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}

	out := progressNotificationParams{
		ProgressToken: ic.ProgressToken,
		Progress:      params.Progress,
		Total:         params.Total,
		Message:       params.Message,
	}

	ic.startRelayWorker()
	select {
	case ic.relayCh <- relayJob{ctx: ctx, notifier: notifier, params: out}:
	default:
		// backlog full: drop rather than block the upstream read loop.
	}
}

// postProcess applies the replica URL rewrite plus header echo onto the
// result's _meta.
func (b *upstreamBridge) postProcess(result *callToolResult, client *upstreamSSEClient, ic *InvocationContext) {
	replicaHeaderValue := client.replicaHeader()
	if replicaHeaderValue != "" {
		ic.captureHeader("X-Proxied-Replica", replicaHeaderValue)
	}

	if !b.noReplicaRewrite {
		replicaID := extractReplicaID(replicaHeaderValue)
		if replicaID != "" {
			result.Content = rewriteContentReplicaURLs(result.Content, replicaID)
		}
	}

	if captured := ic.capturedHeaders(); len(captured) > 0 {
		if result.Meta == nil {
			result.Meta = map[string]any{}
		}
		result.Meta["responseHeaders"] = captured
	}
}
