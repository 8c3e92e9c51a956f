package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingFailingNotifier struct {
	calls atomic.Int64
}

func (n *countingFailingNotifier) SendNotification(ctx context.Context, method string, params any) error {
	n.calls.Add(1)
	return errors.New("downstream send failed")
}

func waitForRelayDisabled(t *testing.T, ic *InvocationContext) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ic.relayDisabled.Load() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("relay was never disabled")
}

func TestRelayProgressDisablesAfterFirstFailure(t *testing.T) {
	ic := newInvocationContext(context.Background(), nil, "gr0_tool", nil, "token-1")
	notifier := &countingFailingNotifier{}

	relayProgress(context.Background(), ic, notifier, []byte(`{"progress":0.1}`))
	waitForRelayDisabled(t, ic)

	relayProgress(context.Background(), ic, notifier, []byte(`{"progress":0.2}`))
	relayProgress(context.Background(), ic, notifier, []byte(`{"progress":0.3}`))

	if got := notifier.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one relay attempt after the first failure, got %d", got)
	}
}

func TestRelayProgressNoOpWithoutProgressToken(t *testing.T) {
	ic := newInvocationContext(context.Background(), nil, "gr0_tool", nil, nil)
	notifier := &countingFailingNotifier{}

	relayProgress(context.Background(), ic, notifier, []byte(`{"progress":0.1}`))
	time.Sleep(10 * time.Millisecond)

	if got := notifier.calls.Load(); got != 0 {
		t.Fatalf("expected no relay attempt without a progress token, got %d", got)
	}
}

func TestRelayProgressNoOpAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ic := newInvocationContext(ctx, nil, "gr0_tool", nil, "token-1")
	ic.cancel()
	cancel()
	notifier := &countingFailingNotifier{}

	relayProgress(context.Background(), ic, notifier, []byte(`{"progress":0.1}`))
	time.Sleep(10 * time.Millisecond)

	if got := notifier.calls.Load(); got != 0 {
		t.Fatalf("expected no relay attempt once the invocation is cancelled, got %d", got)
	}
}

func TestReadUpstreamEventsDispatchesEndpointAndMessageFrames(t *testing.T) {
	body := "event: endpoint\n" +
		"data: /messages/abc123\n" +
		"\n" +
		"event: message\n" +
		"data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n" +
		"\n"

	endpointCh := make(chan string, 1)
	msgCh := make(chan json.RawMessage, 4)
	errCh := make(chan error, 1)

	readUpstreamEvents(io.NopCloser(strings.NewReader(body)), "https://space.hf.space/gradio_api/mcp/sse", endpointCh, msgCh, errCh)

	select {
	case ep := <-endpointCh:
		if ep != "https://space.hf.space/messages/abc123" {
			t.Fatalf("expected endpoint resolved against the SSE origin, got %q", ep)
		}
	default:
		t.Fatalf("expected an endpoint event")
	}

	select {
	case msg := <-msgCh:
		if !strings.Contains(string(msg), `"id":1`) {
			t.Fatalf("unexpected message frame: %s", msg)
		}
	default:
		t.Fatalf("expected a message frame")
	}
}
