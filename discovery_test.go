package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// redirectToTestServer rewrites requests bound for *.hf.space onto a local
// httptest.Server, so resolveSchema's hardcoded upstream URL can be exercised
// without touching the network.
type redirectToTestServer struct {
	target *httptest.Server
}

func (rt *redirectToTestServer) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Host, ".hf.space") {
		targetURL := rt.target.URL
		req = req.Clone(req.Context())
		u := req.URL
		u.Scheme = "http"
		u.Host = strings.TrimPrefix(targetURL, "http://")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestDiscoveryIsolatesPerRefFailures(t *testing.T) {
	schemaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]rawArrayTool{
			{Name: "predict", Description: "run it", InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`)},
		})
	}))
	defer schemaSrv.Close()

	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "slow-owner"):
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusGatewayTimeout)
		case strings.Contains(r.URL.Path, "fast-owner"):
			_ = json.NewEncoder(w).Encode(hubSpaceResponse{Subdomain: "fast-owner-space", SDK: "gradio"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer hubSrv.Close()

	hub := newHubClient(hubSrv.URL)
	hub.http.Transport = &redirectToTestServer{target: schemaSrv}

	cache := newTwoLevelCache(time.Minute, time.Minute)
	cfg := &Config{
		DiscoveryWorkers: 4,
		SpaceCacheTTL:    time.Minute,
		SchemaCacheTTL:   time.Minute,
		SpaceInfoTimeout: 30 * time.Millisecond,
		SchemaTimeout:    time.Second,
	}
	pipeline := newDiscoveryPipeline(cache, hub, cfg)

	refs := []SpaceRef{"owner/slow-owner", "owner/fast-owner"}
	results := pipeline.Discover(context.Background(), refs, "")

	if len(results) != 2 {
		t.Fatalf("expected 2 results in input order, got %d", len(results))
	}
	if results[0].Ref != refs[0] || results[1].Ref != refs[1] {
		t.Fatalf("expected input order preserved, got %v then %v", results[0].Ref, results[1].Ref)
	}

	if results[0].Err == nil {
		t.Fatalf("expected the slow ref to fail")
	}
	if results[0].Metadata != nil {
		t.Fatalf("slow ref must carry no metadata on failure")
	}

	if results[1].Err != nil {
		t.Fatalf("fast ref must succeed, got %v", results[1].Err)
	}
	if results[1].Metadata == nil || len(results[1].Tools) != 1 || results[1].Tools[0].Name != "predict" {
		t.Fatalf("unexpected result for fast ref: %+v", results[1])
	}

	if _, ok := cache.GetSchema(refs[1]); !ok {
		t.Fatalf("expected schema cache to contain the successful ref")
	}
	if _, ok := cache.GetSchema(refs[0]); ok {
		t.Fatalf("schema cache must not contain an entry for the failed ref")
	}
}

func TestDiscoverySkipsSchemaForPrivateSpaceCache(t *testing.T) {
	schemaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]rawArrayTool{
			{Name: "predict", InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`)},
		})
	}))
	defer schemaSrv.Close()

	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(hubSpaceResponse{Subdomain: "priv-space", SDK: "gradio", Private: true})
	}))
	defer hubSrv.Close()

	hub := newHubClient(hubSrv.URL)
	hub.http.Transport = &redirectToTestServer{target: schemaSrv}

	cache := newTwoLevelCache(time.Minute, time.Minute)
	cfg := &Config{
		DiscoveryWorkers: 2,
		SpaceCacheTTL:    time.Minute,
		SchemaCacheTTL:   time.Minute,
		SpaceInfoTimeout: time.Second,
		SchemaTimeout:    time.Second,
	}
	pipeline := newDiscoveryPipeline(cache, hub, cfg)

	ref := SpaceRef("owner/priv-space")
	results := pipeline.Discover(context.Background(), []SpaceRef{ref}, "secret-token")

	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected result: %+v", results[0])
	}
	if len(results[0].Tools) != 1 {
		t.Fatalf("expected tools to be resolved even though uncached, got %+v", results[0])
	}
	if _, ok := cache.GetSchema(ref); ok {
		t.Fatalf("private space schema must never be cached")
	}
	if _, ok := cache.GetMetadata(ref); ok {
		t.Fatalf("private space metadata must never be cached")
	}
}
